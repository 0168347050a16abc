package unaligned

// AArch64 ESR_EL1 decode constants, grounded on the host ESR exception
// class / data-abort fields used to classify a fault and derive the
// guest PF_WRITE/PF_USER bits.
const (
	esrEC                = 0b111111 << 26
	esrECDataAbort       = 0b100100 << 26
	esrWnR               = 1 << 6
	esrDataAbortLevel    = 0b11
	esrDataAbortLevelEL0 = 0b11
)

// PageFaultFlags mirrors the x86 PF_* bits this engine must synthesize
// for a guest page-fault signal frame when the underlying fault was
// actually taken on an AArch64 host.
type PageFaultFlags uint32

// Guest-visible x86 page-fault error-code bits this handler derives.
const (
	PFWrite PageFaultFlags = 1 << 1
	PFUser  PageFaultFlags = 1 << 2
)

// IsDataAbort reports whether esr's exception class field identifies a
// data abort (the only class this handler interprets); any other class
// is out of scope for this decision tree.
func IsDataAbort(esr uint64) bool {
	return esr&esrEC == esrECDataAbort
}

// ProtectFlagsFromESR derives the guest PF_WRITE/PF_USER bits from an
// AArch64 ESR_EL1 data-abort value: EL0 faults are
// always guest-visible user faults; ESR_WnR set marks the fault as a
// write. The distinction between a translation fault and a permission
// fault is deliberately not surfaced further, matching the source's
// PF_PROT omission on x86.
func ProtectFlagsFromESR(esr uint64) PageFaultFlags {
	var flags PageFaultFlags
	if esr&esrDataAbortLevel == esrDataAbortLevelEL0 {
		flags |= PFUser
	}
	if esr&esrWnR != 0 {
		flags |= PFWrite
	}
	return flags
}
