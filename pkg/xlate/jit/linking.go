package jit

import "encoding/binary"

// ExitRecordSize is the size in bytes of the ExitFunction link record
// that immediately follows every linkable direct-branch call site:
// 8 bytes host_target, 8 bytes guest_target: a wire format that must be
// bit-exact.
const ExitRecordSize = 16

// ExitRecord is the in-code-buffer record a linkable call site's resolver
// reads and patches.
type ExitRecord struct {
	HostTarget  uint64
	GuestTarget uint64
}

// Encode writes the record into buf[:16].
func (r ExitRecord) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.HostTarget)
	binary.LittleEndian.PutUint64(buf[8:16], r.GuestTarget)
}

// DecodeExitRecord reads a record from buf[:16].
func DecodeExitRecord(buf []byte) ExitRecord {
	return ExitRecord{
		HostTarget:  binary.LittleEndian.Uint64(buf[0:8]),
		GuestTarget: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// LinkSite is everything the backend records about one linkable call site
// so that the dispatcher's ExitFunctionLinker (pkg/xlate/dispatch) can
// patch it later.
type LinkSite struct {
	// CallSiteOffset is the byte offset, within the owning CodeBuffer, of
	// the call instruction(s) that initially target the linker.
	CallSiteOffset int
	// RecordOffset is the byte offset of the 16-byte ExitRecord that
	// immediately follows the call site.
	RecordOffset int
	// GuestTarget is the guest PC this call site should ultimately reach.
	GuestTarget uint64
}
