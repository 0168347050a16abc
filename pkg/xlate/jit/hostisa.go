// Package jit translates one IR basic block into host machine code.
// It has no inheritance-based per-ISA dispatch: HostISA is a small
// interface implemented once per host architecture (pkg/xlate/jit/arm64,
// pkg/xlate/jit/riscv64), selected at Backend construction time —
// never a base-class/subclass hierarchy. Per-opcode emission is a switch
// on ir.Opcode inside each implementation's EmitNode; there is no
// opcode-indexed handler table.
package jit

import "github.com/talismancer/xbtcore/pkg/xlate/ir"

// HostISA is the small operation set that forms the right abstraction
// boundary for per-host-architecture code generation: the prologue,
// EmitGDBPauseCheck, SpillSRA/FillSRA, the per-opcode node emitter, the
// fallback call, halt and linked-branch emitters, the direct branch
// patch/restore pair the linker (pkg/xlate/dispatch) needs, and two host
// capability queries. It has no interpreter-trampoline or
// thread-pointer-initialization method.
type HostISA interface {
	// Name identifies the host architecture ("arm64", "riscv64").
	Name() string

	// EmitPrologue emits the block prologue. Both implementations emit a
	// single placeholder stack-adjust word and ignore spillSlots; no SRA
	// fill is emitted.
	EmitPrologue(asm *Assembler, spillSlots int)

	// EmitGDBPauseCheck loads RunningMode and, if non-zero, stores the
	// literal entry PC into guest RIP and tail-calls the thread-pause
	// handler.
	EmitGDBPauseCheck(asm *Assembler, entryGuestPC uint64, pauseHandlerOffset int)

	// EmitNode emits the handler for one IR node. It returns
	// (handled=false, nil) for an opcode with no native handler, which
	// the backend then routes through the Fallback ABI.
	EmitNode(asm *Assembler, node ir.Node) (handled bool, err error)

	// SpillSRA/FillSRA bracket a Fallback ABI helper call or a host-C
	// boundary, preserving the SRA spill/fill invariant.
	SpillSRA(asm *Assembler)
	FillSRA(asm *Assembler)

	// EmitFallbackCall marshals arguments per tag's signature and emits
	// an indirect call through the named helper-pointer slot in the
	// per-thread pointers table.
	EmitFallbackCall(asm *Assembler, tag FallbackTag) error

	// EmitLinkedBranch emits a call to linkerAddr followed by a 16-byte
	// ExitRecord for guestTarget, returning the LinkSite describing both
	// offsets and the exact bytes of the call instruction(s) as first
	// emitted (needed for byte-exact restore later).
	EmitLinkedBranch(asm *Assembler, linkerAddr uintptr, guestTarget uint64) (LinkSite, []byte)

	// EmitHalt emits the sequence that ends a block which halted the
	// guest thread (OpHlt): it tail-calls the thread-stop handler.
	EmitHalt(asm *Assembler, stopHandlerOffset int)

	// PatchDirectBranch attempts to rewrite the call site at
	// code[site.CallSiteOffset:] into a direct branch to hostTarget. It
	// returns false (leaving code untouched) if the displacement does
	// not fit the ISA's PC-relative immediate, in which case the caller
	// should instead patch the ExitRecord in place to skip resolution.
	PatchDirectBranch(code []byte, site LinkSite, siteHostAddr, hostTarget uintptr) bool

	// RestoreIndirectForm rewrites the call site back to its original,
	// pre-patch bytes, satisfying link idempotence: the call site ends up
	// byte-identical to its pre-patch form.
	RestoreIndirectForm(code []byte, site LinkSite, original []byte)

	// SupportsAtomics128 reports whether this host has a native 128-bit
	// atomic load/store, letting the unaligned-atomic handler resolve a
	// 16-byte-window split access without a software fence.
	SupportsAtomics128() bool

	// PageShift is log2 of this host's page size, bounding how far the
	// unaligned-atomic handler can widen an access before it risks
	// crossing into a differently-mapped page.
	PageShift() uint
}
