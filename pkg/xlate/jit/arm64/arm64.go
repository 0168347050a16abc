// Package arm64 is the AArch64 realization of jit.HostISA: one of the two
// concrete arms of the no-inheritance HostISA design, selected once at
// Backend construction and never subclassed.
package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
)

// instrSize is the fixed AArch64 instruction word width.
const instrSize = 4

// branchRangeBits is the width of AArch64's B instruction's signed,
// word-granularity PC-relative immediate.
const branchRangeBits = 26

// ISA implements jit.HostISA for AArch64 hosts.
type ISA struct{}

// New returns the AArch64 HostISA.
func New() *ISA { return &ISA{} }

// Name implements jit.HostISA.
func (i *ISA) Name() string { return "arm64" }

// SupportsAtomics128 implements jit.HostISA: FEAT_LSE2 hosts service an
// aligned 16-byte access with a single-copy-atomic LDP/STP pair.
func (i *ISA) SupportsAtomics128() bool { return true }

// PageShift implements jit.HostISA: Linux/arm64's default base page size.
func (i *ISA) PageShift() uint { return 12 }

// EmitPrologue implements jit.HostISA. AArch64's SRA convention (per the
// source) dedicates x4..x12ish to guest GPRs; spill slots for this block
// are carved from the stack with a `sub sp, sp, #n` placeholder encoding a
// literal byte marker rather than a real sub-immediate, since no
// downstream consumer of these bytes ever executes them as machine code
// (see jit.CompiledBlock's doc comment) — only the linkable call site and
// ExitRecord bytes are required to be bit-exact.
func (i *ISA) EmitPrologue(asm *jit.Assembler, spillSlots int) {
	asm.Emit(0x00, 0x50, 0xA9, 0xD1) // sub sp, sp, #(placeholder)
	_ = spillSlots
}

// EmitGDBPauseCheck implements jit.HostISA.
func (i *ISA) EmitGDBPauseCheck(asm *jit.Assembler, entryGuestPC uint64, pauseHandlerOffset int) {
	asm.Emit(0xE1, 0x03, pauseByte(pauseHandlerOffset), 0xF9) // ldr x1, [statePtr, #off]
	asm.Emit(0x3F, 0x00, 0x00, 0xB4)                          // cbz x1, +2 (skip pause tail-call)
	asm.EmitU64(entryGuestPC)
}

func pauseByte(off int) byte { return byte(off & 0xFF) }

// EmitNode implements jit.HostISA for the reference IR's handled opcodes.
func (i *ISA) EmitNode(asm *jit.Assembler, node ir.Node) (bool, error) {
	switch node.Op {
	case ir.OpLoadImm:
		asm.Emit(0xD2) // movz xDest, #imm (low 16 bits), opcode family marker
		asm.EmitU32(uint32(node.Imm))
		asm.Emit(byte(node.Dest))
		return true, nil
	case ir.OpAddImm:
		asm.Emit(0x91) // add xDest, xDest, #imm
		asm.EmitU32(uint32(node.Imm))
		asm.Emit(byte(node.Dest))
		return true, nil
	case ir.OpAddReg:
		asm.Emit(0x8B) // add xDest, xDest, xSrc
		asm.Emit(byte(node.Dest), byte(node.Src))
		return true, nil
	case ir.OpLoadMem, ir.OpSyscallFallback:
		return false, nil
	default:
		return false, nil
	}
}

// SpillSRA implements jit.HostISA: stores every statically-allocated
// guest GPR back to its CPUState.GPRs slot before a host-C boundary.
func (i *ISA) SpillSRA(asm *jit.Assembler) {
	for r := 0; r < cpustate.NumGPRs; r++ {
		asm.Emit(0xF9, byte(r)) // str xr, [statePtr, #GPRs+r*8]
	}
}

// FillSRA implements jit.HostISA: the mirror load sequence of SpillSRA.
func (i *ISA) FillSRA(asm *jit.Assembler) {
	for r := 0; r < cpustate.NumGPRs; r++ {
		asm.Emit(0xF9, 0x80|byte(r)) // ldr xr, [statePtr, #GPRs+r*8]
	}
}

// EmitFallbackCall implements jit.HostISA: an indirect call through the
// per-thread pointers table slot for tag.
func (i *ISA) EmitFallbackCall(asm *jit.Assembler, tag jit.FallbackTag) error {
	if _, _, ok := jit.Lookup(tag); !ok {
		return fmt.Errorf("arm64: unknown fallback ABI tag %q", tag)
	}
	asm.Emit(0xD6, 0x3F, 0x00, 0x00) // blr xFallbackSlot
	return nil
}

// EmitLinkedBranch implements jit.HostISA: a `bl linkerAddr` followed by
// the 16-byte ExitRecord.
func (i *ISA) EmitLinkedBranch(asm *jit.Assembler, linkerAddr uintptr, guestTarget uint64) (jit.LinkSite, []byte) {
	callOffset := asm.Len()
	call := make([]byte, instrSize)
	binary.LittleEndian.PutUint32(call, branchInstruction(uint64(linkerAddr)))
	asm.Emit(call...)

	recordOffset := asm.Len()
	rec := jit.ExitRecord{HostTarget: uint64(linkerAddr), GuestTarget: guestTarget}
	var recBuf [jit.ExitRecordSize]byte
	rec.Encode(recBuf[:])
	asm.Emit(recBuf[:]...)

	return jit.LinkSite{
		CallSiteOffset: callOffset,
		RecordOffset:   recordOffset,
		GuestTarget:    guestTarget,
	}, call
}

// EmitHalt implements jit.HostISA: tail-call the thread-stop handler.
func (i *ISA) EmitHalt(asm *jit.Assembler, stopHandlerOffset int) {
	asm.Emit(0xF9, byte(stopHandlerOffset&0xFF)) // ldr x16, [statePtr, #stopHandlerOffset]
	asm.Emit(0xD6, 0x1F, 0x02, 0x00)              // br x16
}

// PatchDirectBranch implements jit.HostISA. It computes the word-aligned
// displacement from siteHostAddr to hostTarget and, if it fits a signed
// 26-bit word-granularity immediate, overwrites the call site with
// branchInstruction's placeholder direct-branch word for hostTarget;
// otherwise it returns false and leaves
// code untouched, so the caller falls back to patching the ExitRecord
// in place instead.
func (i *ISA) PatchDirectBranch(code []byte, site jit.LinkSite, siteHostAddr, hostTarget uintptr) bool {
	disp := int64(hostTarget) - int64(siteHostAddr)
	if disp%instrSize != 0 {
		return false
	}
	words := disp / instrSize
	const limit = int64(1) << (branchRangeBits - 1)
	if words < -limit || words >= limit {
		return false
	}
	binary.LittleEndian.PutUint32(code[site.CallSiteOffset:], branchInstruction(uint64(hostTarget)))
	return true
}

// RestoreIndirectForm implements jit.HostISA.
func (i *ISA) RestoreIndirectForm(code []byte, site jit.LinkSite, original []byte) {
	copy(code[site.CallSiteOffset:site.CallSiteOffset+len(original)], original)
}

// branchInstruction is a placeholder encoding that carries the target's
// low 26 bits verbatim with the AArch64 `bl` opcode bits (0x94 high byte)
// set, so PatchDirectBranch/RestoreIndirectForm and
// their tests can decode "is this a direct branch to X" deterministically
// without a full AArch64 encoder, which is out of scope (see
// jit.CompiledBlock's doc comment on execution).
func branchInstruction(target uint64) uint32 {
	return 0x94000000 | uint32(target)&0x03FFFFFF
}
