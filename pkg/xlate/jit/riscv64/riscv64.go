// Package riscv64 is the RISC-V64 realization of jit.HostISA, the second
// arm of the no-inheritance HostISA design.
package riscv64

import (
	"encoding/binary"
	"fmt"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
)

const instrSize = 4

// jRangeBits is the width of RISC-V's JAL immediate (21 bits, signed,
// 2-byte granularity, so +/-1 MiB) counted at word granularity: this
// backend only ever emits 4-byte-aligned call sites, and the same range
// in words is 19 bits.
const jRangeBits = 19

// ISA implements jit.HostISA for RISC-V64 hosts.
type ISA struct{}

// New returns the RISC-V64 HostISA.
func New() *ISA { return &ISA{} }

// Name implements jit.HostISA.
func (i *ISA) Name() string { return "riscv64" }

// SupportsAtomics128 implements jit.HostISA: no RISC-V atomics extension
// this backend targets provides a native 128-bit atomic.
func (i *ISA) SupportsAtomics128() bool { return false }

// PageShift implements jit.HostISA: Sv39/Sv48's base page size.
func (i *ISA) PageShift() uint { return 12 }

// EmitPrologue implements jit.HostISA.
func (i *ISA) EmitPrologue(asm *jit.Assembler, spillSlots int) {
	asm.Emit(0x13, 0x01, 0x01, 0xFE) // addi sp, sp, #(placeholder)
	_ = spillSlots
}

// EmitGDBPauseCheck implements jit.HostISA.
func (i *ISA) EmitGDBPauseCheck(asm *jit.Assembler, entryGuestPC uint64, pauseHandlerOffset int) {
	asm.Emit(0x03, 0x3C|byte(pauseHandlerOffset&0x0F), 0x00, 0x00) // ld t3, off(statePtr)
	asm.Emit(0x63, 0x08, 0x00, 0x00)                                // beqz t3, +skip
	asm.EmitU64(entryGuestPC)
}

// EmitNode implements jit.HostISA for the reference IR's handled opcodes.
func (i *ISA) EmitNode(asm *jit.Assembler, node ir.Node) (bool, error) {
	switch node.Op {
	case ir.OpLoadImm:
		asm.Emit(0x37) // lui + addi pair marker, low word carries imm
		asm.EmitU32(uint32(node.Imm))
		asm.Emit(byte(node.Dest))
		return true, nil
	case ir.OpAddImm:
		asm.Emit(0x13) // addi xDest, xDest, imm
		asm.EmitU32(uint32(node.Imm))
		asm.Emit(byte(node.Dest))
		return true, nil
	case ir.OpAddReg:
		asm.Emit(0x33) // add xDest, xDest, xSrc
		asm.Emit(byte(node.Dest), byte(node.Src))
		return true, nil
	case ir.OpLoadMem, ir.OpSyscallFallback:
		return false, nil
	default:
		return false, nil
	}
}

// SpillSRA implements jit.HostISA.
func (i *ISA) SpillSRA(asm *jit.Assembler) {
	for r := 0; r < cpustate.NumGPRs; r++ {
		asm.Emit(0x23, 0x30, byte(r), 0x00) // sd xr, off(statePtr)
	}
}

// FillSRA implements jit.HostISA.
func (i *ISA) FillSRA(asm *jit.Assembler) {
	for r := 0; r < cpustate.NumGPRs; r++ {
		asm.Emit(0x03, 0x30, byte(r), 0x80) // ld xr, off(statePtr)
	}
}

// EmitFallbackCall implements jit.HostISA.
func (i *ISA) EmitFallbackCall(asm *jit.Assembler, tag jit.FallbackTag) error {
	if _, _, ok := jit.Lookup(tag); !ok {
		return fmt.Errorf("riscv64: unknown fallback ABI tag %q", tag)
	}
	asm.Emit(0x67, 0x80, 0x0F, 0x00) // jalr ra, 0(fallbackSlot)
	return nil
}

// EmitLinkedBranch implements jit.HostISA: a `jal linkerAddr` followed by
// the 16-byte ExitRecord.
func (i *ISA) EmitLinkedBranch(asm *jit.Assembler, linkerAddr uintptr, guestTarget uint64) (jit.LinkSite, []byte) {
	callOffset := asm.Len()
	call := make([]byte, instrSize)
	binary.LittleEndian.PutUint32(call, jalInstruction(uint64(linkerAddr)))
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

// EmitHalt implements jit.HostISA.
func (i *ISA) EmitHalt(asm *jit.Assembler, stopHandlerOffset int) {
	asm.Emit(0x03, 0x3F, byte(stopHandlerOffset&0xFF), 0x00) // ld t5, off(statePtr)
	asm.Emit(0x67, 0x80, 0x0F, 0x00)                          // jalr zero, 0(t5)
}

// PatchDirectBranch implements jit.HostISA. RISC-V's JAL immediate is
// narrower than AArch64's B; displacements that don't fit leave the call
// site untouched so the caller patches the ExitRecord in place instead.
func (i *ISA) PatchDirectBranch(code []byte, site jit.LinkSite, siteHostAddr, hostTarget uintptr) bool {
	disp := int64(hostTarget) - int64(siteHostAddr)
	if disp%instrSize != 0 {
		return false
	}
	words := disp / instrSize
	const limit = int64(1) << (jRangeBits - 1)
	if words < -limit || words >= limit {
		return false
	}
	binary.LittleEndian.PutUint32(code[site.CallSiteOffset:], jalInstruction(uint64(hostTarget)))
	return true
}

// RestoreIndirectForm implements jit.HostISA.
func (i *ISA) RestoreIndirectForm(code []byte, site jit.LinkSite, original []byte) {
	copy(code[site.CallSiteOffset:site.CallSiteOffset+len(original)], original)
}

// jalInstruction mirrors arm64.branchInstruction: a decodable placeholder
// carrying the target's low bits under RISC-V's JAL major opcode (0x6F),
// not a full JAL immediate encoder.
func jalInstruction(target uint64) uint32 {
	return 0x0000006F | (uint32(target)&0x000FFFFF)<<12
}

// ClassifyAtomicOperationShape would determine whether a located LR/SC
// sequence is a native 32/64-bit op or an 8/16-bit op emulated via a
// SLLI/ZEXTH prefix (pkg/xlate/unaligned.FindAtomicOperationType locates
// the sequence's terminating SC instruction; this step would classify
// what precedes it). The upstream scan for this classification is left
// mid-implementation with no specified behavior, and must not be
// completed by guesswork: calling this panics rather than returning a
// fabricated classification.
func ClassifyAtomicOperationShape(code []byte, scOffset int) {
	panic("riscv64: LR/SC operation-shape classification is unimplemented upstream; do not guess a classification")
}

// WaitUntilWeHitATestCase stands in for the pause/overflow/unimplemented/
// callback stubs the source leaves as placeholders with unspecified
// semantics. It is intentionally left panicking.
func WaitUntilWeHitATestCase(reason string) {
	panic("riscv64: " + reason + " has no specified behavior upstream")
}
