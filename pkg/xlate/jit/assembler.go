package jit

import "encoding/binary"

// Assembler accumulates host machine code bytes for one block, along with
// the pending-label bookkeeping for block termination and linking: a
// block ends with a pending label, and if a target is still pending when
// all IR has been emitted, a final branch is emitted to it.
type Assembler struct {
	code []byte

	pendingLabel    bool
	pendingLabelPos int
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.code) }

// Bytes returns the accumulated code.
func (a *Assembler) Bytes() []byte { return a.code }

// Emit appends raw bytes (a fully-encoded instruction) to the buffer.
func (a *Assembler) Emit(b ...byte) { a.code = append(a.code, b...) }

// EmitU32 appends a little-endian 32-bit word (one AArch64/RISC-V
// instruction slot).
func (a *Assembler) EmitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

// EmitU64 appends a little-endian 64-bit value (used for the ExitFunction
// link record's two fields).
func (a *Assembler) EmitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.code = append(a.code, buf[:]...)
}

// MarkPendingLabel records that the block ended with an unresolved branch
// target at the current position.
func (a *Assembler) MarkPendingLabel() {
	a.pendingLabel = true
	a.pendingLabelPos = len(a.code)
}

// ResolvePendingLabel reports whether a label is still pending and clears
// it. The backend uses this to decide whether to emit a final
// unconditional branch after all IR nodes have been processed.
func (a *Assembler) ResolvePendingLabel() (pos int, pending bool) {
	pending = a.pendingLabel
	pos = a.pendingLabelPos
	a.pendingLabel = false
	return
}
