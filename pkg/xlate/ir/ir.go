// Package ir defines the minimal intermediate representation the JIT
// backend consumes, and a tiny reference front-end that understands just
// enough x86-64 to drive basic end-to-end scenarios. It is explicitly
// not a general x86 decoder: the real front-end is external
// (frontend.IRCompiler); this package exists so the core is runnable
// and testable without that external collaborator.
package ir

// Opcode identifies one IR operation. Each HostISA's EmitNode
// (pkg/xlate/jit) switches on it.
type Opcode int

// Opcodes the reference front-end and backend understand.
const (
	OpInvalid Opcode = iota
	OpLoadImm           // dest = imm
	OpAddImm            // dest = dest + imm
	OpAddReg            // dest = dest + src
	OpLoadMem           // dest = *(guestAddr)
	OpJmp               // unconditional branch to the guest PC in Imm
	OpHlt               // end of guest program; stop the thread
	OpSyscallFallback   // opcode with no native handler; goes through the Fallback ABI
)

// RegClass distinguishes general-purpose from vector register operands,
// mirroring reg()/vreg() in the source.
type RegClass int

// Register classes.
const (
	GPRClass RegClass = iota
	GPRFixedClass
	VectorClass
)

// Node is one IR instruction within a Block.
type Node struct {
	Op Opcode

	// Dest/Src identify guest GPR indices (cpustate.GPR) for register
	// operands; which fields are meaningful depends on Op.
	Dest, Src int

	// Imm carries an immediate operand (OpLoadImm, OpAddImm) or, for
	// OpJmp, the target guest PC.
	Imm uint64

	// Addr carries a guest memory address operand for OpLoadMem.
	Addr uint64

	// Width is the operation's bit width (32 or 64), used by
	// entrypoint_offset-style masking in the backend.
	Width int

	// FallbackABI names the calling-convention tag for OpSyscallFallback
	// nodes, e.g. "VOID_U16" (see the Fallback ABI tags in pkg/xlate/jit).
	FallbackABI string
}

// Block is one translated IR basic block: a guest PC, its instructions,
// and the guest PC(s) it may fall through or branch to.
type Block struct {
	GuestPC uint64
	Nodes   []Node

	// FallthroughTarget is the guest PC of the next block in program
	// order, if the block does not end in an unconditional branch or
	// halt.
	FallthroughTarget uint64
	HasFallthrough    bool

	// BranchTarget is set when the block ends in a direct guest branch
	// (OpJmp), and is the guest PC the ExitFunctionLinker should resolve.
	BranchTarget uint64
	HasBranch    bool

	// Halts is true when the block ends in OpHlt: the dispatcher should
	// stop the thread after executing it rather than continuing the
	// loop.
	Halts bool
}
