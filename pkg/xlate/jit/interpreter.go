package jit

import (
	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
)

// buildInterpreter returns the Exec closure CompileBlock attaches to a
// CompiledBlock (see the CompiledBlock doc comment for why this exists
// alongside the real emitted bytes). It walks the same ir.Node stream the
// HostISA emitter walked and applies each node's effect directly to the
// guest CPUState, then reports the guest PC the dispatcher should look up
// next.
func (b *Backend) buildInterpreter(block *ir.Block) func(*cpustate.CPUState) (uint64, bool) {
	nodes := block.Nodes
	fallthroughTarget, hasFallthrough := block.FallthroughTarget, block.HasFallthrough
	branchTarget, hasBranch := block.BranchTarget, block.HasBranch
	halts := block.Halts

	return func(frame *cpustate.CPUState) (uint64, bool) {
		for _, node := range nodes {
			switch node.Op {
			case ir.OpLoadImm:
				frame.SetGPR(cpustate.GPR(node.Dest), node.Imm)
			case ir.OpAddImm:
				frame.SetGPR(cpustate.GPR(node.Dest), frame.GPR(cpustate.GPR(node.Dest))+node.Imm)
			case ir.OpAddReg:
				frame.SetGPR(cpustate.GPR(node.Dest), frame.GPR(cpustate.GPR(node.Dest))+frame.GPR(cpustate.GPR(node.Src)))
			case ir.OpLoadMem:
				// The reference front-end never emits OpLoadMem against real
				// guest memory (that's scoped to the external front-end);
				// kept as a no-op placeholder so the opcode has a defined
				// interpreter case.
			case ir.OpSyscallFallback, ir.OpJmp, ir.OpHlt:
				// OpJmp and OpHlt take effect through the terminator logic
				// below. OpSyscallFallback has no effect here: its emitted
				// Fallback ABI call is never executed, so the node changes
				// no guest state.
			}
		}
		switch {
		case halts:
			return 0, true
		case hasBranch:
			return branchTarget, false
		case hasFallthrough:
			return fallthroughTarget, false
		default:
			return 0, true
		}
	}
}
