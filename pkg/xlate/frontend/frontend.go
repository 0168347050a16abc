// Package frontend declares the interfaces the JIT core consumes from its
// surrounding environment: IR compilation, register-allocation decisions,
// syscalls, CPUID, and guest signal configuration lookups: the boundary
// the core is built against. The engine itself never decodes guest code
// or owns guest signal-handler tables directly.
package frontend

import (
	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/guest"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
)

// IRCompiler turns guest code at guestPC into an IR block. A real
// implementation decodes x86-64; FlatImageCompiler (reference.go), built
// on pkg/xlate/ir.DecodeBlock, is the minimal reference implementation
// used by this module's own tests. This matches
// dispatch.Frontend's shape exactly so any IRCompiler doubles as a
// dispatch.Frontend without an adapter.
type IRCompiler interface {
	CompileIR(guestPC uint64) (*ir.Block, error)
}

// RegisterAllocation exposes the register-allocator's decisions to the
// backend: how many spill slots a compiled block needs, and which host
// register class/index a given IR node's result lives in under SRA.
type RegisterAllocation interface {
	SpillSlots() int
	NodeRegister(node ir.Node) (ir.RegClass, int)
}

// SyscallDispatcher executes a guest syscall number with the given
// argument registers and returns the value to place in the guest's return
// register, or an error if the syscall could not be serviced.
type SyscallDispatcher interface {
	Dispatch(frame *cpustate.CPUState, no uint64, args [6]uintptr) (uintptr, error)
}

// CPUIDSource answers a guest CPUID leaf/subleaf query, letting the
// dispatcher's environment control what CPU identity the guest observes.
type CPUIDSource interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// SignalConfigSource looks up the guest's currently-registered signal
// disposition and alternate stack, the inputs signalcore.Core needs to
// build a guest-visible signal frame.
type SignalConfigSource interface {
	SigAction(guestSig int) (guest.SigAction, bool)
	AltStack() (guest.SignalStack, bool)
}
