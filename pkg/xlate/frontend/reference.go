package frontend

import (
	"fmt"
	"sync"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/guest"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
)

// FlatImageCompiler is the reference IRCompiler: it decodes guest code
// directly out of a flat byte image via ir.DecodeBlock, enough to drive
// end-to-end scenarios without a general x86 decoder.
type FlatImageCompiler struct {
	Image  []byte
	BaseVA uint64
}

// NewFlatImageCompiler returns a compiler that serves guest code out of
// image, mapped starting at baseVA.
func NewFlatImageCompiler(image []byte, baseVA uint64) *FlatImageCompiler {
	return &FlatImageCompiler{Image: image, BaseVA: baseVA}
}

// CompileIR implements IRCompiler.
func (c *FlatImageCompiler) CompileIR(guestPC uint64) (*ir.Block, error) {
	if guestPC < c.BaseVA || guestPC-c.BaseVA >= uint64(len(c.Image)) {
		return nil, fmt.Errorf("frontend: guestPC %#x outside mapped image [%#x, %#x)", guestPC, c.BaseVA, c.BaseVA+uint64(len(c.Image)))
	}
	return ir.DecodeBlock(c.Image[guestPC-c.BaseVA:], guestPC)
}

// StaticCPUID is a CPUIDSource that answers every leaf/subleaf from a
// fixed table, for guests that don't need the real host's CPUID topology
// reflected back at them.
type StaticCPUID struct {
	table map[[2]uint32][4]uint32
}

// NewStaticCPUID returns a StaticCPUID with no leaves registered; unknown
// leaves answer all-zero, matching a CPUID instruction on a reserved leaf.
func NewStaticCPUID() *StaticCPUID {
	return &StaticCPUID{table: make(map[[2]uint32][4]uint32)}
}

// Set registers the eax/ebx/ecx/edx result for a given leaf/subleaf.
func (s *StaticCPUID) Set(leaf, subleaf, eax, ebx, ecx, edx uint32) {
	s.table[[2]uint32{leaf, subleaf}] = [4]uint32{eax, ebx, ecx, edx}
}

// CPUID implements CPUIDSource.
func (s *StaticCPUID) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	v := s.table[[2]uint32{leaf, subleaf}]
	return v[0], v[1], v[2], v[3]
}

// SignalConfigTable is a SignalConfigSource backed by guest sigaction(2)
// and sigaltstack(2) registrations, mirroring the table a real guest
// thread's signal-disposition syscalls would populate.
type SignalConfigTable struct {
	mu       sync.RWMutex
	actions  map[int]guest.SigAction
	altStack guest.SignalStack
	hasStack bool
}

// NewSignalConfigTable returns an empty table.
func NewSignalConfigTable() *SignalConfigTable {
	return &SignalConfigTable{actions: make(map[int]guest.SigAction)}
}

// SetSigAction records the guest's disposition for signal sig, as a
// guest rt_sigaction(2) call would.
func (t *SignalConfigTable) SetSigAction(sig int, act guest.SigAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions[sig] = act
}

// SigAction implements SignalConfigSource.
func (t *SignalConfigTable) SigAction(guestSig int) (guest.SigAction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	act, ok := t.actions[guestSig]
	return act, ok
}

// SetAltStack records the guest's sigaltstack(2) registration.
func (t *SignalConfigTable) SetAltStack(stack guest.SignalStack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.altStack = stack
	t.hasStack = true
}

// AltStack implements SignalConfigSource.
func (t *SignalConfigTable) AltStack() (guest.SignalStack, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.altStack, t.hasStack
}

// UnhandledSyscallDispatcher is the reference SyscallDispatcher: it
// returns an error for every syscall number, since the real syscall
// surface (emulated kernel behavior) is explicitly out of scope here.
// It exists so Dispatch sites have a
// well-defined fallback rather than a nil interface panic.
type UnhandledSyscallDispatcher struct{}

// Dispatch implements SyscallDispatcher.
func (UnhandledSyscallDispatcher) Dispatch(frame *cpustate.CPUState, no uint64, args [6]uintptr) (uintptr, error) {
	return 0, fmt.Errorf("frontend: syscall %d is unhandled by this reference dispatcher", no)
}
