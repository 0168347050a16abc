// Package signalcore implements the host-signal-to-guest-signal bridge:
// the ContextBackup LIFO stack, the Core.OnHostSignal entry point (no host
// signal handler is installed here; the caller invokes it), and guest
// signal frame construction. The frame's gregs carry RAX, RDI, RSI, RSP
// and RIP only; every other greg slot and the FP state area are zero.
package signalcore

import "fmt"

// GuestMemory is the minimal guest-address-space accessor the signal core
// needs to write a guest signal frame onto the guest stack. The real
// engine's guest memory is backed by the process's own address space
// (guest and host share one mapping); this module takes the accessor as
// a collaborator so the core is testable without a full memory-management
// subsystem, which is an external front-end concern.
type GuestMemory interface {
	WriteAt(addr uint64, data []byte) error
	ReadAt(addr uint64, n int) ([]byte, error)
}

// FlatMemory is a flat byte-slice-backed GuestMemory starting at address
// 0, sized generously for tests and reference use.
type FlatMemory struct {
	mem []byte
}

// NewFlatMemory allocates a FlatMemory of size bytes.
func NewFlatMemory(size int) *FlatMemory { return &FlatMemory{mem: make([]byte, size)} }

// WriteAt implements GuestMemory.
func (m *FlatMemory) WriteAt(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(m.mem)) {
		return fmt.Errorf("signalcore: write [%#x,%#x) out of range of %d-byte guest memory", addr, addr+uint64(len(data)), len(m.mem))
	}
	copy(m.mem[addr:], data)
	return nil
}

// ReadAt implements GuestMemory.
func (m *FlatMemory) ReadAt(addr uint64, n int) ([]byte, error) {
	if addr+uint64(n) > uint64(len(m.mem)) {
		return nil, fmt.Errorf("signalcore: read [%#x,%#x) out of range of %d-byte guest memory", addr, addr+uint64(n), len(m.mem))
	}
	out := make([]byte, n)
	copy(out, m.mem[addr:addr+uint64(n)])
	return out, nil
}
