package cpustate

import "github.com/mohae/deepcopy"

// Context64 is the AMD64 guest execution context: a CPUState plus the
// small set of accessors that give it architecture meaning (which is
// "RIP", which is "the TLS base", etc), addressing a CPUState built for
// direct JIT execution rather than a ptrace-peeked register file.
type Context64 struct {
	State CPUState
}

// IP returns the current guest instruction pointer.
func (c *Context64) IP() uint64 { return c.State.RIP }

// SetIP sets the current guest instruction pointer.
func (c *Context64) SetIP(v uint64) { c.State.RIP = v }

// Stack returns the current guest stack pointer.
func (c *Context64) Stack() uint64 { return c.State.GPR(RSP) }

// SetStack sets the current guest stack pointer.
func (c *Context64) SetStack(v uint64) { c.State.SetGPR(RSP, v) }

// TLS returns the current FS-base TLS pointer.
func (c *Context64) TLS() uint64 { return c.State.SegmentBases[0] }

// SetTLS sets the current FS-base TLS pointer.
func (c *Context64) SetTLS(v uint64) { c.State.SegmentBases[0] = v }

// Return returns the current syscall return value, conventionally carried
// in RAX.
func (c *Context64) Return() uint64 { return c.State.GPR(RAX) }

// SetReturn sets the syscall return value.
func (c *Context64) SetReturn(v uint64) { c.State.SetGPR(RAX, v) }

// Fork returns a deep copy of this context, suitable for snapshotting (the
// dump-state CLI command, or a test fixture) without aliasing the live
// per-thread CPUState that JIT code continues to mutate concurrently.
// Plain struct assignment would already copy CPUState's fixed-size arrays
// by value, but PerThreadPointers.SignalHandlerRefCount is a pointer and
// StopTarget carries a channel and mutex that must not be shared with the
// clone. Fork therefore copies the struct by value, resets the clone's
// Stop to a zero StopTarget, and gives the clone its own copy of the
// refcount (via deepcopy.Copy); a pointer field added later is shared
// with the clone unless Fork is extended to handle it.
func (c *Context64) Fork() *Context64 {
	clone := &Context64{State: c.State}
	clone.State.Stop = StopTarget{}
	if c.State.Pointers.SignalHandlerRefCount != nil {
		cp := deepcopy.Copy(*c.State.Pointers.SignalHandlerRefCount).(int32)
		clone.State.Pointers.SignalHandlerRefCount = &cp
	}
	return clone
}
