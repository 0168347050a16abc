package lookupcache

import (
	"sync/atomic"
	"unsafe"
)

// addr0 returns the host address of a byte slice's first element, or 0
// for an empty/nil slice.
func addr0(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// SignalHandlerRefCounter counts host signal frames currently executing
// inside JIT code. It must never go negative; Dec panics if it would.
type SignalHandlerRefCounter struct {
	n int32
}

// Inc increments the refcount, returning the new value.
func (r *SignalHandlerRefCounter) Inc() int32 {
	return atomic.AddInt32(&r.n, 1)
}

// Dec decrements the refcount, returning the new value. It panics if the
// refcount would go negative, since that can only reflect a mismatched
// signal entry/sigreturn pair (a programmer error, not a guest-triggered
// condition).
func (r *SignalHandlerRefCounter) Dec() int32 {
	v := atomic.AddInt32(&r.n, -1)
	if v < 0 {
		panic("lookupcache: SignalHandlerRefCounter went negative")
	}
	return v
}

// Count returns the current refcount.
func (r *SignalHandlerRefCounter) Count() int32 {
	return atomic.LoadInt32(&r.n)
}
