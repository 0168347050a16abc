package dispatch

import (
	"sync"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
)

// SignalReason is the reason a pause signal was delivered to a guest
// thread.
type SignalReason int

// Pause signal reasons.
const (
	SignalReasonNone SignalReason = iota
	SignalReasonPause
	SignalReasonStop
	SignalReasonReturn
)

// ThreadControl is the process-wide pause/resume API: an
// "IdleWaitRefCount + condition variable used only by the thread-control
// API" design, realized with a sync.Cond rather than a raw futex/condvar
// pair since that is the idiomatic Go primitive for coordinating thread
// state changes across goroutines.
type ThreadControl struct {
	mu   sync.Mutex
	cond *sync.Cond

	idleWaitRefCount int
	threads          map[*Dispatcher]*threadState
}

type threadState struct {
	reason SignalReason
	paused bool
}

// NewThreadControl constructs an empty ThreadControl.
func NewThreadControl() *ThreadControl {
	tc := &ThreadControl{threads: make(map[*Dispatcher]*threadState)}
	tc.cond = sync.NewCond(&tc.mu)
	return tc
}

// Register adds d to the set of threads this controller can pause/stop.
func (tc *ThreadControl) Register(d *Dispatcher) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.threads[d] = &threadState{}
}

// Unregister removes d, e.g. once its dispatch loop has returned.
func (tc *ThreadControl) Unregister(d *Dispatcher) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.threads, d)
}

// Pause delivers SignalReasonPause to d: it records that reason for d and
// increments the idle-wait refcount. It does not touch d's StopTarget or
// interrupt a running dispatch loop (a pause is not a stop); the thread
// parks only when it calls WaitForPause, which blocks until Resume. This module doesn't
// have a real host pause-signal delivery path; the pause handler a real
// build would tail-call from JIT code is represented here by the caller
// blocking on WaitForPause.
func (tc *ThreadControl) Pause(d *Dispatcher) {
	tc.mu.Lock()
	st, ok := tc.threads[d]
	if !ok {
		tc.mu.Unlock()
		return
	}
	st.reason = SignalReasonPause
	tc.idleWaitRefCount++
	tc.mu.Unlock()
}

// WaitForPause blocks the calling (guest-thread) goroutine until Resume
// is called for d, mirroring a thread-pause handler's blocking wait on a
// condition variable.
func (tc *ThreadControl) WaitForPause(d *Dispatcher) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	st, ok := tc.threads[d]
	if !ok {
		return
	}
	st.paused = true
	for st.reason == SignalReasonPause {
		tc.cond.Wait()
	}
	st.paused = false
}

// Resume clears a pending pause for d and wakes every waiter.
func (tc *ThreadControl) Resume(d *Dispatcher) {
	tc.mu.Lock()
	if st, ok := tc.threads[d]; ok && st.reason == SignalReasonPause {
		st.reason = SignalReasonReturn
		tc.idleWaitRefCount--
	}
	tc.mu.Unlock()
	tc.cond.Broadcast()
}

// Stop cancels d: setting SignalReason=STOP and long-jumping out of
// dispatch, with no timeout — stop is edge-triggered
// and idempotent, so calling Stop on an already-stopped/unregistered
// thread is a silent no-op via StopTarget.LongJump's own idempotence.
func (tc *ThreadControl) Stop(d *Dispatcher) {
	tc.mu.Lock()
	if st, ok := tc.threads[d]; ok {
		st.reason = SignalReasonStop
	}
	tc.mu.Unlock()
	d.Frame.Stop.LongJump(cpustate.StopRequested)
	tc.cond.Broadcast()
}
