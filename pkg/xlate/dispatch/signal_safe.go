package dispatch

import (
	"golang.org/x/sys/unix"

	"github.com/talismancer/xbtcore/pkg/xlate/jit"
)

// withSignalsMasked brackets fn with a full signal mask and restore on the
// calling OS thread as a signal-safe compilation window:
// SignalSafeCompile blocks every signal around any path that may invoke
// the front-end compiler or the linker, since allocation inside a host
// signal handler is forbidden. The caller must already hold its own OS
// thread (runtime.LockOSThread), as Dispatcher.Run does.
func withSignalsMasked(fn func() (*jit.CompiledBlock, error)) (*jit.CompiledBlock, error) {
	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &full, &old); err != nil {
		return nil, err
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
	return fn()
}
