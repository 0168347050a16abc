// Package dispatch drives the translate-execute-return loop for one guest
// thread: the dispatch(frame)/core_dispatch/exit_function_link trio,
// rewritten as a Go goroutine pinned to its own OS thread instead of a
// hand-written assembly trampoline entered via setjmp.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
)

// Frontend is the external IR-producing collaborator, kept out of the
// core so the dispatcher has something real to call on an L1/L2 miss
// without owning decode/IR-generation itself.
type Frontend interface {
	CompileIR(guestPC uint64) (*ir.Block, error)
}

// Dispatcher owns one guest thread's translate-execute-return loop. A
// process normally runs one Dispatcher per guest thread, each on its own
// locked OS thread, one per guest thread.
type Dispatcher struct {
	Frame *cpustate.CPUState

	cache    *lookupcache.Cache
	pool     *lookupcache.Pool
	backend  *jit.Backend
	frontend Frontend

	blocks    map[uint64]*jit.CompiledBlock // guest PC -> compiled block, this thread's view
	blocksGen uint64                        // cache.Generation() as of the last time blocks was populated
	linker    *ExitFunctionLinker

	signalSafeCompile bool
	compileGate       *semaphore.Weighted

	log *logrus.Entry
}

// Config bundles the pieces shared process-wide that every Dispatcher
// needs a reference to.
type Config struct {
	Cache             *lookupcache.Cache
	Pool              *lookupcache.Pool
	Backend           *jit.Backend
	Frontend          Frontend
	SignalSafeCompile bool
	// CompileGate serializes allocator-touching work across every
	// Dispatcher in the process (allocation inside a signal
	// handler is forbidden"); pass a semaphore.NewWeighted(1) shared by
	// all dispatchers in the process.
	CompileGate *semaphore.Weighted
	Log         *logrus.Entry
	// Linker resolves pending linked call sites as their targets become
	// compiled; nil disables linking (every block recompiles through the
	// loop top, as if every displacement were out of range).
	Linker *ExitFunctionLinker
}

// New constructs a Dispatcher for one guest thread.
func New(cfg Config, frame *cpustate.CPUState) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		Frame:             frame,
		cache:             cfg.Cache,
		pool:              cfg.Pool,
		backend:           cfg.Backend,
		frontend:          cfg.Frontend,
		blocks:            make(map[uint64]*jit.CompiledBlock),
		linker:            cfg.Linker,
		signalSafeCompile: cfg.SignalSafeCompile,
		compileGate:       cfg.CompileGate,
		log:               log.WithField("component", "dispatcher"),
	}
}

// Run locks the calling goroutine to its OS thread and runs dispatch(frame)
// until the thread stops, following the one-OS-thread-per-guest-thread
// model. Callers that need overlap with other dispatcher loops should call
// Run from its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) cpustate.StopReason {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return d.dispatch(ctx)
}

// dispatch is the Go analogue of dispatch(frame): the loop-top
// repeatedly resolves the current guest PC to a host entry via
// core_dispatch, executes it, and continues until the block's Exec
// reports a halt or the thread's StopTarget is long-jumped to.
func (d *Dispatcher) dispatch(ctx context.Context) cpustate.StopReason {
	d.Frame.Stop.Arm()
	stopCh := make(chan cpustate.StopReason, 1)
	go func() { stopCh <- d.Frame.Stop.Wait() }()

	pc := d.Frame.RIP
	for {
		select {
		case reason := <-stopCh:
			return reason
		case <-ctx.Done():
			return cpustate.StopRequested
		default:
		}

		block, err := d.coreDispatch(pc)
		if err != nil {
			d.log.WithError(err).WithField("guest_pc", fmt.Sprintf("%#x", pc)).Error("compile failed")
			return cpustate.StopCrashed
		}

		next, halted := block.Exec(d.Frame)
		if halted {
			return cpustate.StopNone
		}
		d.Frame.RIP = next
		pc = next
	}
}

// coreDispatch implements core_dispatch(frame) → host_pc: probe this
// thread's view of the cache, compile on miss, refresh it.
func (d *Dispatcher) coreDispatch(guestPC uint64) (*jit.CompiledBlock, error) {
	// d.blocks is this goroutine's private mirror of Go Exec closures; it
	// has no way to observe a clear-cache or self-modifying-code
	// invalidation against the shared Cache except by polling the
	// generation counter that every InvalidateRange/InvalidateAll bumps.
	// A mismatch means some guest PC this thread already compiled may
	// since have been invalidated, so the whole mirror is dropped rather
	// than tracked per-entry.
	if gen := d.cache.Generation(); gen != d.blocksGen {
		d.blocks = make(map[uint64]*jit.CompiledBlock)
		d.blocksGen = gen
	}
	if b, ok := d.blocks[guestPC]; ok {
		return b, nil
	}
	// A LookupCache hit here would mean another path already registered
	// guestPC's host PC, but this thread still needs its own Exec
	// closure — the LookupCache entry is the cross-thread host-PC mapping
	// the linker patches against, not a cache of Go closures — so a miss
	// in d.blocks always falls through to compiling regardless of Find.
	block, err := d.compileWithSafety(guestPC)
	if err != nil {
		return nil, err
	}
	d.blocks[guestPC] = block
	d.resolveLinks(block)
	return block, nil
}

// resolveLinks attempts to resolve every pending linked call site in
// block against the current state of the LookupCache. A target that
// isn't compiled yet is left untouched; a later coreDispatch for that
// target doesn't retroactively revisit this block's call sites, matching
// the "on first hit" nature of exit_function_link (the hit here is
// standing in for the call site actually being reached).
func (d *Dispatcher) resolveLinks(block *jit.CompiledBlock) {
	if d.linker == nil {
		return
	}
	for _, link := range block.Links {
		d.linker.Resolve(link)
	}
}

// compileWithSafety brackets the front-end + backend compile with the
// signal-safe compilation window when enabled, retrying with bounded
// backoff only when the compile returns lookupcache.ErrSignalInFlight;
// every other error ends the retry at once. jit.Backend.CompileBlock does
// not return that error (when a clear is refused it grows the pool
// instead), and the compile gate's Acquire blocks until the gate is free.
func (d *Dispatcher) compileWithSafety(guestPC uint64) (*jit.CompiledBlock, error) {
	var result *jit.CompiledBlock
	op := func() error {
		if d.compileGate != nil {
			if err := d.compileGate.Acquire(context.Background(), 1); err != nil {
				return backoff.Permanent(err)
			}
			defer d.compileGate.Release(1)
		}

		var doCompile func() (*jit.CompiledBlock, error)
		doCompile = func() (*jit.CompiledBlock, error) {
			irBlock, err := d.frontend.CompileIR(guestPC)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			return d.backend.CompileBlock(d.pool, irBlock, 0)
		}

		var err error
		if d.signalSafeCompile {
			result, err = withSignalsMasked(doCompile)
		} else {
			result, err = doCompile()
		}
		if err == lookupcache.ErrSignalInFlight {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		d.cache.Insert(guestPC, result.HostEntry)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return result, nil
}
