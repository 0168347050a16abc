package dispatch_test

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"
	"gotest.tools/v3/assert"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/dispatch"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
	"github.com/talismancer/xbtcore/pkg/xlate/jit/arm64"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
)

// staticFrontend serves pre-decoded IR blocks keyed by guest PC, standing
// in for an external front-end compiler behind the dispatch.Frontend
// interface.
type staticFrontend struct {
	blocks map[uint64]*ir.Block
}

func (f *staticFrontend) CompileIR(guestPC uint64) (*ir.Block, error) {
	b, ok := f.blocks[guestPC]
	if !ok {
		return nil, errNoBlock(guestPC)
	}
	return b, nil
}

type errNoBlock uint64

func (e errNoBlock) Error() string { return "dispatch_test: no block registered" }

func TestDispatchArithmeticBlockHalts(t *testing.T) {
	cache := lookupcache.New(lookupcache.DefaultConfig)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})
	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)

	front := &staticFrontend{blocks: map[uint64]*ir.Block{
		0x400000: {
			GuestPC: 0x400000,
			Nodes: []ir.Node{
				{Op: ir.OpLoadImm, Dest: 0, Imm: 3},
				{Op: ir.OpAddImm, Dest: 0, Imm: 4},
				{Op: ir.OpHlt},
			},
			Halts: true,
		},
	}}

	d := dispatch.New(dispatch.Config{
		Cache:       cache,
		Pool:        pool,
		Backend:     backend,
		Frontend:    front,
		CompileGate: semaphore.NewWeighted(1),
	}, &cpustate.CPUState{RIP: 0x400000})

	reason := d.Run(context.Background())
	assert.Equal(t, reason, cpustate.StopNone)
	assert.Equal(t, d.Frame.GPR(cpustate.RAX), uint64(7))
}

func TestDispatchDirectBranchChainsToSecondBlock(t *testing.T) {
	cache := lookupcache.New(lookupcache.DefaultConfig)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})
	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)

	front := &staticFrontend{blocks: map[uint64]*ir.Block{
		0x400000: {
			GuestPC:      0x400000,
			Nodes:        []ir.Node{{Op: ir.OpJmp, Imm: 0x400100}},
			HasBranch:    true,
			BranchTarget: 0x400100,
		},
		0x400100: {
			GuestPC: 0x400100,
			Nodes: []ir.Node{
				{Op: ir.OpLoadImm, Dest: 0, Imm: 42},
				{Op: ir.OpHlt},
			},
			Halts: true,
		},
	}}

	linker := dispatch.NewExitFunctionLinker(cache, backend.ISA(), 0xFEED0000)
	d := dispatch.New(dispatch.Config{
		Cache:       cache,
		Pool:        pool,
		Backend:     backend,
		Frontend:    front,
		CompileGate: semaphore.NewWeighted(1),
		Linker:      linker,
	}, &cpustate.CPUState{RIP: 0x400000})

	reason := d.Run(context.Background())
	assert.Equal(t, reason, cpustate.StopNone)
	assert.Equal(t, d.Frame.GPR(cpustate.RAX), uint64(42))
}

// TestDispatchRecompilesAfterCacheInvalidation exercises the
// self-modifying-code path: a guest rewrites the block at a PC it has
// already run once, and the operator (or the guest's own mprotect/write
// trap) invalidates the shared Cache. The Dispatcher's own private view
// of what it has compiled must not keep serving the pre-invalidation
// Exec closure.
func TestDispatchRecompilesAfterCacheInvalidation(t *testing.T) {
	cache := lookupcache.New(lookupcache.DefaultConfig)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})
	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)

	front := &staticFrontend{blocks: map[uint64]*ir.Block{
		0x400000: {
			GuestPC: 0x400000,
			Nodes: []ir.Node{
				{Op: ir.OpLoadImm, Dest: 0, Imm: 1},
				{Op: ir.OpHlt},
			},
			Halts: true,
		},
	}}

	d := dispatch.New(dispatch.Config{
		Cache:       cache,
		Pool:        pool,
		Backend:     backend,
		Frontend:    front,
		CompileGate: semaphore.NewWeighted(1),
	}, &cpustate.CPUState{RIP: 0x400000})

	reason := d.Run(context.Background())
	assert.Equal(t, reason, cpustate.StopNone)
	assert.Equal(t, d.Frame.GPR(cpustate.RAX), uint64(1))

	front.blocks[0x400000] = &ir.Block{
		GuestPC: 0x400000,
		Nodes: []ir.Node{
			{Op: ir.OpLoadImm, Dest: 0, Imm: 99},
			{Op: ir.OpHlt},
		},
		Halts: true,
	}
	cache.InvalidateAll()

	d.Frame.RIP = 0x400000
	reason = d.Run(context.Background())
	assert.Equal(t, reason, cpustate.StopNone)
	assert.Equal(t, d.Frame.GPR(cpustate.RAX), uint64(99))
}

func TestDispatchStopUnblocksLoop(t *testing.T) {
	cache := lookupcache.New(lookupcache.DefaultConfig)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})
	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)

	// A self-looping block: never halts on its own, so the only way out
	// is ThreadControl.Stop's StopTarget.LongJump.
	front := &staticFrontend{blocks: map[uint64]*ir.Block{
		0x400000: {
			GuestPC:        0x400000,
			Nodes:          []ir.Node{},
			HasFallthrough: true,
			FallthroughTarget: 0x400000,
		},
	}}

	d := dispatch.New(dispatch.Config{
		Cache:       cache,
		Pool:        pool,
		Backend:     backend,
		Frontend:    front,
		CompileGate: semaphore.NewWeighted(1),
	}, &cpustate.CPUState{RIP: 0x400000})

	tc := dispatch.NewThreadControl()
	tc.Register(d)

	done := make(chan cpustate.StopReason, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	tc.Stop(d)

	select {
	case reason := <-done:
		assert.Equal(t, reason, cpustate.StopRequested)
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not stop within 1s of ThreadControl.Stop")
	}
}
