package main

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/dispatch"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"github.com/talismancer/xbtcore/pkg/xlate/unaligned"
	"github.com/talismancer/xbtcore/pkg/xlate/xlog"
)

func TestDebugServerClearCacheAndDumpState(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "xbtcore.sock")

	cache := lookupcache.New(lookupcache.DefaultConfig)
	cache.Insert(0x400000, 0xdead0000)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})

	frame := &cpustate.CPUState{RIP: 0x400000}
	frame.SetGPR(cpustate.RAX, 7)
	disp := &dispatch.Dispatcher{Frame: frame}

	log := xlog.New(nil, "test")
	tel := unaligned.NewTelemetry(log.Entry(), time.Hour)
	caps := unaligned.HostCapabilities{SupportsAtomics128: true, PageShift: 12, HalfBarrierAllowed: true}
	srv, err := newDebugServer(socketPath, cache, pool, disp, tel, caps, log)
	assert.NilError(t, err)
	go srv.serve()
	defer srv.ln.Close()

	// Give the listener goroutine a moment to start accepting.
	time.Sleep(10 * time.Millisecond)

	resp, err := sendDebugCommand(socketPath, "dump-state")
	assert.NilError(t, err)
	var snap cpuStateSnapshot
	assert.NilError(t, json.Unmarshal(resp.State, &snap))
	assert.Equal(t, snap.RIP, uint64(0x400000))
	assert.Equal(t, snap.GPRs[cpustate.RAX], uint64(7))
	assert.Equal(t, snap.HostCapabilities.PageShift, uint(12))
	assert.Equal(t, snap.UnalignedAtomics["SplitLock16B"], uint64(0))

	_, err = sendDebugCommand(socketPath, "clear-cache")
	assert.NilError(t, err)

	_, ok := cache.Find(0x400000)
	assert.Assert(t, !ok)

	_, err = sendDebugCommand(socketPath, "bogus")
	assert.ErrorContains(t, err, "unknown command")
}
