package signalcore_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/guest"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"github.com/talismancer/xbtcore/pkg/xlate/signalcore"
)

const sigReturnSentinel = 0xFFFF800000001000

func TestOnHostSignalBuildsGuestFrameAndSigreturnRestores(t *testing.T) {
	mem := signalcore.NewFlatMemory(1 << 20)
	refs := &lookupcache.SignalHandlerRefCounter{}
	core := signalcore.NewCore(mem, refs, sigReturnSentinel)

	frame := &cpustate.CPUState{RIP: 0x400000}
	frame.SetGPR(cpustate.RSP, 0x7ffff0000000)
	originalSP := frame.GPR(cpustate.RSP)

	handler := guest.SigAction{Handler: 0x401000, Flags: guest.SA_SIGINFO}
	info := guest.SignalInfo{Signo: guest.SIGSEGV, Addr: 0}

	err := core.OnHostSignal(frame, info, handler)
	assert.NilError(t, err)

	assert.Equal(t, refs.Count(), int32(1))
	assert.Equal(t, core.Stack.Len(), 1)
	assert.Equal(t, frame.RIP, handler.Handler)
	assert.Equal(t, frame.GPR(cpustate.RDI), uint64(guest.SIGSEGV))

	newSP := frame.GPR(cpustate.RSP)
	assert.Equal(t, originalSP-newSP, uint64(signalcore.FrameOverhead))

	retBytes, err := mem.ReadAt(newSP, 8)
	assert.NilError(t, err)
	var got uint64
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(retBytes[i])
	}
	assert.Equal(t, got, uint64(sigReturnSentinel))

	siginfoAddr := frame.GPR(cpustate.RSI)
	siBytes, err := mem.ReadAt(siginfoAddr, guest.SiginfoSize)
	assert.NilError(t, err)
	decoded := guest.DecodeSignalInfo(siBytes)
	assert.Equal(t, decoded.Signo, int32(guest.SIGSEGV))
	assert.Equal(t, decoded.Addr, uint64(0))

	// Simulate the guest handler writing 0xdeadbeef into rax and
	// returning through the sentinel.
	frame.SetGPR(cpustate.RAX, 0xdeadbeef)
	frame.RIP = sigReturnSentinel

	err = core.OnHostSignal(frame, guest.SignalInfo{}, guest.SigAction{})
	assert.NilError(t, err)
	assert.Equal(t, refs.Count(), int32(0))
	assert.Equal(t, core.Stack.Len(), 0)
	assert.Equal(t, frame.RIP, uint64(0x400000))
	assert.Equal(t, frame.GPR(cpustate.RSP), originalSP)
	assert.Equal(t, frame.GPR(cpustate.RAX), uint64(0xdeadbeef))
}

// TestDeliverSignalFailureLeavesRefcountAndStackUntouched guards against
// a guest stack pointer too close to the end of guest memory to fit a
// signal frame: the write fails, and OnHostSignal must not have already
// pushed a ContextBackup or bumped the refcount, or no sigreturn will
// ever arrive to unwind them.
func TestDeliverSignalFailureLeavesRefcountAndStackUntouched(t *testing.T) {
	mem := signalcore.NewFlatMemory(64)
	refs := &lookupcache.SignalHandlerRefCounter{}
	core := signalcore.NewCore(mem, refs, sigReturnSentinel)

	frame := &cpustate.CPUState{RIP: 0x400000}
	frame.SetGPR(cpustate.RSP, 8) // far too small to hold FrameOverhead below it

	handler := guest.SigAction{Handler: 0x401000, Flags: guest.SA_SIGINFO}
	info := guest.SignalInfo{Signo: guest.SIGSEGV}

	err := core.OnHostSignal(frame, info, handler)
	assert.ErrorContains(t, err, "out of range")

	assert.Equal(t, refs.Count(), int32(0))
	assert.Equal(t, core.Stack.Len(), 0)
	assert.Equal(t, frame.RIP, uint64(0x400000))
}

func TestPopOnEmptyStackPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on ContextBackup stack underflow")
		}
	}()
	var s signalcore.Stack
	s.Pop()
}
