package signalcore

import (
	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/guest"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
)

// FrameOverhead is the total guest stack space a delivered signal frame
// consumes below the guest stack pointer: the red zone, the siginfo image,
// the ucontext image, and the 8-byte return address slot.
const FrameOverhead = guest.UContext64Size + guest.SiginfoSize + guest.RedZoneSize + 8

// Core is the process-wide (conceptually; one instance per guest thread
// here since CPUState/ContextBackup stacks are per-thread) signal
// handling engine.
type Core struct {
	Stack Stack
	Refs  *lookupcache.SignalHandlerRefCounter
	Mem   GuestMemory

	// SignalReturnAddress is the sentinel host/guest return address
	// pushed by OnHostSignal and recognized by OnHostSignal on the way
	// back in, matching the SignalHandlerReturnAddress sentinel.
	SignalReturnAddress uint64
}

// NewCore constructs a Core backed by mem, with sigReturn as the sentinel
// return address guest handlers trampoline through.
func NewCore(mem GuestMemory, refs *lookupcache.SignalHandlerRefCounter, sigReturn uint64) *Core {
	return &Core{Mem: mem, Refs: refs, SignalReturnAddress: sigReturn}
}

// OnHostSignal implements the host signal dispatch entry point. If
// frame.RIP already equals SignalReturnAddress, this is a
// sigreturn from a previously-dispatched guest handler: pop the top
// ContextBackup, restore it, and decrement the refcount. Otherwise this
// is a fresh signal taken during JIT execution of guest code: push a new
// backup, increment the refcount, build a guest-visible signal frame, and
// redirect frame.RIP at the guest handler.
func (c *Core) OnHostSignal(frame *cpustate.CPUState, info guest.SignalInfo, handler guest.SigAction) error {
	if frame.RIP == c.SignalReturnAddress {
		c.completeSigreturn(frame)
		return nil
	}
	return c.deliverSignal(frame, info, handler)
}

// completeSigreturn restores only the control-flow state the fault
// interrupted (RIP, RSP) from the backup: the
// guest handler's own register writes (e.g. to rax) remain live in
// CPUState, since under SRA those registers are the "real" hardware
// state for the duration of the handler and this engine's sigreturn path
// never reloads GPRs from the stack-resident ucontext image the way a
// genuine rt_sigreturn(2) syscall would.
func (c *Core) completeSigreturn(frame *cpustate.CPUState) {
	backup := c.Stack.Pop()
	frame.RIP = backup.GuestState.RIP
	frame.SetGPR(cpustate.RSP, backup.GuestState.GPR(cpustate.RSP))
	c.Refs.Dec()
}

func (c *Core) deliverSignal(frame *cpustate.CPUState, info guest.SignalInfo, handler guest.SigAction) error {
	sp := frame.GPR(cpustate.RSP)
	newSP := sp - FrameOverhead

	retAddrOff := newSP
	ucontextOff := newSP + 8
	siginfoOff := ucontextOff + guest.UContext64Size

	// Stage every guest-memory write before touching the ContextBackup
	// stack or the signal-in-flight refcount: a write failure here must
	// leave both exactly as they were, or a thread that can no longer
	// write its own stack is left with a permanently elevated refcount
	// and no matching sigreturn ever able to unwind it.
	var retBuf [8]byte
	putU64(retBuf[:], c.SignalReturnAddress)
	if err := c.Mem.WriteAt(retAddrOff, retBuf[:]); err != nil {
		return err
	}

	uctx := guest.UContext64{
		Flags: guest.UContextFPXFlag,
		MContext: guest.Sigcontext{
			Gregs: buildGregs(frame),
		},
	}
	var uctxBuf [guest.UContext64Size]byte
	uctx.Encode(uctxBuf[:])
	if err := c.Mem.WriteAt(ucontextOff, uctxBuf[:]); err != nil {
		return err
	}

	var siBuf [guest.SiginfoSize]byte
	info.Encode(siBuf[:])
	if err := c.Mem.WriteAt(siginfoOff, siBuf[:]); err != nil {
		return err
	}

	c.Stack.Push(ContextBackup{GuestState: *frame, Signo: info.Signo})
	c.Refs.Inc()

	frame.SetGPR(cpustate.RSP, newSP)
	frame.SetGPR(cpustate.RDI, uint64(info.Signo))
	frame.SetGPR(cpustate.RSI, siginfoOff)
	frame.SetGPR(cpustate.RDX, ucontextOff)
	frame.RIP = handler.Handler

	c.Stack.frames[len(c.Stack.frames)-1].UContextAddr = ucontextOff
	c.Stack.frames[len(c.Stack.frames)-1].SiginfoAddr = siginfoOff
	return nil
}

func buildGregs(frame *cpustate.CPUState) [guest.NumGregs]uint64 {
	var g [guest.NumGregs]uint64
	g[guest.REG_RAX] = frame.GPR(cpustate.RAX)
	g[guest.REG_RDI] = frame.GPR(cpustate.RDI)
	g[guest.REG_RSI] = frame.GPR(cpustate.RSI)
	g[guest.REG_RSP] = frame.GPR(cpustate.RSP)
	g[guest.REG_RIP] = frame.RIP
	return g
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
