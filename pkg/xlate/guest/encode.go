package guest

import "encoding/binary"

// SignalStackSize is stack_t's on-stack size (8-byte sp, 4-byte flags +
// 4 bytes padding, 8-byte size).
const SignalStackSize = 24

// Encode writes s into buf[:24].
func (s SignalStack) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], s.SP)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.Flags))
	binary.LittleEndian.PutUint64(buf[16:24], s.Size)
}

// FPXRegsStateSize is the FXSAVE-area image size (matches the real
// 512-byte x86-64 fxsave layout).
const FPXRegsStateSize = 512

// Encode writes f into buf[:512].
func (f FPXRegsState) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], f.CWD)
	binary.LittleEndian.PutUint16(buf[2:4], f.SWD)
	binary.LittleEndian.PutUint16(buf[4:6], f.FTW)
	binary.LittleEndian.PutUint16(buf[6:8], f.FOP)
	binary.LittleEndian.PutUint64(buf[8:16], f.RIP)
	binary.LittleEndian.PutUint64(buf[16:24], f.RDP)
	binary.LittleEndian.PutUint32(buf[24:28], f.MXCSR)
	binary.LittleEndian.PutUint32(buf[28:32], f.MXCRMask)
	off := 32
	for _, st := range f.STSpace {
		binary.LittleEndian.PutUint64(buf[off:off+8], st.Low)
		binary.LittleEndian.PutUint16(buf[off+8:off+10], st.High)
		off += 16
	}
	for _, xmm := range f.XMMSpace {
		copy(buf[off:off+16], xmm[:])
		off += 16
	}
}

// SigcontextSize is the mcontext image size: 23 gregs + FPXRegsState +
// 8 reserved qwords + oldmask + cr2.
const SigcontextSize = int(NumGregs)*8 + FPXRegsStateSize + 8*8 + 8 + 8

// Encode writes s into buf[:SigcontextSize].
func (s Sigcontext) Encode(buf []byte) {
	off := 0
	for _, g := range s.Gregs {
		binary.LittleEndian.PutUint64(buf[off:off+8], g)
		off += 8
	}
	s.FPState.Encode(buf[off : off+FPXRegsStateSize])
	off += FPXRegsStateSize
	off += 8 * 8 // Reserved, left zero
	binary.LittleEndian.PutUint64(buf[off:off+8], s.Oldmask)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], s.Cr2)
}

// UContext64Size is the full guest ucontext_t image size.
const UContext64Size = 8 + 8 + SignalStackSize + SigcontextSize + 8

// Encode writes u into buf[:UContext64Size].
func (u UContext64) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], u.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], u.Link)
	u.Stack.Encode(buf[16 : 16+SignalStackSize])
	off := 16 + SignalStackSize
	u.MContext.Encode(buf[off : off+SigcontextSize])
	off += SigcontextSize
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(u.SigMask))
}

// SiginfoSize is siginfo_t's fixed on-stack size.
const SiginfoSize = 128

// Encode writes i into buf[:128], placing si_addr at byte offset 16 per
// the sigfault union member layout SIGSEGV/SIGBUS/SIGILL use.
func (i SignalInfo) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(i.Signo))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(i.Errno))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(i.Code))
	binary.LittleEndian.PutUint64(buf[16:24], i.Addr)
}

// DecodeSignalInfo reads back the fields Encode writes, for tests that
// need to verify a built signal frame.
func DecodeSignalInfo(buf []byte) SignalInfo {
	return SignalInfo{
		Signo: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Errno: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Code:  int32(binary.LittleEndian.Uint32(buf[8:12])),
		Addr:  binary.LittleEndian.Uint64(buf[16:24]),
	}
}
