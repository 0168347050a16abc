package frontend

import (
	"testing"

	"github.com/talismancer/xbtcore/pkg/xlate/guest"
	"gotest.tools/v3/assert"
)

func TestFlatImageCompilerDecodesMappedBlock(t *testing.T) {
	image := []byte{
		0xB8, 0x03, 0x00, 0x00, 0x00,
		0x05, 0x04, 0x00, 0x00, 0x00,
		0xF4,
	}
	c := NewFlatImageCompiler(image, 0x400000)

	block, err := c.CompileIR(0x400000)
	assert.NilError(t, err)
	assert.Assert(t, block.Halts)
}

func TestFlatImageCompilerRejectsOutOfRangePC(t *testing.T) {
	c := NewFlatImageCompiler([]byte{0xF4}, 0x400000)
	_, err := c.CompileIR(0x500000)
	assert.ErrorContains(t, err, "outside mapped image")
}

func TestStaticCPUIDUnknownLeafIsZero(t *testing.T) {
	s := NewStaticCPUID()
	eax, ebx, ecx, edx := s.CPUID(1, 0)
	assert.Equal(t, eax, uint32(0))
	assert.Equal(t, ebx, uint32(0))
	assert.Equal(t, ecx, uint32(0))
	assert.Equal(t, edx, uint32(0))
}

func TestStaticCPUIDRegisteredLeaf(t *testing.T) {
	s := NewStaticCPUID()
	s.Set(0, 0, 0x16, 0x68747541, 0x444d4163, 0x69746e65)

	eax, ebx, ecx, edx := s.CPUID(0, 0)
	assert.Equal(t, eax, uint32(0x16))
	assert.Equal(t, ebx, uint32(0x68747541))
	assert.Equal(t, ecx, uint32(0x444d4163))
	assert.Equal(t, edx, uint32(0x69746e65))
}

func TestSignalConfigTableRoundTrip(t *testing.T) {
	tbl := NewSignalConfigTable()

	_, ok := tbl.SigAction(guest.SIGSEGV)
	assert.Assert(t, !ok)

	act := guest.SigAction{Handler: 0x401000, Flags: guest.SA_SIGINFO}
	tbl.SetSigAction(guest.SIGSEGV, act)

	got, ok := tbl.SigAction(guest.SIGSEGV)
	assert.Assert(t, ok)
	assert.Equal(t, got.Handler, uint64(0x401000))

	_, ok = tbl.AltStack()
	assert.Assert(t, !ok)

	tbl.SetAltStack(guest.SignalStack{SP: 0x7fff0000})
	stack, ok := tbl.AltStack()
	assert.Assert(t, ok)
	assert.Equal(t, stack.SP, uint64(0x7fff0000))
}

func TestUnhandledSyscallDispatcherErrors(t *testing.T) {
	d := UnhandledSyscallDispatcher{}
	_, err := d.Dispatch(nil, 60, [6]uintptr{})
	assert.ErrorContains(t, err, "unhandled")
}
