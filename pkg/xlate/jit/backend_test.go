package jit_test

import (
	"testing"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
	"github.com/talismancer/xbtcore/pkg/xlate/jit/arm64"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"gotest.tools/v3/assert"
)

// guest: mov eax, 3; add eax, 4; hlt
var arithmeticBlock = []byte{0xB8, 0x03, 0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0xF4}

func TestCompileBlockArithmeticScenario(t *testing.T) {
	block, err := ir.DecodeBlock(arithmeticBlock, 0x400000)
	assert.NilError(t, err)

	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})

	compiled, err := backend.CompileBlock(pool, block, 0)
	assert.NilError(t, err)
	assert.Assert(t, compiled.HostEntry != 0)
	assert.Assert(t, len(compiled.Links) == 0) // block halts, no linkable call

	frame := &cpustate.CPUState{}
	_, halted := compiled.Exec(frame)
	assert.Assert(t, halted)
	assert.Equal(t, frame.GPR(cpustate.RAX), uint64(7))
}

// guest block A: jmp 0x400100 (no arithmetic, pure branch)
var branchOnlyBlock = []byte{0xE9, 0xFB, 0x00, 0x00, 0x00} // rel32 computed below in test via DecodeBlock semantics

func TestCompileBlockDirectBranchProducesLinkedCall(t *testing.T) {
	// jmp from 0x400000 (5-byte insn) to 0x400100: rel = 0x400100 - 0x400005
	block, err := ir.DecodeBlock(branchOnlyBlock, 0x400000)
	assert.NilError(t, err)
	assert.Equal(t, block.BranchTarget, uint64(0x400000+5+0xFB))

	backend := jit.NewBackend(arm64.New(), 0xDEAD0000, 0, 0)
	pool := lookupcache.NewPool(&lookupcache.SignalHandlerRefCounter{})

	compiled, err := backend.CompileBlock(pool, block, 0)
	assert.NilError(t, err)
	assert.Equal(t, len(compiled.Links), 1)
	link := compiled.Links[0]
	assert.Equal(t, link.GuestTarget, block.BranchTarget)

	rec := jit.DecodeExitRecord(compiled.Code[link.Site.RecordOffset:])
	assert.Equal(t, rec.GuestTarget, block.BranchTarget)
}
