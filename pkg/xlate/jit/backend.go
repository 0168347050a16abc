package jit

import (
	"fmt"

	"github.com/talismancer/xbtcore/pkg/xlate/cpustate"
	"github.com/talismancer/xbtcore/pkg/xlate/ir"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
	"github.com/talismancer/xbtcore/pkg/xlate/unaligned"
)

// CompiledBlock is the output of compiling one IR block: the host machine
// code bytes actually written into a CodeBuffer (real bytes at a real
// mmap'd address, so the link-record and direct-branch-patch invariants
// are checkable byte-for-byte), plus an Exec closure the dispatcher
// calls to realize that code's guest-visible effect.
//
// A portable, pure-Go rewrite cannot safely jump the host program counter
// into freshly-written bytes the way inline-assembly trampolines do (that
// requires cgo or a per-platform assembly stub outside this module's
// scope). Exec is the substitute: the fragment's *bytes* are real and
// inspectable, and Exec is the bound callback the dispatcher invokes in
// their place. See DESIGN.md.
type CompiledBlock struct {
	GuestPC   uint64
	HostEntry uintptr
	Code      []byte
	Links     []LinkedCall
	Exec      func(frame *cpustate.CPUState) (nextGuestPC uint64, halted bool)
}

// LinkedCall describes one call site within a CompiledBlock that
// initially targets the ExitFunctionLinker, together with everything
// needed to later patch it into a direct branch and, on invalidation,
// restore it.
type LinkedCall struct {
	GuestTarget    uint64
	BlockMem       []byte
	Site           LinkSite
	Original       []byte
	CallSiteHostAddr uintptr
	RecordHostAddr   uintptr
}

// Backend compiles IR blocks for one host ISA. It owns no state about any
// particular guest thread; block compilation is realized by
// Backend.CompileBlock plus the interpreter built from the reference
// front-end's ir.Node stream.
type Backend struct {
	isa        HostISA
	linkerAddr uintptr
	pauseOff   int
	stopOff    int
}

// NewBackend constructs a Backend for the given HostISA. linkerAddr is
// the (opaque, process-wide) address EmitLinkedBranch should initially
// target; pauseOff/stopOff are offsets used by EmitGDBPauseCheck/EmitHalt
// to address the per-thread pointers table.
func NewBackend(isa HostISA, linkerAddr uintptr, pauseOff, stopOff int) *Backend {
	return &Backend{isa: isa, linkerAddr: linkerAddr, pauseOff: pauseOff, stopOff: stopOff}
}

// ISA returns the backend's host ISA, e.g. for logging.
func (b *Backend) ISA() HostISA { return b.isa }

// UnalignedCapabilities projects this backend's HostISA into the small
// capability struct pkg/xlate/unaligned's decision tree is driven off,
// rather than the caller switching on isa.Name() itself.
func (b *Backend) UnalignedCapabilities() unaligned.HostCapabilities {
	return unaligned.HostCapabilities{
		SupportsAtomics128: b.isa.SupportsAtomics128(),
		PageShift:          b.isa.PageShift(),
		HalfBarrierAllowed: true,
	}
}

// CompileBlock translates block into host code, writing it into pool's
// current CodeBuffer (growing or clearing per the cache-clear trigger
// below), and returns the CompiledBlock the caller should register with
// the LookupCache.
func (b *Backend) CompileBlock(pool *lookupcache.Pool, block *ir.Block, spillSlots int) (*CompiledBlock, error) {
	asm := NewAssembler()
	b.isa.EmitPrologue(asm, spillSlots)
	b.isa.EmitGDBPauseCheck(asm, block.GuestPC, b.pauseOff)

	var links []LinkedCall
	exec := b.buildInterpreter(block)

	for _, node := range block.Nodes {
		if node.Op == ir.OpJmp || node.Op == ir.OpHlt {
			continue // terminators are handled after the loop below
		}
		handled, err := b.isa.EmitNode(asm, node)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}
		if node.FallbackABI == "" {
			return nil, fmt.Errorf("jit: unhandled opcode %v with no fallback ABI tag", node.Op)
		}
		tag := FallbackTag(node.FallbackABI)
		if _, _, ok := Lookup(tag); !ok {
			return nil, fmt.Errorf("jit: unknown fallback ABI tag %q", tag)
		}
		b.isa.SpillSRA(asm)
		if err := b.isa.EmitFallbackCall(asm, tag); err != nil {
			return nil, err
		}
		b.isa.FillSRA(asm)
	}

	var pendingSites []pendingLink
	switch {
	case block.Halts:
		b.isa.EmitHalt(asm, b.stopOff)
	case block.HasBranch:
		site, orig := b.isa.EmitLinkedBranch(asm, b.linkerAddr, block.BranchTarget)
		pendingSites = append(pendingSites, pendingLink{target: block.BranchTarget, site: site, original: orig})
	case block.HasFallthrough:
		site, orig := b.isa.EmitLinkedBranch(asm, b.linkerAddr, block.FallthroughTarget)
		pendingSites = append(pendingSites, pendingLink{target: block.FallthroughTarget, site: site, original: orig})
	}

	code := asm.Bytes()
	buf, err := b.reserveWithGrowth(pool, len(code))
	if err != nil {
		return nil, err
	}
	mem, addr, ok := buf.Reserve(len(code))
	if !ok {
		return nil, fmt.Errorf("jit: code buffer reservation raced to empty after growth")
	}
	copy(mem, code)

	for _, p := range pendingSites {
		links = append(links, LinkedCall{
			GuestTarget:      p.target,
			BlockMem:         mem,
			Site:             p.site,
			Original:         p.original,
			CallSiteHostAddr: addr + uintptr(p.site.CallSiteOffset),
			RecordHostAddr:   addr + uintptr(p.site.RecordOffset),
		})
	}

	return &CompiledBlock{
		GuestPC:   block.GuestPC,
		HostEntry: addr,
		Code:      mem,
		Links:     links,
		Exec:      exec,
	}, nil
}

type pendingLink struct {
	target   uint64
	site     LinkSite
	original []byte
}

// reserveWithGrowth implements the code buffer's cache-clear trigger: if
// the current buffer cannot hold n bytes, request a full clear (only
// possible when no signal is in flight); if that's refused, retain the
// old buffer and grow the pool instead.
func (b *Backend) reserveWithGrowth(pool *lookupcache.Pool, n int) (*lookupcache.CodeBuffer, error) {
	buf, err := pool.Current()
	if err != nil {
		return nil, err
	}
	if buf.Remaining() >= n {
		return buf, nil
	}
	if err := pool.Clear(); err == nil {
		return pool.Current()
	}
	// Signal in flight: the cache-exhaustion fallback retains the buffer
	// in the pool and allocates a new one instead of clearing.
	return pool.Grow()
}
