package lookupcache

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultCodeBufferSize is the initial code buffer size: 16 MiB.
const DefaultCodeBufferSize = 16 << 20

// CodeBuffer is an executable, anonymous, private mapping containing
// translated blocks back-to-back via a bump allocator. Blocks are
// immutable once finalized; the buffer is cleared wholesale on a full
// cache flush.
type CodeBuffer struct {
	mu     sync.Mutex
	mem    []byte
	cursor int
}

// NewCodeBuffer mmaps size bytes PROT_READ|PROT_WRITE|PROT_EXEC, private
// and anonymous, using golang.org/x/sys/unix.Mmap rather than a
// cgo-wrapped mmap(2).
func NewCodeBuffer(size int) (*CodeBuffer, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code buffer of %d bytes: %w", size, err)
	}
	return &CodeBuffer{mem: mem}, nil
}

// Size returns the buffer's total capacity.
func (b *CodeBuffer) Size() int { return len(b.mem) }

// Remaining returns the number of bytes left before the buffer is full.
func (b *CodeBuffer) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mem) - b.cursor
}

// Reserve bump-allocates n bytes, returning a slice of the buffer's
// backing memory to write into and the host address that slice begins at.
// It returns ok=false if the buffer does not have room; the caller (the
// JIT backend) then triggers the cache-clear-or-grow path below.
func (b *CodeBuffer) Reserve(n int) (mem []byte, addr uintptr, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor+n > len(b.mem) {
		return nil, 0, false
	}
	start := b.cursor
	b.cursor += n
	return b.mem[start : start+n], addr0(b.mem) + uintptr(start), true
}

// Contains reports whether pc lies within this buffer's mapped range.
func (b *CodeBuffer) Contains(pc uintptr) bool {
	base := addr0(b.mem)
	return pc >= base && pc < base+uintptr(len(b.mem))
}

// Free unmaps the buffer. The caller must guarantee no signal frame is
// currently executing code inside it (SignalHandlerRefCounter == 0).
func (b *CodeBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// Pool is the vector of active buffers a thread owns, so that
// IsAddressInJITCode(pc) is O(#buffers).
type Pool struct {
	mu         sync.Mutex
	buffers    []*CodeBuffer
	refs       *SignalHandlerRefCounter
	bufferSize int
}

// NewPool constructs an empty buffer pool gated by refs: Clear refuses to
// free buffers while any signal frame is in flight. Buffers grow the pool
// at DefaultCodeBufferSize; use NewPoolWithBufferSize to override that.
func NewPool(refs *SignalHandlerRefCounter) *Pool {
	return &Pool{refs: refs, bufferSize: DefaultCodeBufferSize}
}

// NewPoolWithBufferSize is NewPool with the per-buffer mmap size set from
// config instead of DefaultCodeBufferSize.
func NewPoolWithBufferSize(refs *SignalHandlerRefCounter, size int) *Pool {
	if size <= 0 {
		size = DefaultCodeBufferSize
	}
	return &Pool{refs: refs, bufferSize: size}
}

// Current returns the most recently allocated buffer, allocating a fresh
// one at the pool's configured buffer size if the pool is empty.
func (p *Pool) Current() (*CodeBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) == 0 {
		return p.growLocked()
	}
	return p.buffers[len(p.buffers)-1], nil
}

// Grow appends a fresh buffer to the pool, retaining all existing ones:
// the cache-exhaustion path resolves this way when a full clear isn't
// currently safe.
func (p *Pool) Grow() (*CodeBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.growLocked()
}

func (p *Pool) growLocked() (*CodeBuffer, error) {
	buf, err := NewCodeBuffer(p.bufferSize)
	if err != nil {
		return nil, err
	}
	p.buffers = append(p.buffers, buf)
	return buf, nil
}

// IsAddressInJITCode reports whether pc lies inside any buffer in the
// pool.
func (p *Pool) IsAddressInJITCode(pc uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.Contains(pc) {
			return true
		}
	}
	return false
}

// Clear frees every buffer in the pool and resets it to empty. It must
// only be called when p.refs.Count() == 0; ErrSignalInFlight is returned
// otherwise and no buffer is touched.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs != nil && p.refs.Count() != 0 {
		return ErrSignalInFlight
	}
	var firstErr error
	for _, b := range p.buffers {
		if err := b.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.buffers = nil
	return firstErr
}

// ErrSignalInFlight is returned by Pool.Clear when a host signal frame is
// currently executing JIT code, making it unsafe to unmap any buffer.
var ErrSignalInFlight = fmt.Errorf("lookupcache: cannot clear code buffers while a signal frame is active")
