// Package lookupcache implements a guest-PC to host-PC lookup cache: an
// opportunistic direct-mapped L1 mirror in front of a page-structured,
// aliasing-checked L2 full table, plus the reverse-dependency link
// bookkeeping invalidation needs.
package lookupcache

import (
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
)

// Entry is one (guest PC, host PC) pair as stored in L1 and L2.
type Entry struct {
	GuestPC uint64
	HostPC  uintptr
}

// l1Slot is a single-slot, open-addressed L1 cache line; collisions
// overwrite.
type l1Slot struct {
	valid bool
	entry Entry
}

// UndoFunc restores a direct branch back to its indirect, linker-targeting
// form. It must be idempotent with respect to link idempotence: running
// it after a patch restores the call site byte-for-byte. It reports an
// error rather than panicking so
// InvalidateRange can aggregate failures across every undone call site
// instead of aborting the whole invalidation on the first one.
type UndoFunc func() error

type link struct {
	callSite uintptr
	undo     UndoFunc
}

// pageEntry is one page of the L2 table: page-offset-indexed array of
// Entry, enough entries to cover one page's worth of guest PCs at the
// configured granularity.
type pageEntry struct {
	pageIndex uint64
	slots     []Entry
}

// Less implements btree.Item, ordering pages by index.
func (p *pageEntry) Less(than btree.Item) bool {
	return p.pageIndex < than.(*pageEntry).pageIndex
}

// Cache is one guest thread's private LookupCache: the LookupCache of a
// thread is never shared.
type Cache struct {
	mu sync.Mutex

	l1   []l1Slot
	l1Mask uint64

	// l2 is a btree of pageEntry keyed by guest_pc >> pageShift, giving a
	// sparse, ordered page directory: ordering lets invalidate_range scan
	// only the pages that can possibly overlap [start, end), rather than
	// walking every page the guest has ever touched (the advantage a
	// plain unbounded map wouldn't give us for wide invalidation ranges
	// such as a guest munmap of a large region).
	l2 *btree.BTree

	pageShift uint
	pageMask  uint64

	// links maps a guest PC to every call site that currently targets it
	// directly, paired with the closure that undoes the direct link.
	links map[uint64][]link

	// generation counts every InvalidateRange call that actually removed
	// something, plus every InvalidateAll call. A Dispatcher's private d.blocks map of
	// Go Exec closures has no other way to learn that the shared Cache
	// moved out from under it, so it compares against this counter on
	// every dispatch and drops its whole map on a mismatch.
	generation uint64
}

// Config controls the cache's internal sizing.
type Config struct {
	// L1Bits is log2 of the L1 table size.
	L1Bits uint
	// PageShift controls the L2 page granularity: each L2 page covers
	// 1<<PageShift guest addresses.
	PageShift uint
}

// DefaultConfig is a 16K-entry L1 mirror over 4K-granularity guest-PC
// pages, a reasonable default for a typical guest working set.
var DefaultConfig = Config{L1Bits: 14, PageShift: 12}

// New constructs an empty Cache.
func New(cfg Config) *Cache {
	size := uint64(1) << cfg.L1Bits
	return &Cache{
		l1:        make([]l1Slot, size),
		l1Mask:    size - 1,
		l2:        btree.New(32),
		pageShift: cfg.PageShift,
		pageMask:  (uint64(1) << cfg.PageShift) - 1,
		links:     make(map[uint64][]link),
	}
}

func (c *Cache) pageIndex(guestPC uint64) uint64 { return guestPC >> c.pageShift }

// Find looks up guestPC, consulting L1 first and falling back to the L2
// page table with an aliasing check. It returns
// (hostPC, true) on a hit, or (0, false) on a miss.
func (c *Cache) Find(guestPC uint64) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(guestPC)
}

func (c *Cache) findLocked(guestPC uint64) (uintptr, bool) {
	idx := guestPC & c.l1Mask
	if slot := c.l1[idx]; slot.valid && slot.entry.GuestPC == guestPC {
		return slot.entry.HostPC, true
	}

	page := c.lookupPage(c.pageIndex(guestPC))
	if page == nil {
		return 0, false
	}
	off := (guestPC & c.pageMask) >> 0
	// Within a page, slots are dense by offset; resolve and check the
	// aliasing invariant (stored guest PC must equal the query).
	for i := range page.slots {
		if uint64(i) != off {
			continue
		}
		e := page.slots[i]
		if e.HostPC == 0 || e.GuestPC != guestPC {
			return 0, false
		}
		// Refresh L1 opportunistically so a subsequent Find is O(1)
		// without walking L2 again.
		c.l1[idx] = l1Slot{valid: true, entry: e}
		return e.HostPC, true
	}
	return 0, false
}

func (c *Cache) lookupPage(pageIndex uint64) *pageEntry {
	item := c.l2.Get(&pageEntry{pageIndex: pageIndex})
	if item == nil {
		return nil
	}
	return item.(*pageEntry)
}

// ensurePage returns the L2 page for pageIndex, creating it or growing it
// to at least minLen slots. A page can track up to 1<<PageShift distinct
// guest PCs, but translated blocks rarely start at every byte, so pages
// grow lazily, sized to the highest offset inserted so far.
func (c *Cache) ensurePage(pageIndex, minLen uint64) *pageEntry {
	page := c.lookupPage(pageIndex)
	if page == nil {
		page = &pageEntry{pageIndex: pageIndex, slots: make([]Entry, minLen)}
		c.l2.ReplaceOrInsert(page)
		return page
	}
	if uint64(len(page.slots)) < minLen {
		grown := make([]Entry, minLen)
		copy(grown, page.slots)
		page.slots = grown
	}
	return page
}

// Insert populates the L2 entry for (guestPC, hostPC). It deliberately
// does not touch L1; L1 is refreshed lazily by the next
// miss through the dispatcher.
func (c *Cache) Insert(guestPC uint64, hostPC uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pageIdx := c.pageIndex(guestPC)
	off := guestPC & c.pageMask
	page := c.ensurePage(pageIdx, off+1)
	page.slots[off] = Entry{GuestPC: guestPC, HostPC: hostPC}
}

// AddLink records that callSite currently branches directly to the block
// compiled for guestPC, and that undo restores the indirect form. Future
// invalidation of guestPC will invoke undo.
func (c *Cache) AddLink(guestPC uint64, callSite uintptr, undo UndoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[guestPC] = append(c.links[guestPC], link{callSite: callSite, undo: undo})
}

// InvalidateRange removes every block whose guest PC falls in [start, end):
// every undo closure is run (re-pointing direct branches at the exit
// linker), the block is removed from L2, and matching L1 entries are
// zeroed. No subsequent Find may return a stale entry afterward. Undo
// failures across multiple call sites are aggregated rather than
// aborting the scan partway through, so a single bad patch site doesn't
// leave the rest of the range stale.
func (c *Cache) InvalidateRange(start, end uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if end <= start {
		return nil
	}

	startPage := c.pageIndex(start)
	endPage := c.pageIndex(end-1) + 1

	var result *multierror.Error
	invalidated := false
	c.l2.AscendRange(
		&pageEntry{pageIndex: startPage},
		&pageEntry{pageIndex: endPage},
		func(item btree.Item) bool {
			page := item.(*pageEntry)
			for off := range page.slots {
				e := page.slots[off]
				if e.HostPC == 0 {
					continue
				}
				if e.GuestPC < start || e.GuestPC >= end {
					continue
				}
				if err := c.invalidateEntryLocked(page, off, e.GuestPC); err != nil {
					result = multierror.Append(result, err)
				}
				invalidated = true
			}
			return true
		},
	)
	if invalidated {
		c.generation++
	}
	return result.ErrorOrNil()
}

// Generation returns the count of invalidations (InvalidateRange calls
// that removed at least one entry, plus every InvalidateAll) the cache
// has gone through. A Dispatcher compares this against the value it saw
// at its last dispatch to notice that its private Exec-closure cache
// needs dropping.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Cache) invalidateEntryLocked(page *pageEntry, off int, guestPC uint64) error {
	var result *multierror.Error
	for _, l := range c.links[guestPC] {
		if err := l.undo(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	delete(c.links, guestPC)
	page.slots[off] = Entry{}

	idx := guestPC & c.l1Mask
	if c.l1[idx].valid && c.l1[idx].entry.GuestPC == guestPC {
		c.l1[idx] = l1Slot{}
	}
	return result.ErrorOrNil()
}

// InvalidateAll clears every translation, as clear_cache does, without
// running undo closures: its caller (cmd/xbtcore's debug server, on
// clear-cache) frees the code buffers those direct branches pointed into
// first, so there is nothing left to unpatch.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1 = make([]l1Slot, len(c.l1))
	c.l2 = btree.New(32)
	c.links = make(map[uint64][]link)
	c.generation++
}
