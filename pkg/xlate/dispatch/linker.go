package dispatch

import (
	"github.com/talismancer/xbtcore/pkg/xlate/jit"
	"github.com/talismancer/xbtcore/pkg/xlate/lookupcache"
)

// ExitFunctionLinker implements exit_function_link(frame, record) →
// host_pc: given a call site that initially targets the linker,
// resolve its guest target in the cache and either patch the call site
// into a direct branch (registering the matching undo) or, if the
// displacement doesn't fit, patch the ExitRecord in place so future hits
// skip resolution.
type ExitFunctionLinker struct {
	cache       *lookupcache.Cache
	isa         jit.HostISA
	loopTopAddr uintptr
}

// NewExitFunctionLinker constructs a linker for one host ISA backed by
// cache. loopTopAddr is the address the dispatcher's loop-top stub lives
// at, returned when the target isn't compiled yet.
func NewExitFunctionLinker(cache *lookupcache.Cache, isa jit.HostISA, loopTopAddr uintptr) *ExitFunctionLinker {
	return &ExitFunctionLinker{cache: cache, isa: isa, loopTopAddr: loopTopAddr}
}

// Resolve processes one pending linked call site. It returns the host PC
// the call site should now reach, and whether the guest target was
// already compiled (linked == false means the caller must set
// frame.RIP = site.GuestTarget and let the main loop compile it).
func (l *ExitFunctionLinker) Resolve(site jit.LinkedCall) (hostPC uintptr, linked bool) {
	hostPC, ok := l.cache.Find(site.GuestTarget)
	if !ok {
		return l.loopTopAddr, false
	}

	if l.isa.PatchDirectBranch(site.BlockMem, site.Site, site.CallSiteHostAddr, hostPC) {
		isa, blockMem, callSite, original := l.isa, site.BlockMem, site.Site, site.Original
		l.cache.AddLink(site.GuestTarget, site.CallSiteHostAddr, func() error {
			isa.RestoreIndirectForm(blockMem, callSite, original)
			return nil
		})
		return hostPC, true
	}

	// Displacement doesn't fit the host ISA's PC-relative immediate:
	// patch the ExitRecord in place so future hits skip resolution.
	rec := jit.ExitRecord{HostTarget: hostPC, GuestTarget: site.GuestTarget}
	rec.Encode(site.BlockMem[site.Site.RecordOffset : site.Site.RecordOffset+jit.ExitRecordSize])
	return hostPC, true
}
