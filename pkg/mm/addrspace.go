// Package mm implements the guest memory manager: a paged virtual
// address space with permissions, lazy materialization, and
// mmap/munmap/mprotect/brk semantics, exposed through a byte-addressable
// read/write interface used by both the interpreter and the JIT.
//
// Grounded on gvisor's fsimpl/host package for the "back memory by
// a collaborator, translate faults into guest-visible errors" idiom, and
// on pkg/sentry/mm.MemoryManager (pack reference) for the vma/pma
// split between a logical region index and per-page authoritative
// state.
package mm

import (
	"sync"

	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// MapFlags mirrors the subset of Linux mmap(2) flags this emulator
// implements.
type MapFlags struct {
	Fixed     bool
	Anonymous bool
	Private   bool
	Shared    bool
}

// AddressSpace is a sparse 48-bit guest virtual address space composed
// of fixed 4 KiB pages.
type AddressSpace struct {
	mu sync.RWMutex

	// atomicLock guards LOCK-prefixed RMW / XCHG / CMPXCHG access to a
	// single guest word; see io.go.
	atomicLock sync.Mutex

	dir     *pageDirectory
	regions *regionSet

	// minAddr/maxAddr bound the mappable range.
	minAddr, maxAddr hostarch.Addr

	// mmapBase is where the next non-fixed, non-hinted mmap search
	// starts; it only ever increases, matching a simple bump-style
	// hole finder (adequate for a single-process emulator; gvisor's
	// pkg/sentry/mm uses a bottom-up/top-down layout for ASLR, which is
	// out of scope here).
	mmapBase hostarch.Addr

	// brkBase/brkEnd implement the brk(2) heap.
	brkBase hostarch.Addr
	brkEnd  hostarch.Addr
	brkMax  hostarch.Addr

	// invalidator is notified whenever a range loses Execute permission
	// or is unmapped, so the JIT can drop stale translations.
	invalidator Invalidator
}

// Invalidator receives notifications of address ranges that the JIT must
// stop trusting for translated code.
type Invalidator interface {
	InvalidateRange(ar hostarch.AddrRange)
}

// New creates an AddressSpace spanning [0, maxAddr).
func New(maxAddr hostarch.Addr) *AddressSpace {
	return &AddressSpace{
		dir:      newPageDirectory(),
		regions:  newRegionSet(),
		minAddr:  hostarch.Addr(hostarch.PageSize),
		maxAddr:  maxAddr,
		mmapBase: hostarch.Addr(hostarch.PageSize),
	}
}

// SetInvalidator installs the JIT (or any) invalidation sink.
func (as *AddressSpace) SetInvalidator(inv Invalidator) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.invalidator = inv
}

func roundRange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if length == 0 {
		return hostarch.AddrRange{}, syserror.EINVAL
	}
	end, ok := (addr + hostarch.Addr(length)).PageRoundUp()
	if !ok {
		return hostarch.AddrRange{}, syserror.ENOMEM
	}
	start := addr.PageRoundDown()
	return hostarch.AddrRange{Start: start, End: end}, nil
}

// findHole finds a free range of the given length at or above as.mmapBase.
// Caller must hold as.mu for writing.
func (as *AddressSpace) findHole(length uint64) (hostarch.Addr, error) {
	candidate := as.mmapBase
	ln := hostarch.Addr(length)
	for candidate+ln <= as.maxAddr {
		ar := hostarch.AddrRange{Start: candidate, End: candidate + ln}
		conflict := false
		for _, r := range as.regions.overlapping(ar) {
			conflict = true
			candidate = r.End
			break
		}
		if !conflict {
			return candidate, nil
		}
	}
	return 0, syserror.ENOMEM
}

// Mmap implements mmap contract.
func (as *AddressSpace) Mmap(hint hostarch.Addr, length uint64, perm hostarch.AccessType, flags MapFlags, src fileSource, fileOff int64) (hostarch.Addr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	ar, err := roundRange(hint, length)
	if err != nil {
		return 0, err
	}

	var base hostarch.Addr
	if flags.Fixed {
		if hint.PageRoundDown() != hint || hint < as.minAddr || ar.End > as.maxAddr {
			return 0, syserror.EINVAL
		}
		base = hint
		// "place at hint (unmapping whatever was there)"
		if err := as.unmapLocked(hostarch.AddrRange{Start: base, End: base + hostarch.Addr(ar.Length())}); err != nil {
			return 0, err
		}
	} else {
		h, err := as.findHole(ar.Length())
		if err != nil {
			return 0, err
		}
		base = h
		if base+hostarch.Addr(length) > as.mmapBase {
			as.mmapBase = base + hostarch.Addr(ar.Length())
		}
	}

	full := hostarch.AddrRange{Start: base, End: base + hostarch.Addr(ar.Length())}
	bd := backingDesc{}
	switch {
	case flags.Shared && !flags.Anonymous:
		bd.kind = backingFile
		bd.source = src
		bd.fileOff = fileOff
	case flags.Shared:
		shared := make([]byte, ar.Length())
		backing := &shared
		bd.kind = backingShared
		bd.shared = backing
	case !flags.Anonymous:
		bd.kind = backingFile
		bd.source = src
		bd.fileOff = fileOff
	default:
		bd.kind = backingAnonZero
	}

	for addr := full.Start; addr < full.End; addr += hostarch.PageSize {
		var p *page
		switch bd.kind {
		case backingFile:
			p = newFilePage(perm, bd.source, bd.fileOff+int64(addr-full.Start))
		case backingShared:
			off := int(addr - full.Start)
			p = newSharedPageSlice(perm, bd.shared, off)
		default:
			p = newAnonPage(perm)
		}
		as.dir.set(addr, p)
	}
	as.regions.insert(&region{AddrRange: full, perm: perm, backing: bd})
	return base, nil
}

// newSharedPageSlice creates a page view into a pre-allocated shared
// backing slice at byte offset off.
func newSharedPageSlice(perm hostarch.AccessType, backing *[]byte, off int) *page {
	sub := (*backing)[off : off+hostarch.PageSize]
	return &page{kind: backingShared, perm: perm, shared: &sub}
}

// Munmap implements munmap contract.
func (as *AddressSpace) Munmap(addr hostarch.Addr, length uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	ar, err := roundRange(addr, length)
	if err != nil {
		return err
	}
	if addr.PageRoundDown() != addr {
		return syserror.EINVAL
	}
	return as.unmapLocked(ar)
}

// unmapLocked is munmap's implementation, called with as.mu held for
// writing. Per the Open Question resolution in DESIGN.md, unmapping a
// range with zero mapped pages in it is a no-op (not an error): this
// matches Linux munmap(2), which only ever returns EINVAL for
// misaligned addr/negative length, never ENOMEM for "nothing there".
func (as *AddressSpace) unmapLocked(ar hostarch.AddrRange) error {
	as.regions.split(ar.Start)
	as.regions.split(ar.End)
	for _, r := range as.regions.overlapping(ar) {
		as.regions.removeExact(r.AddrRange)
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		if as.dir.lookup(addr) != nil {
			as.dir.clear(addr)
		}
	}
	as.notifyInvalidate(ar)
	return nil
}

// Mprotect implements mprotect contract: every page in
// the range must already be mapped, or the whole call fails with ENOMEM.
func (as *AddressSpace) Mprotect(addr hostarch.Addr, length uint64, perm hostarch.AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if addr.PageRoundDown() != addr {
		return syserror.EINVAL
	}
	ar, err := roundRange(addr, length)
	if err != nil {
		return err
	}
	for a := ar.Start; a < ar.End; a += hostarch.PageSize {
		if as.dir.lookup(a) == nil {
			return syserror.ENOMEM
		}
	}
	as.regions.split(ar.Start)
	as.regions.split(ar.End)
	for _, r := range as.regions.overlapping(ar) {
		r.perm = perm
	}
	for a := ar.Start; a < ar.End; a += hostarch.PageSize {
		as.dir.lookup(a).perm = perm
	}
	if !perm.Execute {
		as.notifyInvalidate(ar)
	}
	return nil
}

func (as *AddressSpace) notifyInvalidate(ar hostarch.AddrRange) {
	if as.invalidator != nil {
		as.invalidator.InvalidateRange(ar)
	}
}

// BrkSetup establishes the low bound of the heap region, called once by
// the loader after mapping the executable.
func (as *AddressSpace) BrkSetup(end hostarch.Addr, maxGrowth uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.brkBase = end
	as.brkEnd = end
	as.brkMax = end + hostarch.Addr(maxGrowth)
}

// Brk grows or shrinks the heap to newEnd, returning the resulting brk
// address.
func (as *AddressSpace) Brk(newEnd hostarch.Addr) (hostarch.Addr, error) {
	as.mu.Lock()
	cur := as.brkEnd
	base := as.brkBase
	max := as.brkMax
	as.mu.Unlock()

	if newEnd == 0 {
		return cur, nil
	}
	if newEnd < base || newEnd > max {
		return cur, syserror.ENOMEM
	}

	oldPage := hostarch.MustPageRoundUp(cur)
	newPage := hostarch.MustPageRoundUp(newEnd)

	if newPage > oldPage {
		if _, err := as.Mmap(oldPage, uint64(newPage-oldPage), hostarch.ReadWrite, MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0); err != nil {
			return cur, err
		}
	} else if newPage < oldPage {
		if err := as.Munmap(newPage, uint64(oldPage-newPage)); err != nil {
			return cur, err
		}
	}

	as.mu.Lock()
	as.brkEnd = newEnd
	as.mu.Unlock()
	return newEnd, nil
}

// checkRange validates that [addr, addr+n) is entirely mapped with at
// least `want` permission, returning the pages touched in order. Caller
// must hold as.mu (read or write).
func (as *AddressSpace) checkRange(addr hostarch.Addr, n int, want hostarch.AccessType) ([]*page, []int, error) {
	if n == 0 {
		return nil, nil, nil
	}
	if !hostarch.IsCanonical(uint64(addr)) || !hostarch.IsCanonical(uint64(addr)+uint64(n)) {
		return nil, nil, &host.Fault{Kind: host.FaultNonCanonicalRIP, Addr: uint64(addr)}
	}
	pages := make([]*page, 0, n/hostarch.PageSize+2)
	offsets := make([]int, 0, cap(pages))
	a := addr
	for remaining := n; remaining > 0; {
		p := as.dir.lookup(a)
		if p == nil {
			return nil, nil, &host.Fault{Kind: host.FaultSegv, Addr: uint64(a)}
		}
		if !p.perm.SupersetOf(want) {
			return nil, nil, &host.Fault{Kind: host.FaultSegv, Addr: uint64(a)}
		}
		off := int(a & hostarch.PageMask)
		avail := hostarch.PageSize - off
		if avail > remaining {
			avail = remaining
		}
		for i := 0; i < avail; i++ {
			pages = append(pages, p)
			offsets = append(offsets, off+i)
		}
		remaining -= avail
		a += hostarch.Addr(avail)
	}
	return pages, offsets, nil
}

// Fork returns an independent AddressSpace with the same regions and
// page contents as as, used by kernel.Clone when CLONE_VM is absent.
// The new space has no invalidator installed, and kernel.Clone attaches
// none: a forked child runs without JIT.
func (as *AddressSpace) Fork() *AddressSpace {
	as.mu.RLock()
	defer as.mu.RUnlock()

	child := &AddressSpace{
		dir:      newPageDirectory(),
		regions:  newRegionSet(),
		minAddr:  as.minAddr,
		maxAddr:  as.maxAddr,
		mmapBase: as.mmapBase,
		brkBase:  as.brkBase,
		brkEnd:   as.brkEnd,
		brkMax:   as.brkMax,
	}
	for _, r := range as.regions.regions {
		nr := &region{AddrRange: r.AddrRange, perm: r.perm, backing: r.backing}
		child.regions.insert(nr)
		for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
			if p := as.dir.lookup(addr); p != nil {
				child.dir.set(addr, clonePage(p))
			}
		}
	}
	return child
}

// MappedPageCount reports how many 4 KiB pages currently have a
// mapping, for diagnostics and tests.
func (as *AddressSpace) MappedPageCount() int64 {
	return as.dir.mappedCount()
}
