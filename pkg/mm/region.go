package mm

import (
	"sort"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
)

// backingDesc describes a region's backing: its source (anonymous or a
// file) and whatever state is shared across every page in the region
// rather than tracked per page.
type backingDesc struct {
	kind   backingKind
	source fileSource
	// fileOff is the file offset corresponding to region.Range.Start,
	// meaningful only when kind == backingFile.
	fileOff int64
	shared  *[]byte
}

// region is a Region: a half-open, page-aligned interval
// sharing permissions and backing. Regions are a secondary index over
// the page directory; they may be split by partial munmap/mprotect and
// are coalesced when adjacent regions share attributes.
type region struct {
	hostarch.AddrRange
	perm    hostarch.AccessType
	backing backingDesc
}

// regionSet is an ordered, non-overlapping set of regions, kept sorted
// by Start. This mirrors the role of gvisor's vma set (pkg/sentry/mm.vma,
// stored in an ordered set and split/merged by mmap/munmap/mprotect).
type regionSet struct {
	regions []*region
}

func newRegionSet() *regionSet {
	return &regionSet{}
}

// indexAtOrAfter returns the index of the first region whose Start is >=
// addr.
func (s *regionSet) indexAtOrAfter(addr hostarch.Addr) int {
	return sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Start >= addr
	})
}

// find returns the region containing addr, or nil.
func (s *regionSet) find(addr hostarch.Addr) *region {
	i := s.indexAtOrAfter(addr)
	if i < len(s.regions) && s.regions[i].Start == addr {
		return s.regions[i]
	}
	if i > 0 && s.regions[i-1].Contains(addr) {
		return s.regions[i-1]
	}
	return nil
}

// overlapping returns all regions overlapping ar, in address order.
func (s *regionSet) overlapping(ar hostarch.AddrRange) []*region {
	var out []*region
	for _, r := range s.regions {
		if r.Overlaps(ar) {
			out = append(out, r)
		}
	}
	return out
}

// insert adds r to the set, which must not overlap any existing region,
// then attempts to coalesce with neighbors sharing identical attributes.
func (s *regionSet) insert(r *region) {
	i := s.indexAtOrAfter(r.Start)
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	s.coalesceAround(i)
}

func sameAttrs(a, b *region) bool {
	if a.perm != b.perm || a.backing.kind != b.backing.kind {
		return false
	}
	switch a.backing.kind {
	case backingFile:
		return a.backing.source == b.backing.source
	case backingShared:
		return a.backing.shared == b.backing.shared
	default:
		return true
	}
}

func (s *regionSet) coalesceAround(i int) {
	if i+1 < len(s.regions) {
		a, b := s.regions[i], s.regions[i+1]
		if a.End == b.Start && sameAttrs(a, b) {
			a.End = b.End
			s.regions = append(s.regions[:i+1], s.regions[i+2:]...)
		}
	}
	if i > 0 {
		a, b := s.regions[i-1], s.regions[i]
		if a.End == b.Start && sameAttrs(a, b) {
			a.End = b.End
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
		}
	}
}

// removeExact deletes the exact region ar (which must match a region's
// bounds precisely, post-split) from the set.
func (s *regionSet) removeExact(ar hostarch.AddrRange) {
	for i, r := range s.regions {
		if r.Start == ar.Start && r.End == ar.End {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

// split ensures that no region in the set straddles addr: if a region
// contains addr in its interior, it is split into two regions at addr,
// since partial munmap/mprotect only ever affects part of a region.
func (s *regionSet) split(addr hostarch.Addr) {
	r := s.find(addr)
	if r == nil || r.Start == addr {
		return
	}
	left := &region{AddrRange: hostarch.AddrRange{Start: r.Start, End: addr}, perm: r.perm, backing: r.backing}
	right := &region{AddrRange: hostarch.AddrRange{Start: addr, End: r.End}, perm: r.perm, backing: r.backing}
	if right.backing.kind == backingFile {
		right.backing.fileOff = r.backing.fileOff + int64(addr-r.Start)
	}
	s.removeExact(r.AddrRange)
	// Insert directly; these two are guaranteed not to coalesce with
	// each other (same attrs but that's fine -- they're contiguous and
	// would normally coalesce back, but we want split semantics here,
	// so reconstruct the slice in place instead of calling insert/coalesce).
	i := s.indexAtOrAfter(left.Start)
	s.regions = append(s.regions, nil, nil)
	copy(s.regions[i+2:], s.regions[i:])
	s.regions[i] = left
	s.regions[i+1] = right
}
