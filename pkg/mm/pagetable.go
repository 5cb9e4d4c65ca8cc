package mm

import (
	"sync/atomic"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
)

// backingKind tags how a page's bytes are supplied.
type backingKind int

const (
	// backingAnonZero is a lazily-allocated, zero-filled anonymous page.
	// Reads are satisfied by zeroPage until the first write allocates a
	// private backing slice.
	backingAnonZero backingKind = iota
	// backingAnonPrivate is an anonymous page that has been individually
	// allocated (written to, or always-private from creation).
	backingAnonPrivate
	// backingFile is a file-backed mapping; bytes are read from a
	// *fileSource when not yet materialized.
	backingFile
	// backingShared is a shared-memory-object-backed page (MAP_SHARED),
	// whose bytes live in a region-wide slice shared by all pmas that map
	// it.
	backingShared
)

// fileSource is the minimal collaborator interface pkg/mm needs from a
// vfs.FileObject to satisfy file-backed mmap. It is deliberately
// narrow: pkg/mm must not import pkg/vfs, since the data flows the
// other way — VFS feeds the loader, the loader feeds the MMU.
type fileSource interface {
	// ReadAt reads len(p) bytes at the given file offset, as io.ReaderAt.
	ReadAt(p []byte, off int64) (int, error)
}

// page is one 4 KiB page of guest memory.
type page struct {
	kind backingKind

	// perm is the authoritative, current permission for this page: the
	// page, not the region it belongs to, is what access checks consult.
	perm hostarch.AccessType

	// bytes holds the page's private contents once materialized. nil
	// for backingAnonZero pages that have never been written.
	bytes []byte

	// dirty mirrors AddressSpace page dirty flag.
	dirty bool

	// source/off/shared describe non-anonymous-private backings.
	source fileSource
	off    int64
	shared *[]byte
}

// zeroPage is the single shared read-only backing for anonymous pages
// that have never been written, satisfying reads without allocation.
var zeroPage = make([]byte, hostarch.PageSize)

func newAnonPage(perm hostarch.AccessType) *page {
	return &page{kind: backingAnonZero, perm: perm}
}

func newFilePage(perm hostarch.AccessType, src fileSource, off int64) *page {
	return &page{kind: backingFile, perm: perm, source: src, off: off}
}

func newSharedPage(perm hostarch.AccessType, backing *[]byte) *page {
	return &page{kind: backingShared, perm: perm, shared: backing}
}

// materialize ensures p.bytes is a private, writable 4 KiB slice,
// populating it from the zero page or the file source as required. It
// must be called with the owning AddressSpace's write-side
// synchronization already satisfied for the *first* materialization;
// subsequent reads of an already-materialized page need no additional
// locking beyond the RWMutex read side (mm/addrspace.go).
func (p *page) materialize() []byte {
	if p.kind == backingShared {
		return *p.shared
	}
	if p.bytes != nil {
		return p.bytes
	}
	buf := make([]byte, hostarch.PageSize)
	switch p.kind {
	case backingFile:
		n, err := p.source.ReadAt(buf, p.off)
		_ = n
		_ = err // short reads / EOF leave the remainder zero-filled, as mmap does past EOF within a page.
	case backingAnonZero, backingAnonPrivate:
		// zero-filled already.
	}
	p.bytes = buf
	p.kind = backingAnonPrivate
	return p.bytes
}

// readByte reads a single byte without forcing materialization when the
// page is still the shared zero page.
func (p *page) readByte(i int) byte {
	if p.kind == backingShared {
		return (*p.shared)[i]
	}
	if p.bytes == nil {
		if p.kind == backingFile {
			return p.materialize()[i]
		}
		return 0
	}
	return p.bytes[i]
}

// writeByte materializes (if needed) and writes a single byte, marking
// the page dirty.
func (p *page) writeByte(i int, v byte) {
	buf := p.materialize()
	buf[i] = v
	p.dirty = true
}

// clonePage returns an independent copy of p suitable for installing in
// a forked address space: backingShared pages keep sharing the same
// backing slice (MAP_SHARED must stay shared across fork), everything
// else gets its own private byte buffer so writes in the parent or
// child are never visible to the other. This is a full eager copy
// rather than copy-on-write: host-level COW (madvise/userfaultfd
// tricks) is out of scope here, and thread-heavy guest workloads
// overwhelmingly use CLONE_VM, making fork's full-copy path a cold path
// where eagerness is an acceptable cost.
func clonePage(p *page) *page {
	np := &page{kind: p.kind, perm: p.perm, source: p.source, off: p.off, shared: p.shared, dirty: p.dirty}
	if p.kind != backingShared && p.bytes != nil {
		np.bytes = append([]byte(nil), p.bytes...)
	}
	return np
}

// pageTable is the second level of the directory: a fixed array of page
// slots covering dirSpan bytes of contiguous address space.
const (
	dirShift   = 22 // 4 MiB covered per pageTable
	dirSpan    = 1 << dirShift
	tableSlots = dirSpan / hostarch.PageSize // 1024 slots
)

type pageTable struct {
	slots [tableSlots]*page
}

// pageDirectory is the top level: a sparse map from directory index to
// pageTable, giving a two-level page directory indexed by the top bits
// of the guest address.
type pageDirectory struct {
	tables map[uint64]*pageTable
	// count tracks the number of mapped pages, purely for bookkeeping
	// (e.g. tests, diagnostics); it is maintained with atomic ops so
	// it may be read without holding the AddressSpace lock.
	count int64
}

func newPageDirectory() *pageDirectory {
	return &pageDirectory{tables: make(map[uint64]*pageTable)}
}

func dirIndex(addr hostarch.Addr) uint64 {
	return uint64(addr) >> dirShift
}

func slotIndex(addr hostarch.Addr) uint64 {
	return (uint64(addr) >> 12) & (tableSlots - 1)
}

// lookup returns the page mapping addr, or nil if unmapped.
func (d *pageDirectory) lookup(addr hostarch.Addr) *page {
	t, ok := d.tables[dirIndex(addr)]
	if !ok {
		return nil
	}
	return t.slots[slotIndex(addr)]
}

// set installs p as the mapping for the page containing addr, which
// must be page-aligned.
func (d *pageDirectory) set(addr hostarch.Addr, p *page) {
	idx := dirIndex(addr)
	t, ok := d.tables[idx]
	if !ok {
		t = &pageTable{}
		d.tables[idx] = t
	}
	si := slotIndex(addr)
	if t.slots[si] == nil && p != nil {
		atomic.AddInt64(&d.count, 1)
	} else if t.slots[si] != nil && p == nil {
		atomic.AddInt64(&d.count, -1)
	}
	t.slots[si] = p
}

// clear unmaps the page containing addr.
func (d *pageDirectory) clear(addr hostarch.Addr) {
	d.set(addr, nil)
}

// mappedCount returns the number of currently mapped pages.
func (d *pageDirectory) mappedCount() int64 {
	return atomic.LoadInt64(&d.count)
}
