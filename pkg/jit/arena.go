// Package jit implements the just-in-time basic-block translator and
// its executable-memory allocator.
//
// The allocator wraps a raw host resource (mmap'd pages) behind a
// small Go type that owns its lifecycle, using golang.org/x/sys/unix's
// Mmap/Mprotect to obtain and W^X-flip raw executable memory.
package jit

import (
	"sync"

	"golang.org/x/sys/unix"
)

// rangeSize is the size of one mmap'd executable-memory range.
const rangeSize = 64 * 1024

// chunkSize is the allocation granularity within a range.
const chunkSize = 16

// arenaRange is one mmap'd 64 KiB range of host memory, initially
// PROT_READ|PROT_WRITE while code is written into it and then
// Mprotect'd to PROT_READ|PROT_EXEC (W^X: never both writable and
// executable at once).
type arenaRange struct {
	mem        []byte
	bump       int // next never-yet-allocated chunk offset
	executable bool
}

// freeChunk is one chunk on a range's free list.
type freeChunk struct {
	rangeIdx int
	off      int
	size     int
}

// Arena is the JIT's executable-memory allocator: 64 KiB ranges
// subdivided into 16-byte chunks, first-fit free list, then bump
// pointer within the current range, then a brand new range. Free
// returns a chunk to the free list without coalescing: simplicity over
// fragmentation avoidance, since compiled block sizes cluster tightly
// enough that coalescing buys little.
type Arena struct {
	mu     sync.Mutex
	ranges []*arenaRange
	free   []freeChunk
}

// NewArena returns an empty allocator; its first range is obtained
// lazily on the first Alloc.
func NewArena() *Arena {
	return &Arena{}
}

func mapRange() (*arenaRange, error) {
	mem, err := unix.Mmap(-1, 0, rangeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return &arenaRange{mem: mem}, nil
}

// roundChunks rounds n up to a whole number of chunkSize-byte chunks.
func roundChunks(n int) int {
	if n <= 0 {
		n = chunkSize
	}
	return ((n + chunkSize - 1) / chunkSize) * chunkSize
}

// Alloc reserves size bytes (rounded up to a chunk multiple) of
// writable memory and returns the backing slice plus an opaque handle
// Free later needs. The returned slice is writable (not yet
// executable); call Seal once translation has finished writing into it.
func (a *Arena) Alloc(size int) (mem []byte, rangeIdx, off int, err error) {
	need := roundChunks(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, fc := range a.free {
		if fc.size >= need && !a.ranges[fc.rangeIdx].executable {
			a.free = append(a.free[:i], a.free[i+1:]...)
			r := a.ranges[fc.rangeIdx]
			return r.mem[fc.off : fc.off+need], fc.rangeIdx, fc.off, nil
		}
	}

	if len(a.ranges) > 0 {
		r := a.ranges[len(a.ranges)-1]
		if !r.executable && r.bump+need <= rangeSize {
			off := r.bump
			r.bump += need
			return r.mem[off : off+need], len(a.ranges) - 1, off, nil
		}
	}

	r, mmErr := mapRange()
	if mmErr != nil {
		return nil, 0, 0, mmErr
	}
	a.ranges = append(a.ranges, r)
	r.bump = need
	return r.mem[:need], len(a.ranges) - 1, 0, nil
}

// Seal Mprotects the range containing (rangeIdx, off) to
// PROT_READ|PROT_EXEC, making every chunk in that range executable and
// none of them writable from here on: the protection bits flip once
// per range, not per chunk. Subsequent Alloc calls against a sealed
// range fall through to bump/new-range since it no longer accepts
// writes.
func (a *Arena) Seal(rangeIdx int) error {
	a.mu.Lock()
	r := a.ranges[rangeIdx]
	if r.executable {
		a.mu.Unlock()
		return nil
	}
	r.executable = true
	mem := r.mem
	a.mu.Unlock()
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

// Free returns the chunk at (rangeIdx, off, size) to the free list. It
// does not coalesce adjacent chunks and does not unprotect the range
// (a sealed range stays PROT_READ|PROT_EXEC; its freed chunks are
// simply eligible for a future Alloc that writes fresh code into them,
// which would first need the range un-sealed — out of scope here since
// this emulator's Invalidate path abandons stale blocks rather than
// recompiling in place).
func (a *Arena) Free(rangeIdx, off, size int) {
	a.mu.Lock()
	a.free = append(a.free, freeChunk{rangeIdx: rangeIdx, off: off, size: roundChunks(size)})
	a.mu.Unlock()
}

// Close unmaps every range the arena holds. Used only at process
// teardown; never called from a worker's hot path.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var first error
	for _, r := range a.ranges {
		if err := unix.Munmap(r.mem); err != nil && first == nil {
			first = err
		}
	}
	a.ranges = nil
	return first
}
