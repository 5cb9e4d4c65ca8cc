package mm

import (
	"encoding/binary"
	"sync"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
)

// atomicMu (AddressSpace.atomicLock) serializes RMW operations on guest
// memory words touched by LOCK-prefixed instructions, XCHG-with-memory,
// and CMPXCHG*. It is intentionally distinct from AddressSpace.mu:
// ordinary loads and stores only need the structural RWMutex's read
// side, and serializing every byte access through one extra mutex would
// defeat the point of keeping the two locks separate.
func (as *AddressSpace) atomicMu() *sync.Mutex {
	return &as.atomicLock
}

// readBytes reads n bytes starting at addr into dst, honoring
// permissions. Caller must hold as.mu (at least for reading).
func (as *AddressSpace) readBytesLocked(addr hostarch.Addr, dst []byte) error {
	pages, offs, err := as.checkRange(addr, len(dst), hostarch.Read)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = pages[i].readByte(offs[i])
	}
	return nil
}

func (as *AddressSpace) writeBytesLocked(addr hostarch.Addr, src []byte) error {
	pages, offs, err := as.checkRange(addr, len(src), hostarch.Write)
	if err != nil {
		return err
	}
	for i, b := range src {
		pages[i].writeByte(offs[i], b)
	}
	return nil
}

// ReadBytes copies len(dst) bytes from guest memory at addr into dst.
// Unaligned and cross-page accesses are permitted; a
// fault leaves dst untouched beyond what had already been filled in by
// the time the fault is detected is irrelevant, since callers must not
// observe partial results: checkRange validates the whole range before
// any byte is copied.
func (as *AddressSpace) ReadBytes(addr hostarch.Addr, dst []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.readBytesLocked(addr, dst)
}

// WriteBytes copies src into guest memory at addr.
func (as *AddressSpace) WriteBytes(addr hostarch.Addr, src []byte) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.writeBytesLocked(addr, src)
}

// FetchCode reads an instruction-fetch window for the decoder/JIT,
// honoring Execute permission: a fetch from a page without Execute
// faults the same way a write to a read-only page does.
func (as *AddressSpace) FetchCode(addr hostarch.Addr, n int) ([]byte, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	pages, offs, err := as.checkRange(addr, n, hostarch.ReadExecute)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = pages[i].readByte(offs[i])
	}
	return buf, nil
}

func (as *AddressSpace) read(addr hostarch.Addr, n int) (uint64, error) {
	var buf [8]byte
	as.mu.RLock()
	err := as.readBytesLocked(addr, buf[:n])
	as.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[:2])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	case 8:
		return binary.LittleEndian.Uint64(buf[:8]), nil
	}
	panic("mm: unsupported width")
}

func (as *AddressSpace) write(addr hostarch.Addr, n int, val uint64) error {
	var buf [8]byte
	switch n {
	case 1:
		buf[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(buf[:2], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(buf[:4], uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(buf[:8], val)
	default:
		panic("mm: unsupported width")
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.writeBytesLocked(addr, buf[:n])
}

// Read8/16/32/64 and Write8/16/32/64 implement the address space's
// byte-addressable read/write interface.
func (as *AddressSpace) Read8(addr hostarch.Addr) (uint8, error) {
	v, err := as.read(addr, 1)
	return uint8(v), err
}
func (as *AddressSpace) Read16(addr hostarch.Addr) (uint16, error) {
	v, err := as.read(addr, 2)
	return uint16(v), err
}
func (as *AddressSpace) Read32(addr hostarch.Addr) (uint32, error) {
	v, err := as.read(addr, 4)
	return uint32(v), err
}
func (as *AddressSpace) Read64(addr hostarch.Addr) (uint64, error) {
	return as.read(addr, 8)
}
func (as *AddressSpace) Write8(addr hostarch.Addr, val uint8) error {
	return as.write(addr, 1, uint64(val))
}
func (as *AddressSpace) Write16(addr hostarch.Addr, val uint16) error {
	return as.write(addr, 2, uint64(val))
}
func (as *AddressSpace) Write32(addr hostarch.Addr, val uint32) error {
	return as.write(addr, 4, uint64(val))
}
func (as *AddressSpace) Write64(addr hostarch.Addr, val uint64) error {
	return as.write(addr, 8, val)
}

// AtomicXchg atomically exchanges the width-byte word at addr with val,
// returning the previous value. width must be 1, 2, 4, or 8. Used by
// XCHG-with-memory at any operand width and by kernel.Futex.
func (as *AddressSpace) AtomicXchg(addr hostarch.Addr, width int, val uint64) (uint64, error) {
	mu := as.atomicMu()
	mu.Lock()
	defer mu.Unlock()
	old, err := as.read(addr, width)
	if err != nil {
		return 0, err
	}
	if err := as.write(addr, width, val); err != nil {
		return 0, err
	}
	return old, nil
}

// AtomicXchg32 is AtomicXchg at a fixed 32-bit width.
func (as *AddressSpace) AtomicXchg32(addr hostarch.Addr, val uint32) (uint32, error) {
	old, err := as.AtomicXchg(addr, 4, uint64(val))
	return uint32(old), err
}

// AtomicCompareAndSwap implements CMPXCHG semantics on a width-byte
// word: if the current value equals old, it is replaced with new and
// true is returned along with the value observed (== old); otherwise
// the current value is returned unchanged and false. width must be 1,
// 2, 4, or 8.
func (as *AddressSpace) AtomicCompareAndSwap(addr hostarch.Addr, width int, old, new uint64) (uint64, bool, error) {
	mu := as.atomicMu()
	mu.Lock()
	defer mu.Unlock()
	cur, err := as.read(addr, width)
	if err != nil {
		return 0, false, err
	}
	if cur != old {
		return cur, false, nil
	}
	if err := as.write(addr, width, new); err != nil {
		return cur, false, err
	}
	return cur, true, nil
}

// AtomicCompareAndSwap32 is AtomicCompareAndSwap at a fixed 32-bit width.
func (as *AddressSpace) AtomicCompareAndSwap32(addr hostarch.Addr, old, new uint32) (uint32, bool, error) {
	cur, ok, err := as.AtomicCompareAndSwap(addr, 4, uint64(old), uint64(new))
	return uint32(cur), ok, err
}

// AtomicRMW reads the width-byte word at addr, calls fn with the value
// zero-extended to 64 bits, and writes back fn's result truncated to
// width bytes, all under the atomic-ops mutex. It backs LOCK
// ADD/SUB/AND/OR/XOR (memory operand) in pkg/interp at any operand
// width. width must be 1, 2, 4, or 8.
func (as *AddressSpace) AtomicRMW(addr hostarch.Addr, width int, fn func(uint64) uint64) (uint64, error) {
	mu := as.atomicMu()
	mu.Lock()
	defer mu.Unlock()
	old, err := as.read(addr, width)
	if err != nil {
		return 0, err
	}
	if err := as.write(addr, width, fn(old)); err != nil {
		return 0, err
	}
	return old, nil
}

// AtomicRMW32 is AtomicRMW at a fixed 32-bit width.
func (as *AddressSpace) AtomicRMW32(addr hostarch.Addr, fn func(uint32) uint32) (uint32, error) {
	old, err := as.AtomicRMW(addr, 4, func(v uint64) uint64 {
		return uint64(fn(uint32(v)))
	})
	return uint32(old), err
}
