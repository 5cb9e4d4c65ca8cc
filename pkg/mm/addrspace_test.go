package mm

import (
	"testing"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	return New(hostarch.Addr(1) << 46)
}

func TestMmapAnonReadWrite(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x1000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.True(t, base.IsPageAligned())

	require.NoError(t, as.Write64(base, 0xdeadbeefcafebabe))
	v, err := as.Read64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeefcafebabe), v)
}

func TestMmapReadBeforeWriteIsZero(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x1000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	v, err := as.Read64(base + 8)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestMmapFixedOverwrites(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x2000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.Write8(base, 0x42))

	got, err := as.Mmap(base, 0x1000, hostarch.ReadWrite, MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.Equal(t, base, got)

	v, err := as.Read8(base)
	require.NoError(t, err)
	require.Zero(t, v, "MAP_FIXED must unmap whatever was there, yielding a fresh zero page")
}

func TestUnmappedAccessFaults(t *testing.T) {
	as := newTestSpace(t)
	_, err := as.Read8(hostarch.Addr(0x10000))
	require.Error(t, err)
}

func TestMunmapOfUnmappedIsNoop(t *testing.T) {
	as := newTestSpace(t)
	err := as.Munmap(hostarch.Addr(0x10000), 0x1000)
	require.NoError(t, err, "munmap of an unmapped range is a no-op, not ENOMEM (see DESIGN.md open question decision)")
}

// TestMprotectSplit is scenario 3.
func TestMprotectSplit(t *testing.T) {
	as := newTestSpace(t)
	const total = 0x1000000
	base, err := as.Mmap(0, total, hostarch.Read, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)

	require.NoError(t, as.Mprotect(base+0x400000, 0x800000, hostarch.ReadWrite))

	require.NoError(t, as.Write8(base+0x400000, 1), "writes inside the newly-RW middle region must succeed")

	err = as.Write8(base, 1)
	require.Error(t, err, "writes before the mprotect'd region must still fault (still R-only)")

	err = as.Write8(base+0xC00000, 1)
	require.Error(t, err, "writes after the mprotect'd region must still fault (still R-only)")
}

func TestMprotectRequiresFullyMapped(t *testing.T) {
	as := newTestSpace(t)
	_, err := as.Mmap(0, 0x1000, hostarch.Read, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	err = as.Mprotect(hostarch.Addr(0), 0x3000, hostarch.ReadWrite)
	require.Error(t, err, "mprotect over a partially-unmapped range must fail with ENOMEM")
}

func TestBrkGrowAndShrink(t *testing.T) {
	as := newTestSpace(t)
	const start = hostarch.Addr(0x500000)
	as.BrkSetup(start, 0x1000000)

	end, err := as.Brk(start + 0x10000)
	require.NoError(t, err)
	require.Equal(t, start+0x10000, end)
	require.NoError(t, as.Write8(start+0x100, 7))

	end, err = as.Brk(start)
	require.NoError(t, err)
	require.Equal(t, start, end)
	_, err = as.Read8(start + 0x100)
	require.Error(t, err, "shrinking brk must unmap the released pages")
}

func TestCrossPageReadWrite(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x2000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)

	addr := base + hostarch.PageSize - 4
	require.NoError(t, as.Write64(addr, 0x0102030405060708))
	v, err := as.Read64(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v)
}

func TestAtomicXchg32(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x1000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.Write32(base, 0x1234))

	old, err := as.AtomicXchg32(base, 0x5678)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1234), old)
	v, err := as.Read32(base)
	require.NoError(t, err)
	require.Equal(t, uint32(0x5678), v)
}

func TestForkIsIndependent(t *testing.T) {
	as := newTestSpace(t)
	base, err := as.Mmap(0, 0x1000, hostarch.ReadWrite, MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.Write64(base, 0x1111))

	child := as.Fork()
	v, err := child.Read64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111), v)

	require.NoError(t, child.Write64(base, 0x2222))
	parentVal, err := as.Read64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111), parentVal, "fork must not let child writes leak back to the parent")
}
