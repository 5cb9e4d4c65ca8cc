package vfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

func TestPathNormalization(t *testing.T) {
	p, err := ParsePath("/a/b/../c/./d")
	require.NoError(t, err)
	require.Equal(t, "/a/c/d", p.String())

	_, err = ParsePath("/../../..")
	require.Equal(t, syserror.ENOENT, err)

	_, err = ParsePath("/..")
	require.Equal(t, syserror.ENOENT, err)

	p2, err := ParsePath("/a/..")
	require.NoError(t, err)
	require.True(t, p2.IsRoot())
}

func TestPipeNonblockReadReturnsEAGAIN(t *testing.T) {
	r, w := NewPipe()
	ok := SetPipeNonblock(r, true)
	require.True(t, ok)
	ok = SetPipeNonblock(w, true)
	require.True(t, ok)

	buf := make([]byte, 16)
	_, err := r.Read(buf)
	require.Equal(t, syserror.ErrWouldBlock, err)

	n, err := w.Write([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestTwoOpensHaveIndependentOffsets(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/f"
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	table := NewFDTable()
	ofd1, err := OpenHost(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	fd1 := table.Install(ofd1)

	ofd2, err := OpenHost(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	fd2 := table.Install(ofd2)

	buf := make([]byte, 3)
	got1, _ := table.table[fd1].Read(buf)
	require.Equal(t, 3, got1)
	require.Equal(t, "012", string(buf[:got1]))

	got2, _ := table.table[fd2].Read(buf)
	require.Equal(t, 3, got2)
	require.Equal(t, "012", string(buf[:got2]), "independent open must start at offset 0 regardless of the other fd's position")
}

func TestDupSharesOffset(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/f"
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	table := NewFDTable()
	ofd, err := OpenHost(path, os.O_RDONLY, 0)
	require.NoError(t, err)
	fd := table.Install(ofd)
	dupFd, err := table.Dup(fd)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, _ := table.table[fd].Read(buf)
	require.Equal(t, 4, n)

	n2, _ := table.table[dupFd].Read(buf)
	require.Equal(t, 4, n2)
	require.Equal(t, "4567", string(buf[:n2]), "dup'd fd shares the same OpenFileDescription and offset")
}

func TestFDTableCloseReleasesLowestFD(t *testing.T) {
	table := NewFDTable()
	r, w := NewPipeFDs()
	fd0 := table.Install(r)
	fd1 := table.Install(w)
	require.Equal(t, 0, fd0)
	require.Equal(t, 1, fd1)

	require.NoError(t, table.Close(fd0))
	_, err := table.Get(fd0)
	require.Equal(t, syserror.EBADF, err)

	r2, _ := NewPipeFDs()
	fd2 := table.Install(r2)
	require.Equal(t, 0, fd2, "lowest unused fd must be reused after close")
}
