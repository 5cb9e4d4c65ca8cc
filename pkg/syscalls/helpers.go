package syscalls

import (
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

const maxPathLen = 4096

// readCString reads a NUL-terminated string out of guest memory, as
// every path-taking syscall argument is encoded.
func readCString(as *mm.AddressSpace, addr hostarch.Addr) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxPathLen; i++ {
		b, err := as.Read8(addr + hostarch.Addr(i))
		if err != nil {
			return "", syserror.EFAULT
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", syserror.ENAMETOOLONG
}

// memIoctl adapts an AddressSpace's hostarch.Addr-typed accessors to
// the plain-uint64-addressed collaborator interface vfs.Ioctl expects,
// so pkg/vfs need not import pkg/hostarch just for this one call.
type memIoctl struct{ as *mm.AddressSpace }

func (m memIoctl) Read64(addr uint64) (uint64, error) {
	return m.as.Read64(hostarch.Addr(addr))
}

func (m memIoctl) Write32(addr uint64, v uint32) error {
	return m.as.Write32(hostarch.Addr(addr), v)
}

// mmSource adapts an open file description to the io.ReaderAt-shaped
// collaborator interface pkg/mm wants for file-backed mappings, keeping
// pkg/mm from importing pkg/vfs (data flows VFS -> loader -> MMU, never
// the reverse).
type mmSource struct{ ofd *vfs.OpenFileDescription }

func (s mmSource) ReadAt(p []byte, off int64) (int, error) {
	return s.ofd.ReadAt(p, off)
}
