package vfs

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// devicePaths maps well-known device paths to the synthetic FileObject
// constructor this emulator serves them from, rather than opening them
// off the host filesystem.
var devicePaths = map[string]func() FileObject{
	"/dev/null":   NewDevNull,
	"/dev/random": NewDevRandom,
	"/dev/urandom": NewDevRandom,
	"/dev/tty":    NewDevTTY,
}

// OpenFileDescription is one entry in a process's file descriptor table:
// a FileObject plus the state that is per-open-file rather than
// per-inode (offset, flags). The "fd -> open file description -> file
// object" indirection means dup()'d descriptors share offset/flags
// while two independent open() calls on the same path do not.
type OpenFileDescription struct {
	mu     sync.Mutex
	File   FileObject
	Flags  int
	offset int64
	refs   int32
}

func newOFD(f FileObject, flags int) *OpenFileDescription {
	return &OpenFileDescription{File: f, Flags: flags, refs: 1}
}

// Read reads from the file object at the description's current offset
// (for seekable files), advancing it.
func (ofd *OpenFileDescription) Read(buf []byte) (int, error) {
	ofd.mu.Lock()
	defer ofd.mu.Unlock()
	n, err := ofd.File.Read(buf)
	ofd.offset += int64(n)
	return n, err
}

// Write writes to the file object, advancing the offset for seekable files.
func (ofd *OpenFileDescription) Write(buf []byte) (int, error) {
	ofd.mu.Lock()
	defer ofd.mu.Unlock()
	n, err := ofd.File.Write(buf)
	ofd.offset += int64(n)
	return n, err
}

// ReadAt reads at a specific file offset without disturbing the
// description's tracked offset, for pread64/preadv. The underlying
// FileObject must be host-backed and seekable; callers of pread64
// against a pipe or other non-seekable object get back whatever error
// the host's Seek returns (ESPIPE, conventionally).
func (ofd *OpenFileDescription) ReadAt(buf []byte, off int64) (int, error) {
	ofd.mu.Lock()
	defer ofd.mu.Unlock()
	saved := ofd.offset
	if _, err := ofd.File.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := ofd.File.Read(buf)
	if _, serr := ofd.File.Seek(saved, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}

// WriteAt is ReadAt's write counterpart, for pwrite64/pwritev.
func (ofd *OpenFileDescription) WriteAt(buf []byte, off int64) (int, error) {
	ofd.mu.Lock()
	defer ofd.mu.Unlock()
	saved := ofd.offset
	if _, err := ofd.File.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := ofd.File.Write(buf)
	if _, serr := ofd.File.Seek(saved, io.SeekStart); serr != nil && err == nil {
		err = serr
	}
	return n, err
}

// Seek repositions the description's offset.
func (ofd *OpenFileDescription) Seek(offset int64, whence int) (int64, error) {
	ofd.mu.Lock()
	defer ofd.mu.Unlock()
	newOff, err := ofd.File.Seek(offset, whence)
	if err != nil {
		return 0, err
	}
	ofd.offset = newOff
	return newOff, nil
}

func (ofd *OpenFileDescription) incRef() {
	ofd.mu.Lock()
	ofd.refs++
	ofd.mu.Unlock()
}

// decRef drops a reference, closing the underlying FileObject once the
// last descriptor referencing this description is closed.
func (ofd *OpenFileDescription) decRef() error {
	ofd.mu.Lock()
	ofd.refs--
	last := ofd.refs == 0
	ofd.mu.Unlock()
	if last {
		return ofd.File.Close()
	}
	return nil
}

// FDTable is a process's (or thread group's) file descriptor table:
// small integers mapping to OpenFileDescriptions, with POSIX-mandated
// lowest-unused-fd allocation.
type FDTable struct {
	mu    sync.Mutex
	table map[int]*OpenFileDescription
	next  int
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{table: make(map[int]*OpenFileDescription)}
}

// Install assigns the next available fd to ofd and returns it.
func (t *FDTable) Install(ofd *OpenFileDescription) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := 0
	for {
		if _, used := t.table[fd]; !used {
			break
		}
		fd++
	}
	t.table[fd] = ofd
	if fd >= t.next {
		t.next = fd + 1
	}
	return fd
}

// InstallAt installs ofd at a specific fd, closing whatever was there
// (dup2/dup3 semantics).
func (t *FDTable) InstallAt(fd int, ofd *OpenFileDescription) error {
	t.mu.Lock()
	old := t.table[fd]
	t.table[fd] = ofd
	t.mu.Unlock()
	if old != nil {
		return old.decRef()
	}
	return nil
}

// Get returns the OpenFileDescription for fd, or EBADF.
func (t *FDTable) Get(fd int) (*OpenFileDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ofd, ok := t.table[fd]
	if !ok {
		return nil, syserror.EBADF
	}
	return ofd, nil
}

// Close removes fd from the table and releases its reference.
func (t *FDTable) Close(fd int) error {
	t.mu.Lock()
	ofd, ok := t.table[fd]
	if ok {
		delete(t.table, fd)
	}
	t.mu.Unlock()
	if !ok {
		return syserror.EBADF
	}
	return ofd.decRef()
}

// Dup duplicates fd onto the lowest unused descriptor, sharing the same
// OpenFileDescription (and therefore offset/flags).
func (t *FDTable) Dup(fd int) (int, error) {
	ofd, err := t.Get(fd)
	if err != nil {
		return 0, err
	}
	ofd.incRef()
	return t.Install(ofd), nil
}

// Dup2 duplicates oldfd onto newfd.
func (t *FDTable) Dup2(oldfd, newfd int) error {
	ofd, err := t.Get(oldfd)
	if err != nil {
		return err
	}
	if oldfd == newfd {
		return nil
	}
	ofd.incRef()
	return t.InstallAt(newfd, ofd)
}

// Fork returns a new table sharing every OpenFileDescription with t
// (post-clone fd table semantics before any CLOEXEC handling), each
// reference-counted.
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewFDTable()
	for fd, ofd := range t.table {
		ofd.incRef()
		nt.table[fd] = ofd
	}
	nt.next = t.next
	return nt
}

// OpenHost resolves path against the host filesystem, the well-known
// device paths this emulator synthesizes, and the in-memory shadow-file
// registry, and installs the result as a new OpenFileDescription. Open
// and openat both funnel through here.
//
// A path under devicePaths is always served synthetically regardless of
// flags. Otherwise the host filesystem is tried first; if it fails with
// ENOENT and O_CREAT is set, a shadow file takes the path's place
// instead of failing, since this emulator has no guest-private
// namespace to create a real inode in.
func OpenHost(path string, flags int, mode os.FileMode) (*OpenFileDescription, error) {
	if ctor, ok := devicePaths[path]; ok {
		return newOFD(ctor(), flags), nil
	}

	f, err := os.OpenFile(path, flags, mode)
	if err == nil {
		return newOFD(newHostFile(f), flags), nil
	}
	if flags&os.O_CREATE == 0 || !os.IsNotExist(err) {
		return nil, err
	}
	d := openOrCreateShadowFile(path, flags&os.O_TRUNC != 0)
	return newOFD(newShadowFile(d), flags), nil
}

// NewFD wraps an arbitrary FileObject as a fresh OpenFileDescription,
// for callers (bootstrap stdio, memfd_create) that construct their own
// synthetic FileObject rather than going through OpenHost.
func NewFD(f FileObject, flags int) *OpenFileDescription {
	return newOFD(f, flags)
}

// NewDirectoryFD wraps a synthetic directory listing as an open file
// description (used by /proc- and /dev-style entries this emulator
// synthesizes rather than reading off the host).
func NewDirectoryFD(ino uint64, entries []DirEntry) *OpenFileDescription {
	return newOFD(newDirectory(ino, entries), os.O_RDONLY)
}

// NewPipeFDs returns a connected (readFD, writeFD) OpenFileDescription
// pair for the pipe/pipe2 syscalls.
func NewPipeFDs() (*OpenFileDescription, *OpenFileDescription) {
	r, w := NewPipe()
	return newOFD(r, os.O_RDONLY), newOFD(w, os.O_WRONLY)
}

// NewEventFDDescription wraps an eventfd object for the eventfd/eventfd2
// syscalls.
func NewEventFDDescription(initial uint64, nonblock bool) *OpenFileDescription {
	flags := os.O_RDWR
	if nonblock {
		flags |= unix.O_NONBLOCK
	}
	return newOFD(NewEventFD(initial), flags)
}

// Ioctl dispatches the small subset of ioctl requests this emulator
// implements directly rather than forwarding to the host:
// FIONBIO toggles non-blocking mode on pipe ends, TIOCGWINSZ reports a
// fixed synthetic terminal size for programs that probe it before
// falling back to defaults.
func Ioctl(ofd *OpenFileDescription, req uint, arg uint64, mem interface {
	Read64(addr uint64) (uint64, error)
	Write32(addr uint64, v uint32) error
}) (uint64, error) {
	switch req {
	case unix.FIONBIO:
		v, err := mem.Read64(arg)
		if err != nil {
			return 0, err
		}
		nonblock := v&0xFF != 0
		if !SetPipeNonblock(ofd.File, nonblock) {
			return 0, syserror.ENOTTY
		}
		if nonblock {
			ofd.Flags |= unix.O_NONBLOCK
		} else {
			ofd.Flags &^= unix.O_NONBLOCK
		}
		return 0, nil
	case unix.TIOCGWINSZ:
		// struct winsize { ws_row, ws_col, ws_xpixel, ws_ypixel uint16 }.
		if err := mem.Write32(arg, 0x00780050); err != nil { // cols=120 (0x78), rows=80 (0x50)
			return 0, err
		}
		return 0, nil
	default:
		if hb, ok := ofd.File.(hostBacked); ok {
			if fd, has := hb.hostFileDescriptor(); has {
				return forwardIoctl(fd, req, arg)
			}
		}
		return 0, syserror.ENOTTY
	}
}

// forwardIoctl issues req directly against the host fd underlying a
// host-backed FileObject, for ioctl requests this emulator has no
// synthetic handling for. arg is passed through unchanged: for the
// integer-valued ioctls this is correct as-is; for pointer-argument
// ioctls arg must already be a host-addressable pointer (true only when
// the caller translated it, which the FIONBIO/TIOCGWINSZ cases above
// handle directly instead of reaching here).
func forwardIoctl(fd int, req uint, arg uint64) (uint64, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return uint64(ret), nil
}
