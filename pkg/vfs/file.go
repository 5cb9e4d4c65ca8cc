package vfs

import (
	"crypto/rand"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// FileType enumerates the kinds of FileObject, used by fstat's mode bits
// and by getdents' d_type field.
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypePipe
	TypeCharDevice
	TypeEventFD
	TypeStream
	TypeEpoll
	TypeSymlink
)

// Stat is the subset of struct stat this emulator's syscalls populate.
type Stat struct {
	Ino  uint64
	Size int64
	Mode uint32
	Type FileType
}

// FileObject is the polymorphic file implementation every open file
// description wraps.
type FileObject interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	// Seek is valid only for seekable objects (regular files); others
	// return syserror.ESPIPE, matching Linux llseek's ENOTSEEK handling
	// for pipes/sockets/character devices.
	Seek(offset int64, whence int) (int64, error)
	Close() error
	Stat() (Stat, error)
	// Readiness reports which of the requested poll event bits
	// (unix.POLLIN, unix.POLLOUT, ...) are currently satisfied without
	// blocking, per scenario 5 (read of an empty non-blocking
	// pipe returns EAGAIN, not a block).
	Readiness(mask uint32) uint32
}

// hostBacked is implemented by FileObjects that wrap a real host file
// descriptor (hostFile, stream). Ioctl uses it to decide whether an
// unrecognized request should be forwarded to the host kernel rather
// than rejected with ENOTTY.
type hostBacked interface {
	hostFileDescriptor() (int, bool)
}

// hostFile wraps a real *os.File, used for paths this emulator serves
// directly off the host filesystem (no guest-private namespace is
// modeled; Non-goals exclude a full container filesystem).
type hostFile struct {
	f        *os.File
	seekable bool
}

func newHostFile(f *os.File) *hostFile {
	_, err := f.Seek(0, io.SeekCurrent)
	return &hostFile{f: f, seekable: err == nil}
}

func (h *hostFile) Read(buf []byte) (int, error)  { return h.f.Read(buf) }
func (h *hostFile) Write(buf []byte) (int, error) { return h.f.Write(buf) }

func (h *hostFile) Seek(offset int64, whence int) (int64, error) {
	if !h.seekable {
		return 0, syserror.ESPIPE
	}
	return h.f.Seek(offset, whence)
}

func (h *hostFile) Close() error { return h.f.Close() }

func (h *hostFile) Stat() (Stat, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return Stat{}, err
	}
	typ := TypeRegular
	if fi.IsDir() {
		typ = TypeDirectory
	}
	sys, _ := fi.Sys().(*unix.Stat_t)
	var ino uint64
	if sys != nil {
		ino = sys.Ino
	}
	return Stat{Ino: ino, Size: fi.Size(), Mode: uint32(fi.Mode().Perm()), Type: typ}, nil
}

func (h *hostFile) Readiness(mask uint32) uint32 {
	// Regular host files never block the emulator's single-threaded I/O
	// path, so every requested bit is always satisfied.
	return mask
}

// hostFileDescriptor returns the real host fd backing h, for ioctl
// requests this emulator does not model directly and must forward.
func (h *hostFile) hostFileDescriptor() (int, bool) { return int(h.f.Fd()), true }

// pipeBuffer is a fixed-capacity ring buffer shared by a pipe's read and
// write ends, guarded by one mutex and a condition variable so Read can
// block (or return EAGAIN under O_NONBLOCK) until data is available.
type pipeBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	data      []byte
	closed    bool
	nonblock  bool
}

const pipeCapacity = 64 * 1024

func newPipeBuffer() *pipeBuffer {
	pb := &pipeBuffer{data: make([]byte, 0, pipeCapacity)}
	pb.cond = sync.NewCond(&pb.mu)
	return pb
}

// pipeEnd is one end (read or write) of a pipe; both ends share the same
// underlying pipeBuffer.
type pipeEnd struct {
	buf      *pipeBuffer
	isWriter bool
}

func (p *pipeEnd) Read(out []byte) (int, error) {
	b := p.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		if b.nonblock {
			return 0, syserror.ErrWouldBlock
		}
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, nil // EOF: writer closed with nothing buffered
	}
	n := copy(out, b.data)
	b.data = b.data[n:]
	b.cond.Broadcast()
	return n, nil
}

func (p *pipeEnd) Write(in []byte) (int, error) {
	b := p.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, syserror.EPIPE
	}
	room := pipeCapacity - len(b.data)
	if room == 0 {
		if b.nonblock {
			return 0, syserror.ErrWouldBlock
		}
		for room == 0 && !b.closed {
			b.cond.Wait()
			room = pipeCapacity - len(b.data)
		}
	}
	n := len(in)
	if n > room {
		n = room
	}
	b.data = append(b.data, in[:n]...)
	b.cond.Broadcast()
	return n, nil
}

func (p *pipeEnd) Seek(int64, int) (int64, error) { return 0, syserror.ESPIPE }

func (p *pipeEnd) Close() error {
	b := p.buf
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (p *pipeEnd) Stat() (Stat, error) {
	return Stat{Type: TypePipe}, nil
}

func (p *pipeEnd) Readiness(mask uint32) uint32 {
	b := p.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	var ready uint32
	if mask&unix.POLLIN != 0 && (len(b.data) > 0 || b.closed) {
		ready |= unix.POLLIN
	}
	if mask&unix.POLLOUT != 0 && (len(b.data) < pipeCapacity || b.closed) {
		ready |= unix.POLLOUT
	}
	return ready
}

// NewPipe returns the read and write ends of a new pipe.
func NewPipe() (read, write FileObject) {
	b := newPipeBuffer()
	return &pipeEnd{buf: b}, &pipeEnd{buf: b, isWriter: true}
}

// SetPipeNonblock marks the shared pipe buffer non-blocking,
// implementing FIONBIO/O_NONBLOCK for pipe file descriptions, and
// reports false if f is not a pipe end. Both ends of one pipe share the
// one flag, unlike Linux, where O_NONBLOCK belongs to each end's own
// open file description.
func SetPipeNonblock(f FileObject, nonblock bool) bool {
	p, ok := f.(*pipeEnd)
	if !ok {
		return false
	}
	p.buf.mu.Lock()
	p.buf.nonblock = nonblock
	p.buf.mu.Unlock()
	return true
}

// DirEntry is one name within an in-memory directory listing.
type DirEntry struct {
	Name string
	Type FileType
	Ino  uint64
}

// directory is an in-memory listing used for the synthetic directories
// this emulator serves without a full guest filesystem.
type directory struct {
	mu      sync.Mutex
	ino     uint64
	entries []DirEntry
	pos     int
}

func newDirectory(ino uint64, entries []DirEntry) *directory {
	return &directory{ino: ino, entries: entries}
}

func (d *directory) Read([]byte) (int, error)  { return 0, syserror.EISDIR }
func (d *directory) Write([]byte) (int, error) { return 0, syserror.EISDIR }
func (d *directory) Seek(int64, int) (int64, error) {
	return 0, syserror.ESPIPE
}
func (d *directory) Close() error { return nil }
func (d *directory) Stat() (Stat, error) {
	return Stat{Ino: d.ino, Type: TypeDirectory, Mode: 0755}, nil
}
func (d *directory) Readiness(mask uint32) uint32 { return mask }

// Getdents returns up to max remaining entries starting at the
// directory's current position, advancing it.
func (d *directory) Getdents(max int) []DirEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.entries) {
		return nil
	}
	end := d.pos + max
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out
}

// eventFD implements eventfd(2): a 64-bit counter, add-on-write,
// read-and-clear (or read-and-decrement-to-1 under EFD_SEMAPHORE, not
// modeled here since no example syscall uses that mode).
type eventFD struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count uint64
}

func newEventFD(initial uint64) *eventFD {
	e := &eventFD{count: initial}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *eventFD) Read(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, syserror.EINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.count == 0 {
		e.cond.Wait()
	}
	putUint64(buf, e.count)
	e.count = 0
	return 8, nil
}

func (e *eventFD) Write(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, syserror.EINVAL
	}
	add := getUint64(buf)
	e.mu.Lock()
	e.count += add
	e.cond.Broadcast()
	e.mu.Unlock()
	return 8, nil
}

func (e *eventFD) Seek(int64, int) (int64, error) { return 0, syserror.ESPIPE }
func (e *eventFD) Close() error                   { return nil }
func (e *eventFD) Stat() (Stat, error)             { return Stat{Type: TypeEventFD}, nil }
func (e *eventFD) Readiness(mask uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready uint32
	if mask&unix.POLLIN != 0 && e.count > 0 {
		ready |= unix.POLLIN
	}
	if mask&unix.POLLOUT != 0 {
		ready |= unix.POLLOUT
	}
	return ready
}

// NewEventFD constructs an eventfd object with the given initial count.
func NewEventFD(initial uint64) FileObject {
	return newEventFD(initial)
}

// shadowFileData is the in-memory content of a shadow file, keyed by
// path in shadowRegistry so every open of the same path shares one
// backing buffer, the same way two opens of a host path share one
// inode.
type shadowFileData struct {
	mu   sync.Mutex
	data []byte
}

var (
	shadowRegistryMu sync.Mutex
	shadowRegistry   = make(map[string]*shadowFileData)
)

// openOrCreateShadowFile returns the shadowFileData for path, creating
// an empty one on first reference. truncate discards any existing
// content (O_TRUNC).
func openOrCreateShadowFile(path string, truncate bool) *shadowFileData {
	shadowRegistryMu.Lock()
	defer shadowRegistryMu.Unlock()
	d, ok := shadowRegistry[path]
	if !ok {
		d = &shadowFileData{}
		shadowRegistry[path] = d
	} else if truncate {
		d.data = nil
	}
	return d
}

// shadowFile is a host-filesystem-backed path that has no real file
// behind it: created by O_CREAT against a path the host filesystem does
// not have, it lives entirely in guest-visible memory and, unlike a
// pipe or device, keeps its content across opens (Close never discards
// data, matching ShadowFile::keepAfterClose()).
type shadowFile struct {
	d   *shadowFileData
	pos int64
}

func newShadowFile(d *shadowFileData) *shadowFile {
	return &shadowFile{d: d}
}

func (f *shadowFile) Read(buf []byte) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if f.pos >= int64(len(f.d.data)) {
		return 0, nil
	}
	n := copy(buf, f.d.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *shadowFile) Write(buf []byte) (int, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	end := f.pos + int64(len(buf))
	if end > int64(len(f.d.data)) {
		grown := make([]byte, end)
		copy(grown, f.d.data)
		f.d.data = grown
	}
	copy(f.d.data[f.pos:end], buf)
	f.pos = end
	return len(buf), nil
}

func (f *shadowFile) Seek(offset int64, whence int) (int64, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(len(f.d.data))
	default:
		return 0, syserror.EINVAL
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, syserror.EINVAL
	}
	f.pos = newPos
	return newPos, nil
}

func (f *shadowFile) Close() error { return nil }

func (f *shadowFile) Stat() (Stat, error) {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	return Stat{Size: int64(len(f.d.data)), Mode: 0644, Type: TypeRegular}, nil
}

func (f *shadowFile) Readiness(mask uint32) uint32 { return mask }

// NewAnonShadowFile returns a shadow file with its own private backing
// buffer, not registered under any path, for memfd_create(2): an
// anonymous in-memory file that is never reachable by opening a path a
// second time.
func NewAnonShadowFile() FileObject {
	return newShadowFile(&shadowFileData{})
}

// deviceKind distinguishes the character devices this emulator
// synthesizes without a corresponding host device node.
type deviceKind int

const (
	deviceNull deviceKind = iota
	deviceRandom
	deviceTTY
)

// device implements /dev/null, /dev/random, and /dev/tty: each reuses
// the same FileObject shape but with device-specific read/write
// semantics (null discards writes and reads as EOF, random reads
// entropy and discards writes, tty forwards to the host's controlling
// terminal).
type device struct {
	kind deviceKind
}

func newDevice(kind deviceKind) *device { return &device{kind: kind} }

// NewDevNull, NewDevRandom, and NewDevTTY back /dev/null, /dev/random,
// and /dev/tty respectively.
func NewDevNull() FileObject   { return newDevice(deviceNull) }
func NewDevRandom() FileObject { return newDevice(deviceRandom) }
func NewDevTTY() FileObject    { return newDevice(deviceTTY) }

func (d *device) Read(buf []byte) (int, error) {
	switch d.kind {
	case deviceNull:
		return 0, nil
	case deviceRandom:
		return rand.Read(buf)
	case deviceTTY:
		return os.Stdin.Read(buf)
	default:
		return 0, syserror.ENXIO
	}
}

func (d *device) Write(buf []byte) (int, error) {
	switch d.kind {
	case deviceNull:
		return len(buf), nil
	case deviceRandom:
		return len(buf), nil // writes mix into the entropy pool on Linux; nothing to mix into here
	case deviceTTY:
		return os.Stdout.Write(buf)
	default:
		return 0, syserror.ENXIO
	}
}

// Seek always fails: all three devices are character devices, and
// llseek on a character device is ESPIPE regardless of kind.
func (d *device) Seek(int64, int) (int64, error) { return 0, syserror.ESPIPE }
func (d *device) Close() error                   { return nil }
func (d *device) Stat() (Stat, error)            { return Stat{Type: TypeCharDevice, Mode: 0666}, nil }

// Readiness reports every device as always ready: none of the three
// ever makes the caller block.
func (d *device) Readiness(mask uint32) uint32 { return mask }

// stream wraps one of the host's stdin/stdout/stderr streams. It is
// kept distinct from hostFile (rather than reusing newHostFile) because
// its Seek contract differs: fd 0/1/2 are never seekable even when the
// host happens to have redirected them to a regular file, and Close is
// a no-op so that closing a guest's copy of the stream never tears down
// the host's underlying descriptor out from under the emulator itself.
type stream struct {
	f *os.File
}

// NewStdin, NewStdout, and NewStderr wrap the host's standard streams
// for the guest's initial fd 0/1/2.
func NewStdin() FileObject  { return &stream{f: os.Stdin} }
func NewStdout() FileObject { return &stream{f: os.Stdout} }
func NewStderr() FileObject { return &stream{f: os.Stderr} }

func (s *stream) Read(buf []byte) (int, error)  { return s.f.Read(buf) }
func (s *stream) Write(buf []byte) (int, error) { return s.f.Write(buf) }
func (s *stream) Seek(int64, int) (int64, error) {
	return 0, syserror.ESPIPE
}
func (s *stream) Close() error        { return nil }
func (s *stream) Stat() (Stat, error) { return Stat{Type: TypeStream}, nil }
func (s *stream) Readiness(mask uint32) uint32 {
	// The host's own stdio streams never report back-pressure to this
	// emulator's single-threaded I/O path.
	return mask
}

// hostFileDescriptor returns the host fd underneath s, for ioctl
// forwarding.
func (s *stream) hostFileDescriptor() (int, bool) { return int(s.f.Fd()), true }

// epollSet is an epoll instance: a set of watched fds plus the event
// mask each was registered with. It does not compute readiness for the
// watched fds itself, and pkg/syscalls registers no epoll syscall, so
// no guest call reaches it.
type epollSet struct {
	mu      sync.Mutex
	members map[int]uint32
}

func newEpollSet() *epollSet {
	return &epollSet{members: make(map[int]uint32)}
}

// NewEpollSet constructs an empty epoll instance for epoll_create1.
func NewEpollSet() FileObject { return newEpollSet() }

func (e *epollSet) Read([]byte) (int, error)  { return 0, syserror.EINVAL }
func (e *epollSet) Write([]byte) (int, error) { return 0, syserror.EINVAL }
func (e *epollSet) Seek(int64, int) (int64, error) {
	return 0, syserror.ESPIPE
}
func (e *epollSet) Close() error                   { return nil }
func (e *epollSet) Stat() (Stat, error)             { return Stat{Type: TypeEpoll}, nil }
func (e *epollSet) Readiness(mask uint32) uint32    { return 0 }

// Add registers fd with the given interest mask (EPOLL_CTL_ADD).
func (e *epollSet) Add(fd int, events uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.members[fd] = events
}

// Modify updates fd's interest mask (EPOLL_CTL_MOD).
func (e *epollSet) Modify(fd int, events uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.members[fd]; !ok {
		return syserror.ENOENT
	}
	e.members[fd] = events
	return nil
}

// Remove drops fd from the set (EPOLL_CTL_DEL).
func (e *epollSet) Remove(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.members[fd]; !ok {
		return syserror.ENOENT
	}
	delete(e.members, fd)
	return nil
}

// Members returns a snapshot of the watched fd -> interest mask set,
// for epoll_wait to poll.
func (e *epollSet) Members() map[int]uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]uint32, len(e.members))
	for fd, mask := range e.members {
		out[fd] = mask
	}
	return out
}

// AsEpollSet returns f's underlying *epollSet, for the epoll_ctl/wait
// syscall handlers.
func AsEpollSet(f FileObject) (*epollSet, bool) {
	e, ok := f.(*epollSet)
	return e, ok
}

// symlink stores a readlink(2) target string; it is never readable or
// writable as a byte stream, only as the fixed target text fetched by
// Target.
type symlink struct {
	target string
}

func newSymlink(target string) *symlink { return &symlink{target: target} }

// NewSymlink constructs a symlink object pointing at target, for
// symlink(2) and the readlink-variant open resolution path.
func NewSymlink(target string) FileObject { return newSymlink(target) }

func (s *symlink) Read([]byte) (int, error)  { return 0, syserror.EINVAL }
func (s *symlink) Write([]byte) (int, error) { return 0, syserror.EINVAL }
func (s *symlink) Seek(int64, int) (int64, error) {
	return 0, syserror.ESPIPE
}
func (s *symlink) Close() error { return nil }
func (s *symlink) Stat() (Stat, error) {
	return Stat{Size: int64(len(s.target)), Type: TypeSymlink, Mode: 0777}, nil
}
func (s *symlink) Readiness(mask uint32) uint32 { return mask }

// Target returns the path s.target resolves to, for readlink(2).
func (s *symlink) Target() string { return s.target }

// AsSymlink returns f's underlying *symlink, for readlink(2) and
// open-time symlink-following.
func AsSymlink(f FileObject) (*symlink, bool) {
	sl, ok := f.(*symlink)
	return sl, ok
}

// symlinkRegistry records paths created by symlink(2)/symlinkat(2),
// mirroring shadowRegistry's path-keyed approach since neither has a
// real host inode to defer to.
var (
	symlinkRegistryMu sync.Mutex
	symlinkRegistry    = make(map[string]string)
)

// CreateSymlink records that path resolves to target, for a later
// readlink(2) to recover.
func CreateSymlink(path, target string) error {
	symlinkRegistryMu.Lock()
	defer symlinkRegistryMu.Unlock()
	if _, exists := symlinkRegistry[path]; exists {
		return syserror.EEXIST
	}
	symlinkRegistry[path] = target
	return nil
}

// LookupSymlink returns the *symlink object for a path previously
// passed to CreateSymlink.
func LookupSymlink(path string) (*symlink, bool) {
	symlinkRegistryMu.Lock()
	defer symlinkRegistryMu.Unlock()
	target, ok := symlinkRegistry[path]
	if !ok {
		return nil, false
	}
	return newSymlink(target), true
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
