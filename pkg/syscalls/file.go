package syscalls

import (
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

// Linux amd64 syscall numbers for the file-I/O subset this emulator
// implements.
const (
	nrRead      = 0
	nrWrite     = 1
	nrOpen      = 2
	nrClose     = 3
	nrFstat     = 5
	nrLseek     = 8
	nrIoctl     = 16
	nrPread64   = 17
	nrPwrite64  = 18
	nrPipe      = 22
	nrDup       = 32
	nrDup2      = 33
	nrGetdents  = 78
	nrOpenat    = 257
	nrDup3      = 292
	nrPipe2     = 293
	nrEventfd2  = 290
	nrGetdents64 = 217
	nrPoll      = 7
	nrReadlink  = 89
	nrFcntl     = 72
	nrStatfs    = 137
	nrStatx     = 332
	nrSymlink   = 88
	nrSymlinkat = 266
)

func registerFileSyscalls(d *Dispatcher) {
	d.register(nrRead, "read", sysRead)
	d.register(nrWrite, "write", sysWrite)
	d.register(nrOpen, "open", sysOpen)
	d.register(nrClose, "close", sysClose)
	d.register(nrFstat, "fstat", sysFstat)
	d.register(nrLseek, "lseek", sysLseek)
	d.register(nrIoctl, "ioctl", sysIoctl)
	d.register(nrPread64, "pread64", sysPread64)
	d.register(nrPwrite64, "pwrite64", sysPwrite64)
	d.register(nrPipe, "pipe", sysPipe)
	d.register(nrDup, "dup", sysDup)
	d.register(nrDup2, "dup2", sysDup2)
	d.register(nrGetdents, "getdents", sysGetdents64)
	d.register(nrOpenat, "openat", sysOpenat)
	d.register(nrDup3, "dup3", sysDup3)
	d.register(nrPipe2, "pipe2", sysPipe2)
	d.register(nrEventfd2, "eventfd2", sysEventfd2)
	d.register(nrGetdents64, "getdents64", sysGetdents64)
	d.register(nrPoll, "poll", sysPoll)
	d.register(nrReadlink, "readlink", sysReadlink)
	d.register(nrFcntl, "fcntl", sysFcntl)
	d.register(nrStatfs, "statfs", sysStatfs)
	d.register(nrStatx, "statx", sysStatx)
	d.register(nrSymlink, "symlink", sysSymlink)
	d.register(nrSymlinkat, "symlinkat", sysSymlinkat)
}

func sysRead(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	n, err := ofd.Read(buf)
	if err == io.EOF {
		err = nil
	}
	if n > 0 {
		if werr := t.AS.WriteBytes(hostarch.Addr(args[1]), buf[:n]); werr != nil {
			return 0, werr
		}
	}
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

func sysWrite(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	if err := t.AS.ReadBytes(hostarch.Addr(args[1]), buf); err != nil {
		return 0, err
	}
	n, err := ofd.Write(buf)
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

func doOpen(t *kernel.Thread, pathAddr hostarch.Addr, flags int, mode os.FileMode) (uintptr, error) {
	path, err := readCString(t.AS, pathAddr)
	if err != nil {
		return 0, err
	}
	ofd, err := vfs.OpenHost(path, flags, mode)
	if err != nil {
		return 0, err
	}
	return uintptr(t.Files.Install(ofd)), nil
}

func sysOpen(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return doOpen(t, hostarch.Addr(args[0]), int(args[1]), os.FileMode(args[2]&0777))
}

// sysOpenat ignores dirfd: every path this emulator serves is resolved
// either absolutely or relative to the process's own host cwd, since
// Non-goals exclude a guest-private filesystem image with its own
// directory-fd-relative resolution.
func sysOpenat(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return doOpen(t, hostarch.Addr(args[1]), int(args[2]), os.FileMode(args[3]&0777))
}

func sysClose(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, t.Files.Close(int(int32(args[0])))
}

func sysLseek(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	off, err := ofd.Seek(int64(args[1]), int(args[2]))
	if err != nil {
		return 0, err
	}
	return uintptr(off), nil
}

func sysPread64(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	n, err := ofd.ReadAt(buf, int64(args[3]))
	if err == io.EOF {
		err = nil
	}
	if n > 0 {
		if werr := t.AS.WriteBytes(hostarch.Addr(args[1]), buf[:n]); werr != nil {
			return 0, werr
		}
	}
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

func sysPwrite64(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, args[2])
	if err := t.AS.ReadBytes(hostarch.Addr(args[1]), buf); err != nil {
		return 0, err
	}
	n, err := ofd.WriteAt(buf, int64(args[3]))
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

func sysIoctl(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	ret, err := vfs.Ioctl(ofd, uint(args[1]), args[2], memIoctl{t.AS})
	return uintptr(ret), err
}

func sysDup(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	fd, err := t.Files.Dup(int(int32(args[0])))
	return uintptr(fd), err
}

func sysDup2(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	newfd := int(int32(args[1]))
	if err := t.Files.Dup2(int(int32(args[0])), newfd); err != nil {
		return 0, err
	}
	return uintptr(newfd), nil
}

// sysDup3 accepts but does not model its flags argument (conventionally
// O_CLOEXEC): this emulator's fd table has no close-on-exec state, and
// execve is not supported (it returns ENOSYS).
func sysDup3(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return sysDup2(t, args)
}

func doPipe(t *kernel.Thread, addr hostarch.Addr, flags int) (uintptr, error) {
	r, w := vfs.NewPipeFDs()
	if flags&unix.O_NONBLOCK != 0 {
		vfs.SetPipeNonblock(r.File, true)
		vfs.SetPipeNonblock(w.File, true)
	}
	rfd := t.Files.Install(r)
	wfd := t.Files.Install(w)
	if err := t.AS.Write32(addr, uint32(rfd)); err != nil {
		return 0, err
	}
	if err := t.AS.Write32(addr+4, uint32(wfd)); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysPipe(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return doPipe(t, hostarch.Addr(args[0]), 0)
}

func sysPipe2(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return doPipe(t, hostarch.Addr(args[0]), int(args[1]))
}

func sysEventfd2(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	initial := uint64(uint32(args[0]))
	nonblock := int(args[1])&unix.EFD_NONBLOCK != 0
	ofd := vfs.NewEventFDDescription(initial, nonblock)
	return uintptr(t.Files.Install(ofd)), nil
}

// writeStat marshals st into the Linux x86-64 struct stat layout at
// addr (144 bytes); fields this emulator doesn't track (st_dev, uid,
// gid, timestamps, ...) are left zero.
func writeStat(t *kernel.Thread, addr hostarch.Addr, st vfs.Stat) error {
	buf := make([]byte, 144)
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU64(8, st.Ino)        // st_ino
	putU64(16, 1)            // st_nlink
	putU32(24, st.Mode)      // st_mode
	putU64(48, uint64(st.Size)) // st_size
	putU64(56, 4096)         // st_blksize
	putU64(64, uint64((st.Size+511)/512)) // st_blocks
	return t.AS.WriteBytes(addr, buf)
}

func sysFstat(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	st, err := ofd.File.Stat()
	if err != nil {
		return 0, err
	}
	if err := writeStat(t, hostarch.Addr(args[1]), st); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysGetdents64 serves both getdents and getdents64: this emulator's
// synthetic directories use the same 64-bit dirent layout for both,
// since no 32-bit-dirent guest program is in scope.
func sysGetdents64(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	ofd, err := t.Files.Get(int(int32(args[0])))
	if err != nil {
		return 0, err
	}
	dir, ok := ofd.File.(interface {
		Getdents(max int) []vfs.DirEntry
	})
	if !ok {
		return 0, unix.ENOTDIR
	}
	entries := dir.Getdents(int(args[2]))
	if len(entries) == 0 {
		return 0, nil
	}
	buf := make([]byte, 0, args[2])
	for _, e := range entries {
		rec := make([]byte, 19+len(e.Name)+1)
		for i := 0; i < 8; i++ {
			rec[i] = byte(e.Ino >> (8 * i))
		}
		rec[18] = byte(fileTypeToDType(e.Type))
		copy(rec[19:], e.Name)
		recLen := len(rec)
		rec[16] = byte(recLen) // d_reclen (u16); d_off is left 0
		rec[17] = byte(recLen >> 8)
		buf = append(buf, rec...)
	}
	if err := t.AS.WriteBytes(hostarch.Addr(args[1]), buf); err != nil {
		return 0, err
	}
	return uintptr(len(buf)), nil
}

// sysPoll implements poll(2) by evaluating each pollfd's Readiness once
// rather than blocking in a host poll(2) call. It returns at once with
// the number of entries whose revents is non-zero, whatever the timeout
// argument, and never parks the thread the way sysFutex does; an fd not
// in the table reports POLLNVAL.
func sysPoll(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	addr := hostarch.Addr(args[0])
	nfds := int(args[1])
	var ready int
	for i := 0; i < nfds; i++ {
		entry := addr + hostarch.Addr(i*8)
		fdWord, err := t.AS.Read32(entry)
		if err != nil {
			return 0, err
		}
		eventsWord, err := t.AS.Read16(entry + 4)
		if err != nil {
			return 0, err
		}
		var revents uint16
		ofd, err := t.Files.Get(int(int32(fdWord)))
		if err == nil {
			revents = uint16(ofd.File.Readiness(uint32(eventsWord)))
		} else {
			revents = unix.POLLNVAL
		}
		if revents != 0 {
			ready++
		}
		if err := t.AS.Write16(entry+6, revents); err != nil {
			return 0, err
		}
	}
	return uintptr(ready), nil
}

// sysReadlink implements readlink(2) against the paths symlink(2) and
// symlinkat(2) recorded through vfs.CreateSymlink; any other path is never a
// symlink in this emulator's model (no guest-private filesystem image),
// so it reports EINVAL the way Linux does for a non-symlink target.
func sysReadlink(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	path, err := readCString(t.AS, hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	sl, ok := vfs.LookupSymlink(path)
	if !ok {
		return 0, syserror.EINVAL
	}
	target := sl.Target()
	size := int(args[2])
	if len(target) > size {
		target = target[:size]
	}
	if err := t.AS.WriteBytes(hostarch.Addr(args[1]), []byte(target)); err != nil {
		return 0, err
	}
	return uintptr(len(target)), nil
}

// sysFcntl implements the handful of fcntl(2) commands this emulator's
// FDTable can answer without a richer close-on-exec model: F_DUPFD(_CLOEXEC)
// duplicates like dup(2), F_GETFL/F_SETFL read and write the
// description's open flags, and F_GETFD/F_SETFD are no-ops since
// per-descriptor CLOEXEC isn't tracked (execve returns ENOSYS, so no
// descriptor is ever closed on exec).
func sysFcntl(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	fd := int(int32(args[0]))
	cmd := int(args[1])
	switch cmd {
	case unix.F_DUPFD, unix.F_DUPFD_CLOEXEC:
		newfd, err := t.Files.Dup(fd)
		return uintptr(newfd), err
	case unix.F_GETFD:
		return 0, nil
	case unix.F_SETFD:
		return 0, nil
	case unix.F_GETFL:
		ofd, err := t.Files.Get(fd)
		if err != nil {
			return 0, err
		}
		return uintptr(ofd.Flags), nil
	case unix.F_SETFL:
		ofd, err := t.Files.Get(fd)
		if err != nil {
			return 0, err
		}
		ofd.Flags = int(args[2])
		return 0, nil
	default:
		return 0, syserror.EINVAL
	}
}

// sysStatfs implements statfs(2) as a thin forward to the host's own
// statfs when path resolves on the host filesystem, and a fixed
// synthetic answer (4KiB blocks, no quota accounting) for the
// device/shadow paths this emulator serves itself.
func sysStatfs(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	path, err := readCString(t.AS, hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	buf := make([]byte, 120)
	if err := unix.Statfs(path, &st); err == nil {
		putU64Gen(buf, 0, uint64(st.Type))
		putU64Gen(buf, 8, uint64(st.Bsize))
		putU64Gen(buf, 16, st.Blocks)
		putU64Gen(buf, 24, st.Bfree)
		putU64Gen(buf, 32, st.Bavail)
		putU64Gen(buf, 40, st.Files)
		putU64Gen(buf, 48, st.Ffree)
		putU64Gen(buf, 64, uint64(st.Namelen))
		putU64Gen(buf, 72, uint64(st.Frsize))
	} else {
		putU64Gen(buf, 8, 4096)
		putU64Gen(buf, 64, 255)
		putU64Gen(buf, 72, 4096)
	}
	return 0, t.AS.WriteBytes(hostarch.Addr(args[1]), buf)
}

// sysStatx implements statx(2) for the AT_EMPTY_PATH-less, dirfd==AT_FDCWD
// case this emulator's flat path table supports: resolve the path via
// the same OpenHost/device/shadow-file logic as open(2), Stat it, and
// marshal the subset of struct statx fields this emulator tracks
// (mask/mode/ino/size); every other field (owner, timestamps, device
// numbers) is left zero, the same simplification fstat already makes.
func sysStatx(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	path, err := readCString(t.AS, hostarch.Addr(args[1]))
	if err != nil {
		return 0, err
	}
	ofd, err := vfs.OpenHost(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	st, statErr := ofd.File.Stat()
	ofd.File.Close()
	if statErr != nil {
		return 0, statErr
	}
	buf := make([]byte, 256)
	const (
		statxTypeMask = 0x1
		statxModeMask = 0x2
		statxNlinkMask = 0x4
		statxInoMask  = 0x100
		statxSizeMask = 0x200
	)
	mask := uint32(statxTypeMask | statxModeMask | statxNlinkMask | statxInoMask | statxSizeMask)
	putU32Gen(buf, 0, mask)
	putU32Gen(buf, 4, 4096) // stx_blksize
	putU32Gen(buf, 16, 1)   // stx_nlink
	putU16Gen(buf, 28, uint16(st.Mode)|statxTypeBits(st.Type))
	putU64Gen(buf, 32, st.Ino)
	putU64Gen(buf, 40, uint64(st.Size))
	return 0, t.AS.WriteBytes(hostarch.Addr(args[4]), buf)
}

// sysSymlink implements symlink(2) against the in-memory path-to-target
// registry LookupSymlink later serves readlink(2) from, the same
// no-guest-filesystem simplification OpenHost's shadow-file fallback
// makes for regular files.
func sysSymlink(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	target, err := readCString(t.AS, hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	path, err := readCString(t.AS, hostarch.Addr(args[1]))
	if err != nil {
		return 0, err
	}
	return 0, vfs.CreateSymlink(path, target)
}

// sysSymlinkat ignores newdirfd for the same reason sysOpenat ignores
// dirfd: every path is resolved absolutely or against the host cwd.
func sysSymlinkat(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	target, err := readCString(t.AS, hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	path, err := readCString(t.AS, hostarch.Addr(args[2]))
	if err != nil {
		return 0, err
	}
	return 0, vfs.CreateSymlink(path, target)
}

func statxTypeBits(ft vfs.FileType) uint16 {
	switch ft {
	case vfs.TypeDirectory:
		return unix.S_IFDIR
	case vfs.TypeCharDevice:
		return unix.S_IFCHR
	case vfs.TypePipe:
		return unix.S_IFIFO
	case vfs.TypeSymlink:
		return unix.S_IFLNK
	default:
		return unix.S_IFREG
	}
}

func putU64Gen(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func putU32Gen(buf []byte, off int, v uint32) {
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

func putU16Gen(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func fileTypeToDType(ft vfs.FileType) int {
	switch ft {
	case vfs.TypeDirectory:
		return unix.DT_DIR
	case vfs.TypeCharDevice:
		return unix.DT_CHR
	case vfs.TypePipe:
		return unix.DT_FIFO
	default:
		return unix.DT_REG
	}
}
