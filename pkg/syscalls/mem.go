package syscalls

import (
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

const (
	nrMmap        = 9
	nrMprotect    = 10
	nrMunmap      = 11
	nrBrk         = 12
	nrMadvise     = 28
	nrMemfdCreate = 319
)

const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

const (
	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

func registerMemSyscalls(d *Dispatcher) {
	d.register(nrMmap, "mmap", sysMmap)
	d.register(nrMprotect, "mprotect", sysMprotect)
	d.register(nrMunmap, "munmap", sysMunmap)
	d.register(nrBrk, "brk", sysBrk)
	d.register(nrMadvise, "madvise", sysMadvise)
	d.register(nrMemfdCreate, "memfd_create", sysMemfdCreate)
}

func protToAccess(prot uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    prot&protRead != 0,
		Write:   prot&protWrite != 0,
		Execute: prot&protExec != 0,
	}
}

func sysMmap(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	flagsWord := args[3]
	mflags := mm.MapFlags{
		Fixed:     flagsWord&mapFixed != 0,
		Shared:    flagsWord&mapShared != 0,
		Private:   flagsWord&mapPrivate != 0,
		Anonymous: flagsWord&mapAnonymous != 0,
	}
	perm := protToAccess(args[2])

	var src mmSource
	if !mflags.Anonymous {
		fd := int(int32(args[4]))
		ofd, err := t.Files.Get(fd)
		if err != nil {
			return 0, err
		}
		src = mmSource{ofd: ofd}
	}

	base, err := t.AS.Mmap(hostarch.Addr(args[0]), args[1], perm, mflags, src, int64(args[5]))
	if err != nil {
		return 0, err
	}
	return uintptr(base), nil
}

func sysMprotect(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	err := t.AS.Mprotect(hostarch.Addr(args[0]), args[1], protToAccess(args[2]))
	return 0, err
}

func sysMunmap(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	err := t.AS.Munmap(hostarch.Addr(args[0]), args[1])
	return 0, err
}

func sysBrk(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	newEnd, err := t.AS.Brk(hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	return uintptr(newEnd), nil
}

// sysMadvise is a no-op that always succeeds: every advice value
// (MADV_DONTNEED, MADV_FREE, MADV_WILLNEED, ...) is a hint about host
// paging behavior this emulator's page model has no analog for, so
// honoring "no advice needed" is the correct response rather than
// ENOSYS.
func sysMadvise(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	_ = t
	return 0, nil
}

// sysMemfdCreate backs memfd_create(2) with an anonymous shadow file:
// the name argument is accepted but not retained, since this emulator
// has nowhere to show it (no /proc/self/fd symlink target tracking).
func sysMemfdCreate(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	if _, err := readCString(t.AS, hostarch.Addr(args[0])); err != nil {
		return 0, err
	}
	ofd := vfs.NewFD(vfs.NewAnonShadowFile(), 0)
	return uintptr(t.Files.Install(ofd)), nil
}
