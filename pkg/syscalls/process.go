package syscalls

import (
	"runtime"
	"time"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

const (
	nrSchedYield       = 24
	nrClone            = 56
	nrFork             = 57
	nrVfork            = 58
	nrExecve           = 59
	nrExit             = 60
	nrWait4            = 61
	nrFutex            = 202
	nrSchedGetaffinity = 204
	nrSetTidAddress    = 218
	nrExitGroup        = 231
	nrSetRobustList    = 273
)

const (
	futexOpMask = 0x7f
	futexWait   = 0
	futexWake   = 1
)

func registerProcessSyscalls(d *Dispatcher) {
	d.register(nrSchedYield, "sched_yield", sysSchedYield)
	d.register(nrClone, "clone", func(t *kernel.Thread, args [6]uint64) (uintptr, error) {
		return doClone(d, t, kernel.CloneFlags(args[0]), args[1])
	})
	d.register(nrFork, "fork", func(t *kernel.Thread, args [6]uint64) (uintptr, error) {
		return doClone(d, t, 0, 0)
	})
	d.register(nrVfork, "vfork", func(t *kernel.Thread, args [6]uint64) (uintptr, error) {
		return doClone(d, t, 0, 0)
	})
	d.register(nrExecve, "execve", sysExecve)
	d.register(nrExit, "exit", sysExit)
	d.register(nrWait4, "wait4", sysWait4)
	d.register(nrFutex, "futex", func(t *kernel.Thread, args [6]uint64) (uintptr, error) {
		return sysFutex(d, t, args)
	})
	d.register(nrSchedGetaffinity, "sched_getaffinity", sysSchedGetaffinity)
	d.register(nrSetTidAddress, "set_tid_address", sysSetTidAddress)
	d.register(nrExitGroup, "exit_group", sysExitGroup)
	d.register(nrSetRobustList, "set_robust_list", sysSetRobustList)
}

// doClone runs kernel.Clone, sets up the child's return value (0 in
// rax, matching the fork/clone ABI where only the child observes 0)
// and enqueues it on the shared scheduler, then returns the child's tid
// to the parent. vfork and plain fork both arrive here with flags 0:
// this emulator has no COW page sharing to make vfork's "child borrows
// the parent's address space until execve" distinction observable, so
// both become an independent-address-space, independent-files clone.
func doClone(d *Dispatcher, t *kernel.Thread, flags kernel.CloneFlags, childStack uint64) (uintptr, error) {
	child := kernel.Clone(t, flags, childStack)
	child.CPU.SetGPR(arch.RAX, 0)
	d.Sched.Enqueue(child)
	return uintptr(child.TID), nil
}

// sysExecve is a stub: replacing the calling thread's address space and
// register file with a freshly loaded binary requires the ELF loader
// (pkg/emu), which sits above this package. Guest programs that only
// fork+exec a trivial helper and wait for it would need this wired
// through the emulator's loader; absent that wiring this returns
// ENOSYS rather than silently doing nothing.
func sysExecve(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, syserror.ENOSYS
}

func sysExit(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, &host.Exit{Code: int(int32(args[0]))}
}

func sysExitGroup(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	status := int(int32(args[0]))
	t.Group.ExitGroup(status)
	return 0, &host.Exit{Code: status}
}

// sysWait4 blocks the calling goroutine (the worker running t) until a
// matching child thread group exits. This is a deliberate exception to
// the "blocking syscalls return ErrBlocked" rule: wait4 has no
// observable guest-memory condition to re-poll on Wake the way futex
// does, and its child's exit already runs on a different worker, so
// parking this one worker is the direct and correct translation rather
// than extra bookkeeping for a case with no guest scenario in scope
// that calls wait4 under load.
func sysWait4(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	pid := int(int32(args[0]))
	childPID, status, ok := t.ReapChild(pid)
	if !ok {
		return 0, syserror.ECHILD
	}
	if args[1] != 0 {
		if err := t.AS.Write32(hostarch.Addr(args[1]), uint32(status<<8)); err != nil {
			return 0, err
		}
	}
	return uintptr(childPID), nil
}

// sysFutex implements the FUTEX_WAIT/FUTEX_WAKE subset used by every
// pthread mutex/condvar/barrier implementation in scope; the
// PRIVATE/shared distinction (bit 7 of the op) is irrelevant here since
// every futex word lives in one process's address space regardless.
//
// FUTEX_WAIT's deadline is delivered as a relative struct timespec
// (matching the non-FUTEX_WAIT_BITSET form used by every caller in
// scope) rather than the absolute CLOCK_REALTIME/MONOTONIC deadline
// FUTEX_WAIT_BITSET would take.
func sysFutex(d *Dispatcher, t *kernel.Thread, args [6]uint64) (uintptr, error) {
	addr := args[0]
	op := args[1] & futexOpMask
	switch op {
	case futexWait:
		if t.ConsumeTimedOut() {
			return 0, syserror.ETIMEDOUT
		}
		expected := uint32(args[2])
		timeout, err := readFutexTimeout(t, hostarch.Addr(args[3]))
		if err != nil {
			return 0, err
		}
		return 0, d.Sched.Futex.Wait(t, addr, expected, timeout, func() (uint32, error) {
			return t.AS.Read32(hostarch.Addr(addr))
		})
	case futexWake:
		n := int(int32(args[2]))
		woken := d.Sched.Futex.Wake(addr, n)
		return uintptr(woken), nil
	default:
		return 0, syserror.ENOSYS
	}
}

// readFutexTimeout reads FUTEX_WAIT's optional struct timespec argument
// (tv_sec, tv_nsec as two 64-bit words), returning 0 for a NULL pointer
// (wait indefinitely).
func readFutexTimeout(t *kernel.Thread, addr hostarch.Addr) (time.Duration, error) {
	if addr == 0 {
		return 0, nil
	}
	sec, err := t.AS.Read64(addr)
	if err != nil {
		return 0, err
	}
	nsec, err := t.AS.Read64(addr + 8)
	if err != nil {
		return 0, err
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec)*time.Nanosecond, nil
}

func sysSchedYield(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	runtime.Gosched()
	return 0, nil
}

// sysSchedGetaffinity reports a single-bit mask naming CPU 0: this
// emulator's worker pool isn't guest-addressable as discrete CPUs, so
// every thread is told it may run anywhere in a one-CPU world.
func sysSchedGetaffinity(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	cpusetLen := args[1]
	if cpusetLen == 0 {
		return 0, syserror.EINVAL
	}
	if err := t.AS.Write8(hostarch.Addr(args[2]), 1); err != nil {
		return 0, err
	}
	return uintptr(cpusetLen), nil
}

func sysSetTidAddress(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	t.ClearChildTID = args[0]
	return uintptr(t.TID), nil
}

// sysSetRobustList is accepted and ignored: the robust-futex-list
// protocol recovers mutexes held by a thread that died without
// unlocking, which this emulator's futex table has no analog for since
// RemoveThread already drops a dead thread's wait-table entries
// unconditionally.
func sysSetRobustList(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, nil
}
