package syscalls

import (
	"time"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
)

const (
	nrNanosleep    = 35
	nrClockGettime = 228
)

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func registerTimeSyscalls(d *Dispatcher) {
	d.register(nrNanosleep, "nanosleep", sysNanosleep)
	d.register(nrClockGettime, "clock_gettime", sysClockGettime)
}

func writeTimespec(as interface {
	Write64(hostarch.Addr, uint64) error
}, addr hostarch.Addr, d time.Duration) error {
	sec := uint64(d / time.Second)
	nsec := uint64(d % time.Second)
	if err := as.Write64(addr, sec); err != nil {
		return err
	}
	return as.Write64(addr+8, nsec)
}

// sysClockGettime reads the host clock directly: this emulator doesn't
// virtualize time (no Non-goal excludes it, but nothing in scope needs
// a guest-settable clock either). CLOCK_REALTIME is the host's wall
// clock, CLOCK_MONOTONIC is the time elapsed since this emulator
// started (measured on the host's monotonic clock), and any other
// clock id is answered as CLOCK_REALTIME.
func sysClockGettime(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	var d time.Duration
	switch args[0] {
	case clockRealtime:
		d = time.Duration(time.Now().UnixNano())
	case clockMonotonic:
		d = time.Duration(monotonicNow())
	default:
		d = time.Duration(time.Now().UnixNano())
	}
	return 0, writeTimespec(t.AS, hostarch.Addr(args[1]), d)
}

var monotonicEpoch = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(monotonicEpoch))
}

// sysNanosleep runs the sleep on the calling goroutine rather than
// suspending through the scheduler's wait-table machinery: unlike
// futex, there is nothing another thread can do to wake a sleeper
// early in this syscall subset (no sigtimedwait, no timer signals), so
// parking a whole worker for the duration is the direct translation. A
// worker blocked in time.Sleep still counts against the pool's
// concurrency budget, same as a worker blocked running a long
// instruction quantum.
func sysNanosleep(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	sec, err := t.AS.Read64(hostarch.Addr(args[0]))
	if err != nil {
		return 0, err
	}
	nsec, err := t.AS.Read64(hostarch.Addr(args[0]) + 8)
	if err != nil {
		return 0, err
	}
	time.Sleep(time.Duration(sec)*time.Second + time.Duration(nsec))
	return 0, nil
}
