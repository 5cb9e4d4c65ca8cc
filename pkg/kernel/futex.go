package kernel

import (
	"sync"
	"time"

	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// ErrBlocked is returned by a syscall handler (through RunQuantum) when
// it has parked the calling thread rather than completing synchronously.
// The scheduler treats it as "leave this thread off the run queue";
// whoever eventually satisfies the wait (Futex.Wake, an I/O readiness
// callback, a timer) is responsible for re-enqueuing it.
var ErrBlocked = &blockedError{}

type blockedError struct{}

func (*blockedError) Error() string { return "thread blocked" }

// futexWaiter is one thread parked on a guest futex word.
type futexWaiter struct {
	thread *Thread
}

// Futex implements the wait/wake half of futex(2) against guest memory
// words. Wait and Wake both run under the same mutex so that a Wake
// arriving between a waiter's value check and its park can never be
// missed: the check and the park are one atomic step from the table's
// point of view.
type Futex struct {
	mu      sync.Mutex
	waiters map[uint64][]*futexWaiter
	sched   *Scheduler
}

// NewFutex returns an empty futex table that re-enqueues woken threads
// onto sched.
func NewFutex(sched *Scheduler) *Futex {
	return &Futex{waiters: make(map[uint64][]*futexWaiter), sched: sched}
}

// Wait implements FUTEX_WAIT: read is called under the table's mutex to
// fetch the current word at addr; if it doesn't match expected, Wait
// returns EAGAIN immediately without parking. Otherwise t is registered
// as a waiter on addr and Wait returns ErrBlocked, leaving t off the run
// queue until a matching Wake (or RemoveThread, on termination). A
// positive timeout additionally arms a deadline that, should it fire
// before any Wake claims this waiter, removes it and re-enqueues t with
// Thread.SetTimedOut set so the next dispatch of the syscall reports
// ETIMEDOUT instead of parking again; timeout <= 0 waits indefinitely,
// matching FUTEX_WAIT's NULL-timespec case.
func (f *Futex) Wait(t *Thread, addr uint64, expected uint32, timeout time.Duration, read func() (uint32, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := read()
	if err != nil {
		return err
	}
	if cur != expected {
		return syserror.EAGAIN
	}

	w := &futexWaiter{thread: t}
	f.waiters[addr] = append(f.waiters[addr], w)
	t.setWaitReason(WaitFutex, addr)
	if timeout > 0 {
		time.AfterFunc(timeout, func() { f.expire(addr, w) })
	}
	return ErrBlocked
}

// expire fires once timeout has elapsed on a Wait call. If w is still
// queued (no Wake claimed it first) it is removed and its thread
// re-enqueued with SetTimedOut; otherwise Wake already won the race and
// expire is a no-op.
func (f *Futex) expire(addr uint64, w *futexWaiter) {
	f.mu.Lock()
	ws := f.waiters[addr]
	idx := -1
	for i, cand := range ws {
		if cand == w {
			idx = i
			break
		}
	}
	if idx == -1 {
		f.mu.Unlock()
		return
	}
	ws = append(ws[:idx], ws[idx+1:]...)
	if len(ws) == 0 {
		delete(f.waiters, addr)
	} else {
		f.waiters[addr] = ws
	}
	f.mu.Unlock()

	w.thread.SetTimedOut()
	w.thread.setWaitReason(WaitNone, 0)
	f.sched.Enqueue(w.thread)
}

// Wake implements FUTEX_WAKE: wakes up to n waiters parked on addr, in
// the order they were queued, marking each runnable and returning it to
// the scheduler. Returns the number actually woken.
func (f *Futex) Wake(addr uint64, n int) int {
	f.mu.Lock()
	ws := f.waiters[addr]
	woken := n
	if woken > len(ws) {
		woken = len(ws)
	}
	woke, rest := ws[:woken], ws[woken:]
	if len(rest) == 0 {
		delete(f.waiters, addr)
	} else {
		f.waiters[addr] = rest
	}
	f.mu.Unlock()

	for _, w := range woke {
		w.thread.setWaitReason(WaitNone, 0)
		f.sched.Enqueue(w.thread)
	}
	return woken
}

// RemoveThread drops every wait-table entry belonging to t, so that a
// terminated thread is never handed a spurious wakeup.
func (f *Futex) RemoveThread(t *Thread) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, ws := range f.waiters {
		kept := ws[:0]
		for _, w := range ws {
			if w.thread != t {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(f.waiters, addr)
		} else {
			f.waiters[addr] = kept
		}
	}
}
