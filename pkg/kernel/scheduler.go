package kernel

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/log"
)

// instructionQuantum bounds how many instructions a worker runs one
// thread for before rotating to the next runnable thread: the
// scheduler's involuntary preemption point.
const instructionQuantum = 100000

// Scheduler is the cooperative-preemptive worker pool: a fixed set of
// host goroutines ("workers") pull runnable *Thread off a shared
// mutex+condvar queue, run each until it yields, exhausts its
// instruction quantum, or blocks (RunQuantum returning ErrBlocked or a
// fault), then go back for the next one. A worker owns at most one
// thread at a time.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Thread
	workers int
	stopped bool

	Futex *Futex
}

// NewScheduler returns a scheduler with its worker count clamped to
// runtime.NumCPU(); workers<=0 requests that default directly.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 || workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	s := &Scheduler{workers: workers}
	s.cond = sync.NewCond(&s.mu)
	s.Futex = NewFutex(s)
	return s
}

// Enqueue marks t runnable and makes it available to the next free
// worker. Safe to call from any goroutine, including from inside a
// worker handling a different thread's Wake.
func (s *Scheduler) Enqueue(t *Thread) {
	s.mu.Lock()
	t.setState(Runnable)
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) dequeue() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

// Stop unblocks every worker currently waiting for work. Workers mid-quantum
// finish that quantum first; Run returns once all of them have drained.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Run starts the worker pool and blocks until the queue drains and
// every worker returns (Stop was called and no thread remains runnable)
// or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				t := s.dequeue()
				if t == nil {
					return nil
				}
				t.setState(Running)
				_, err := t.RunQuantum(instructionQuantum)
				s.settle(t, err)
			}
		})
	}
	return g.Wait()
}

// settle decides a thread's fate after one quantum: re-queue on clean
// exhaustion, leave it parked on ErrBlocked (a Wake or I/O completion
// will re-enqueue it later), or terminate it on exit / an unrecovered
// fault.
func (s *Scheduler) settle(t *Thread, err error) {
	switch e := err.(type) {
	case nil:
		s.Enqueue(t)
	case *host.Exit:
		s.terminate(t, e.Code)
	default:
		if e == ErrBlocked {
			return
		}
		log.Warningf("thread %d: unrecovered fault, terminating: %v", t.TID, err)
		s.terminate(t, -1)
	}
}

func (s *Scheduler) terminate(t *Thread, status int) {
	t.mu.Lock()
	t.status = Dead
	t.exitCode = status
	t.mu.Unlock()
	s.Futex.RemoveThread(t)
	if t.Group != nil {
		t.Group.removeThread(t)
	}
}

// TerminateAll marks every thread in threads dead with status,
// implementing terminate_all semantics (a fatal signal or a top-level
// panic recovered at the process boundary): it skips any thread already
// dead.
func (s *Scheduler) TerminateAll(threads []*Thread, status int) {
	for _, t := range threads {
		if t.Status() != Dead {
			s.terminate(t, status)
		}
	}
}
