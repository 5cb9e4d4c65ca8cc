// Package kernel implements the emulator's process/thread model: the
// cooperative-preemptive scheduler, the futex wait/wake table, and
// clone/fork semantics over a shared or forked mm.AddressSpace and
// vfs.FDTable — gvisor's pkg/sentry/kernel scoped down to what a
// single-binary user-mode emulator needs: no signal delivery, no
// ptrace, no checkpoint/restore.
package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/interp"
	"github.com/n-stott/x64emulator-sub005/pkg/jit"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

// ThreadState is a thread's scheduling state.
type ThreadState int

const (
	Runnable ThreadState = iota
	Running
	Sleeping
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// WaitReason records why a Sleeping thread is parked, for
// introspection and for terminate/terminateAll to know which wait
// table to remove it from.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitFutex
	WaitIO
	WaitTimeout
	WaitJoin
)

var nextID int64

// allocID hands out fresh, process-lifetime-unique small integers used
// for both PIDs and TIDs, mirroring the single id space the host
// kernel draws both from.
func allocID() int {
	return int(atomic.AddInt64(&nextID, 1))
}

// ThreadGroup is the POSIX process: the set of threads sharing a PID. A
// thread group dies (and becomes reapable by wait4) when its last
// member thread exits, or immediately on exit_group.
type ThreadGroup struct {
	mu       sync.Mutex
	PID      int
	threads  map[int]*Thread
	exited   bool
	exitCode int
	Done     chan struct{}
}

func newThreadGroup(pid int) *ThreadGroup {
	return &ThreadGroup{PID: pid, threads: make(map[int]*Thread), Done: make(chan struct{})}
}

func (g *ThreadGroup) addThread(t *Thread) {
	g.mu.Lock()
	g.threads[t.TID] = t
	g.mu.Unlock()
}

// ExitGroup marks the whole group dead at once (the exit_group
// syscall), regardless of how many member threads are still running;
// waiters blocked on wait4 for this PID are released.
func (g *ThreadGroup) ExitGroup(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exited {
		return
	}
	g.exited = true
	g.exitCode = status
	close(g.Done)
}

// removeThread drops t from the group on its individual exit; the
// group itself only dies here if t was the last member standing and no
// ExitGroup has already run.
func (g *ThreadGroup) removeThread(t *Thread) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.threads, t.TID)
	if len(g.threads) == 0 && !g.exited {
		g.exited = true
		g.exitCode = t.exitCode
		close(g.Done)
	}
}

// ExitStatus blocks until the group has exited and returns its status.
func (g *ThreadGroup) ExitStatus() int {
	<-g.Done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCode
}

// Thread is one emulated thread of execution. It owns its own register
// file, a (possibly shared) address space, a (possibly shared) file
// descriptor table, and an interpreter bound to both.
type Thread struct {
	mu sync.Mutex

	PID  int
	TID  int
	Name string

	// Session correlates this thread's log lines across a multi-thread
	// run; it plays no role in scheduling identity, which is (PID, TID).
	Session uuid.UUID

	CPU    *arch.State
	AS     *mm.AddressSpace
	Files  *vfs.FDTable
	Interp *interp.Interpreter

	Group *ThreadGroup

	status     ThreadState
	waitReason WaitReason
	waitAddr   uint64
	exitCode   int
	timedOut   bool

	// ClearChildTID is the guest address set_tid_address/CLONE_CHILD_CLEARTID
	// asks to be zeroed and futex-woken at this thread's exit.
	ClearChildTID uint64

	// Children lists the thread groups spawned from this thread via a
	// non-CLONE_THREAD clone/fork, for wait4 to reap. A CLONE_THREAD
	// child joins the parent's own group instead and never appears here.
	Children []*ThreadGroup

	// JIT and JITStats are nil unless --jit is enabled; when set,
	// RunQuantum translates and runs basic blocks instead of
	// single-stepping the interpreter. Both are set post-construction
	// by the emulator (once, before the thread is ever enqueued); Clone
	// shares them with a CLONE_VM child and leaves them nil for a forked
	// one. They are not threaded through NewThread's
	// signature, since most tests and all non-JIT runs never touch them.
	JIT      *jit.Translator
	JITStats *jit.Stats

	sysFactory SyscallerFactory
}

// addChild records a freshly forked thread group as one of t's
// reapable children.
func (t *Thread) addChild(g *ThreadGroup) {
	t.mu.Lock()
	t.Children = append(t.Children, g)
	t.mu.Unlock()
}

// ReapChild blocks until one of t's child thread groups matching pid
// (or any child, if pid <= 0) has exited, then removes it from t's
// child list and returns its PID and exit status. Returns false if t
// has no matching children at all.
func (t *Thread) ReapChild(pid int) (childPID, status int, ok bool) {
	t.mu.Lock()
	var target *ThreadGroup
	idx := -1
	for i, g := range t.Children {
		if pid <= 0 || g.PID == pid {
			target = g
			idx = i
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		return 0, 0, false
	}
	st := target.ExitStatus()
	t.mu.Lock()
	t.Children = append(t.Children[:idx], t.Children[idx+1:]...)
	t.mu.Unlock()
	return target.PID, st, true
}

// SyscallerFactory binds a syscall dispatcher to a specific thread. A
// dispatcher (pkg/syscalls.Dispatcher) needs the calling thread's
// address space and fd table, which interp.Syscaller's single-argument
// Syscall(*arch.State) signature doesn't carry; Bind closes over the
// thread so each Thread gets its own interp.Syscaller backed by the one
// shared dispatcher. Clone re-binds the same factory to the child
// rather than reusing the parent's bound Syscaller.
type SyscallerFactory interface {
	Bind(t *Thread) interp.Syscaller
}

// NewThread creates a fresh thread-group leader: a brand new PID equal
// to its own TID, as for any process's first thread. Used once, at
// program start, by the loader.
func NewThread(name string, cpu *arch.State, as *mm.AddressSpace, files *vfs.FDTable, dis disasm.Disassembler, factory SyscallerFactory) *Thread {
	t := &Thread{
		TID:        allocID(),
		Name:       name,
		Session:    uuid.New(),
		CPU:        cpu,
		AS:         as,
		Files:      files,
		sysFactory: factory,
	}
	t.PID = t.TID
	t.Group = newThreadGroup(t.PID)
	t.Interp = interp.New(as, dis, factory.Bind(t))
	t.Group.addThread(t)
	return t
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Status returns the thread's current scheduling state.
func (t *Thread) Status() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// WaitInfo returns what a Sleeping thread is waiting on.
func (t *Thread) WaitInfo() (WaitReason, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitReason, t.waitAddr
}

func (t *Thread) setWaitReason(r WaitReason, addr uint64) {
	t.mu.Lock()
	t.waitReason = r
	t.waitAddr = addr
	if r == WaitNone {
		t.status = Runnable
	} else {
		t.status = Sleeping
	}
	t.mu.Unlock()
}

// SetTimedOut marks t as having been woken by a futex deadline rather
// than a matching Wake, for the syscall handler to observe on its next
// entry (the thread resumes at the same RIP and re-enters the handler
// fresh, so the outcome has to be stashed somewhere the handler can
// check instead of being a return value).
func (t *Thread) SetTimedOut() {
	t.mu.Lock()
	t.timedOut = true
	t.mu.Unlock()
}

// ConsumeTimedOut reports whether t was last woken by a futex deadline,
// clearing the flag so it is only observed once.
func (t *Thread) ConsumeTimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.timedOut
	t.timedOut = false
	return v
}

// ExitCode returns the status a dead thread exited with.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// RunQuantum executes up to budget instructions of t, stopping early on
// the first error: a fault, a blocking syscall (ErrBlocked), or process
// exit (*host.Exit). It never returns mid-instruction — arch.State is
// always left at a clean boundary, whatever the outcome. With t.JIT set
// it runs whole cached basic blocks at a time (translating on first
// visit); otherwise it single-steps the interpreter, exactly as
// interp.Step itself guarantees.
func (t *Thread) RunQuantum(budget int) (ran int, err error) {
	if t.JIT == nil {
		for ran = 0; ran < budget; {
			err = t.Interp.Step(t.CPU)
			ran++
			if err != nil {
				return ran, err
			}
		}
		return ran, nil
	}

	for ran < budget {
		addr := hostarch.Addr(t.CPU.RIP())
		block := t.JIT.Lookup(addr)
		if block == nil {
			block, err = t.JIT.Translate(addr)
			if err != nil {
				return ran, err
			}
		}
		reason, rerr := block.Run(t.Interp, t.CPU)
		ran += len(block.Insns)
		if t.JITStats != nil {
			t.JITStats.RecordExit(reason)
		}
		if rerr != nil {
			return ran, rerr
		}
	}
	return ran, nil
}
