// Package syscalls implements the Linux amd64 syscall ABI this emulator
// supports: one Dispatcher holding a number-indexed handler table, bound
// per-thread to the interpreter's Syscaller collaborator interface.
// Grounded on gvisor's pkg/sentry/syscalls/linux/vfs2.Override idiom (a
// flat table indexed by syscall number, populated with name+function
// pairs) rather than a big switch statement.
package syscalls

import (
	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/interp"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
	"github.com/n-stott/x64emulator-sub005/pkg/log"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
)

// amd64MaxSyscall is one past the highest syscall number this table
// ever indexes; large enough to cover every number registered below
// with headroom.
const amd64MaxSyscall = 450

// Handler implements one syscall. args holds (rdi, rsi, rdx, r10, r8,
// r9) in that order, the amd64 syscall calling convention. A handler
// returns the value to place in rax on success, or an error: a
// syserror.* sentinel becomes -errno in rax, kernel.ErrBlocked suspends
// the calling thread without touching rax (the syscall is re-dispatched
// or otherwise completed once unblocked), and *host.Exit terminates the
// thread.
type Handler func(t *kernel.Thread, args [6]uint64) (uintptr, error)

type entry struct {
	name string
	fn   Handler
}

// Supported names fn for registration in a Dispatcher's table, mirroring
// gvisor's syscalls.Supported(name, fn) call at every Table[n]
// assignment.
func Supported(name string, fn Handler) entry {
	return entry{name: name, fn: fn}
}

// Dispatcher is the per-process (shared across its threads) syscall
// table plus dispatch logic. It implements kernel.SyscallerFactory:
// each Thread gets its own bound interp.Syscaller backed by the one
// shared Dispatcher.
type Dispatcher struct {
	table [amd64MaxSyscall]entry

	// Sched backs the handlers that need scheduler access: futex
	// wait/wake, clone (to enqueue the new thread), and exit/exit_group
	// (to retire this one). Set once by the emulator at process
	// start-up, before any thread runs.
	Sched *kernel.Scheduler
}

// NewDispatcher returns a Dispatcher with every syscall this emulator
// supports registered, wired to sched for the handlers that need
// scheduler access.
func NewDispatcher(sched *kernel.Scheduler) *Dispatcher {
	d := &Dispatcher{Sched: sched}
	registerFileSyscalls(d)
	registerMemSyscalls(d)
	registerProcessSyscalls(d)
	registerTimeSyscalls(d)
	registerSignalSyscalls(d)
	return d
}

func (d *Dispatcher) register(nr int, name string, fn Handler) {
	d.table[nr] = Supported(name, fn)
}

// boundSyscaller adapts one Thread's Dispatcher to interp.Syscaller.
type boundSyscaller struct {
	thread *kernel.Thread
	disp   *Dispatcher
}

func (s *boundSyscaller) Syscall(cpu *arch.State) error {
	return s.disp.Dispatch(s.thread, cpu)
}

// Bind implements kernel.SyscallerFactory.
func (d *Dispatcher) Bind(t *kernel.Thread) interp.Syscaller {
	return &boundSyscaller{thread: t, disp: d}
}

// Dispatch reads the syscall number and argument registers off cpu per
// the amd64 syscall ABI (rax, rdi, rsi, rdx, r10, r8, r9), looks up the
// handler, and writes its result back to rax — except when the handler
// blocks or exits, in which case Dispatch returns that outcome for
// RunQuantum/Scheduler to act on instead.
func (d *Dispatcher) Dispatch(t *kernel.Thread, cpu *arch.State) error {
	nr := int64(cpu.GPR(arch.RAX))
	if nr < 0 || nr >= amd64MaxSyscall || d.table[nr].fn == nil {
		log.Debugf("syscall: unsupported number %d", nr)
		cpu.SetGPR(arch.RAX, uint64(syserror.Negate(syserror.ENOSYS)))
		return nil
	}

	e := d.table[nr]
	args := [6]uint64{
		cpu.GPR(arch.RDI),
		cpu.GPR(arch.RSI),
		cpu.GPR(arch.RDX),
		cpu.GPR(arch.R10),
		cpu.GPR(arch.R8),
		cpu.GPR(arch.R9),
	}
	log.Debugf("syscall: %s(%x, %x, %x, %x, %x, %x)", e.name, args[0], args[1], args[2], args[3], args[4], args[5])

	ret, err := e.fn(t, args)
	if err != nil {
		if err == kernel.ErrBlocked {
			return err
		}
		if exit, ok := err.(*host.Exit); ok {
			return exit
		}
		cpu.SetGPR(arch.RAX, uint64(syserror.Negate(err)))
		return nil
	}
	cpu.SetGPR(arch.RAX, uint64(ret))
	return nil
}
