// Package host implements two tiers of emulator-internal error: guest
// traps and host-side verification failures.
//
// A guest trap is represented by Fault, a typed, recoverable error the
// interpreter and JIT convert into a guest signal delivery (or thread
// termination, in the absence of a handler). A verification failure is
// Verify/Verifyf: an assertion that is fatal to the whole emulator and
// must never be reachable from guest input.
package host

import (
	"fmt"
)

// FaultKind enumerates the traps recognized by tier 2.
type FaultKind int

const (
	// FaultIllegalInstruction is raised by the interpreter/JIT when a
	// decoded instruction has no handler or is architecturally invalid.
	FaultIllegalInstruction FaultKind = iota
	// FaultNonCanonicalRIP is raised when RIP is set to a non-canonical
	// 48-bit address.
	FaultNonCanonicalRIP
	// FaultSegv is raised by pkg/mm on an unmapped or permission-denied
	// access.
	FaultSegv
	// FaultDivideByZero is raised by DIV/IDIV with a zero divisor.
	FaultDivideByZero
	// FaultAlignment is raised by instructions that force alignment
	// (e.g. some SSE loads) against a misaligned operand.
	FaultAlignment
)

func (k FaultKind) String() string {
	switch k {
	case FaultIllegalInstruction:
		return "illegal instruction"
	case FaultNonCanonicalRIP:
		return "non-canonical RIP"
	case FaultSegv:
		return "segmentation fault"
	case FaultDivideByZero:
		return "divide by zero"
	case FaultAlignment:
		return "alignment fault"
	default:
		return "unknown fault"
	}
}

// Fault is a recoverable guest trap. Syscall handlers never see a Fault;
// it is caught by the execution engine at the instruction-boundary level
// and converted into a guest signal, or into thread termination with the
// canonical signal-exit status if no handler is installed.
type Fault struct {
	Kind FaultKind
	// Addr is the faulting address, meaningful for FaultSegv and
	// FaultAlignment.
	Addr uint64
	// RIP is the instruction boundary at which the fault was raised;
	// architectural state must be left exactly as it was at this point.
	RIP uint64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s at %#x (rip=%#x)", f.Kind, f.Addr, f.RIP)
}

// SignalNumber returns the Linux signal number a handler would observe
// for this fault kind, used to build the canonical "killed by signal N"
// exit status when no handler is installed.
func (f *Fault) SignalNumber() int {
	switch f.Kind {
	case FaultIllegalInstruction:
		return 4 // SIGILL
	case FaultSegv, FaultNonCanonicalRIP:
		return 11 // SIGSEGV
	case FaultDivideByZero:
		return 8 // SIGFPE
	case FaultAlignment:
		return 7 // SIGBUS
	default:
		return 11
	}
}

// Exit is returned up through the interpreter/scheduler loop by a
// syscall handler that terminates the calling thread's group (exit,
// exit_group, or falling off the end of a fatal signal). It carries the
// process exit status the emulator's top-level Run reports to its own
// caller.
type Exit struct {
	Code int
}

func (e *Exit) Error() string {
	return fmt.Sprintf("process exited with status %d", e.Code)
}

// VerificationError is the panic value used by Verify/Verifyf. It is
// never expected to propagate past the worker loop that drives a single
// emulated thread: recovering it, printing context, and aborting the
// whole process is the prescribed tier-3 policy.
type VerificationError struct {
	Message string
}

func (e *VerificationError) Error() string { return e.Message }

// Verify panics with a VerificationError if condition is false. Ported
// from original_source/include/interpreter/verify.h's verify(bool,
// const char*): a host-internal invariant failure, never guest-triggerable.
func Verify(condition bool, message string) {
	if condition {
		return
	}
	panic(&VerificationError{Message: message})
}

// Verifyf is Verify with a formatted message.
func Verifyf(condition bool, format string, args ...interface{}) {
	if condition {
		return
	}
	panic(&VerificationError{Message: fmt.Sprintf(format, args...)})
}

// NotImplemented is a Verify(false, ...) call for code paths that must
// exist structurally (interfaces that must be fully implemented) but
// have no reachable guest-triggerable caller in this module, e.g.
// architecture variants never produced by the loader. Every caller of
// NotImplemented in this module is documented at the call site with why
// it cannot be reached, per the Open Question decisions in DESIGN.md.
func NotImplemented(what string) {
	Verifyf(false, "not implemented: %s", what)
}
