// Package arch models the per-thread CPU architectural state:
// general-purpose registers, EFLAGS (lazily evaluated), FS/GS bases,
// the x87 register stack, and the SSE (XMM) register file plus MXCSR.
//
// Grounded on the gvisor-adjacent pkg/sentry/arch.Context64 (pack
// reference, other_examples/..._arch.go): a concrete architecture state
// object distinct from the (here, absent) signal-delivery machinery
// that gvisor's Context64 also carries, since binary-compatible signal
// delivery is out of scope.
package arch

import "fmt"

// Reg indexes the 16 general-purpose 64-bit registers. RIP is modeled
// as a dedicated field on State rather than a slot in this array, since
// every instruction touches it and giving it a dedicated field avoids a
// slice bounds check on the hottest path in the interpreter.
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP // present in the enum for decoder/ModRM convenience; State.RSP() is canonical.
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPRs
)

func (r Reg) String() string {
	names := [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("reg(%d)", r)
}

// State is the faithful, per-instruction-boundary CPU state: at every
// instruction boundary the architectural state is a faithful function
// of the observable host state, regardless of whether the last step ran
// in the interpreter or the JIT.
type State struct {
	gpr [numGPRs]uint64
	rip uint64

	Flags Flags

	FSBase uint64
	GSBase uint64

	X87 X87
	SSE SSE
}

// NewState returns a zeroed State with EFLAGS in the reset configuration
// (only the reserved bit 1 set; IF and every status flag clear).
func NewState() *State {
	s := &State{}
	s.Flags = Flags{materialized: true, word: 0x2}
	s.X87.reset()
	s.SSE.reset()
	return s
}

// GPR returns the current value of general-purpose register r.
func (s *State) GPR(r Reg) uint64 {
	return s.gpr[r]
}

// SetGPR sets general-purpose register r.
func (s *State) SetGPR(r Reg, v uint64) {
	s.gpr[r] = v
}

// RIP returns the instruction pointer.
func (s *State) RIP() uint64 { return s.rip }

// SetRIP sets the instruction pointer.
func (s *State) SetRIP(v uint64) { s.rip = v }

// RSP returns the stack pointer.
func (s *State) RSP() uint64 { return s.gpr[RSP] }

// SetRSP sets the stack pointer.
func (s *State) SetRSP(v uint64) { s.gpr[RSP] = v }

// Clone returns a deep copy of s, used by kernel.Clone to set up a new
// thread's register file.
func (s *State) Clone() *State {
	c := *s
	return &c
}
