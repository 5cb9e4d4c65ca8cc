// Package interp is the reference interpreter: a decode-dispatch-execute
// loop over pkg/disasm-decoded instructions that always produces the
// architecturally faithful next state, used both as the emulator's
// default execution mode and as the executor pkg/jit's Block.Run steps
// through for every instruction of a cached block.
//
// Grounded on gvisor's ptrace/KVM execution loop shape (pkg/sentry/arch,
// other_examples reference), adapted from "trap into the host kernel"
// to "decode one instruction and switch on its mnemonic", since this
// engine has no host CPU ring to trap into.
package interp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

// Syscaller dispatches a SYSCALL instruction. Implementations read the
// call number and arguments from s (RAX, RDI, RSI, RDX, R10, R8, R9 per
// the x86-64 System V ABI) and write the return value back into RAX.
// Returning a *host.Exit terminates the thread; any other non-nil error
// is treated as a host-internal failure (syscall handlers report guest
// errno via RAX, never via the Go error return).
type Syscaller interface {
	Syscall(s *arch.State) error
}

// maxStringIters bounds a single REP-prefixed string instruction's
// iteration count per Step call; the interpreter returns control to the
// caller (scheduler) after this many iterations even if CX has not
// reached zero, so a long REP MOVSB cannot monopolize a scheduler quantum.
const maxStringIters = 4096

// Interpreter executes guest instructions against an address space and
// register file, one instruction (or, for REP-prefixed string
// instructions, one bounded burst) per Step call.
type Interpreter struct {
	AS  *mm.AddressSpace
	Dis disasm.Disassembler
	Sys Syscaller
}

// New constructs an Interpreter over the given address space, decoder,
// and syscall dispatcher.
func New(as *mm.AddressSpace, dis disasm.Disassembler, sys Syscaller) *Interpreter {
	return &Interpreter{AS: as, Dis: dis, Sys: sys}
}

// Step decodes and executes the instruction at s.RIP(). On return, s.RIP
// has been advanced to the next instruction boundary (or redirected by a
// taken branch); s is left completely unmodified if Step returns a
// *host.Fault.
func (in *Interpreter) Step(s *arch.State) error {
	if !hostarch.IsCanonical(s.RIP()) {
		return &host.Fault{Kind: host.FaultNonCanonicalRIP, RIP: s.RIP()}
	}
	code, err := in.AS.FetchCode(hostarch.Addr(s.RIP()), 15)
	if err != nil {
		return err
	}
	inst, err := in.Dis.Decode(code, s.RIP())
	if err != nil {
		return &host.Fault{Kind: host.FaultIllegalInstruction, RIP: s.RIP()}
	}

	// Execute against a scratch copy of the architectural register file
	// and flags so that a fault raised mid-handler (e.g. by the second
	// operand fetch of a memory-to-memory move) never leaves s partially
	// updated; only a handler that returns nil commits its mutations.
	scratch := *s
	next := s.RIP() + uint64(inst.Len)
	scratch.SetRIP(next)

	if err := in.exec(&scratch, inst); err != nil {
		return err
	}
	*s = scratch
	return nil
}

func (in *Interpreter) exec(s *arch.State, inst disasm.Instruction) error {
	op := inst.Inst.Op
	switch op {
	case x86asm.NOP, x86asm.ENDBR64:
		return nil
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return in.execMov(s, inst, op)
	case x86asm.LEA:
		return in.execLea(s, inst)
	case x86asm.ADD:
		return in.execArith(s, inst, arch.OpAdd)
	case x86asm.SUB, x86asm.CMP:
		return in.execArith(s, inst, arch.OpSub)
	case x86asm.AND, x86asm.TEST:
		return in.execArith(s, inst, arch.OpAnd)
	case x86asm.OR:
		return in.execArith(s, inst, arch.OpOr)
	case x86asm.XOR:
		return in.execArith(s, inst, arch.OpXor)
	case x86asm.INC:
		return in.execIncDec(s, inst, arch.OpInc)
	case x86asm.DEC:
		return in.execIncDec(s, inst, arch.OpDec)
	case x86asm.NEG:
		return in.execNeg(s, inst)
	case x86asm.PUSH:
		return in.execPush(s, inst)
	case x86asm.POP:
		return in.execPop(s, inst)
	case x86asm.JMP:
		return in.execJmp(s, inst)
	case x86asm.CALL:
		return in.execCall(s, inst)
	case x86asm.RET:
		return in.execRet(s, inst)
	case x86asm.XCHG:
		return in.execXchg(s, inst)
	case x86asm.CMPXCHG:
		return in.execCmpxchg(s, inst)
	case x86asm.SYSCALL:
		if in.Sys == nil {
			return &host.Fault{Kind: host.FaultIllegalInstruction, RIP: inst.Addr}
		}
		// SYSCALL clobbers RCX (return RIP) and R11 (RFLAGS) per the
		// x86-64 ABI; the Syscaller only needs RIP already advanced,
		// which exec's caller has done via scratch.SetRIP(next).
		s.SetGPR(arch.RCX, s.RIP())
		s.SetGPR(arch.R11, s.Flags.Word())
		return in.Sys.Syscall(s)
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return in.execStringMovs(s, inst, op)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		return in.execStringStos(s, inst, op)
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return in.execStringScas(s, inst, op)
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		return in.execStringCmps(s, inst, op)
	default:
		if isConditionalJump(op) {
			return in.execJcc(s, inst, op)
		}
		return &host.Fault{Kind: host.FaultIllegalInstruction, RIP: inst.Addr}
	}
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO,
		x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	}
	return false
}

// readArg reads operand arg (register, memory, or immediate) as an
// unsigned value of the given byte width.
func (in *Interpreter) readArg(s *arch.State, arg x86asm.Arg, width int, nextRIP uint64) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		v, _, err := readGPR(s, a)
		return v, err
	case x86asm.Imm:
		return uint64(a), nil
	case x86asm.Rel:
		return nextRIP + uint64(int64(a)), nil
	case x86asm.Mem:
		addr, err := effectiveAddr(s, a, nextRIP)
		if err != nil {
			return 0, err
		}
		return in.readMem(hostarch.Addr(addr), width)
	default:
		return 0, fmt.Errorf("interp: unsupported operand type %T", arg)
	}
}

func (in *Interpreter) writeArg(s *arch.State, arg x86asm.Arg, width int, nextRIP uint64, val uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return writeGPR(s, a, val)
	case x86asm.Mem:
		addr, err := effectiveAddr(s, a, nextRIP)
		if err != nil {
			return err
		}
		return in.writeMem(hostarch.Addr(addr), width, val)
	default:
		return fmt.Errorf("interp: cannot write operand type %T", arg)
	}
}

func (in *Interpreter) readMem(addr hostarch.Addr, width int) (uint64, error) {
	switch width {
	case 1:
		v, err := in.AS.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := in.AS.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := in.AS.Read32(addr)
		return uint64(v), err
	default:
		return in.AS.Read64(addr)
	}
}

func (in *Interpreter) writeMem(addr hostarch.Addr, width int, val uint64) error {
	switch width {
	case 1:
		return in.AS.Write8(addr, uint8(val))
	case 2:
		return in.AS.Write16(addr, uint16(val))
	case 4:
		return in.AS.Write32(addr, uint32(val))
	default:
		return in.AS.Write64(addr, val)
	}
}

// argWidth returns the byte width of the instruction operand at
// argIndex, which x86asm.Inst.MemBytes gives directly for memory
// operands and gprTable gives for register operands.
func argWidth(inst disasm.Instruction, argIndex int) int {
	arg := inst.Inst.Args[argIndex]
	if mb := inst.Inst.MemBytes; mb != 0 {
		if _, ok := arg.(x86asm.Mem); ok {
			return mb
		}
	}
	return widthOf(arg, 8)
}

func widthToArch(bytes int) arch.Width {
	switch bytes {
	case 1:
		return arch.Width8
	case 2:
		return arch.Width16
	case 4:
		return arch.Width32
	default:
		return arch.Width64
	}
}
