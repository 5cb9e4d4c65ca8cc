package interp

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
)

func (in *Interpreter) execMov(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	dst, src := inst.Inst.Args[0], inst.Inst.Args[1]
	srcWidth := argWidth(inst, 1)
	v, err := in.readArg(s, src, srcWidth, inst.Addr+uint64(inst.Len))
	if err != nil {
		return err
	}
	dstWidth := argWidth(inst, 0)
	switch op {
	case x86asm.MOVZX:
		// zero-extension is implicit: v is already an unsigned srcWidth
		// value, and writeArg/writeGPR zero-extends 32-bit writes and
		// leaves the upper bits of dstWidth untouched otherwise, which is
		// exactly MOVZX's contract for 8/16 -> 16/32/64.
	case x86asm.MOVSX, x86asm.MOVSXD:
		v = signExtend(v, srcWidth, dstWidth)
	}
	return in.writeArg(s, dst, dstWidth, inst.Addr+uint64(inst.Len), v)
}

func signExtend(v uint64, fromBytes, toBytes int) uint64 {
	var signed int64
	switch fromBytes {
	case 1:
		signed = int64(int8(v))
	case 2:
		signed = int64(int16(v))
	case 4:
		signed = int64(int32(v))
	default:
		signed = int64(v)
	}
	u := uint64(signed)
	return u & maskForWidth(toBytes * 8)
}

func (in *Interpreter) execLea(s *arch.State, inst disasm.Instruction) error {
	dst := inst.Inst.Args[0]
	m, ok := inst.Inst.Args[1].(x86asm.Mem)
	if !ok {
		return &host.Fault{Kind: host.FaultIllegalInstruction, RIP: inst.Addr}
	}
	addr, err := effectiveAddr(s, m, inst.Addr+uint64(inst.Len))
	if err != nil {
		return err
	}
	return in.writeArg(s, dst, argWidth(inst, 0), inst.Addr+uint64(inst.Len), addr)
}

// arithResult computes lhs OP rhs for the arithmetic ops shared by
// execArith and the LOCK-prefixed memory RMW path.
func arithResult(op arch.Op, lhs, rhs uint64) uint64 {
	switch op {
	case arch.OpAdd:
		return lhs + rhs
	case arch.OpSub:
		return lhs - rhs
	case arch.OpAnd:
		return lhs & rhs
	case arch.OpOr:
		return lhs | rhs
	case arch.OpXor:
		return lhs ^ rhs
	}
	return rhs
}

// execArith implements ADD/SUB/CMP/AND/OR/XOR/TEST: all are "compute
// lhs OP rhs, define flags from the result, write back unless the
// mnemonic is a compare-only form (CMP/TEST)". A LOCK prefix against a
// memory destination routes the read-modify-write through
// AddressSpace.AtomicRMW so concurrent threads never observe the
// intermediate (read but not yet written) value.
func (in *Interpreter) execArith(s *arch.State, inst disasm.Instruction, op arch.Op) error {
	dst, src := inst.Inst.Args[0], inst.Inst.Args[1]
	width := argWidth(inst, 0)
	next := inst.Addr + uint64(inst.Len)

	isWriteBack := inst.Inst.Op != x86asm.CMP && inst.Inst.Op != x86asm.TEST
	if m, ok := dst.(x86asm.Mem); ok && isWriteBack && hasLockPrefix(inst) {
		addr, err := effectiveAddr(s, m, next)
		if err != nil {
			return err
		}
		rhs, err := in.readArg(s, src, width, next)
		if err != nil {
			return err
		}
		var lhs uint64
		_, err = in.AS.AtomicRMW(hostarch.Addr(addr), width, func(v uint64) uint64 {
			lhs = v
			return arithResult(op, v, rhs) & maskForWidth(width*8)
		})
		if err != nil {
			return err
		}
		s.Flags.SetLazy(op, lhs, rhs, arithResult(op, lhs, rhs), widthToArch(width))
		return nil
	}

	lhs, err := in.readArg(s, dst, width, next)
	if err != nil {
		return err
	}
	rhs, err := in.readArg(s, src, width, next)
	if err != nil {
		return err
	}

	result := arithResult(op, lhs, rhs)
	s.Flags.SetLazy(op, lhs, rhs, result, widthToArch(width))

	if !isWriteBack {
		return nil
	}
	return in.writeArg(s, dst, width, next, result)
}

// hasLockPrefix reports whether inst carries the LOCK prefix, which
// requires ADD/SUB/AND/OR/XOR against a memory destination to execute
// as an atomic read-modify-write.
func hasLockPrefix(inst disasm.Instruction) bool {
	for _, p := range inst.Inst.Prefix {
		if p == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}

func (in *Interpreter) execIncDec(s *arch.State, inst disasm.Instruction, op arch.Op) error {
	dst := inst.Inst.Args[0]
	width := argWidth(inst, 0)
	next := inst.Addr + uint64(inst.Len)
	v, err := in.readArg(s, dst, width, next)
	if err != nil {
		return err
	}
	var result uint64
	if op == arch.OpInc {
		result = v + 1
	} else {
		result = v - 1
	}
	s.Flags.SetLazy(op, v, 1, result, widthToArch(width))
	return in.writeArg(s, dst, width, next, result)
}

func (in *Interpreter) execNeg(s *arch.State, inst disasm.Instruction) error {
	dst := inst.Inst.Args[0]
	width := argWidth(inst, 0)
	next := inst.Addr + uint64(inst.Len)
	v, err := in.readArg(s, dst, width, next)
	if err != nil {
		return err
	}
	result := (^v + 1) & maskForWidth(width * 8)
	s.Flags.SetLazy(arch.OpNeg, 0, v, result, widthToArch(width))
	return in.writeArg(s, dst, width, next, result)
}

func (in *Interpreter) execPush(s *arch.State, inst disasm.Instruction) error {
	width := argWidth(inst, 0)
	if width < 8 {
		width = 8 // PUSH always operates on 64-bit slots in 64-bit mode
	}
	next := inst.Addr + uint64(inst.Len)
	v, err := in.readArg(s, inst.Inst.Args[0], 8, next)
	if err != nil {
		return err
	}
	newSP := s.RSP() - uint64(width)
	if err := in.writeMem(hostarch.Addr(newSP), width, v); err != nil {
		return err
	}
	s.SetRSP(newSP)
	return nil
}

func (in *Interpreter) execPop(s *arch.State, inst disasm.Instruction) error {
	next := inst.Addr + uint64(inst.Len)
	width := 8
	v, err := in.readMem(hostarch.Addr(s.RSP()), width)
	if err != nil {
		return err
	}
	if err := in.writeArg(s, inst.Inst.Args[0], width, next, v); err != nil {
		return err
	}
	s.SetRSP(s.RSP() + uint64(width))
	return nil
}

func (in *Interpreter) execJmp(s *arch.State, inst disasm.Instruction) error {
	target, err := in.branchTarget(s, inst)
	if err != nil {
		return err
	}
	s.SetRIP(target)
	return nil
}

func (in *Interpreter) execJcc(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	if !condTaken(s, op) {
		return nil
	}
	target, err := in.branchTarget(s, inst)
	if err != nil {
		return err
	}
	s.SetRIP(target)
	return nil
}

func (in *Interpreter) branchTarget(s *arch.State, inst disasm.Instruction) (uint64, error) {
	next := inst.Addr + uint64(inst.Len)
	arg := inst.Inst.Args[0]
	if rel, ok := arg.(x86asm.Rel); ok {
		return next + uint64(int64(rel)), nil
	}
	return in.readArg(s, arg, 8, next)
}

func condTaken(s *arch.State, op x86asm.Op) bool {
	f := &s.Flags
	switch op {
	case x86asm.JE:
		return f.ZF()
	case x86asm.JNE:
		return !f.ZF()
	case x86asm.JS:
		return f.SF()
	case x86asm.JNS:
		return !f.SF()
	case x86asm.JO:
		return f.OF()
	case x86asm.JNO:
		return !f.OF()
	case x86asm.JP:
		return f.PF()
	case x86asm.JNP:
		return !f.PF()
	case x86asm.JB:
		return f.CF()
	case x86asm.JAE:
		return !f.CF()
	case x86asm.JBE:
		return f.CF() || f.ZF()
	case x86asm.JA:
		return !f.CF() && !f.ZF()
	case x86asm.JL:
		return f.SF() != f.OF()
	case x86asm.JGE:
		return f.SF() == f.OF()
	case x86asm.JLE:
		return f.ZF() || f.SF() != f.OF()
	case x86asm.JG:
		return !f.ZF() && f.SF() == f.OF()
	case x86asm.JCXZ, x86asm.JECXZ:
		return uint32(s.GPR(arch.RCX)) == 0
	case x86asm.JRCXZ:
		return s.GPR(arch.RCX) == 0
	default:
		return false
	}
}

func (in *Interpreter) execCall(s *arch.State, inst disasm.Instruction) error {
	next := inst.Addr + uint64(inst.Len)
	target, err := in.branchTarget(s, inst)
	if err != nil {
		return err
	}
	newSP := s.RSP() - 8
	if err := in.writeMem(hostarch.Addr(newSP), 8, next); err != nil {
		return err
	}
	s.SetRSP(newSP)
	s.SetRIP(target)
	return nil
}

func (in *Interpreter) execRet(s *arch.State, inst disasm.Instruction) error {
	retAddr, err := in.readMem(hostarch.Addr(s.RSP()), 8)
	if err != nil {
		return err
	}
	sp := s.RSP() + 8
	if len(inst.Inst.Args) > 0 {
		if imm, ok := inst.Inst.Args[0].(x86asm.Imm); ok {
			sp += uint64(imm)
		}
	}
	s.SetRSP(sp)
	s.SetRIP(retAddr)
	return nil
}

// execXchg swaps dst and src. When one operand is memory, the exchange
// goes through AddressSpace's atomic-ops path so concurrent threads never
// observe an intermediate value.
func (in *Interpreter) execXchg(s *arch.State, inst disasm.Instruction) error {
	dst, src := inst.Inst.Args[0], inst.Inst.Args[1]
	width := argWidth(inst, 0)
	next := inst.Addr + uint64(inst.Len)

	memArg, regArg, _, hasMem := splitMemReg(dst, src)
	if hasMem {
		m := memArg.(x86asm.Mem)
		addr, err := effectiveAddr(s, m, next)
		if err != nil {
			return err
		}
		regVal, _, err := readGPR(s, regArg.(x86asm.Reg))
		if err != nil {
			return err
		}
		old, err := in.AS.AtomicXchg(hostarch.Addr(addr), width, regVal)
		if err != nil {
			return err
		}
		return writeGPR(s, regArg.(x86asm.Reg), old)
	}

	a, err := in.readArg(s, dst, width, next)
	if err != nil {
		return err
	}
	b, err := in.readArg(s, src, width, next)
	if err != nil {
		return err
	}
	if err := in.writeArg(s, dst, width, next, b); err != nil {
		return err
	}
	return in.writeArg(s, src, width, next, a)
}

// execCmpxchg implements CMPXCHG against RAX/EAX as the implicit
// comparand. The memory form is routed through AddressSpace's
// width-generic AtomicCompareAndSwap to preserve atomicity under LOCK.
func (in *Interpreter) execCmpxchg(s *arch.State, inst disasm.Instruction) error {
	dst, src := inst.Inst.Args[0], inst.Inst.Args[1]
	width := argWidth(inst, 0)
	next := inst.Addr + uint64(inst.Len)
	accumReg := accumulatorFor(width)

	accumVal, _, err := readGPR(s, accumReg)
	if err != nil {
		return err
	}

	srcVal, err := in.readArg(s, src, width, next)
	if err != nil {
		return err
	}

	if m, ok := dst.(x86asm.Mem); ok {
		addr, err := effectiveAddr(s, m, next)
		if err != nil {
			return err
		}
		mask := maskForWidth(width * 8)
		cur, swapped, err := in.AS.AtomicCompareAndSwap(hostarch.Addr(addr), width, accumVal&mask, srcVal&mask)
		if err != nil {
			return err
		}
		s.Flags.SetLazy(arch.OpSub, accumVal, cur, (accumVal-cur)&mask, widthToArch(width))
		if !swapped {
			return writeGPR(s, accumReg, cur)
		}
		return nil
	}

	destVal, err := in.readArg(s, dst, width, next)
	if err != nil {
		return err
	}
	s.Flags.SetLazy(arch.OpSub, accumVal, destVal, accumVal-destVal, widthToArch(width))
	if accumVal == destVal {
		return in.writeArg(s, dst, width, next, srcVal)
	}
	return writeGPR(s, accumReg, destVal)
}

// splitMemReg identifies which of a two-operand instruction's arguments
// is the memory operand (if any), so XCHG/CMPXCHG handlers can treat
// "mem,reg" and "reg,mem" encodings identically.
func splitMemReg(a, b x86asm.Arg) (mem, reg x86asm.Arg, memIsA, ok bool) {
	if m, isMem := a.(x86asm.Mem); isMem {
		return m, b, true, true
	}
	if m, isMem := b.(x86asm.Mem); isMem {
		return m, a, false, true
	}
	return nil, nil, false, false
}

func accumulatorFor(width int) x86asm.Reg {
	switch width {
	case 1:
		return x86asm.AL
	case 2:
		return x86asm.AX
	case 4:
		return x86asm.EAX
	default:
		return x86asm.RAX
	}
}

// execStringMovs implements REP MOVSB/W/D/Q: copy CX (or RCX, with
// REP/REPNZ prefixes both meaning "repeat CX times" for MOVS, which has
// no flags-based termination) elements from [RSI] to [RDI], advancing
// both pointers upward by the element width. DF is not consulted, so a
// descending copy (after STD) is not modeled.
func (in *Interpreter) execStringMovs(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	width := stringWidth(op)
	return in.repLoop(s, inst, func() error {
		v, err := in.readMem(hostarch.Addr(s.GPR(arch.RSI)), width)
		if err != nil {
			return err
		}
		if err := in.writeMem(hostarch.Addr(s.GPR(arch.RDI)), width, v); err != nil {
			return err
		}
		s.SetGPR(arch.RSI, s.GPR(arch.RSI)+uint64(width))
		s.SetGPR(arch.RDI, s.GPR(arch.RDI)+uint64(width))
		return nil
	})
}

// execStringStos implements REP STOSB/W/D/Q: store AL/AX/EAX/RAX to
// [RDI], CX times, advancing RDI by the element width.
func (in *Interpreter) execStringStos(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	width := stringWidth(op)
	accumReg := accumulatorFor(width)
	val, _, err := readGPR(s, accumReg)
	if err != nil {
		return err
	}
	return in.repLoop(s, inst, func() error {
		if err := in.writeMem(hostarch.Addr(s.GPR(arch.RDI)), width, val); err != nil {
			return err
		}
		s.SetGPR(arch.RDI, s.GPR(arch.RDI)+uint64(width))
		return nil
	})
}

// execStringScas implements REPE/REPNE SCASB/W/D/Q: compare
// AL/AX/EAX/RAX against [RDI], set flags as a CMP would, advance RDI by
// the element width, and stop early once ZF no longer matches the
// prefix's implied condition (REPE stops on ZF==0, REPNE on ZF==1).
func (in *Interpreter) execStringScas(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	width := stringWidth(op)
	accumReg := accumulatorFor(width)
	accumVal, _, err := readGPR(s, accumReg)
	if err != nil {
		return err
	}
	return in.repLoopCond(s, inst, func() (bool, error) {
		v, err := in.readMem(hostarch.Addr(s.GPR(arch.RDI)), width)
		if err != nil {
			return false, err
		}
		result := (accumVal - v) & maskForWidth(width * 8)
		s.Flags.SetLazy(arch.OpSub, accumVal, v, result, widthToArch(width))
		s.SetGPR(arch.RDI, s.GPR(arch.RDI)+uint64(width))
		return s.Flags.ZF(), nil
	})
}

// execStringCmps implements REPE/REPNE CMPSB/W/D/Q: compare [RSI]
// against [RDI], set flags as a CMP would, advance both pointers by the
// element width, and stop early per the same REPE/REPNE ZF condition as
// SCAS.
func (in *Interpreter) execStringCmps(s *arch.State, inst disasm.Instruction, op x86asm.Op) error {
	width := stringWidth(op)
	return in.repLoopCond(s, inst, func() (bool, error) {
		a, err := in.readMem(hostarch.Addr(s.GPR(arch.RSI)), width)
		if err != nil {
			return false, err
		}
		b, err := in.readMem(hostarch.Addr(s.GPR(arch.RDI)), width)
		if err != nil {
			return false, err
		}
		result := (a - b) & maskForWidth(width * 8)
		s.Flags.SetLazy(arch.OpSub, a, b, result, widthToArch(width))
		s.SetGPR(arch.RSI, s.GPR(arch.RSI)+uint64(width))
		s.SetGPR(arch.RDI, s.GPR(arch.RDI)+uint64(width))
		return s.Flags.ZF(), nil
	})
}

func stringWidth(op x86asm.Op) int {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.SCASB, x86asm.CMPSB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.SCASW, x86asm.CMPSW:
		return 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.SCASD, x86asm.CMPSD:
		return 4
	default:
		return 8
	}
}

// repLoop runs body up to maxStringIters times, decrementing RCX each
// time, stopping early once RCX reaches zero. Bounding every Step call's
// iteration count keeps a single REP-prefixed instruction from starving
// the scheduler's cooperative quantum.
func (in *Interpreter) repLoop(s *arch.State, inst disasm.Instruction, body func() error) error {
	if !hasRepPrefix(inst) {
		return body()
	}
	count := s.GPR(arch.RCX)
	iters := 0
	for count != 0 && iters < maxStringIters {
		if err := body(); err != nil {
			return err
		}
		count--
		iters++
	}
	s.SetGPR(arch.RCX, count)
	if count != 0 {
		// Re-run the same instruction next Step: rewind RIP back onto it
		// so the scheduler's next quantum resumes the REP where it left
		// off instead of skipping past it.
		s.SetRIP(inst.Addr)
	}
	return nil
}

func hasRepPrefix(inst disasm.Instruction) bool {
	for _, p := range inst.Inst.Prefix {
		if p == x86asm.PrefixREP || p == x86asm.PrefixREPN {
			return true
		}
	}
	return false
}

// repLoopCond runs body (SCAS/CMPS) up to maxStringIters times,
// decrementing RCX each iteration, and additionally stops as soon as
// body's returned ZF no longer matches the prefix's implied condition:
// REPE (0xF3) continues while ZF==1, REPNE (0xF2) continues while
// ZF==0. Unprefixed SCAS/CMPS runs body exactly once regardless of ZF.
func (in *Interpreter) repLoopCond(s *arch.State, inst disasm.Instruction, body func() (zf bool, err error)) error {
	if !hasRepPrefix(inst) {
		_, err := body()
		return err
	}
	repe := isRepePrefix(inst)
	count := s.GPR(arch.RCX)
	iters := 0
	for count != 0 && iters < maxStringIters {
		zf, err := body()
		if err != nil {
			return err
		}
		count--
		iters++
		if zf != repe {
			break
		}
	}
	s.SetGPR(arch.RCX, count)
	if count != 0 && iters == maxStringIters {
		// Only the budget-exhaustion case re-runs the instruction: an
		// early exit on the ZF mismatch has already completed the
		// REPE/REPNE scan and must not be repeated.
		s.SetRIP(inst.Addr)
	}
	return nil
}

// isRepePrefix distinguishes REPE/REPZ (0xF3, "repeat while equal") from
// REPNE/REPNZ (0xF2, "repeat while not equal") on SCAS/CMPS, which reuse
// the same prefix bytes as MOVS/STOS's unconditional REP but interpret
// them against ZF.
func isRepePrefix(inst disasm.Instruction) bool {
	for _, p := range inst.Inst.Prefix {
		if p == x86asm.PrefixREP {
			return true
		}
		if p == x86asm.PrefixREPN {
			return false
		}
	}
	return true
}
