// Package disasm defines the decoder collaborator interface consumed by
// the interpreter and the JIT translator: given a byte range at an
// address, it supplies a stream of decoded instructions. It supplies
// one concrete implementation backed by the real
// golang.org/x/arch/x86/x86asm decoder rather than a hand-rolled one.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded x86-64 instruction, addressed at Addr, with
// its raw byte length and the underlying x86asm.Inst for operand
// inspection by pkg/interp and pkg/jit.
type Instruction struct {
	Addr uint64
	Len  int
	Inst x86asm.Inst
}

// Mnemonic returns the instruction's opcode mnemonic, e.g. "MOV", "ADD".
func (i Instruction) Mnemonic() string {
	return i.Inst.Op.String()
}

// String renders the instruction using Intel syntax, matching the
// register/operand naming the interpreter and JIT comments use.
func (i Instruction) String() string {
	return x86asm.IntelSyntax(i.Inst, i.Addr, nil)
}

// IsBranch reports whether this instruction can redirect control flow,
// relevant to both the interpreter (RIP update) and the JIT (basic
// block boundary).
func (i Instruction) IsBranch() bool {
	switch i.Inst.Op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.CALL, x86asm.RET, x86asm.SYSCALL:
		return true
	default:
		return false
	}
}

// IsUnresolvedIndirect reports whether the instruction is a CALL/JMP
// through a register or memory operand, whose target is only known at
// runtime.
func (i Instruction) IsUnresolvedIndirect() bool {
	if i.Inst.Op != x86asm.CALL && i.Inst.Op != x86asm.JMP {
		return false
	}
	switch i.Inst.Args[0].(type) {
	case x86asm.Rel:
		return false
	default:
		return true
	}
}

// Disassembler is the decoder collaborator interface consumed by
// pkg/interp and pkg/jit: a single decode-one-instruction call, since Go
// callers loop naturally and a batch API would just hide that loop.
type Disassembler interface {
	// Decode decodes a single instruction from code, which begins at
	// guest address addr. It returns the decoded instruction; code must
	// contain at least the bytes of one instruction (15 is the x86-64
	// maximum instruction length).
	Decode(code []byte, addr uint64) (Instruction, error)
}

// X86Asm is the concrete Disassembler backed by golang.org/x/arch/x86/x86asm.
type X86Asm struct{}

// Decode implements Disassembler.
func (X86Asm) Decode(code []byte, addr uint64) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("disasm: decode at %#x: %w", addr, err)
	}
	return Instruction{Addr: addr, Len: inst.Len, Inst: inst}, nil
}

// DisassembleRange decodes as many instructions as fit in code, for
// callers (tests, diagnostics, profiling report rendering) that want a
// whole window at once rather than looping themselves.
func DisassembleRange(d Disassembler, code []byte, addr uint64) ([]Instruction, error) {
	var out []Instruction
	off := 0
	for off < len(code) {
		inst, err := d.Decode(code[off:], addr+uint64(off))
		if err != nil {
			return out, err
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out, nil
}
