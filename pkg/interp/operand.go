package interp

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
)

// gprEntry describes how one x86asm register name maps onto the 16
// architectural GPR slots: which slot, how wide the access is, and
// whether it addresses the high byte of the low 16 bits (AH/BH/CH/DH).
type gprEntry struct {
	reg    arch.Reg
	width  int
	hiByte bool
}

var gprTable = map[x86asm.Reg]gprEntry{
	x86asm.AL: {arch.RAX, 8, false}, x86asm.CL: {arch.RCX, 8, false},
	x86asm.DL: {arch.RDX, 8, false}, x86asm.BL: {arch.RBX, 8, false},
	x86asm.AH: {arch.RAX, 8, true}, x86asm.CH: {arch.RCX, 8, true},
	x86asm.DH: {arch.RDX, 8, true}, x86asm.BH: {arch.RBX, 8, true},
	x86asm.SPB: {arch.RSP, 8, false}, x86asm.BPB: {arch.RBP, 8, false},
	x86asm.SIB: {arch.RSI, 8, false}, x86asm.DIB: {arch.RDI, 8, false},
	x86asm.R8B: {arch.R8, 8, false}, x86asm.R9B: {arch.R9, 8, false},
	x86asm.R10B: {arch.R10, 8, false}, x86asm.R11B: {arch.R11, 8, false},
	x86asm.R12B: {arch.R12, 8, false}, x86asm.R13B: {arch.R13, 8, false},
	x86asm.R14B: {arch.R14, 8, false}, x86asm.R15B: {arch.R15, 8, false},

	x86asm.AX: {arch.RAX, 16, false}, x86asm.CX: {arch.RCX, 16, false},
	x86asm.DX: {arch.RDX, 16, false}, x86asm.BX: {arch.RBX, 16, false},
	x86asm.SP: {arch.RSP, 16, false}, x86asm.BP: {arch.RBP, 16, false},
	x86asm.SI: {arch.RSI, 16, false}, x86asm.DI: {arch.RDI, 16, false},
	x86asm.R8W: {arch.R8, 16, false}, x86asm.R9W: {arch.R9, 16, false},
	x86asm.R10W: {arch.R10, 16, false}, x86asm.R11W: {arch.R11, 16, false},
	x86asm.R12W: {arch.R12, 16, false}, x86asm.R13W: {arch.R13, 16, false},
	x86asm.R14W: {arch.R14, 16, false}, x86asm.R15W: {arch.R15, 16, false},

	x86asm.EAX: {arch.RAX, 32, false}, x86asm.ECX: {arch.RCX, 32, false},
	x86asm.EDX: {arch.RDX, 32, false}, x86asm.EBX: {arch.RBX, 32, false},
	x86asm.ESP: {arch.RSP, 32, false}, x86asm.EBP: {arch.RBP, 32, false},
	x86asm.ESI: {arch.RSI, 32, false}, x86asm.EDI: {arch.RDI, 32, false},
	x86asm.R8L: {arch.R8, 32, false}, x86asm.R9L: {arch.R9, 32, false},
	x86asm.R10L: {arch.R10, 32, false}, x86asm.R11L: {arch.R11, 32, false},
	x86asm.R12L: {arch.R12, 32, false}, x86asm.R13L: {arch.R13, 32, false},
	x86asm.R14L: {arch.R14, 32, false}, x86asm.R15L: {arch.R15, 32, false},

	x86asm.RAX: {arch.RAX, 64, false}, x86asm.RCX: {arch.RCX, 64, false},
	x86asm.RDX: {arch.RDX, 64, false}, x86asm.RBX: {arch.RBX, 64, false},
	x86asm.RSP: {arch.RSP, 64, false}, x86asm.RBP: {arch.RBP, 64, false},
	x86asm.RSI: {arch.RSI, 64, false}, x86asm.RDI: {arch.RDI, 64, false},
	x86asm.R8: {arch.R8, 64, false}, x86asm.R9: {arch.R9, 64, false},
	x86asm.R10: {arch.R10, 64, false}, x86asm.R11: {arch.R11, 64, false},
	x86asm.R12: {arch.R12, 64, false}, x86asm.R13: {arch.R13, 64, false},
	x86asm.R14: {arch.R14, 64, false}, x86asm.R15: {arch.R15, 64, false},
}

// readGPR reads an x86asm register operand out of s, handling the
// AH/BH/CH/DH high-byte aliasing and sub-register widths.
func readGPR(s *arch.State, r x86asm.Reg) (uint64, int, error) {
	e, ok := gprTable[r]
	if !ok {
		return 0, 0, fmt.Errorf("interp: unsupported register operand %v", r)
	}
	v := s.GPR(e.reg)
	if e.hiByte {
		return (v >> 8) & 0xFF, 8, nil
	}
	mask := maskForWidth(e.width)
	return v & mask, e.width, nil
}

// writeGPR writes val into the sub-register r, preserving untouched bits
// per x86-64 semantics: an 8/16-bit write preserves the upper bits of the
// 64-bit register, a 32-bit write zero-extends to 64 bits.
func writeGPR(s *arch.State, r x86asm.Reg, val uint64) error {
	e, ok := gprTable[r]
	if !ok {
		return fmt.Errorf("interp: unsupported register operand %v", r)
	}
	cur := s.GPR(e.reg)
	switch {
	case e.hiByte:
		cur = cur&^uint64(0xFF00) | (val&0xFF)<<8
	case e.width == 8:
		cur = cur&^uint64(0xFF) | val&0xFF
	case e.width == 16:
		cur = cur&^uint64(0xFFFF) | val&0xFFFF
	case e.width == 32:
		cur = val & 0xFFFFFFFF // 32-bit writes zero-extend
	default:
		cur = val
	}
	s.SetGPR(e.reg, cur)
	return nil
}

func maskForWidth(w int) uint64 {
	switch w {
	case 8:
		return 0xFF
	case 16:
		return 0xFFFF
	case 32:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

// effectiveAddr computes the guest virtual address a memory operand
// refers to: base + index*scale + disp, RIP-relative when Base ==
// x86asm.RIP (the decoder resolves RIP-relative displacements against
// the address immediately following the instruction).
func effectiveAddr(s *arch.State, m x86asm.Mem, nextRIP uint64) (uint64, error) {
	var base uint64
	if m.Base == x86asm.RIP {
		base = nextRIP
	} else if m.Base != 0 {
		e, ok := gprTable[m.Base]
		if !ok {
			return 0, fmt.Errorf("interp: unsupported base register %v", m.Base)
		}
		base = s.GPR(e.reg)
	}
	var index uint64
	if m.Index != 0 {
		e, ok := gprTable[m.Index]
		if !ok {
			return 0, fmt.Errorf("interp: unsupported index register %v", m.Index)
		}
		index = s.GPR(e.reg)
	}
	addr := base + index*uint64(m.Scale) + uint64(m.Disp)
	return addr, nil
}

// widthOf returns the operand width in bytes implied by arg, falling
// back to defaultBytes for immediates/relative displacements whose
// natural width is the instruction's operand size.
func widthOf(arg x86asm.Arg, defaultBytes int) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		if e, ok := gprTable[a]; ok {
			return e.width / 8
		}
	case x86asm.Mem:
		if a.Base == 0 && a.Index == 0 {
			return defaultBytes
		}
	}
	return defaultBytes
}
