package jit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/interp"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

// newRig loads code into a fresh address space and returns both a
// plain interpreter and a Translator bound to it, so a test can drive
// the same bytes through either execution path.
func newRig(t *testing.T, code []byte) (*mm.AddressSpace, *interp.Interpreter, *Translator) {
	t.Helper()
	as := mm.New(hostarch.Addr(1 << 46))
	_, err := as.Mmap(0x400000, 0x10000, hostarch.ReadExecute, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	_, err = as.Mmap(0x500000, 0x10000, hostarch.ReadWrite, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.WriteBytes(hostarch.Addr(0x400000), code))

	in := interp.New(as, disasm.X86Asm{}, nil)
	tr := NewTranslator(as, disasm.X86Asm{}, NewArena(), nil, false)
	return as, in, tr
}

// runInterp single-steps in against s for exactly n instructions.
func runInterp(t *testing.T, in *interp.Interpreter, s *arch.State, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, in.Step(s))
	}
}

// runJIT drives s through tr's translated blocks, translating on first
// visit to each entry address and replaying the cached block
// thereafter, exactly as the scheduler's own run loop does, until at
// least n instructions have retired.
func runJIT(t *testing.T, tr *Translator, in *interp.Interpreter, s *arch.State, n int) {
	t.Helper()
	ran := 0
	for ran < n {
		addr := hostarch.Addr(s.RIP())
		b := tr.Lookup(addr)
		if b == nil {
			var err error
			b, err = tr.Translate(addr)
			require.NoError(t, err)
		}
		_, err := b.Run(in, s)
		require.NoError(t, err)
		ran += len(b.Insns)
	}
}

// TestJITMatchesInterpreterOnStraightLineArithmetic exercises a block
// with no internal branches end to end: the interpreter and the JIT,
// run against separate address spaces loaded with identical code, must
// leave the same registers and flags behind.
func TestJITMatchesInterpreterOnStraightLineArithmetic(t *testing.T) {
	code := []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0xbb, 0x03, 0x00, 0x00, 0x00, // mov ebx, 3
		0x01, 0xd8, // add eax, ebx
		0x29, 0xd8, // sub eax, ebx
		0xf7, 0xe3, // mul ebx
		0xeb, 0x00, // jmp +0 (ends the block)
	}

	_, inA, _ := newRig(t, code)
	sInterp := arch.NewState()
	sInterp.SetRIP(0x400000)
	runInterp(t, inA, sInterp, 6)

	_, inB, tr := newRig(t, code)
	sJIT := arch.NewState()
	sJIT.SetRIP(0x400000)
	runJIT(t, tr, inB, sJIT, 6)

	require.Equal(t, sInterp.GPR(arch.RAX), sJIT.GPR(arch.RAX))
	require.Equal(t, sInterp.GPR(arch.RBX), sJIT.GPR(arch.RBX))
	require.Equal(t, sInterp.GPR(arch.RDX), sJIT.GPR(arch.RDX))
	require.Equal(t, sInterp.Flags.ZF(), sJIT.Flags.ZF())
	require.Equal(t, sInterp.RIP(), sJIT.RIP())
}

// TestJITMatchesInterpreterAcrossLoopBackEdge forces the JIT to
// translate two distinct blocks (the entry block, which runs the setup
// movs and the first pass up to jnz, and the loop-body block at the
// jnz target) and
// chase the backward branch through Lookup/Translate on every
// iteration, the same pattern the scheduler's run loop uses; the
// interpreter takes no such shortcut and single-steps throughout.
func TestJITMatchesInterpreterAcrossLoopBackEdge(t *testing.T) {
	code := []byte{
		0xb9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
		0xb8, 0x00, 0x00, 0x00, 0x00, // mov eax, 0
		// loop:
		0x83, 0xc0, 0x01, // add eax, 1
		0x83, 0xe9, 0x01, // sub ecx, 1
		0x75, 0xf8, // jnz loop
	}
	const total = 2 + 5*3 // 2 setup movs + 5 iterations of 3 instructions each

	_, inA, _ := newRig(t, code)
	sInterp := arch.NewState()
	sInterp.SetRIP(0x400000)
	runInterp(t, inA, sInterp, total)

	_, inB, tr := newRig(t, code)
	sJIT := arch.NewState()
	sJIT.SetRIP(0x400000)
	runJIT(t, tr, inB, sJIT, total)

	require.Equal(t, sInterp.GPR(arch.RAX), sJIT.GPR(arch.RAX))
	require.Equal(t, sInterp.GPR(arch.RCX), sJIT.GPR(arch.RCX))
	require.Equal(t, sInterp.RIP(), sJIT.RIP())
}

// TestJITMemoryWritesMatchInterpreter exercises a block that reads and
// writes guest memory, confirming the cached replay path drives the
// same interpreter memory-access code rather than a parallel fast path
// that could silently drift from it.
func TestJITMemoryWritesMatchInterpreter(t *testing.T) {
	code := []byte{
		0xbb, 0x00, 0x00, 0x50, 0x00, // mov ebx, 0x500000
		0xc7, 0x03, 0x2a, 0x00, 0x00, 0x00, // mov dword [rbx], 0x2a
		0x8b, 0x03, // mov eax, [rbx]
		0x83, 0xc0, 0x01, // add eax, 1
		0x89, 0x03, // mov [rbx], eax
		0xeb, 0x00, // jmp +0 (ends the block)
	}

	asA, inA, _ := newRig(t, code)
	sInterp := arch.NewState()
	sInterp.SetRIP(0x400000)
	runInterp(t, inA, sInterp, 6)
	vInterp, err := asA.Read32(0x500000)
	require.NoError(t, err)

	asB, inB, tr := newRig(t, code)
	sJIT := arch.NewState()
	sJIT.SetRIP(0x400000)
	runJIT(t, tr, inB, sJIT, 6)
	vJIT, err := asB.Read32(0x500000)
	require.NoError(t, err)

	require.Equal(t, vInterp, vJIT)
	require.Equal(t, sInterp.GPR(arch.RAX), sJIT.GPR(arch.RAX))
}
