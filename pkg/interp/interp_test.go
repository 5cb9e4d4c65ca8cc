package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

func newTestInterp(t *testing.T) (*Interpreter, *mm.AddressSpace) {
	t.Helper()
	as := mm.New(hostarch.Addr(1 << 46))
	_, err := as.Mmap(0x400000, 0x10000, hostarch.ReadExecute, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	_, err = as.Mmap(0x500000, 0x10000, hostarch.ReadWrite, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	return New(as, disasm.X86Asm{}, nil), as
}

func writeCode(t *testing.T, as *mm.AddressSpace, addr uint64, bytes []byte) {
	t.Helper()
	require.NoError(t, as.WriteBytes(hostarch.Addr(addr), bytes))
}

func TestMovRegImm(t *testing.T) {
	in, as := newTestInterp(t)
	// mov eax, 0x2a
	writeCode(t, as, 0x400000, []byte{0xb8, 0x2a, 0x00, 0x00, 0x00})
	s := arch.NewState()
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x2a), s.GPR(arch.RAX))
	require.Equal(t, uint64(0x400005), s.RIP())
}

func TestAddSetsZF(t *testing.T) {
	in, as := newTestInterp(t)
	// add eax, eax ; with eax == 0 this yields ZF=1
	writeCode(t, as, 0x400000, []byte{0x01, 0xc0})
	s := arch.NewState()
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.True(t, s.Flags.ZF())
	require.Equal(t, uint64(0), s.GPR(arch.RAX))
}

func TestJmpRel8(t *testing.T) {
	in, as := newTestInterp(t)
	// jmp +2 (skip next 2 bytes)
	writeCode(t, as, 0x400000, []byte{0xeb, 0x02})
	s := arch.NewState()
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x400004), s.RIP())
}

func TestPushPopRoundTrip(t *testing.T) {
	in, as := newTestInterp(t)
	s := arch.NewState()
	s.SetRSP(0x500ff0)
	s.SetGPR(arch.RBX, 0xdeadbeef)
	// push rbx
	writeCode(t, as, 0x400000, []byte{0x53})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x500ff0-8), s.RSP())

	// pop rcx
	writeCode(t, as, 0x400001, []byte{0x59})
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0xdeadbeef), s.GPR(arch.RCX))
	require.Equal(t, uint64(0x500ff0), s.RSP())
}

func TestCallRet(t *testing.T) {
	in, as := newTestInterp(t)
	s := arch.NewState()
	s.SetRSP(0x500ff0)
	// call +0 (call the very next instruction)
	writeCode(t, as, 0x400000, []byte{0xe8, 0x00, 0x00, 0x00, 0x00})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x400005), s.RIP())

	// ret
	writeCode(t, as, 0x400005, []byte{0xc3})
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x400005), s.RIP())
	require.Equal(t, uint64(0x500ff0), s.RSP())
}

func TestFaultLeavesStateUnchanged(t *testing.T) {
	in, as := newTestInterp(t)
	s := arch.NewState()
	s.SetGPR(arch.RAX, 0x1234)
	// mov eax, [unmapped]
	writeCode(t, as, 0x400000, []byte{0x8b, 0x04, 0x25, 0x00, 0x00, 0x90, 0x00})
	s.SetRIP(0x400000)
	err := in.Step(s)
	require.Error(t, err)
	require.Equal(t, uint64(0x1234), s.GPR(arch.RAX))
	require.Equal(t, uint64(0x400000), s.RIP())
}

func TestXchgMemReg32IsAtomic(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.Write32(0x500000, 0x11111111))
	s := arch.NewState()
	s.SetGPR(arch.RBX, 0x500000)
	s.SetGPR(arch.RCX, 0x22222222)
	// xchg [rbx], ecx
	writeCode(t, as, 0x400000, []byte{0x87, 0x0b})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x11111111), s.GPR(arch.RCX))
	v, err := as.Read32(0x500000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x22222222), v)
}

func TestXchgMemReg64IsAtomic(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.Write64(0x500000, 0x1111111111111111))
	s := arch.NewState()
	s.SetGPR(arch.RBX, 0x500000)
	s.SetGPR(arch.RCX, 0x2222222222222222)
	// xchg [rbx], rcx
	writeCode(t, as, 0x400000, []byte{0x48, 0x87, 0x0b})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x1111111111111111), s.GPR(arch.RCX))
	v, err := as.Read64(0x500000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2222222222222222), v)
}

func TestLockAddMemIsAtomicRMW(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.Write32(0x500000, 0x10))
	s := arch.NewState()
	s.SetGPR(arch.RBX, 0x500000)
	s.SetGPR(arch.RCX, 0x05)
	// lock add [rbx], ecx
	writeCode(t, as, 0x400000, []byte{0xf0, 0x01, 0x0b})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	v, err := as.Read32(0x500000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x15), v)
}

func TestScasbComparesAndAdvancesRDI(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.WriteBytes(0x500000, []byte{0x42}))
	s := arch.NewState()
	s.SetGPR(arch.RDI, 0x500000)
	s.SetGPR(arch.RAX, 0x42)
	// scasb
	writeCode(t, as, 0x400000, []byte{0xae})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x500001), s.GPR(arch.RDI))
	require.True(t, s.Flags.ZF())
}

func TestCmpsbComparesAndAdvancesBothPointers(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.WriteBytes(0x500000, []byte{5}))
	require.NoError(t, as.WriteBytes(0x500010, []byte{9}))
	s := arch.NewState()
	s.SetGPR(arch.RSI, 0x500000)
	s.SetGPR(arch.RDI, 0x500010)
	// cmpsb
	writeCode(t, as, 0x400000, []byte{0xa6})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0x500001), s.GPR(arch.RSI))
	require.Equal(t, uint64(0x500011), s.GPR(arch.RDI))
	require.False(t, s.Flags.ZF())
}

func TestRepneScasbStopsOnMatch(t *testing.T) {
	in, as := newTestInterp(t)
	require.NoError(t, as.WriteBytes(0x500000, []byte{1, 1, 1, 2}))
	s := arch.NewState()
	s.SetGPR(arch.RDI, 0x500000)
	s.SetGPR(arch.RAX, 2)
	s.SetGPR(arch.RCX, 4)
	// repne scasb
	writeCode(t, as, 0x400000, []byte{0xf2, 0xae})
	s.SetRIP(0x400000)
	require.NoError(t, in.Step(s))
	require.Equal(t, uint64(0), s.GPR(arch.RCX))
	require.Equal(t, uint64(0x500004), s.GPR(arch.RDI))
	require.True(t, s.Flags.ZF())
}
