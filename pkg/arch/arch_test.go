package arch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestX87ControlRoundTrip(t *testing.T) {
	c := X87ControlWord{
		InvalidMask: true, ZeroDivMask: true, PrecisionCtl: 2,
		Rounding: RoundUp, InfinityCtl: true,
	}
	require.Equal(t, c, X87ControlFromWord(c.AsWord()))
}

func TestX87StatusRoundTrip(t *testing.T) {
	s := X87StatusWord{InvalidFlag: true, C1: true, C3: true, Top: 5, Busy: true}
	require.Equal(t, s, X87StatusFromWord(s.AsWord()))
}

func TestMXCSRRoundTrip(t *testing.T) {
	m := MXCSR{FTZ: true, DAZ: true, Rounding: RoundZero, OverflowFlag: true}
	require.Equal(t, m, MXCSRFromWord(m.AsWord()))
}

func TestX87PushPop(t *testing.T) {
	var x X87
	x.reset()
	x.Push(1.5)
	x.Push(2.5)
	require.Equal(t, 2.5, x.ST(0))
	require.Equal(t, 1.5, x.ST(1))
	require.Equal(t, 2.5, x.Pop())
	require.Equal(t, 1.5, x.ST(0))
}

func TestSSELoadStoreIdentity(t *testing.T) {
	var s SSE
	s.reset()
	s.Load128(3, 0x0102030405060708, 0x1112131415161718)
	lo, hi := s.Store128(3)
	require.Equal(t, uint64(0x0102030405060708), lo)
	require.Equal(t, uint64(0x1112131415161718), hi)
}

func TestEflagsAddDefinesZFCF(t *testing.T) {
	var f Flags
	// 0xFFFFFFFF + 1 = 0 (mod 2^32): ZF set, CF set (unsigned overflow).
	f.SetLazy(OpAdd, 0xFFFFFFFF, 1, 0, Width32)
	require.True(t, f.ZF())
	require.True(t, f.CF())
	require.False(t, f.SF())
}

func TestEflagsSubDefinesSF(t *testing.T) {
	var f Flags
	f.SetLazy(OpSub, 1, 2, uint64(int64(-1)), Width32)
	require.True(t, f.SF())
	require.True(t, f.CF())
	require.False(t, f.ZF())
}

func TestEflagsMaterializedWins(t *testing.T) {
	var f Flags
	f.SetMaterialized(bitZF | 0x2)
	require.True(t, f.ZF())
	require.False(t, f.CF())
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState()
	s.SetGPR(RAX, 0x1234)
	c := s.Clone()
	c.SetGPR(RAX, 0x5678)
	require.Equal(t, uint64(0x1234), s.GPR(RAX))
	require.Equal(t, uint64(0x5678), c.GPR(RAX))
}
