package arch

// SSEReg indexes the 16 128-bit XMM registers.
type SSEReg int

const numXMM = 16

// MXCSR models the SSE control/status register: flush-to-zero,
// denormals-are-zero, and the shared rounding enum.
type MXCSR struct {
	InvalidMask   bool
	DenormalMask  bool
	ZeroDivMask   bool
	OverflowMask  bool
	UnderflowMask bool
	PrecisionMask bool
	DAZ           bool
	Rounding      RoundingMode
	FTZ           bool

	InvalidFlag   bool
	DenormalFlag  bool
	ZeroDivFlag   bool
	OverflowFlag  bool
	UnderflowFlag bool
	PrecisionFlag bool
}

// AsWord packs MXCSR into its 32-bit wire representation.
func (m MXCSR) AsWord() uint32 {
	var w uint32
	if m.InvalidFlag {
		w |= 1 << 0
	}
	if m.DenormalFlag {
		w |= 1 << 1
	}
	if m.ZeroDivFlag {
		w |= 1 << 2
	}
	if m.OverflowFlag {
		w |= 1 << 3
	}
	if m.UnderflowFlag {
		w |= 1 << 4
	}
	if m.PrecisionFlag {
		w |= 1 << 5
	}
	if m.DAZ {
		w |= 1 << 6
	}
	if m.InvalidMask {
		w |= 1 << 7
	}
	if m.DenormalMask {
		w |= 1 << 8
	}
	if m.ZeroDivMask {
		w |= 1 << 9
	}
	if m.OverflowMask {
		w |= 1 << 10
	}
	if m.UnderflowMask {
		w |= 1 << 11
	}
	if m.PrecisionMask {
		w |= 1 << 12
	}
	w |= uint32(m.Rounding&0x3) << 13
	if m.FTZ {
		w |= 1 << 15
	}
	return w
}

// MXCSRFromWord unpacks a 32-bit MXCSR word.
func MXCSRFromWord(w uint32) MXCSR {
	return MXCSR{
		InvalidFlag:   w&(1<<0) != 0,
		DenormalFlag:  w&(1<<1) != 0,
		ZeroDivFlag:   w&(1<<2) != 0,
		OverflowFlag:  w&(1<<3) != 0,
		UnderflowFlag: w&(1<<4) != 0,
		PrecisionFlag: w&(1<<5) != 0,
		DAZ:           w&(1<<6) != 0,
		InvalidMask:   w&(1<<7) != 0,
		DenormalMask:  w&(1<<8) != 0,
		ZeroDivMask:   w&(1<<9) != 0,
		OverflowMask:  w&(1<<10) != 0,
		UnderflowMask: w&(1<<11) != 0,
		PrecisionMask: w&(1<<12) != 0,
		Rounding:      RoundingMode((w >> 13) & 0x3),
		FTZ:           w&(1<<15) != 0,
	}
}

// SSE holds the 16 XMM registers and MXCSR.
type SSE struct {
	xmm   [numXMM][2]uint64 // low/high 64-bit halves
	MXCSR MXCSR
}

func (s *SSE) reset() {
	s.MXCSR = MXCSR{
		InvalidMask: true, DenormalMask: true, ZeroDivMask: true,
		OverflowMask: true, UnderflowMask: true, PrecisionMask: true,
	}
}

// Load128 writes a full 128-bit pattern into XMM register r.
func (s *SSE) Load128(r SSEReg, lo, hi uint64) {
	s.xmm[r][0] = lo
	s.xmm[r][1] = hi
}

// Store128 reads the full 128-bit pattern from XMM register r.
// Round-tripping through Load128 is exact, since both are plain field
// access with no intervening transformation.
func (s *SSE) Store128(r SSEReg) (lo, hi uint64) {
	return s.xmm[r][0], s.xmm[r][1]
}

// Low64 and High64 give scalar (SS/SD) instructions access to a single
// lane without round-tripping through Load128/Store128.
func (s *SSE) Low64(r SSEReg) uint64  { return s.xmm[r][0] }
func (s *SSE) High64(r SSEReg) uint64 { return s.xmm[r][1] }

func (s *SSE) SetLow64(r SSEReg, v uint64)  { s.xmm[r][0] = v }
func (s *SSE) SetHigh64(r SSEReg, v uint64) { s.xmm[r][1] = v }
