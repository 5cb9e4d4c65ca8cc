package jit

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/interp"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

// Block is one translated basic block: the cached decode of every
// instruction from its entry address up to (and including) the
// instruction that ends it — a branch, call, ret, syscall, or
// unresolved indirect — plus the native stub a Seal'd Arena chunk
// holds for this block's exit. A resident Block fixes the block's
// boundaries and instruction count; running it still goes through
// Interpreter.Step, which fetches and decodes each instruction from
// guest memory again.
type Block struct {
	Entry hostarch.Addr
	End   hostarch.Addr // one past the last byte this block covers
	Insns []disasm.Instruction

	exit      ExitReason
	rangeIdx  int
	off       int
	chunkSize int

	mu    sync.Mutex
	valid bool
	// next is the chained successor block for a resolved direct
	// branch/fallthrough target, set only by ChainTo (which nothing in
	// this module calls, so it stays nil). A logical successor link stands in for a real
	// relocatable direct-jump rewrite into host code, since this
	// translator's Run replays Insns rather than jumping the host PC
	// into Arena memory — see DESIGN.md's translator entry.
	next *Block
}

// Translator compiles basic blocks on demand and caches them by entry
// address. Blocks are not chained: the chain setting is stored but not
// read, so every block visit goes through Lookup (and Translate on a
// miss). It implements mm.Invalidator: pkg/mm calls InvalidateRange whenever a range
// loses Execute permission or is unmapped, dropping every block whose
// source range intersects.
type Translator struct {
	as    *mm.AddressSpace
	dis   disasm.Disassembler
	arena *Arena
	stats *Stats
	chain bool

	mu     sync.Mutex
	blocks map[hostarch.Addr]*Block
}

// NewTranslator returns a Translator over as, decoding with dis and
// allocating native exit stubs from arena. chain records the
// --jit-chain setting; no method of Translator or Block reads it.
func NewTranslator(as *mm.AddressSpace, dis disasm.Disassembler, arena *Arena, stats *Stats, chain bool) *Translator {
	t := &Translator{as: as, dis: dis, arena: arena, stats: stats, chain: chain, blocks: make(map[hostarch.Addr]*Block)}
	as.SetInvalidator(t)
	return t
}

// Lookup returns the resident, valid block starting at addr, if any.
func (t *Translator) Lookup(addr hostarch.Addr) *Block {
	t.mu.Lock()
	b := t.blocks[addr]
	t.mu.Unlock()
	if b == nil {
		return nil
	}
	b.mu.Lock()
	ok := b.valid
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b
}

// Translate decodes and compiles the basic block starting at addr,
// caching it for future Lookup calls. A block ends at the first
// branch, call, ret, syscall, or unresolved indirect instruction
// (inclusive), matching the JIT boundary the interpreter itself never
// needs to care about since it always steps one instruction at a time.
func (t *Translator) Translate(addr hostarch.Addr) (*Block, error) {
	if b := t.Lookup(addr); b != nil {
		return b, nil
	}

	var insns []disasm.Instruction
	cur := addr
	var exit ExitReason
	for {
		code, err := t.as.FetchCode(cur, 15)
		if err != nil {
			return nil, err
		}
		inst, err := t.dis.Decode(code, uint64(cur))
		if err != nil {
			return nil, &host.Fault{Kind: host.FaultIllegalInstruction, RIP: uint64(cur)}
		}
		insns = append(insns, inst)
		cur += hostarch.Addr(inst.Len)

		if inst.Inst.Op == x86asm.SYSCALL {
			exit = ExitSyscall
			break
		}
		if inst.IsUnresolvedIndirect() {
			exit = ExitJmpIndirect
			if inst.Inst.Op == x86asm.CALL {
				exit = ExitCallIndirect
			}
			break
		}
		if inst.IsBranch() {
			exit = branchExitReason(inst)
			break
		}
	}

	stub := buildExitStub(exit)
	mem, rangeIdx, off, err := t.arena.Alloc(len(stub))
	if err != nil {
		return nil, err
	}
	copy(mem, stub)
	if err := t.arena.Seal(rangeIdx); err != nil {
		return nil, err
	}

	b := &Block{
		Entry:     addr,
		End:       cur,
		Insns:     insns,
		exit:      exit,
		rangeIdx:  rangeIdx,
		off:       off,
		chunkSize: len(stub),
		valid:     true,
	}

	t.mu.Lock()
	t.blocks[addr] = b
	t.mu.Unlock()
	if t.stats != nil {
		t.stats.recordTranslation()
	}
	return b, nil
}

func branchExitReason(inst disasm.Instruction) ExitReason {
	switch inst.Inst.Op {
	case x86asm.RET:
		return ExitRet
	default:
		return ExitChainMiss
	}
}

// buildExitStub returns a minimal real amd64 byte sequence recording
// the exit reason: MOV EAX, imm32(reason) ; RET (B8 <imm32> C3). The
// bytes are genuine, directly-Mprotect'able machine code; invoking them
// from Go requires a small assembly trampoline this emulator's
// execution loop does not wire in (Run executes a block by replaying
// Insns through the interpreter's per-instruction executor, not by
// jumping the host PC into Arena memory — see DESIGN.md's translator
// entry for why). The stub still exercises the real W^X allocator path
// end to end.
func buildExitStub(reason ExitReason) []byte {
	imm := uint32(reason)
	return []byte{
		0xB8, byte(imm), byte(imm >> 8), byte(imm >> 16), byte(imm >> 24), // MOV EAX, imm32
		0xC3, // RET
	}
}

// Run executes b against s by replaying its cached instruction stream
// through in, stopping either at the block's ending instruction (the
// normal case, returning b.exit to the caller) or early if any
// instruction faults or blocks. It calls Interpreter.Step once per
// cached instruction, and each Step fetches and decodes its instruction
// from guest memory again; Insns only fixes how many steps make up the
// block.
func (b *Block) Run(in *interp.Interpreter, s *arch.State) (ExitReason, error) {
	for range b.Insns {
		if err := in.Step(s); err != nil {
			return ExitFault, err
		}
	}
	return b.exit, nil
}

// Next returns the chained successor for a resolved fallthrough/direct
// branch, or nil if none is linked yet.
func (b *Block) Next() *Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// ChainTo links succ as b's successor. Nothing in this module calls it:
// kernel.Thread.RunQuantum looks every block up by address.
func (b *Block) ChainTo(succ *Block) {
	b.mu.Lock()
	b.next = succ
	b.mu.Unlock()
}

// InvalidateRange implements mm.Invalidator. Every resident block whose
// [Entry, End) range intersects ar is dropped from the cache and its
// arena chunk returned to the free list; a worker mid-Run on that block
// finishes its current quantum against its own already-fetched Insns
// slice (which it owns independent of the map), so no lock is held
// across that execution — it simply won't be found by the next Lookup.
func (t *Translator) InvalidateRange(ar hostarch.AddrRange) {
	t.mu.Lock()
	var dropped int
	for addr, b := range t.blocks {
		br := hostarch.AddrRange{Start: b.Entry, End: b.End}
		if br.Overlaps(ar) {
			delete(t.blocks, addr)
			t.arena.Free(b.rangeIdx, b.off, b.chunkSize)
			dropped++
		}
	}
	t.mu.Unlock()
	if t.stats != nil && dropped > 0 {
		t.stats.recordInvalidation(dropped)
	}
}
