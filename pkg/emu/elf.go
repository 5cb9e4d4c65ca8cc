package emu

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

// loadBias is where this emulator places a PIE (ET_DYN) executable's
// lowest segment; non-PIE (ET_EXEC) binaries load at their linked
// addresses unchanged.
const loadBias = 0x400000

// LoadResult describes a loaded image's entry point and the auxv
// records the startup stub needs to hand off to libc/the guest's own
// _start.
type LoadResult struct {
	Entry       uint64
	PHdrAddr    uint64
	PHdrEntSize uint64
	PHdrNum     uint64
	Interp      string // PT_INTERP's path, recorded but never resolved further
	BrkStart    uint64
}

// fileSource adapts an *os.File to the io.ReaderAt pkg/mm wants to back
// a file-mapped page, the same shape pkg/syscalls' mmSource gives
// mmap'd file descriptors — this is the program loader's own
// first-class user of that contract, not piggybacking on an open file
// description, since the loader reads straight off the host path
// before any guest fd exists.
type fileSource struct{ f *os.File }

func (s fileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// ELFLoader maps a statically- or dynamically-linked x86-64 ELF
// executable's PT_LOAD segments into a guest address space, using
// debug/elf for header parsing (the stdlib package every ELF-handling
// file in the retrieval pack reaches for; nothing in the pack's
// third-party surface offers an alternative ELF reader).
type ELFLoader struct{}

// Load opens path, validates it targets EM_X86_64, and maps each
// PT_LOAD segment with its file's permissions translated to
// hostarch.AccessType, zero-filling the gap between a segment's
// on-disk size and its (possibly larger) memory size.
func (ELFLoader) Load(as *mm.AddressSpace, path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return LoadResult{}, err
	}
	if ef.Machine != elf.EM_X86_64 {
		return LoadResult{}, fmt.Errorf("emu: unsupported ELF machine %v", ef.Machine)
	}

	bias := uint64(0)
	if ef.Type == elf.ET_DYN {
		bias = loadBias
	}

	var res LoadResult
	var maxEnd uint64
	src := fileSource{f: f}

	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_INTERP:
			buf := make([]byte, p.Filesz)
			if _, err := f.ReadAt(buf, int64(p.Off)); err != nil && err != io.EOF {
				return LoadResult{}, err
			}
			res.Interp = string(buf)
		case elf.PT_PHDR:
			res.PHdrAddr = bias + p.Vaddr
		case elf.PT_LOAD:
			if err := loadSegment(as, src, p, bias); err != nil {
				return LoadResult{}, err
			}
			if end := bias + p.Vaddr + p.Memsz; end > maxEnd {
				maxEnd = end
			}
		}
	}

	res.Entry = bias + ef.Entry
	res.PHdrEntSize = 56 // sizeof(Elf64_Phdr)
	res.PHdrNum = uint64(len(ef.Progs))
	brkStart, ok := hostarch.Addr(maxEnd).PageRoundUp()
	if !ok {
		return LoadResult{}, fmt.Errorf("emu: image end %#x overflows address space", maxEnd)
	}
	res.BrkStart = uint64(brkStart)
	return res, nil
}

func loadSegment(as *mm.AddressSpace, src fileSource, p *elf.Prog, bias uint64) error {
	segStart := hostarch.Addr(bias + p.Vaddr).PageRoundDown()
	segEnd, ok := hostarch.Addr(bias + p.Vaddr + p.Memsz).PageRoundUp()
	if !ok {
		return fmt.Errorf("emu: segment at %#x overflows address space", p.Vaddr)
	}
	perm := progFlagsToAccess(p.Flags)

	_, err := as.Mmap(segStart, uint64(segEnd-segStart), hostarch.ReadWrite, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	if err != nil {
		return err
	}

	fileOff := int64(p.Off)
	remaining := int64(p.Filesz)
	addr := hostarch.Addr(bias + p.Vaddr)
	buf := make([]byte, 4096)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := src.ReadAt(buf[:n], fileOff); err != nil && err != io.EOF {
			return err
		}
		if err := as.WriteBytes(addr, buf[:n]); err != nil {
			return err
		}
		addr += hostarch.Addr(n)
		fileOff += n
		remaining -= n
	}

	if perm != hostarch.ReadWrite {
		return as.Mprotect(segStart, uint64(segEnd-segStart), perm)
	}
	return nil
}

func progFlagsToAccess(f elf.ProgFlag) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&elf.PF_R != 0,
		Write:   f&elf.PF_W != 0,
		Execute: f&elf.PF_X != 0,
	}
}
