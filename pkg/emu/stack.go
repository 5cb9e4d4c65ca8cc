package emu

import (
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
)

const (
	stackSize = 8 * 1024 * 1024
	stackTop  = hostarch.Addr(0x7ffffffde000)

	auxNull    = 0
	auxPHdr    = 3
	auxPHEnt   = 4
	auxPHNum   = 5
	auxPageSz  = 6
	auxEntry   = 9
	auxRandom  = 25
	auxSecure  = 23
	auxExecFn  = 31
	auxPlatfrm = 15
)

// buildInitialStack maps a fresh guest stack below stackTop and lays
// out argv/envp/auxv exactly as the Linux kernel hands them to a fresh
// process's _start: argc, argv[] NULL-terminated, envp[] NULL-terminated,
// auxv[] AT_NULL-terminated, then the string data those pointers target,
// with the final stack pointer 16-byte aligned as the x86-64 SysV ABI
// requires at process entry.
func buildInitialStack(as *mm.AddressSpace, argv, envp []string, res LoadResult) (uint64, error) {
	base := stackTop - hostarch.Addr(stackSize)
	if _, err := as.Mmap(base, stackSize, hostarch.ReadWrite, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0); err != nil {
		return 0, err
	}

	// Strings land at the top of the mapping, highest address first, so
	// pointers into them are known before the vector area below is
	// written.
	sp := stackTop
	writeStr := func(s string) (hostarch.Addr, error) {
		b := append([]byte(s), 0)
		sp -= hostarch.Addr(len(b))
		if err := as.WriteBytes(sp, b); err != nil {
			return 0, err
		}
		return sp, nil
	}

	platform, err := writeStr("x86_64")
	if err != nil {
		return 0, err
	}
	randBytes := [16]byte{}
	sp -= 16
	if err := as.WriteBytes(sp, randBytes[:]); err != nil {
		return 0, err
	}
	randomAddr := sp

	argvAddrs := make([]hostarch.Addr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		a, err := writeStr(argv[i])
		if err != nil {
			return 0, err
		}
		argvAddrs[i] = a
	}
	envpAddrs := make([]hostarch.Addr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		a, err := writeStr(envp[i])
		if err != nil {
			return 0, err
		}
		envpAddrs[i] = a
	}

	var execFn hostarch.Addr
	if len(argvAddrs) > 0 {
		execFn = argvAddrs[0]
	}
	type auxEntryT struct{ typ, val uint64 }
	auxv := []auxEntryT{
		{auxPHdr, res.PHdrAddr},
		{auxPHEnt, res.PHdrEntSize},
		{auxPHNum, res.PHdrNum},
		{auxPageSz, hostarch.PageSize},
		{auxEntry, res.Entry},
		{auxSecure, 0},
		{auxRandom, uint64(randomAddr)},
		{auxPlatfrm, uint64(platform)},
		{auxExecFn, uint64(execFn)},
		{auxNull, 0},
	}

	// The vector area (argc, argv[], NULL, envp[], NULL, auxv[]) sits
	// directly below the string data and must leave rsp 16-byte aligned
	// at process entry; an extra padding word is inserted when the
	// vector's own word count is odd so the final subtraction stays a
	// multiple of 16.
	vecWords := 1 + len(argvAddrs) + 1 + len(envpAddrs) + 1 + len(auxv)*2
	if vecWords%2 != 0 {
		vecWords++
	}
	sp = hostarch.Addr(uint64(sp) &^ 0xf)
	sp -= hostarch.Addr(vecWords * 8)

	cur := sp
	write64 := func(v uint64) error {
		if err := as.Write64(cur, v); err != nil {
			return err
		}
		cur += 8
		return nil
	}

	if err := write64(uint64(len(argv))); err != nil {
		return 0, err
	}
	for _, a := range argvAddrs {
		if err := write64(uint64(a)); err != nil {
			return 0, err
		}
	}
	if err := write64(0); err != nil {
		return 0, err
	}
	for _, a := range envpAddrs {
		if err := write64(uint64(a)); err != nil {
			return 0, err
		}
	}
	if err := write64(0); err != nil {
		return 0, err
	}
	for _, e := range auxv {
		if err := write64(e.typ); err != nil {
			return 0, err
		}
		if err := write64(e.val); err != nil {
			return 0, err
		}
	}

	return uint64(sp), nil
}
