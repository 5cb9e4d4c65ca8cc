// Package emu wires the memory manager, kernel, syscall table, and
// optional JIT together into a runnable process: load an ELF binary,
// build its initial stack, and hand the whole thing to the scheduler.
// Grounded on gvisor's boot.go/loader.go split between "describe what to
// run" (Config) and "run it" (a single Run entry point), rather than a
// multi-step builder the caller has to sequence itself.
package emu

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/jit"
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
	"github.com/n-stott/x64emulator-sub005/pkg/log"
	"github.com/n-stott/x64emulator-sub005/pkg/metrics"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
	"github.com/n-stott/x64emulator-sub005/pkg/syscalls"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

// maxGuestAddr bounds the address spaces this emulator creates: the
// canonical 48-bit limit every mapped address, including the stack near
// the top of the lower canonical half, must stay under.
const maxGuestAddr = 0x0000800000000000

// maxBrkGrowth caps how far brk(2) may extend the heap past its initial
// break, a fixed allowance rather than letting it grow unbounded into
// the rest of the address space.
const maxBrkGrowth = 1 << 30

// Run loads path as the sole argv[0] candidate, executes it to
// completion under cfg, and returns the exit status the guest's
// exit/exit_group syscall (or, absent either, its main thread's natural
// return) produced.
func Run(ctx context.Context, path string, cfg Config) (int, error) {
	log.SetLevel(cfg.LogSyscalls)

	as := mm.New(maxGuestAddr)
	files := vfs.NewFDTable()
	if err := installStdFDs(files); err != nil {
		return -1, fmt.Errorf("emu: installing standard fds: %w", err)
	}

	res, err := (ELFLoader{}).Load(as, path)
	if err != nil {
		return -1, fmt.Errorf("emu: loading %s: %w", path, err)
	}
	as.BrkSetup(hostarch.Addr(res.BrkStart), maxBrkGrowth)

	argv := cfg.Argv
	if len(argv) == 0 {
		argv = []string{path}
	}
	rsp, err := buildInitialStack(as, argv, cfg.Envp, res)
	if err != nil {
		return -1, fmt.Errorf("emu: building initial stack: %w", err)
	}

	sched := kernel.NewScheduler(cfg.Workers)
	disp := syscalls.NewDispatcher(sched)

	cpu := arch.NewState()
	cpu.SetRSP(rsp)
	cpu.SetRIP(res.Entry)

	dis := disasm.X86Asm{}
	main := kernel.NewThread(path, cpu, as, files, dis, disp)

	var jitStats *jit.Stats
	if cfg.EnableJIT {
		jitStats = jit.NewStats()
		arena := jit.NewArena()
		main.JIT = jit.NewTranslator(as, dis, arena, jitStats, cfg.EnableChaining)
		main.JITStats = jitStats
	}

	var profileServer *http.Server
	if cfg.ProfileAddr != "" {
		reg := metrics.New(jitStats)
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		profileServer = &http.Server{Addr: cfg.ProfileAddr, Handler: mux}
		go func() {
			if err := profileServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warningf("emu: profile server: %v", err)
			}
		}()
		defer profileServer.Close()
	}

	// The scheduler's worker pool otherwise runs forever waiting on its
	// condvar for more work; stopping it once the main thread group has
	// exited is what lets Run return instead of blocking past the
	// guest's own lifetime. Any surviving children become orphans whose
	// threads simply never get scheduled again, matching how init
	// reaping them is out of scope for a single-binary harness.
	go func() {
		main.Group.ExitStatus()
		sched.Stop()
	}()

	sched.Enqueue(main)
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("emu: scheduler: %w", err)
	}

	return main.Group.ExitStatus(), nil
}

// installStdFDs installs fd 0/1/2 as the guest's initial standard
// streams, wrapping the host's own stdin/stdout/stderr rather than
// reopening them by path (which would hand back independent,
// independently-positioned descriptions instead of the process's real
// controlling streams).
func installStdFDs(files *vfs.FDTable) error {
	files.Install(vfs.NewFD(vfs.NewStdin(), os.O_RDONLY))
	files.Install(vfs.NewFD(vfs.NewStdout(), os.O_WRONLY))
	files.Install(vfs.NewFD(vfs.NewStderr(), os.O_WRONLY))
	return nil
}
