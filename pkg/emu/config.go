package emu

// Config selects how Run executes a guest binary. The zero value runs
// every thread through the plain interpreter with no chaining and no
// metrics endpoint, matching a conservative default over an opt-in one.
type Config struct {
	// Argv/Envp are handed to the guest's _start via the initial stack
	// layout, argv[0] included.
	Argv []string
	Envp []string

	// Workers bounds the scheduler's worker pool; 0 requests the
	// runtime's own default (NumCPU).
	Workers int

	// EnableJIT attaches a jit.Translator to the main thread (and to
	// every CLONE_VM descendant) instead of leaving RunQuantum on the
	// interpreter-only path.
	EnableJIT bool

	// EnableChaining is passed to jit.NewTranslator as its chain setting
	// (--jit-chain); meaningless unless EnableJIT is also set. The
	// translator stores it without reading it, so blocks are never
	// linked and the setting does not change execution.
	EnableChaining bool

	// LogSyscalls raises the logger to debug level, which is also where
	// per-syscall tracing lives (pkg/syscalls.Dispatcher.Dispatch logs
	// at Debugf unconditionally; this flag is what makes that visible).
	LogSyscalls bool

	// ProfileAddr, if non-empty, starts an HTTP server on this address
	// serving /metrics off pkg/metrics for the lifetime of the run.
	ProfileAddr string
}
