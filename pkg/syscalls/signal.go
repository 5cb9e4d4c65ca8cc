package syscalls

import (
	"github.com/n-stott/x64emulator-sub005/pkg/kernel"
)

const (
	nrRtSigaction   = 13
	nrRtSigprocmask = 14
	nrRtSigreturn   = 15
)

// registerSignalSyscalls wires the minimal signal-disposition syscalls
// a typical glibc/musl startup path probes or calls unconditionally
// (installing a SIGSEGV/SIGABRT handler, masking signals around
// thread creation) to no-ops. Actual signal delivery is out of scope:
// this emulator converts a guest trap directly into thread termination
// rather than a deliverable signal, so there is never a handler to
// invoke or a mask to consult.
func registerSignalSyscalls(d *Dispatcher) {
	d.register(nrRtSigaction, "rt_sigaction", sysRtSigaction)
	d.register(nrRtSigprocmask, "rt_sigprocmask", sysRtSigprocmask)
	d.register(nrRtSigreturn, "rt_sigreturn", sysRtSigreturn)
}

func sysRtSigaction(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, nil
}

func sysRtSigprocmask(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, nil
}

func sysRtSigreturn(t *kernel.Thread, args [6]uint64) (uintptr, error) {
	return 0, nil
}
