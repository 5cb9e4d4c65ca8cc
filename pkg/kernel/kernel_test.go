package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n-stott/x64emulator-sub005/pkg/arch"
	"github.com/n-stott/x64emulator-sub005/pkg/disasm"
	"github.com/n-stott/x64emulator-sub005/pkg/host"
	"github.com/n-stott/x64emulator-sub005/pkg/hostarch"
	"github.com/n-stott/x64emulator-sub005/pkg/interp"
	"github.com/n-stott/x64emulator-sub005/pkg/mm"
	"github.com/n-stott/x64emulator-sub005/pkg/syserror"
	"github.com/n-stott/x64emulator-sub005/pkg/vfs"
)

type stubSyscaller struct{}

func (stubSyscaller) Syscall(s *arch.State) error { return nil }

type stubFactory struct{}

func (stubFactory) Bind(t *Thread) interp.Syscaller { return stubSyscaller{} }

type exitingSyscaller struct{ code int }

func (e exitingSyscaller) Syscall(s *arch.State) error { return &host.Exit{Code: e.code} }

func newTestThread(t *testing.T, as *mm.AddressSpace) *Thread {
	t.Helper()
	return NewThread("test", arch.NewState(), as, vfs.NewFDTable(), disasm.X86Asm{}, stubFactory{})
}

func TestFutexWaitMismatchDoesNotPark(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}
	th.setState(Running)

	err := sched.Futex.Wait(th, 0x1000, 5, 0, func() (uint32, error) { return 7, nil })
	require.Equal(t, syserror.EAGAIN, err)
	require.Equal(t, Running, th.Status())
}

func TestFutexWaitParksThenWakeReenqueues(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}

	err := sched.Futex.Wait(th, 0x2000, 1, 0, func() (uint32, error) { return 1, nil })
	require.Equal(t, ErrBlocked, err)
	require.Equal(t, Sleeping, th.Status())

	woken := sched.Futex.Wake(0x2000, 1)
	require.Equal(t, 1, woken)
	require.Equal(t, Runnable, th.Status())

	got := sched.dequeue()
	require.Same(t, th, got)
}

func TestFutexWakeNNeverExceedsWaiterCount(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}
	_ = sched.Futex.Wait(th, 0x3000, 1, 0, func() (uint32, error) { return 1, nil })

	woken := sched.Futex.Wake(0x3000, 10)
	require.Equal(t, 1, woken)
}

func TestRemoveThreadDropsFutexEntry(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}
	_ = sched.Futex.Wait(th, 0x4000, 1, 0, func() (uint32, error) { return 1, nil })

	sched.Futex.RemoveThread(th)
	woken := sched.Futex.Wake(0x4000, 1)
	require.Equal(t, 0, woken, "a removed thread must never receive a wakeup")
}

func TestFutexWaitTimesOutWithoutWake(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}

	err := sched.Futex.Wait(th, 0x5000, 1, time.Millisecond, func() (uint32, error) { return 1, nil })
	require.Equal(t, ErrBlocked, err)
	require.Equal(t, Sleeping, th.Status())

	require.Eventually(t, func() bool {
		return th.Status() == Runnable
	}, time.Second, time.Millisecond)
	require.True(t, th.ConsumeTimedOut())

	got := sched.dequeue()
	require.Same(t, th, got)
}

func TestFutexWakeBeforeDeadlineSuppressesTimeout(t *testing.T) {
	sched := NewScheduler(2)
	th := &Thread{TID: allocID()}

	err := sched.Futex.Wait(th, 0x6000, 1, time.Hour, func() (uint32, error) { return 1, nil })
	require.Equal(t, ErrBlocked, err)

	woken := sched.Futex.Wake(0x6000, 1)
	require.Equal(t, 1, woken)
	require.False(t, th.ConsumeTimedOut())
}

func TestCloneVMSharesAddressSpaceAndPID(t *testing.T) {
	as := mm.New(hostarch.Addr(1) << 46)
	parent := newTestThread(t, as)

	child := Clone(parent, CloneVM|CloneThread, 0)
	require.Same(t, parent.AS, child.AS)
	require.Equal(t, parent.PID, child.PID)
	require.NotEqual(t, parent.TID, child.TID)
}

func TestCloneWithoutVMForksAddressSpace(t *testing.T) {
	as := mm.New(hostarch.Addr(1) << 46)
	base, err := as.Mmap(0, 0x1000, hostarch.ReadWrite, mm.MapFlags{Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.Write64(base, 0xABCD))

	parent := newTestThread(t, as)
	child := Clone(parent, 0, 0)
	require.NotSame(t, parent.AS, child.AS)
	require.NotEqual(t, parent.PID, child.PID)

	require.NoError(t, child.AS.Write64(base, 0xFFFF))
	v, err := parent.AS.Read64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0xABCD), v, "fork must not let the child's writes leak back to the parent")
}

func TestRunQuantumStopsOnExit(t *testing.T) {
	as := mm.New(hostarch.Addr(1) << 46)
	_, err := as.Mmap(0x400000, 0x1000, hostarch.ReadExecute, mm.MapFlags{Fixed: true, Anonymous: true, Private: true}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, as.WriteBytes(hostarch.Addr(0x400000), []byte{0x0f, 0x05})) // syscall

	cpu := arch.NewState()
	cpu.SetRIP(0x400000)
	th := &Thread{TID: allocID(), CPU: cpu, AS: as}
	th.Interp = interp.New(as, disasm.X86Asm{}, exitingSyscaller{7})

	ran, err := th.RunQuantum(10)
	require.Equal(t, 1, ran)
	exit, ok := err.(*host.Exit)
	require.True(t, ok, "RunQuantum must surface *host.Exit, got %T", err)
	require.Equal(t, 7, exit.Code)
}
