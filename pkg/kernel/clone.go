package kernel

import (
	"github.com/google/uuid"

	"github.com/n-stott/x64emulator-sub005/pkg/interp"
)

// CloneFlags mirrors the subset of Linux's clone(2) flag bits this
// emulator interprets; values match the real bit positions so a guest's
// raw flags argument can be cast directly.
type CloneFlags uint64

const (
	CloneVM            CloneFlags = 0x00000100
	CloneFS            CloneFlags = 0x00000200
	CloneFiles         CloneFlags = 0x00000400
	CloneSighand       CloneFlags = 0x00000800
	CloneThread        CloneFlags = 0x00010000
	CloneChildCleartid CloneFlags = 0x00200000
	CloneChildSettid   CloneFlags = 0x01000000
	CloneParentSettid  CloneFlags = 0x00100000
)

// Clone creates a new Thread from parent according to flags, used by
// the clone/fork/vfork syscall handlers. CLONE_VM shares the parent's
// address space; otherwise the child gets its own via
// mm.AddressSpace.Fork(). CLONE_FILES shares the fd table; otherwise
// the child gets its own via vfs.FDTable.Fork(). CLONE_THREAD keeps the
// child in the parent's thread group under the parent's PID; otherwise
// the child becomes the leader of a brand new group. The register file
// is always deep-copied (arch.State.Clone) regardless of flags, and a
// non-zero childStack becomes the child's RSP. Zeroing the child's
// return register is the caller's job (the clone syscall handler),
// since clone's ABI (child sees 0 in rax, parent sees the child's tid)
// lives at the syscall layer, not here.
func Clone(parent *Thread, flags CloneFlags, childStack uint64) *Thread {
	child := &Thread{
		TID:     allocID(),
		Name:    parent.Name,
		Session: uuid.New(),
		CPU:     parent.CPU.Clone(),
	}

	if flags&CloneVM != 0 {
		child.AS = parent.AS
		// A Translator is bound to one *mm.AddressSpace (it fetches code
		// from it and registers as its Invalidator), so it only carries
		// over when the child shares that same address space; a forked
		// child starts without JIT and falls back to the interpreter
		// until the emulator decides to attach a fresh Translator of its
		// own over the forked AS.
		child.JIT = parent.JIT
		child.JITStats = parent.JITStats
	} else {
		child.AS = parent.AS.Fork()
	}

	if flags&CloneFiles != 0 {
		child.Files = parent.Files
	} else {
		child.Files = parent.Files.Fork()
	}

	child.sysFactory = parent.sysFactory
	child.Interp = interp.New(child.AS, parent.Interp.Dis, parent.sysFactory.Bind(child))

	if flags&CloneThread != 0 {
		child.PID = parent.PID
		child.Group = parent.Group
	} else {
		child.PID = child.TID
		child.Group = newThreadGroup(child.PID)
		parent.addChild(child.Group)
	}
	child.Group.addThread(child)

	if childStack != 0 {
		child.CPU.SetRSP(childStack)
	}

	return child
}
