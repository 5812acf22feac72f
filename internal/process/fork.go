package process

import (
	"github.com/coreospkg/tinykernel/internal/vm"
)

// Fork creates a child of parent: a fresh pid, a deep copy of the
// parent's supplemental page table (vm.Copy gives loaded pages their own
// physical frame with identical bytes), reopened handles for every open
// fd and the cwd, and a duplicated executable handle. Modeled on
// __do_fork's copy-then-signal protocol: the parent never needs to wait
// here since the copy runs synchronously on the caller's goroutine, but
// forkCopySema/forkCopyOK are kept so a future asynchronous fork
// (copying on a separate goroutine the way __do_fork does) has somewhere
// to report success or failure.
func (t *Table) Fork(parent *Process, name string) (*Process, error) {
	child := t.newProcess(name, parent)

	ok := false
	defer func() {
		child.forkCopyOK = ok
		child.forkCopySema.Release(1)
	}()

	if err := vm.Copy(parent.AS.SPT, child.AS.SPT); err != nil {
		t.forget(child.PID)
		return nil, err
	}
	child.AS.SetStackPointer(parent.AS.StackPointer())

	for fd, h := range parent.FDs.All() {
		child.FDs.installAt(fd, t.fs.Reopen(h))
	}

	if parent.CWD != nil {
		if d, err := t.fs.Chdir(parent.CWD, parent.Symlink, "."); err == nil {
			child.CWD = d
		}
	}

	if parent.executable != nil {
		child.executable = t.fs.Reopen(parent.executable)
	}

	child.Entry = parent.Entry
	child.Argc = parent.Argc
	child.Argv = parent.Argv
	child.InitialSP = parent.InitialSP

	ok = true
	return child, nil
}

// WaitForForkCopy blocks the caller until a child's address-space and
// fd-table copy has finished, reporting whether it succeeded. In this
// synchronous implementation Fork itself has already returned by the
// time any caller could call this, so it never blocks; it exists to
// keep the handshake's shape available if fork's copy step is later
// moved onto its own goroutine.
func (c *Process) WaitForForkCopy() bool {
	c.forkCopySema.Acquire(background, 1)
	return c.forkCopyOK
}
