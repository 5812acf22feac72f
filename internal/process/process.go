// Package process implements process lifecycle (C10): loading an
// executable into a fresh address space, fork, exec, wait, exit, and the
// per-process file descriptor table.
package process

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/vfs"
	"github.com/coreospkg/tinykernel/internal/vm"
)

// ErrNoSuchChild is returned by Wait for a pid that is not a living or
// zombie child of the caller.
var ErrNoSuchChild = errors.New("process: not a child of the caller")

// background is used for every semaphore Acquire in this package: these
// semaphores model sema_down/sema_up, which block unconditionally and
// have no notion of cancellation.
var background = context.Background()

// PID identifies a process.
type PID int64

// Process is one running (or exited-but-not-yet-reaped) process: its
// address space, its open files, and the bookkeeping wait/exit/fork need
// to hand off state between parent and child without sharing memory
// directly.
type Process struct {
	PID  PID
	Name string

	AS      *vm.AddressSpace
	FDs     *FDTable
	CWD     *vfs.Dir
	Symlink *vfs.SymlinkTable

	executable *vfs.FileHandle // open with writes denied for the process's lifetime

	// Entry, InitialSP, Argc and Argv are the values Load computes for
	// the simulated trap frame: where execution starts and what the
	// initial stack looks like.
	Entry     uint64
	InitialSP uint64
	Argc      int
	Argv      uint64

	mu       sync.Mutex
	parent   *Process
	children map[PID]*Process

	exitStatus int
	exited     bool

	// waitSema is signaled once by Exit and consumed once by the
	// parent's Wait; exitSema is signaled by the waiting parent once it
	// has captured the exit status, and is downed by Exit before final
	// teardown so the parent's read of exit_status strictly precedes the
	// child's destruction.
	waitSema *semaphore.Weighted
	exitSema *semaphore.Weighted

	// forkCopySema and forkCopyOK record the outcome of fork's copy
	// step: Fork sets forkCopyOK and releases forkCopySema once the
	// child's address space and fd table have been copied (or the copy
	// failed), and WaitForForkCopy acquires it and reads forkCopyOK.
	forkCopySema *semaphore.Weighted
	forkCopyOK   bool

	mmapNext uint64
	mmaps    map[uint64]*vm.Region
}

// Mmaps returns a process's live mmap-id -> region table, used by the
// syscall dispatcher to resolve munmap's argument.
func (p *Process) Mmaps() map[uint64]*vm.Region { return p.mmaps }

// AddMmap records a newly installed region and returns the mapid the
// caller should hand back to user code.
func (p *Process) AddMmap(r *vm.Region) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.mmapNext
	p.mmapNext++
	p.mmaps[id] = r
	return id
}

// TakeMmap removes and returns the region registered under id, if any.
func (p *Process) TakeMmap(id uint64) (*vm.Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.mmaps[id]
	delete(p.mmaps, id)
	return r, ok
}

// Table is the process-wide process table, keyed by pid.
type Table struct {
	mu       sync.Mutex
	next     PID
	byPID    map[PID]*Process
	Frames   *frame.Table
	Swap     *frame.Swap
	Metrics  *kmetrics.Metrics
	fs       *vfs.Filesystem
}

// NewTable creates a process table bound to the kernel's shared frame
// pool, swap disk, and filesystem facade.
func NewTable(fs *vfs.Filesystem, frames *frame.Table, swap *frame.Swap, m *kmetrics.Metrics) *Table {
	return &Table{
		next:    1,
		byPID:   make(map[PID]*Process),
		Frames:  frames,
		Swap:    swap,
		Metrics: m,
		fs:      fs,
	}
}

// newProcess allocates a pid and the per-process scaffolding shared by
// both the initial process and fork's child.
func (t *Table) newProcess(name string, parent *Process) *Process {
	t.mu.Lock()
	pid := t.next
	t.next++
	t.mu.Unlock()

	spt := vm.NewSPT(t.Frames, t.Swap)
	p := &Process{
		PID:          pid,
		Name:         name,
		AS:           vm.NewAddressSpace(spt),
		FDs:          NewFDTable(),
		Symlink:      &vfs.SymlinkTable{},
		parent:       parent,
		children:     make(map[PID]*Process),
		waitSema:     semaphore.NewWeighted(1),
		exitSema:     semaphore.NewWeighted(1),
		forkCopySema: semaphore.NewWeighted(1),
		mmaps:        make(map[uint64]*vm.Region),
	}

	// All three semaphores start "down" (acquired), so the first Down blocks
	// until something Ups it, matching a condvar-style counting
	// semaphore initialized to zero.
	p.waitSema.Acquire(background, 1)
	p.exitSema.Acquire(background, 1)
	p.forkCopySema.Acquire(background, 1)

	t.mu.Lock()
	t.byPID[pid] = p
	t.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children[pid] = p
		parent.mu.Unlock()
	}

	return p
}

// Lookup returns the process for pid, if still in the table.
func (t *Table) Lookup(pid PID) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byPID[pid]
	return p, ok
}

func (t *Table) forget(pid PID) {
	t.mu.Lock()
	delete(t.byPID, pid)
	t.mu.Unlock()
}

// Spawn creates the first process of a new tree: no parent, cwd set to
// the filesystem root. Used once at boot and by exec-from-shell paths
// that don't originate from a fork.
func (t *Table) Spawn(name string) *Process {
	p := t.newProcess(name, nil)
	p.CWD = t.fs.Root()
	return p
}

// Exit records status on p, wakes a parent blocked in Wait, then (if p
// has a parent) blocks until that parent has captured the status before
// tearing down p's address space, open files and process-table entry.
// A child nobody ever waits for remains a blocked zombie, the same
// trade-off an unreaped Unix zombie makes.
func (t *Table) Exit(p *Process, status int) {
	p.mu.Lock()
	p.exitStatus = status
	p.exited = true
	p.mu.Unlock()

	p.waitSema.Release(1)

	if p.parent != nil {
		p.exitSema.Acquire(background, 1)
	}

	p.AS.SPT.Kill()
	for fd, h := range p.FDs.All() {
		t.fs.Close(h)
		p.FDs.Close(fd)
	}
	if p.executable != nil {
		t.fs.Close(p.executable)
	}
	if p.CWD != nil {
		t.fs.CloseDir(p.CWD)
	}

	t.forget(p.PID)
}

// Wait blocks until the child pid (a child of parent) exits, returns its
// exit status exactly once, and forgets it as a child afterward. A
// second Wait on the same pid returns ErrNoSuchChild, matching the
// "wait may only be called once per child" rule.
func (t *Table) Wait(parent *Process, pid PID) (int, error) {
	parent.mu.Lock()
	child, ok := parent.children[pid]
	parent.mu.Unlock()
	if !ok {
		return -1, ErrNoSuchChild
	}

	child.waitSema.Acquire(background, 1)

	child.mu.Lock()
	status := child.exitStatus
	child.mu.Unlock()

	child.exitSema.Release(1)

	parent.mu.Lock()
	delete(parent.children, pid)
	parent.mu.Unlock()

	return status, nil
}
