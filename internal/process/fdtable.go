package process

import (
	"errors"
	"sync"

	"github.com/coreospkg/tinykernel/internal/vfs"
)

// ErrBadFD is returned for an operation on a file descriptor that is not
// currently open.
var ErrBadFD = errors.New("process: bad file descriptor")

// firstUserFD is the smallest fd number handed out to an opened file;
// 0 and 1 are reserved for the console (keyboard input, putbuf output).
const firstUserFD = 2

// FDTable is a process's mapping from small integers to open file
// handles, refcounted the same way the underlying inode table refcounts
// opens — duplicating an fd (fork) reopens the handle rather than
// sharing the Go value, so each fd's cursor moves independently.
type FDTable struct {
	mu      sync.Mutex
	entries map[int]*vfs.FileHandle
	next    int
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{entries: make(map[int]*vfs.FileHandle), next: firstUserFD}
}

// Install assigns the next free fd number to h and returns it.
func (t *FDTable) Install(h *vfs.FileHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.entries[fd] = h
	return fd
}

// Get returns the handle for fd, or ErrBadFD.
func (t *FDTable) Get(fd int) (*vfs.FileHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return h, nil
}

// Close removes fd from the table. The caller is responsible for
// releasing the underlying handle through the filesystem facade.
func (t *FDTable) Close(fd int) (*vfs.FileHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[fd]
	if !ok {
		return nil, ErrBadFD
	}
	delete(t.entries, fd)
	return h, nil
}

// All returns every (fd, handle) pair currently open, for exit-time
// cleanup and fork duplication.
func (t *FDTable) All() map[int]*vfs.FileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]*vfs.FileHandle, len(t.entries))
	for fd, h := range t.entries {
		out[fd] = h
	}
	return out
}

// installAt places h at a specific fd number, used by fork to give the
// child the same fd numbers as the parent. Advances next past fd so a
// later ordinary Install never collides with it.
func (t *FDTable) installAt(fd int, h *vfs.FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = h
	if fd >= t.next {
		t.next = fd + 1
	}
}
