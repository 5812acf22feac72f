// Filesystem is the single-entry facade
// composing the directory layer over the inode layer. Every exported
// method here takes the facade-wide lock for its duration, matching
// a coarse-grained lock, sufficient for correctness at this scale.
package vfs

import (
	"sync"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/inode"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

const (
	nameMax    = kconst.NameMax
	maxPathLen = kconst.PathMax
)

// Filesystem is the root of the on-disk filesystem stack.
type Filesystem struct {
	mu    sync.Mutex
	cache *bcache.Cache
	fat   *fat.Allocator
	table *inode.Table
	root  *Dir

	// symlinkMarkers is created empty at mount and never written:
	// Symlink only records a substitution and creates no marker or
	// inode for a target that does not exist.
	symlinkMarkers map[string]bool
}

const rootDirCapacity = 32

// Format creates a brand-new filesystem on cache/fatAlloc: a root
// directory inode at the root cluster's sector.
func Format(cache *bcache.Cache, fatAlloc *fat.Allocator) (*Filesystem, error) {
	table := inode.NewTable(cache, fatAlloc)
	rootSector := fatAlloc.ClusterToSector(kconst.RootDirCluster)

	root, err := CreateDir(table, rootSector, rootDirCapacity, rootSector)
	if err != nil {
		return nil, err
	}

	return &Filesystem{
		cache:          cache,
		fat:            fatAlloc,
		table:          table,
		root:           root,
		symlinkMarkers: make(map[string]bool),
	}, nil
}

// Open loads an existing filesystem's root directory.
func Open(cache *bcache.Cache, fatAlloc *fat.Allocator) (*Filesystem, error) {
	table := inode.NewTable(cache, fatAlloc)
	rootSector := fatAlloc.ClusterToSector(kconst.RootDirCluster)

	rootInode, err := table.Open(rootSector)
	if err != nil {
		return nil, err
	}

	return &Filesystem{
		cache:          cache,
		fat:            fatAlloc,
		table:          table,
		root:           OpenDir(rootInode),
		symlinkMarkers: make(map[string]bool),
	}, nil
}

// Root returns an owned reference to the root directory, suitable as the
// initial cwd for a freshly created process.
func (f *Filesystem) Root() *Dir {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reopenDir(f.root)
}

// CloseDir releases a Dir reference obtained from this facade (Root,
// Chdir, or a caller's own bookkeeping).
func (f *Filesystem) CloseDir(d *Dir) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table.Close(d.In)
}

// Shutdown flushes the FAT and underlying cache. Call once, after every
// process has exited.
func (f *Filesystem) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fat.Close()
	f.cache.Shutdown()
}

// Create allocates a new inode at path and links it into its parent
// directory. On any failure, previously allocated resources are released
// in reverse order.
func (f *Filesystem) Create(cwd *Dir, symlinks *SymlinkTable, path string, size int64, isDir bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, name, err := f.resolve(cwd, symlinks, path)
	if err != nil {
		return err
	}
	defer f.table.Close(dir.In)

	if name == "." || name == ".." {
		return ErrNameReserved
	}
	if _, found := dir.Lookup(name); found {
		return ErrExists
	}

	cluster, ok := f.fat.AllocateOne()
	if !ok {
		return ErrNoSpace
	}
	sector := f.fat.ClusterToSector(cluster)

	var childIn *inode.Inode
	if isDir {
		childDir, err := CreateDir(f.table, sector, rootDirCapacity, dir.In.Sector())
		if err != nil {
			f.fat.Put(cluster, kconst.ClusterFree)
			return err
		}
		childIn = childDir.In
	} else {
		childIn, err = f.table.Create(sector, size, false)
		if err != nil {
			f.fat.Put(cluster, kconst.ClusterFree)
			return err
		}
	}

	if err := dir.Add(name, sector); err != nil {
		f.table.Remove(childIn)
		f.table.Close(childIn)
		return err
	}

	f.table.Close(childIn)
	return nil
}

// Mkdir is Create with isDir true and zero size.
func (f *Filesystem) Mkdir(cwd *Dir, symlinks *SymlinkTable, path string) error {
	return f.Create(cwd, symlinks, path, 0, true)
}

// FileHandle is an open reference to a file or directory, plus the
// the per-open state it carries: a byte cursor, a deny-write flag,
// and (for directory fds) a readdir cursor.
type FileHandle struct {
	In          *inode.Inode
	pos         int64
	denyWrite   bool
	dirCursor   int64
	isDirHandle bool
}

// Open resolves path and returns a handle on it. Opening a directory
// attaches a readdir cursor.
func (f *Filesystem) Open(cwd *Dir, symlinks *SymlinkTable, path string) (*FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, name, err := f.resolve(cwd, symlinks, path)
	if err != nil {
		return nil, err
	}
	defer f.table.Close(dir.In)

	sector, found := dir.Lookup(name)
	if !found {
		return nil, ErrNotFound
	}

	in, err := f.table.Open(sector)
	if err != nil {
		return nil, err
	}

	return &FileHandle{In: in, isDirHandle: in.IsDir()}, nil
}

// OpenExecutable is Open plus DenyWrite, for the process loader.
func (f *Filesystem) OpenExecutable(cwd *Dir, symlinks *SymlinkTable, path string) (*FileHandle, error) {
	h, err := f.Open(cwd, symlinks, path)
	if err != nil {
		return nil, err
	}
	h.In.DenyWrite()
	h.denyWrite = true
	return h, nil
}

// Close releases a FileHandle's reference to its inode, undoing DenyWrite
// if OpenExecutable set it.
func (f *Filesystem) Close(h *FileHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h.denyWrite {
		h.In.AllowWrite()
	}
	f.table.Close(h.In)
}

// Reopen duplicates h onto an independently-closeable handle over the
// same inode, sharing the read/write cursor's starting position but not
// its subsequent movement — used by fork to give the child its own fd
// table entries (mirroring the "reopened file object" wording
// the original source uses for fork's fd duplication).
func (f *Filesystem) Reopen(h *FileHandle) *FileHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	in := f.table.Reopen(h.In)
	if h.denyWrite {
		in.DenyWrite()
	}
	return &FileHandle{In: in, pos: h.pos, denyWrite: h.denyWrite, dirCursor: h.dirCursor, isDirHandle: h.isDirHandle}
}

// Read reads from the handle's current position and advances it.
func (h *FileHandle) Read(buf []byte) int {
	n := h.In.ReadAt(buf, h.pos)
	h.pos += int64(n)
	return n
}

// Write writes at the handle's current position and advances it.
func (h *FileHandle) Write(buf []byte) int {
	n := h.In.WriteAt(buf, h.pos)
	h.pos += int64(n)
	return n
}

// Seek sets the handle's position.
func (h *FileHandle) Seek(pos int64) { h.pos = pos }

// Tell returns the handle's position.
func (h *FileHandle) Tell() int64 { return h.pos }

// Filesize returns the backing inode's length.
func (h *FileHandle) Filesize() int64 { return h.In.Length() }

// IsDir reports whether the handle refers to a directory.
func (h *FileHandle) IsDir() bool { return h.isDirHandle }

// Inumber returns the backing inode's sector, used as its unique number.
func (h *FileHandle) Inumber() uint32 { return h.In.Sector() }

// Readdir returns the next entry name for a directory handle.
func (h *FileHandle) Readdir() (string, bool) {
	if !h.isDirHandle {
		return "", false
	}
	d := OpenDir(h.In)
	return d.Readdir(&h.dirCursor)
}

// Remove unlinks path: refuses non-empty directories and "." / "..".
func (f *Filesystem) Remove(cwd *Dir, symlinks *SymlinkTable, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, name, err := f.resolve(cwd, symlinks, path)
	if err != nil {
		return err
	}
	defer f.table.Close(dir.In)

	sector, found := dir.Lookup(name)
	if !found {
		return ErrNotFound
	}

	target, err := f.table.Open(sector)
	if err != nil {
		return err
	}
	defer f.table.Close(target)

	if target.IsDir() {
		targetDir := OpenDir(target)
		if !targetDir.IsEmpty() {
			return ErrNotEmpty
		}
	}

	if err := dir.Remove(name); err != nil {
		return err
	}

	f.table.Remove(target)
	return nil
}

// Chdir resolves path as a directory and returns an owned handle to it;
// the caller (the process layer) closes its previous cwd.
func (f *Filesystem) Chdir(cwd *Dir, symlinks *SymlinkTable, path string) (*Dir, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, name, err := f.resolve(cwd, symlinks, path)
	if err != nil {
		return nil, err
	}
	defer f.table.Close(dir.In)

	sector, found := dir.Lookup(name)
	if !found {
		return nil, ErrNotFound
	}

	in, err := f.table.Open(sector)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		f.table.Close(in)
		return nil, ErrNotDir
	}

	return OpenDir(in), nil
}

// Symlink records a linkPath -> target substitution in symlinks. It
// succeeds whether or not target currently resolves, per the
// resolution of the symlink-target-existence open question; open(linkPath)
// is what fails later if the expansion doesn't resolve.
func (f *Filesystem) Symlink(symlinks *SymlinkTable, target, linkPath string) error {
	if len(linkPath) == 0 || len(linkPath) > maxPathLen {
		return ErrPathTooLong
	}
	symlinks.Add(linkPath, target)
	return nil
}
