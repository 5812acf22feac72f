package inode

import (
	"sync"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

// Table is the in-memory open-inode table, keyed by sector number. Two
// Open calls for the same sector return the same *Inode (the
// "inode identity" invariant), the same way a FUSE-style inode table
// guarantees one DirInode/FileInode per backing object via its own
// lookup-count bookkeeping.
type Table struct {
	cache *bcache.Cache
	fat   *fat.Allocator

	mu   sync.Mutex
	open map[uint32]*Inode
}

// NewTable creates an empty open-inode table over the given cache and FAT
// allocator.
func NewTable(cache *bcache.Cache, fatAlloc *fat.Allocator) *Table {
	return &Table{
		cache: cache,
		fat:   fatAlloc,
		open:  make(map[uint32]*Inode),
	}
}

// Create initializes a fresh inode at sector: allocates a zero-filled
// data chain sized for length bytes, writes the record, and returns an
// open reference with open_count 1.
func (t *Table) Create(sector uint32, length int64, isDir bool) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.open[sector]; exists {
		return nil, ErrAlreadyOpen
	}

	in := &Inode{
		table:     t,
		cache:     t.cache,
		fat:       t.fat,
		sector:    sector,
		rec:       Disk{Magic: kconst.InodeMagic, IsDir: isDir},
		openCount: 1,
	}

	if length > 0 {
		if !in.extend(length) {
			in.fat.RemoveChain(in.rec.Start, 0)
			return nil, ErrNoSpace
		}
	}

	in.flush()
	t.open[sector] = in
	return in, nil
}

// Open returns a shared reference to the inode at sector, reading it off
// disk the first time and reusing the in-memory copy for every call
// thereafter.
func (t *Table) Open(sector uint32) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in, ok := t.open[sector]; ok {
		in.mu.Lock()
		in.openCount++
		in.mu.Unlock()
		return in, nil
	}

	var sectorBuf [kconst.SectorSize]byte
	t.cache.Read(sector, sectorBuf[:])

	rec, err := decodeDisk(sectorBuf[:])
	if err != nil {
		return nil, err
	}

	in := &Inode{
		table:     t,
		cache:     t.cache,
		fat:       t.fat,
		sector:    sector,
		rec:       rec,
		openCount: 1,
	}
	t.open[sector] = in
	return in, nil
}

// Reopen increments an already-open inode's reference count.
func (t *Table) Reopen(in *Inode) *Inode {
	in.mu.Lock()
	in.openCount++
	in.mu.Unlock()
	return in
}

// Close decrements open_count. On reaching zero it flushes the cached
// record, removes the inode from the table, and — if Remove had marked
// it — releases the inode's own sector and its data chain.
func (t *Table) Close(in *Inode) {
	in.mu.Lock()
	in.openCount--
	done := in.openCount == 0
	removed := in.removed
	start := in.rec.Start
	sector := in.sector
	in.mu.Unlock()

	if !done {
		return
	}

	if removed {
		t.mu.Lock()
		delete(t.open, sector)
		t.mu.Unlock()

		t.fat.RemoveChain(start, 0)
		t.fat.RemoveChain(t.fat.SectorToCluster(sector), 0)
		// Release the inode's own sector by clearing its magic so a
		// stray Open doesn't resurrect it.
		var zero [kconst.SectorSize]byte
		t.cache.Write(sector, zero[:])
		return
	}

	in.flush()

	t.mu.Lock()
	delete(t.open, sector)
	t.mu.Unlock()
}

// Remove marks in for deferred deallocation: the data is released when
// the last Close drops open_count to zero, per the open
// question in §9 about concurrent readers.
func (t *Table) Remove(in *Inode) {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// OpenCount exposes the current reference count, for tests asserting the
// spec's inode-identity invariant.
func OpenCount(in *Inode) uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.openCount
}
