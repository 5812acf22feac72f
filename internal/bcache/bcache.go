// Package bcache implements the sector-granular write-back buffer cache
// sitting in front of a blockdev.Device. It
// is the one place in the filesystem stack that ever calls down to the
// device directly; the FAT allocator and the inode layer both go through
// it.
//
// The cache follows the same "exactly one of two states is true" shape as
// a mutable-content invariant pattern (initialContent xor
// readWriteLease): here every slot is either free, or loaded-and-clean, or
// loaded-and-dirty, and CheckInvariants enforces that partition the same
// way MutableContent.CheckInvariants does for its own two fields.
package bcache

import (
	"fmt"
	"sync"

	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
)

type slot struct {
	loaded   bool
	dirty    bool
	accessed bool
	sector   uint32
	buf      [kconst.SectorSize]byte
}

// Cache is a fixed-size second-chance write-back cache over a single
// block device.
type Cache struct {
	mu      sync.Mutex
	dev     blockdev.Device
	slots   []slot
	bySect  map[uint32]int
	clock   int // second-chance sweep pointer
	metrics *kmetrics.Metrics
}

// New creates a cache of size slots over dev. size is typically
// kconst.CacheSize but is a parameter so tests can exercise eviction with
// a handful of slots.
func New(dev blockdev.Device, size int, m *kmetrics.Metrics) *Cache {
	if m == nil {
		m = kmetrics.NoOp()
	}
	return &Cache{
		dev:     dev,
		slots:   make([]slot, size),
		bySect:  make(map[uint32]int, size),
		metrics: m,
	}
}

// Read copies the current contents of sector into dst.
func (c *Cache) Read(sector uint32, dst []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.fetch(sector)
	copy(dst, c.slots[idx].buf[:])
}

// Write copies src into sector, marking it dirty. The write is visible to
// any subsequent Read of the same sector, regardless of intervening
// evictions, because Write always goes through a cache slot and eviction
// of a dirty slot flushes to the device first.
func (c *Cache) Write(sector uint32, src []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.fetch(sector)
	copy(c.slots[idx].buf[:], src)
	c.slots[idx].dirty = true
	c.slots[idx].accessed = true
}

// Shutdown flushes every dirty slot to the device.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		c.flushIfDirty(i)
	}
}

// fetch returns the slot index backing sector, loading or evicting as
// necessary. Caller must hold c.mu.
func (c *Cache) fetch(sector uint32) int {
	if idx, ok := c.bySect[sector]; ok {
		c.slots[idx].accessed = true
		c.metrics.CacheHit()
		return idx
	}

	c.metrics.CacheMiss()

	idx := c.findFreeSlot()
	if idx < 0 {
		idx = c.evict()
	}

	c.loadInto(idx, sector)
	return idx
}

func (c *Cache) findFreeSlot() int {
	for i := range c.slots {
		if !c.slots[i].loaded {
			return i
		}
	}
	return -1
}

// evict runs the second-chance clock algorithm and returns a now-free
// slot index. Bounded at 2*len(slots) iterations.
func (c *Cache) evict() int {
	limit := 2 * len(c.slots)
	for i := 0; i < limit; i++ {
		idx := c.clock
		c.clock = (c.clock + 1) % len(c.slots)

		if c.slots[idx].accessed {
			c.slots[idx].accessed = false
			continue
		}

		c.flushIfDirty(idx)
		delete(c.bySect, c.slots[idx].sector)
		c.metrics.CacheEviction()
		return idx
	}

	panic("bcache: second-chance eviction did not terminate")
}

func (c *Cache) flushIfDirty(idx int) {
	s := &c.slots[idx]
	if !s.loaded || !s.dirty {
		return
	}
	if err := c.dev.WriteSector(s.sector, s.buf[:]); err != nil {
		panic(fmt.Sprintf("bcache: writeback sector %d: %v", s.sector, err))
	}
	s.dirty = false
}

func (c *Cache) loadInto(idx int, sector uint32) {
	s := &c.slots[idx]
	if err := c.dev.ReadSector(sector, s.buf[:]); err != nil {
		panic(fmt.Sprintf("bcache: load sector %d: %v", sector, err))
	}
	s.loaded = true
	s.dirty = false
	s.accessed = true
	s.sector = sector
	c.bySect[sector] = idx
}

// CheckInvariants panics if the cache's internal bookkeeping has drifted:
// at most one slot per sector, and dirty implies loaded. Intended for use
// in tests, mirroring a CheckInvariants helper pattern.
func (c *Cache) CheckInvariants() {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint32]bool, len(c.slots))
	for i, s := range c.slots {
		if !s.loaded {
			if s.dirty {
				panic(fmt.Sprintf("bcache: slot %d dirty but not loaded", i))
			}
			continue
		}
		if seen[s.sector] {
			panic(fmt.Sprintf("bcache: sector %d present in more than one slot", s.sector))
		}
		seen[s.sector] = true
	}
}
