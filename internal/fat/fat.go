// Package fat implements the cluster allocator: the boot record, the
// in-memory FAT array mirrored to disk through
// the buffer cache, and cluster-chain allocate/free/walk/translate
// operations.
//
// The on-disk boot-sector layout follows the same "fixed byte-offset
// struct decoded with encoding/binary" discipline as a real FAT boot
// sector (see _examples/other_examples' ostafen-digler FatBootSector),
// simplified to the handful of fields this kernel actually needs.
package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

const bootMagic = 0xFA7B007

// BootRecord is the sector-0 boot record.
type BootRecord struct {
	Magic          uint32
	TotalSectors   uint32
	FATStart       uint32
	FATSectors     uint32
	RootDirCluster uint32
}

// encode writes the boot record into one sector-sized buffer.
func (b BootRecord) encode() []byte {
	buf := make([]byte, kconst.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], b.TotalSectors)
	binary.LittleEndian.PutUint32(buf[8:12], b.FATStart)
	binary.LittleEndian.PutUint32(buf[12:16], b.FATSectors)
	binary.LittleEndian.PutUint32(buf[16:20], b.RootDirCluster)
	return buf
}

func decodeBootRecord(buf []byte) (BootRecord, error) {
	var b BootRecord
	b.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if b.Magic != bootMagic {
		return BootRecord{}, fmt.Errorf("fat: %w: bad boot magic 0x%x", ErrCorrupt, b.Magic)
	}
	b.TotalSectors = binary.LittleEndian.Uint32(buf[4:8])
	b.FATStart = binary.LittleEndian.Uint32(buf[8:12])
	b.FATSectors = binary.LittleEndian.Uint32(buf[12:16])
	b.RootDirCluster = binary.LittleEndian.Uint32(buf[16:20])
	return b, nil
}

// ErrCorrupt indicates a boot sector that does not carry the expected
// magic number. This is fatal: callers should panic, not
// retry.
var ErrCorrupt = fmt.Errorf("fat: corrupt boot record")

// Allocator owns the in-memory FAT array and the boot record, mirroring
// both to disk through a bcache.Cache.
type Allocator struct {
	cache *bcache.Cache
	boot  BootRecord

	// entries[c] is the FAT entry for cluster c; entries[0] is unused
	// (cluster numbers are 1-based).
	entries []uint32

	dataStart uint32 // first data sector
}

// Format initializes a fresh filesystem image: writes the boot record and
// a FAT to sector 0 and the FAT region, and returns an Allocator with
// cluster 1 (the root directory) already reserved, so AllocateOne never
// hands it out.
func Format(cache *bcache.Cache, totalSectors, fatSectors uint32) (*Allocator, error) {
	fatLength := totalSectors - fatSectors - 1
	if fatLength == 0 {
		return nil, fmt.Errorf("fat: disk too small for %d FAT sectors", fatSectors)
	}

	boot := BootRecord{
		Magic:          bootMagic,
		TotalSectors:   totalSectors,
		FATStart:       1,
		FATSectors:     fatSectors,
		RootDirCluster: kconst.RootDirCluster,
	}

	a := &Allocator{
		cache:     cache,
		boot:      boot,
		entries:   make([]uint32, fatLength+1),
		dataStart: boot.FATStart + boot.FATSectors,
	}

	// Reserve cluster 1 for the root directory up front.
	a.entries[kconst.RootDirCluster] = kconst.ClusterEOChain

	cache.Write(0, boot.encode())
	a.flushFAT()

	return a, nil
}

// Open loads an existing filesystem's boot record and FAT from disk.
func Open(cache *bcache.Cache) (*Allocator, error) {
	sector := make([]byte, kconst.SectorSize)
	cache.Read(0, sector)

	boot, err := decodeBootRecord(sector)
	if err != nil {
		return nil, err
	}

	fatLength := boot.TotalSectors - boot.FATSectors - 1
	a := &Allocator{
		cache:     cache,
		boot:      boot,
		entries:   make([]uint32, fatLength+1),
		dataStart: boot.FATStart + boot.FATSectors,
	}

	entriesPerSector := kconst.SectorSize / 4
	buf := make([]byte, kconst.SectorSize)
	for s := uint32(0); s < boot.FATSectors; s++ {
		cache.Read(boot.FATStart+s, buf)
		for i := 0; i < entriesPerSector; i++ {
			cluster := s*uint32(entriesPerSector) + uint32(i)
			if cluster == 0 || cluster >= uint32(len(a.entries)) {
				continue
			}
			a.entries[cluster] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		}
	}

	return a, nil
}

// Close flushes the FAT and boot record back to disk.
func (a *Allocator) Close() {
	a.cache.Write(0, a.boot.encode())
	a.flushFAT()
}

func (a *Allocator) flushFAT() {
	entriesPerSector := kconst.SectorSize / 4
	buf := make([]byte, kconst.SectorSize)
	for s := uint32(0); s < a.boot.FATSectors; s++ {
		for i := 0; i < entriesPerSector; i++ {
			cluster := s*uint32(entriesPerSector) + uint32(i)
			var v uint32
			if cluster < uint32(len(a.entries)) {
				v = a.entries[cluster]
			}
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
		}
		a.cache.Write(a.boot.FATStart+s, buf)
	}
}

// Get returns the raw FAT entry for cluster.
func (a *Allocator) Get(cluster uint32) uint32 {
	return a.entries[cluster]
}

// Put sets the raw FAT entry for cluster.
func (a *Allocator) Put(cluster uint32, value uint32) {
	a.entries[cluster] = value
}

// AllocateOne returns a free cluster marked EOCHAIN, or ok=false if the
// FAT is full.
func (a *Allocator) AllocateOne() (cluster uint32, ok bool) {
	for c := uint32(1); c < uint32(len(a.entries)); c++ {
		if a.entries[c] == kconst.ClusterFree {
			a.entries[c] = kconst.ClusterEOChain
			return c, true
		}
	}
	return 0, false
}

// CreateChain allocates one new cluster and links it after prev (if
// prev != 0). Returns ok=false if the FAT is full; no partial state is
// left behind in that case.
func (a *Allocator) CreateChain(prev uint32) (cluster uint32, ok bool) {
	cluster, ok = a.AllocateOne()
	if !ok {
		return 0, false
	}
	if prev != 0 {
		a.entries[prev] = cluster
	}
	return cluster, true
}

// RemoveChain walks the chain starting at first, freeing every cluster,
// and terminates prev's chain (if prev != 0).
func (a *Allocator) RemoveChain(first uint32, prev uint32) {
	c := first
	for c != kconst.ClusterFree && c != kconst.ClusterEOChain {
		next := a.entries[c]
		a.entries[c] = kconst.ClusterFree
		c = next
	}
	if prev != 0 {
		a.entries[prev] = kconst.ClusterEOChain
	}
}

// ClusterToSector translates a cluster number to its physical sector
// number (the FAT talks about clusters; the cache talks about sectors).
func (a *Allocator) ClusterToSector(cluster uint32) uint32 {
	return a.dataStart + (cluster - 1)
}

// SectorToCluster is the inverse of ClusterToSector.
func (a *Allocator) SectorToCluster(sector uint32) uint32 {
	return sector - a.dataStart + 1
}

// ClusterToDataSector is an alias for ClusterToSector kept to mirror
// a naming distinction kept for both operations: the inode layer calls
// this one when walking file data, the directory layer calls
// ClusterToSector when resolving an inode's own sector.
func (a *Allocator) ClusterToDataSector(cluster uint32) uint32 {
	return a.ClusterToSector(cluster)
}

// Boot returns a copy of the boot record.
func (a *Allocator) Boot() BootRecord { return a.boot }

// WalkChain returns the nth cluster (0-based) in the chain starting at
// first, or ok=false if the chain is shorter than n+1 clusters.
func (a *Allocator) WalkChain(first uint32, n int) (cluster uint32, ok bool) {
	c := first
	for i := 0; i < n; i++ {
		if c == kconst.ClusterFree || c == kconst.ClusterEOChain {
			return 0, false
		}
		c = a.entries[c]
	}
	if c == kconst.ClusterFree || c == kconst.ClusterEOChain {
		return 0, false
	}
	return c, true
}

// ChainLength returns the number of clusters in the chain starting at
// first.
func (a *Allocator) ChainLength(first uint32) int {
	n := 0
	c := first
	for c != kconst.ClusterFree && c != kconst.ClusterEOChain {
		n++
		c = a.entries[c]
	}
	return n
}
