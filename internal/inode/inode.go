// Package inode implements the on-disk inode record and the in-memory
// open-inode table.
//
// The refcounting shape — an open count that triggers a destroy callback
// when it hits zero — generalizes a lookup-count pattern from "count driven
// by the FUSE kernel" to "count driven by file descriptors and directory
// handles", and from "always destroy at zero" to "destroy only if the
// inode was also marked removed" (the deferred-deallocation rule).
package inode

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

// Disk is the on-disk inode record; it fits in exactly one sector.
type Disk struct {
	Start  uint32
	Length int32
	Magic  uint32
	IsDir  bool
}

func (d Disk) encode() []byte {
	buf := make([]byte, kconst.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Start)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Length))
	binary.LittleEndian.PutUint32(buf[8:12], d.Magic)
	if d.IsDir {
		buf[12] = 1
	}
	return buf
}

func decodeDisk(buf []byte) (Disk, error) {
	var d Disk
	d.Start = binary.LittleEndian.Uint32(buf[0:4])
	d.Length = int32(binary.LittleEndian.Uint32(buf[4:8]))
	d.Magic = binary.LittleEndian.Uint32(buf[8:12])
	d.IsDir = buf[12] != 0

	if d.Magic != kconst.InodeMagic {
		return Disk{}, fmt.Errorf("inode: %w at decode", ErrBadMagic)
	}
	return d, nil
}

// ErrBadMagic indicates a sector that does not carry a valid inode magic
// number. Fatal — callers that read it off a path they
// trust should panic.
var ErrBadMagic = fmt.Errorf("inode: bad magic")

// Inode is the in-memory inode: the authoritative copy of the record
// while open_count > 0, plus the refcounting bookkeeping an open-inode table requires.
type Inode struct {
	table *Table
	cache *bcache.Cache
	fat   *fat.Allocator

	sector uint32

	mu             sync.Mutex // guards the fields below
	rec            Disk
	openCount      uint64
	removed        bool
	denyWriteCount int

	fatMu sync.Mutex // serializes byteToSector walks against extension
}

// Sector returns the inode's own sector number (its "inumber").
func (in *Inode) Sector() uint32 { return in.sector }

// Length returns the current byte length of the inode's data.
func (in *Inode) Length() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return int64(in.rec.Length)
}

// IsDir reports whether this inode is a directory.
func (in *Inode) IsDir() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.rec.IsDir
}

// IsRemoved reports whether Remove has been called on this inode.
func (in *Inode) IsRemoved() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// DenyWrite increments the deny-write count (the running
// executable's deny_write_count is positive for the process's lifetime).
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyWriteCount++
}

// AllowWrite decrements the deny-write count.
func (in *Inode) AllowWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.denyWriteCount == 0 {
		panic("inode: AllowWrite without matching DenyWrite")
	}
	in.denyWriteCount--
}

// WritesDenied reports whether any DenyWrite is currently outstanding.
func (in *Inode) WritesDenied() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.denyWriteCount > 0
}

// byteToSector walks the FAT chain pos/SectorSize steps from rec.Start
// and returns the data sector holding byte pos, or ok=false if
// pos >= length.
func (in *Inode) byteToSector(pos int64) (sector uint32, ok bool) {
	in.fatMu.Lock()
	defer in.fatMu.Unlock()

	in.mu.Lock()
	length := int64(in.rec.Length)
	start := in.rec.Start
	in.mu.Unlock()

	if pos >= length {
		return 0, false
	}

	idx := int(pos / kconst.SectorSize)
	cluster, ok := in.fat.WalkChain(start, idx)
	if !ok {
		return 0, false
	}
	return in.fat.ClusterToDataSector(cluster), true
}

// ReadAt reads up to len(buf) bytes starting at off, limited by the
// inode's current length, and returns the number of bytes read.
func (in *Inode) ReadAt(buf []byte, off int64) (n int) {
	length := in.Length()

	for n < len(buf) && off+int64(n) < length {
		pos := off + int64(n)
		sector, ok := in.byteToSector(pos)
		if !ok {
			break
		}

		sectorOff := int(pos % kconst.SectorSize)
		chunk := kconst.SectorSize - sectorOff
		remaining := len(buf) - n
		if chunk > remaining {
			chunk = remaining
		}
		if tail := length - pos; int64(chunk) > tail {
			chunk = int(tail)
		}

		var sectorBuf [kconst.SectorSize]byte
		in.cache.Read(sector, sectorBuf[:])
		copy(buf[n:n+chunk], sectorBuf[sectorOff:sectorOff+chunk])
		n += chunk
	}

	return n
}

// WriteAt writes len(buf) bytes at off, extending the inode (allocating
// and zero-filling new clusters, per the "no sparse holes" rule)
// if off+len(buf) exceeds the current length. It returns the number of
// bytes actually written; fewer than len(buf) means the FAT ran out of
// clusters mid-extension, which is allowed so long as the file
// is left consistent.
func (in *Inode) WriteAt(buf []byte, off int64) (n int) {
	end := off + int64(len(buf))

	if end > in.Length() {
		if !in.extend(end) {
			// Extension may have partially succeeded; Length() now
			// reflects how far it got.
			end = in.Length()
			if off >= end {
				return 0
			}
		}
	}

	limit := in.Length()

	for n < len(buf) && off+int64(n) < limit {
		pos := off + int64(n)
		sector, ok := in.byteToSector(pos)
		if !ok {
			break
		}

		sectorOff := int(pos % kconst.SectorSize)
		chunk := kconst.SectorSize - sectorOff
		remaining := len(buf) - n
		if chunk > remaining {
			chunk = remaining
		}
		if tail := limit - pos; int64(chunk) > tail {
			chunk = int(tail)
		}

		var sectorBuf [kconst.SectorSize]byte
		if sectorOff != 0 || chunk != kconst.SectorSize {
			in.cache.Read(sector, sectorBuf[:])
		}
		copy(sectorBuf[sectorOff:sectorOff+chunk], buf[n:n+chunk])
		in.cache.Write(sector, sectorBuf[:])
		n += chunk
	}

	return n
}

// extend grows the inode's cluster chain and length up to newLength,
// zero-filling every newly allocated cluster. Returns false if the FAT
// ran out of space partway through; the inode is left with whatever
// prefix of clusters it managed to allocate.
func (in *Inode) extend(newLength int64) bool {
	in.fatMu.Lock()
	defer in.fatMu.Unlock()

	in.mu.Lock()
	start := in.rec.Start
	curLength := int64(in.rec.Length)
	in.mu.Unlock()

	curClusters := 0
	if curLength > 0 {
		curClusters = int((curLength-1)/kconst.SectorSize) + 1
	}
	wantClusters := 0
	if newLength > 0 {
		wantClusters = int((newLength-1)/kconst.SectorSize) + 1
	}

	last := start
	if curClusters > 0 {
		last, _ = in.fat.WalkChain(start, curClusters-1)
	}

	ok := true
	var zero [kconst.SectorSize]byte
	for i := curClusters; i < wantClusters; i++ {
		var cluster uint32
		if i == 0 {
			cluster, ok = in.fat.AllocateOne()
			if ok {
				start = cluster
			}
		} else {
			cluster, ok = in.fat.CreateChain(last)
		}
		if !ok {
			newLength = int64(i) * kconst.SectorSize
			break
		}
		in.cache.Write(in.fat.ClusterToDataSector(cluster), zero[:])
		last = cluster
	}

	in.mu.Lock()
	in.rec.Start = start
	in.rec.Length = int32(newLength)
	in.mu.Unlock()

	return ok
}

// flush writes the in-memory record back to its sector.
func (in *Inode) flush() {
	in.mu.Lock()
	rec := in.rec
	in.mu.Unlock()
	in.cache.Write(in.sector, rec.encode())
}
