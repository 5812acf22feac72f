// Package vfs implements the directory layer and the filesystem facade on top of
// the inode layer.
//
// Directory lookup/add/remove is a generalization of a
// fs/inode/dir.go DirInode (LookUpChild / CreateChildFile / DeleteChildFile)
// from "entries materialized by listing a GCS prefix" to "entries stored
// as fixed-size records inside the directory inode's own byte stream",
// which is the layout actually in use here.
package vfs

import (
	"github.com/coreospkg/tinykernel/internal/inode"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

// entry is the in-memory decoding of one on-disk directory record.
type entry struct {
	sector uint32
	name   string
	inUse  bool
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, kconst.DirEntrySize)
	buf[0] = byte(e.sector)
	buf[1] = byte(e.sector >> 8)
	buf[2] = byte(e.sector >> 16)
	buf[3] = byte(e.sector >> 24)

	copy(buf[4:4+kconst.NameMax], e.name)
	if e.inUse {
		buf[4+kconst.NameMax+1] = 1
	}
	return buf
}

func decodeEntry(buf []byte) entry {
	sector := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	nameBuf := buf[4 : 4+kconst.NameMax+1]
	end := 0
	for end < len(nameBuf) && nameBuf[end] != 0 {
		end++
	}
	return entry{
		sector: sector,
		name:   string(nameBuf[:end]),
		inUse:  buf[4+kconst.NameMax+1] != 0,
	}
}

// Dir is a directory: an inode whose data is an array of fixed-size
// entry records, with "." and ".." reserved at offsets 0 and 1.
type Dir struct {
	In *inode.Inode
}

// CreateDir initializes a fresh directory inode at sector, sized for
// entryCount entries plus the two reserved slots, and wires up "." and
// ".." against parentSector (root's ".." points to itself).
func CreateDir(table *inode.Table, sector uint32, entryCount int, parentSector uint32) (*Dir, error) {
	size := int64((entryCount + 2) * kconst.DirEntrySize)

	in, err := table.Create(sector, size, true)
	if err != nil {
		return nil, err
	}

	d := &Dir{In: in}
	d.writeEntryAt(kconst.SelfEntryOffset, entry{sector: sector, name: ".", inUse: true})
	d.writeEntryAt(kconst.ParentEntryOffset, entry{sector: parentSector, name: "..", inUse: true})

	return d, nil
}

// OpenDir wraps an already-open inode as a Dir.
func OpenDir(in *inode.Inode) *Dir { return &Dir{In: in} }

func (d *Dir) writeEntryAt(offset int64, e entry) {
	d.In.WriteAt(encodeEntry(e), offset)
}

func (d *Dir) readEntryAt(offset int64) (entry, bool) {
	if offset+kconst.DirEntrySize > d.In.Length() {
		return entry{}, false
	}
	buf := make([]byte, kconst.DirEntrySize)
	d.In.ReadAt(buf, offset)
	return decodeEntry(buf), true
}

// Lookup resolves name within d, handling "." and ".." against the
// reserved entries and scanning in-use entries otherwise. Callers
// determine whether the result is itself a directory by opening the
// returned sector and checking Inode.IsDir.
func (d *Dir) Lookup(name string) (sector uint32, found bool) {
	switch name {
	case ".":
		e, _ := d.readEntryAt(kconst.SelfEntryOffset)
		return e.sector, true
	case "..":
		e, _ := d.readEntryAt(kconst.ParentEntryOffset)
		return e.sector, true
	}

	for off := int64(kconst.FirstRealEntryOffset); ; off += kconst.DirEntrySize {
		e, ok := d.readEntryAt(off)
		if !ok {
			break
		}
		if e.inUse && e.name == name {
			return e.sector, true
		}
	}
	return 0, false
}

// Add inserts a new entry (name -> inodeSector) into d, reusing the first
// free slot if any, or appending otherwise. Fails if name is empty, too
// long, or already present.
func (d *Dir) Add(name string, inodeSector uint32) error {
	if name == "" || len(name) > kconst.NameMax {
		return ErrNameTooLong
	}
	if name == "." || name == ".." {
		return ErrNameReserved
	}
	if _, found := d.Lookup(name); found {
		return ErrExists
	}

	freeOffset := int64(-1)
	off := int64(kconst.FirstRealEntryOffset)
	for {
		e, ok := d.readEntryAt(off)
		if !ok {
			break
		}
		if !e.inUse && freeOffset < 0 {
			freeOffset = off
		}
		off += kconst.DirEntrySize
	}

	target := off
	if freeOffset >= 0 {
		target = freeOffset
	}

	d.writeEntryAt(target, entry{sector: inodeSector, name: name, inUse: true})
	return nil
}

// Remove marks name's entry as unused. Fails for "." and "..".
func (d *Dir) Remove(name string) error {
	if name == "." || name == ".." {
		return ErrNameReserved
	}

	off := int64(kconst.FirstRealEntryOffset)
	for {
		e, ok := d.readEntryAt(off)
		if !ok {
			return ErrNotFound
		}
		if e.inUse && e.name == name {
			e.inUse = false
			d.writeEntryAt(off, e)
			return nil
		}
		off += kconst.DirEntrySize
	}
}

// Readdir returns the next in-use entry's name at or after *pos,
// advancing *pos past it. ok is false once there are no more entries.
func (d *Dir) Readdir(pos *int64) (name string, ok bool) {
	if *pos < kconst.FirstRealEntryOffset {
		*pos = kconst.FirstRealEntryOffset
	}

	for {
		e, have := d.readEntryAt(*pos)
		if !have {
			return "", false
		}
		*pos += kconst.DirEntrySize
		if e.inUse {
			return e.name, true
		}
	}
}

// IsEmpty reports whether d has no in-use entries beyond "." and "..".
func (d *Dir) IsEmpty() bool {
	var pos int64
	_, ok := d.Readdir(&pos)
	return !ok
}
