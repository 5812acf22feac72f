// Package blockdev implements the fixed-size-sector block device that the
// page cache, the FAT allocator, and the swap subsystem all read and write
// through. There is exactly one abstraction here: a sector-addressed array
// of bytes. Everything above this layer is oblivious to whether the bytes
// live in a file on the host, or in memory for a test.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"github.com/coreospkg/tinykernel/internal/kconst"
)

// Device is a fixed-size-sector random access block device.
type Device interface {
	// ReadSector copies one sector's worth of bytes into dst, which must
	// be at least kconst.SectorSize bytes long.
	ReadSector(sector uint32, dst []byte) error

	// WriteSector copies one sector's worth of bytes from src, which must
	// be at least kconst.SectorSize bytes long.
	WriteSector(sector uint32, src []byte) error

	// SectorCount reports the total number of addressable sectors.
	SectorCount() uint32

	// Close releases any underlying resources.
	Close() error
}

// fileDevice is a Device backed by a regular file, used for real disk and
// swap images.
type fileDevice struct {
	mu   sync.Mutex
	f    *os.File
	nsec uint32
}

// OpenFile opens (or creates, if create is true) a file-backed device with
// room for nsectors sectors. The teaching disk is assumed reliable: an
// I/O error while reading or writing a sector is not part of the normal
// control flow, and the returned device panics on it rather than
// returning it. OpenFile itself returns errors, so that boot-time
// failures (bad path, permission denied) are ordinary Go errors.
func OpenFile(path string, nsectors uint32, create bool) (Device, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	size := int64(nsectors) * kconst.SectorSize
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}

	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
		}
	}

	return &fileDevice{f: f, nsec: nsectors}, nil
}

func (d *fileDevice) ReadSector(sector uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checkBounds(sector)
	n, err := d.f.ReadAt(dst[:kconst.SectorSize], int64(sector)*kconst.SectorSize)
	if err != nil && n != kconst.SectorSize {
		panic(fmt.Sprintf("blockdev: read sector %d: %v", sector, err))
	}

	return nil
}

func (d *fileDevice) WriteSector(sector uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checkBounds(sector)
	if _, err := d.f.WriteAt(src[:kconst.SectorSize], int64(sector)*kconst.SectorSize); err != nil {
		panic(fmt.Sprintf("blockdev: write sector %d: %v", sector, err))
	}

	return nil
}

func (d *fileDevice) SectorCount() uint32 { return d.nsec }

func (d *fileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *fileDevice) checkBounds(sector uint32) {
	if sector >= d.nsec {
		panic(fmt.Sprintf("blockdev: sector %d out of range [0,%d)", sector, d.nsec))
	}
}

// memDevice is an in-memory Device, used by tests (for their disks and
// swap disks) that would otherwise need a scratch file.
type memDevice struct {
	mu   sync.Mutex
	data [][kconst.SectorSize]byte
}

// NewMemory creates an in-memory block device of nsectors sectors, all
// zeroed.
func NewMemory(nsectors uint32) Device {
	return &memDevice{data: make([][kconst.SectorSize]byte, nsectors)}
}

func (d *memDevice) ReadSector(sector uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkBounds(sector)
	copy(dst, d.data[sector][:])
	return nil
}

func (d *memDevice) WriteSector(sector uint32, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkBounds(sector)
	copy(d.data[sector][:], src)
	return nil
}

func (d *memDevice) SectorCount() uint32 { return uint32(len(d.data)) }

func (d *memDevice) Close() error { return nil }

func (d *memDevice) checkBounds(sector uint32) {
	if int(sector) >= len(d.data) {
		panic(fmt.Sprintf("blockdev: sector %d out of range [0,%d)", sector, len(d.data)))
	}
}
