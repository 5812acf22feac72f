// Package frame implements the physical-frame pool (second-chance
// eviction) and the swap disk it evicts anonymous pages onto.
package frame

import (
	"fmt"

	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/kconst"
)

// Swap is a bitmap-indexed block device divided into page-sized slots.
// Allocation failure is not modeled as a recoverable error: a kernel this
// size treats running out of swap as fatal, matching the panic the
// buffer cache raises when its own eviction invariant is violated.
type Swap struct {
	dev       blockdev.Device
	free      []bool
	slotCount int
}

// NewSwap partitions dev into PageSize/SectorSize-sector slots and marks
// every slot free.
func NewSwap(dev blockdev.Device) *Swap {
	slotCount := int(dev.SectorCount()) / kconst.SectorsPerPage
	free := make([]bool, slotCount)
	for i := range free {
		free[i] = true
	}
	return &Swap{dev: dev, free: free, slotCount: slotCount}
}

// Alloc reserves a free slot and returns its index. Panics if the swap
// disk is exhausted.
func (s *Swap) Alloc() int {
	for i, f := range s.free {
		if f {
			s.free[i] = false
			return i
		}
	}
	panic("frame: swap disk exhausted")
}

// Free releases slot back to the pool.
func (s *Swap) Free(slot int) {
	if slot < 0 || slot >= s.slotCount {
		panic(fmt.Sprintf("frame: swap slot %d out of range", slot))
	}
	s.free[slot] = true
}

// Write stores one page's worth of bytes into slot.
func (s *Swap) Write(slot int, data []byte) {
	if len(data) != kconst.PageSize {
		panic(fmt.Sprintf("frame: swap write wants %d bytes, got %d", kconst.PageSize, len(data)))
	}
	base := uint32(slot * kconst.SectorsPerPage)
	for i := 0; i < kconst.SectorsPerPage; i++ {
		s.dev.WriteSector(base+uint32(i), data[i*kconst.SectorSize:(i+1)*kconst.SectorSize])
	}
}

// Read loads one page's worth of bytes from slot into data.
func (s *Swap) Read(slot int, data []byte) {
	if len(data) != kconst.PageSize {
		panic(fmt.Sprintf("frame: swap read wants %d bytes, got %d", kconst.PageSize, len(data)))
	}
	base := uint32(slot * kconst.SectorsPerPage)
	for i := 0; i < kconst.SectorsPerPage; i++ {
		s.dev.ReadSector(base+uint32(i), data[i*kconst.SectorSize:(i+1)*kconst.SectorSize])
	}
}
