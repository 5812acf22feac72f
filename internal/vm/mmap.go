package vm

import (
	"errors"

	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

var (
	ErrBadAddr     = errors.New("vm: address not page-aligned or zero length")
	ErrOffsetRange = errors.New("vm: mmap offset must be within one page")
	ErrOverlap     = errors.New("vm: mmap region overlaps an existing mapping")
)

// Region records the pages a single mmap call installed, so munmap can
// find and release exactly that set. The caller (the syscall dispatcher)
// is expected to keep it keyed by the mapid it hands back to user code.
type Region struct {
	addr  uint64
	pages []uint64
	file  *vfs.FileHandle
}

// Mmap validates and installs a file-backed mapping at addr covering
// length bytes of file starting at offset, one uninit-then-file page per
// page-sized chunk. Returns the region handle munmap needs.
func Mmap(spt *SPT, addr uint64, length int, writable bool, file *vfs.FileHandle, offset int64) (*Region, error) {
	if addr == 0 || addr%kconst.PageSize != 0 || length <= 0 {
		return nil, ErrBadAddr
	}
	if offset < 0 || offset >= kconst.PageSize {
		return nil, ErrOffsetRange
	}

	pageCount := (length + kconst.PageSize - 1) / kconst.PageSize
	vas := make([]uint64, pageCount)
	for i := 0; i < pageCount; i++ {
		va := addr + uint64(i*kconst.PageSize)
		if spt.Find(va) != nil {
			return nil, ErrOverlap
		}
		vas[i] = va
	}

	remaining := length
	for i, va := range vas {
		readLen := kconst.PageSize
		if remaining < kconst.PageSize {
			readLen = remaining
		}
		pageOffset := offset + int64(i*kconst.PageSize)

		if err := spt.AddUninitFileMapping(va, file, pageOffset, readLen, writable); err != nil {
			// Roll back every page installed so far before returning.
			for _, done := range vas[:i] {
				spt.Remove(done)
			}
			return nil, err
		}
		remaining -= readLen
	}

	return &Region{addr: addr, pages: vas, file: file}, nil
}

// Munmap writes back any loaded, dirty page in r to its file offset and
// removes every page in the region from spt.
func Munmap(spt *SPT, r *Region) {
	for _, va := range r.pages {
		p := spt.Find(va)
		if p == nil {
			continue
		}
		if p.loaded && p.kind == KindFile && p.dirty {
			p.file.file.Seek(p.file.offset)
			n := p.file.readLen
			if n > len(p.frame.Data) {
				n = len(p.frame.Data)
			}
			p.file.file.Write(p.frame.Data[:n])
		}
		spt.Remove(va)
	}
}
