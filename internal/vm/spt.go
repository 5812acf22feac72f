package vm

import (
	"errors"
	"sync"

	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

// ErrAlreadyMapped is returned by the Add* methods when va already has
// an entry.
var ErrAlreadyMapped = errors.New("vm: address already mapped")

// SPT is the per-process supplemental page table: a hash map from
// page-aligned virtual address to Page.
type SPT struct {
	mu     sync.Mutex
	pages  map[uint64]*Page
	frames *frame.Table
	swap   *frame.Swap
}

// NewSPT creates an empty supplemental page table backed by the given
// frame pool and swap disk.
func NewSPT(frames *frame.Table, swap *frame.Swap) *SPT {
	return &SPT{pages: make(map[uint64]*Page), frames: frames, swap: swap}
}

// PageAlign rounds va down to a page boundary.
func PageAlign(va uint64) uint64 {
	return va &^ uint64(kconst.PageSize-1)
}

// insert adds a freshly built page at its own va. Fails if that address
// already has an entry.
func (s *SPT) insert(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[p.va]; exists {
		return ErrAlreadyMapped
	}
	s.pages[p.va] = p
	return nil
}

// Find returns the page at va (already page-aligned), or nil.
func (s *SPT) Find(va uint64) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[va]
}

// Remove destroys the page at va: releases its frame (if loaded) back
// to the pool without running any swap-out, frees a held swap slot, and
// drops the SPT entry.
func (s *SPT) Remove(va uint64) {
	s.mu.Lock()
	p := s.pages[va]
	delete(s.pages, va)
	s.mu.Unlock()

	if p == nil {
		return
	}
	if p.loaded && p.frame != nil {
		p.frame.Detach()
	}
	if p.kind == KindAnon && p.anon != nil && p.anon.swapSlot >= 0 {
		s.swap.Free(p.anon.swapSlot)
	}
}

// Kill destroys every page in s and clears it, for process teardown.
func (s *SPT) Kill() {
	s.mu.Lock()
	vas := make([]uint64, 0, len(s.pages))
	for va := range s.pages {
		vas = append(vas, va)
	}
	s.mu.Unlock()

	for _, va := range vas {
		s.Remove(va)
	}
}

// AddUninitSegment installs a lazily-loaded page at va backed by
// reading readLen bytes from source at offset, finalizing to an
// anonymous page after first load — the shape an ELF loadable segment
// uses (PintOS's "lazy load segment" path).
func (s *SPT) AddUninitSegment(va uint64, source *vfs.FileHandle, offset int64, readLen int, writable bool) error {
	return s.insert(newUninitPage(PageAlign(va), source, offset, readLen, writable, finalAnon, s.swap))
}

// AddUninitFileMapping installs a lazily-loaded page at va backed by a
// file that stays file-backed after load (mmap): dirty evictions write
// back to the file instead of swap.
func (s *SPT) AddUninitFileMapping(va uint64, source *vfs.FileHandle, offset int64, readLen int, writable bool) error {
	return s.insert(newUninitPage(PageAlign(va), source, offset, readLen, writable, finalFile, s.swap))
}

// AddAnon installs an already-classified anonymous page at va, used for
// process-private memory that isn't lazily loaded from anywhere.
func (s *SPT) AddAnon(va uint64, writable bool) error {
	return s.insert(newAnonPage(PageAlign(va), writable, false, s.swap))
}

// AddStackPage installs a new stack-marked anonymous page at va,
// zero-filled and immune to eviction.
func (s *SPT) AddStackPage(va uint64, writable bool) error {
	return s.insert(newAnonPage(PageAlign(va), writable, true, s.swap))
}

// Claim ensures the page at va is loaded, running its variant's
// swap-in behavior if it was not, and returns it.
func (s *SPT) Claim(va uint64) (*Page, bool) {
	p := s.Find(PageAlign(va))
	if p == nil {
		return nil, false
	}
	if !p.loaded {
		p.claim(s.frames)
	} else {
		p.accessed = true
	}
	return p, true
}

// Copy deep-copies every page in src into dst, used by fork. Loaded
// pages are cloned by claiming a fresh frame in dst and copying bytes;
// unloaded (uninit) pages are copied by descriptor and keep reading
// through the same *vfs.FileHandle as the page in src; Copy does not
// reopen that handle, so the copy's lazy loads use the handle src's
// owner holds.
func Copy(src, dst *SPT) error {
	src.mu.Lock()
	pages := make([]*Page, 0, len(src.pages))
	for _, p := range src.pages {
		pages = append(pages, p)
	}
	src.mu.Unlock()

	for _, p := range pages {
		clone := &Page{
			va:       p.va,
			writable: p.writable,
			stack:    p.stack,
			kind:     p.kind,
			swap:     dst.swap,
		}

		switch p.kind {
		case KindUninit:
			u := *p.uninit
			clone.uninit = &u
		case KindAnon:
			a := *p.anon
			if !p.loaded && a.swapSlot >= 0 {
				// p's swapped-out bytes live in one slot; sharing that
				// slot index would let parent and child both free and
				// reuse it independently. Give the child its own copy.
				buf := make([]byte, kconst.PageSize)
				p.swap.Read(a.swapSlot, buf)
				a.swapSlot = dst.swap.Alloc()
				dst.swap.Write(a.swapSlot, buf)
			}
			clone.anon = &a
		case KindFile:
			f := *p.file
			clone.file = &f
		}

		if err := dst.insert(clone); err != nil {
			return err
		}

		if p.loaded {
			clone.claim(dst.frames)
			copy(clone.frame.Data, p.frame.Data)
		}
	}

	return nil
}
