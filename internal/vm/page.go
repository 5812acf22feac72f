// Package vm implements per-process virtual memory: a supplemental page
// table keyed by page-aligned virtual address, the uninit/anonymous/
// file-backed page variants and their lazy-load/swap-in/swap-out
// behavior, the page-fault handler, and mmap/munmap.
package vm

import (
	"fmt"

	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

// Kind tags which variant a Page currently carries.
type Kind int

const (
	KindUninit Kind = iota
	KindAnon
	KindFile
)

// finalKind is what an uninit page turns into once its initializer runs.
type finalKind int

const (
	finalAnon finalKind = iota
	finalFile
)

// uninitState is the lazy-load descriptor for a page whose initializer
// has not yet run.
type uninitState struct {
	source   *vfs.FileHandle
	offset   int64
	readLen  int
	writable bool
	final    finalKind
}

// anonState is a page backed by swap once evicted; swapSlot is -1 until
// the first eviction assigns one.
type anonState struct {
	swapSlot int
}

// fileState is a page backed by a file at a fixed offset (mmap); dirty
// bytes are written back to the file at that offset on eviction.
type fileState struct {
	file    *vfs.FileHandle
	offset  int64
	readLen int
}

// Page is one entry of a supplemental page table: a virtual address plus
// exactly one of three variant states (uninitState xor anonState xor
// fileState), the same "exactly one of N is non-nil" discipline as a
// mutable-content-style object, generalized to three variants and
// checked the same way by CheckInvariants.
type Page struct {
	va       uint64
	writable bool
	stack    bool

	kind Kind

	uninit *uninitState
	anon   *anonState
	file   *fileState

	loaded   bool
	accessed bool
	dirty    bool

	frame   *frame.Frame
	swap    *frame.Swap
	metrics *kmetrics.Metrics
}

// CheckInvariants panics if p's variant-state fields disagree with its
// Kind tag, or more than one is populated.
func (p *Page) CheckInvariants() {
	nonNil := 0
	if p.uninit != nil {
		nonNil++
	}
	if p.anon != nil {
		nonNil++
	}
	if p.file != nil {
		nonNil++
	}
	if nonNil != 1 {
		panic(fmt.Sprintf("vm: page at %#x must carry exactly one variant state, has %d", p.va, nonNil))
	}

	switch p.kind {
	case KindUninit:
		if p.uninit == nil {
			panic("vm: KindUninit page missing uninit state")
		}
	case KindAnon:
		if p.anon == nil {
			panic("vm: KindAnon page missing anon state")
		}
	case KindFile:
		if p.file == nil {
			panic("vm: KindFile page missing file state")
		}
	}

	if p.loaded && p.frame == nil {
		panic("vm: loaded page has no frame")
	}
	if !p.loaded && p.frame != nil {
		panic("vm: unloaded page still holds a frame")
	}
}

// VA returns the page's virtual address.
func (p *Page) VA() uint64 { return p.va }

// Kind returns the page's current variant tag.
func (p *Page) Kind() Kind { return p.kind }

// IsLoaded reports whether the page currently has a physical frame.
func (p *Page) IsLoaded() bool { return p.loaded }

// Writable reports the page's declared writability.
func (p *Page) Writable() bool { return p.writable }

// Frame returns the physical frame currently backing p, or nil if p is
// not loaded.
func (p *Page) Frame() *frame.Frame { return p.frame }

// MarkDirty records that the caller is about to write through p's
// current frame; consulted by SwapOut for file-backed pages.
func (p *Page) MarkDirty() { p.dirty = true }

// newUninitPage builds a lazily-initialized page. readLen may be less
// than the frame size (the remainder is zero-filled at load time); it
// may also be 0 with source nil, a page that is really just deferred
// zero-fill (e.g. BSS).
func newUninitPage(va uint64, source *vfs.FileHandle, offset int64, readLen int, writable bool, final finalKind, swap *frame.Swap) *Page {
	return &Page{
		va:       va,
		writable: writable,
		kind:     KindUninit,
		swap:     swap,
		uninit: &uninitState{
			source:   source,
			offset:   offset,
			readLen:  readLen,
			writable: writable,
			final:    final,
		},
	}
}

// newAnonPage builds an already-classified anonymous page (used for
// stack pages, which need no lazy initializer — they are zero-filled on
// first claim).
func newAnonPage(va uint64, writable, stack bool, swap *frame.Swap) *Page {
	return &Page{
		va:       va,
		writable: writable,
		stack:    stack,
		kind:     KindAnon,
		swap:     swap,
		anon:     &anonState{swapSlot: -1},
	}
}

// ---- frame.Page interface ----

// Accessed reports the simulated access bit.
func (p *Page) Accessed() bool { return p.accessed }

// ClearAccessed clears the simulated access bit (second-chance sweep).
func (p *Page) ClearAccessed() { p.accessed = false }

// IsStackPage reports the stack-immunity marker.
func (p *Page) IsStackPage() bool { return p.stack }

// Detach clears the page's mapping so a subsequent access faults. Called
// by the frame table before SwapOut runs.
func (p *Page) Detach() {
	p.loaded = false
	p.frame = nil
}

// SwapOut persists data — the frame's content at the moment of eviction —
// according to the page's variant. Only a loaded (and therefore never
// uninit) page is ever handed to this.
func (p *Page) SwapOut(data []byte) {
	switch p.kind {
	case KindAnon:
		slot := p.swap.Alloc()
		p.swap.Write(slot, data)
		p.anon.swapSlot = slot
		if p.metrics != nil {
			p.metrics.SwapOut()
		}
	case KindFile:
		if p.dirty {
			n := p.file.readLen
			if n > len(data) {
				n = len(data)
			}
			p.file.file.Seek(p.file.offset)
			p.file.file.Write(data[:n])
		}
	}
	p.dirty = false
}

// claim runs the claim protocol shared by every variant: acquire a
// frame, link it, run the variant's swap-in behavior, and mark the page
// loaded. There is no hardware mapping to install since this kernel has
// no real MMU; callers resolve addresses through the SPT and
// AddressSpace instead.
func (p *Page) claim(ft *frame.Table) {
	f := ft.GetFrame()
	f.Attach(p)
	p.frame = f
	p.metrics = ft.Metrics()

	switch p.kind {
	case KindUninit:
		p.swapInUninit(f)
	case KindAnon:
		p.swapInAnon(f)
	case KindFile:
		p.swapInFile(f)
	}

	p.loaded = true
	p.accessed = true

	if p.metrics != nil {
		p.metrics.PageFault()
	}
}

func (p *Page) swapInUninit(f *frame.Frame) {
	u := p.uninit
	for i := range f.Data {
		f.Data[i] = 0
	}
	if u.source != nil && u.readLen > 0 {
		u.source.Seek(u.offset)
		u.source.Read(f.Data[:u.readLen])
	}

	switch u.final {
	case finalAnon:
		p.kind = KindAnon
		p.anon = &anonState{swapSlot: -1}
	case finalFile:
		p.kind = KindFile
		p.file = &fileState{file: u.source, offset: u.offset, readLen: u.readLen}
	}
	p.uninit = nil
}

func (p *Page) swapInAnon(f *frame.Frame) {
	if p.anon.swapSlot < 0 {
		for i := range f.Data {
			f.Data[i] = 0
		}
		return
	}
	p.swap.Read(p.anon.swapSlot, f.Data)
	p.swap.Free(p.anon.swapSlot)
	p.anon.swapSlot = -1
	if p.metrics != nil {
		p.metrics.SwapIn()
	}
}

func (p *Page) swapInFile(f *frame.Frame) {
	fs := p.file
	for i := range f.Data {
		f.Data[i] = 0
	}
	if fs.readLen > 0 {
		fs.file.Seek(fs.offset)
		fs.file.Read(f.Data[:fs.readLen])
	}
}
