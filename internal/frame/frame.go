package frame

import (
	"fmt"
	"sync"

	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/kmetrics"

	"golang.org/x/sys/unix"
)

// Page is the subset of a virtual-memory page's behavior the frame table
// needs to run eviction without importing the vm package: accessed-bit
// tracking for the clock algorithm, the stack-immunity tag, and the
// variant-dispatched persistence step.
type Page interface {
	Accessed() bool
	ClearAccessed()
	IsStackPage() bool

	// Detach clears the owning thread's va->kva mapping so a subsequent
	// access faults, before the frame's bytes are persisted or reused.
	Detach()

	// SwapOut persists data (the frame's current content) per the
	// page's variant: to a swap slot for anonymous pages, back to the
	// backing file for dirty file-backed pages, or not at all otherwise.
	SwapOut(data []byte)
}

// Frame is one page-sized region of simulated physical memory.
type Frame struct {
	Data []byte
	page Page
}

// Table is the global frame pool: a fixed array of frames plus the
// second-chance clock pointer that selects eviction victims.
type Table struct {
	mu      sync.Mutex
	frames  []*Frame
	clock   int
	swap    *Swap
	metrics *kmetrics.Metrics
}

// NewTable allocates numFrames page-sized frames. It cross-checks the
// configured page size against the host's actual page size as a boot-time
// sanity check; a kernel whose PAGE_SIZE constant silently disagreed with
// the host would misattribute every sector-count-per-page computation.
func NewTable(numFrames int, swap *Swap, m *kmetrics.Metrics) *Table {
	host := unix.Getpagesize()
	if host%kconst.PageSize != 0 && kconst.PageSize%host != 0 {
		panic(fmt.Sprintf("frame: configured page size %d does not divide evenly with host page size %d", kconst.PageSize, host))
	}

	frames := make([]*Frame, numFrames)
	for i := range frames {
		frames[i] = &Frame{Data: make([]byte, kconst.PageSize)}
	}

	return &Table{frames: frames, swap: swap, metrics: m}
}

// Swap returns the swap disk this table evicts anonymous pages onto, so
// a page's SwapOut implementation can reach it without a separate wiring
// path.
func (t *Table) Swap() *Swap { return t.swap }

// Metrics returns the counters this table was built with, so a page's
// fault and swap-in paths can report through the same sink without a
// separate wiring path.
func (t *Table) Metrics() *kmetrics.Metrics { return t.metrics }

// GetFrame returns a frame ready to receive a new page's content: a free
// frame if one exists, otherwise an evicted one. The caller must
// immediately assign Frame.page (via Attach) while still holding no
// other frame from this table, since the frame is not yet accounted for
// as owned.
func (t *Table) GetFrame() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.frames {
		if f.page == nil {
			return f
		}
	}
	return t.evictLocked()
}

// Attach records that page now owns f. Call while holding whatever lock
// the caller uses to serialize page-table mutation (the SPT lock in the
// vm package); the frame table itself does not need to know about that
// page.
func (f *Frame) Attach(p Page) { f.page = p }

// Detach clears f's ownership without running any variant-specific
// persistence, for the normal (non-eviction) release path — e.g. a
// process exiting and releasing its frames outright.
func (f *Frame) Detach() { f.page = nil }

// evictLocked runs the second-chance clock. It must be called with t.mu
// held. Returns the now-freed victim frame.
func (t *Table) evictLocked() *Frame {
	n := len(t.frames)
	limit := 2 * n

	for i := 0; i < limit; i++ {
		idx := t.clock
		t.clock = (t.clock + 1) % n
		f := t.frames[idx]

		if f.page == nil {
			return f
		}
		if f.page.IsStackPage() {
			continue
		}
		if f.page.Accessed() {
			f.page.ClearAccessed()
			continue
		}

		victim := f
		victim.page.Detach()
		victim.page.SwapOut(victim.Data)
		victim.page = nil

		if t.metrics != nil {
			t.metrics.FrameEviction()
		}
		return victim
	}

	panic("frame: second-chance eviction did not terminate")
}

// CheckInvariants panics if one page owns more than one frame. (A frame
// can never have more than one owning page, since ownership is a single
// field.) It follows the same explicit self-check convention used by the
// buffer cache and the mutable-content-style pages, for callers that
// want to assert it after a sequence of test operations.
func (t *Table) CheckInvariants() {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[Page]bool)
	for _, f := range t.frames {
		if f.page == nil {
			continue
		}
		if seen[f.page] {
			panic("frame: a page owns more than one frame")
		}
		seen[f.page] = true
	}
}
