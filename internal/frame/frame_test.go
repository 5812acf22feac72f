package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
)

// fakePage is a minimal frame.Page for exercising eviction without the
// vm package's full variant machinery.
type fakePage struct {
	name       string
	accessed   bool
	stack      bool
	detached   bool
	swappedOut []byte
}

func (p *fakePage) Accessed() bool      { return p.accessed }
func (p *fakePage) ClearAccessed()      { p.accessed = false }
func (p *fakePage) IsStackPage() bool   { return p.stack }
func (p *fakePage) Detach()             { p.detached = true }
func (p *fakePage) SwapOut(data []byte) { p.swappedOut = append([]byte(nil), data...) }

func newSwap(sectors uint32) *frame.Swap {
	dev := blockdev.NewMemory(sectors)
	return frame.NewSwap(dev)
}

func TestGetFrameReturnsFreeFrameFirst(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(2, swap, kmetrics.NoOp())

	f := table.GetFrame()
	require.NotNil(t, f)
	p := &fakePage{name: "a"}
	f.Attach(p)

	f2 := table.GetFrame()
	require.NotNil(t, f2)
	require.NotSame(t, f, f2)
}

func TestEvictionSkipsStackPages(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(2, swap, kmetrics.NoOp())

	f1 := table.GetFrame()
	stackPage := &fakePage{name: "stack", stack: true}
	f1.Attach(stackPage)

	f2 := table.GetFrame()
	ordinary := &fakePage{name: "ordinary"}
	f2.Attach(ordinary)

	copy(f2.Data, []byte("victim-bytes"))

	victim := table.GetFrame()
	require.False(t, stackPage.detached, "stack page must never be chosen as a victim")
	require.True(t, ordinary.detached)
	require.Equal(t, f2, victim)
}

func TestEvictionGivesAccessedPagesASecondChance(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(2, swap, kmetrics.NoOp())

	f1 := table.GetFrame()
	first := &fakePage{name: "first", accessed: true}
	f1.Attach(first)

	f2 := table.GetFrame()
	second := &fakePage{name: "second", accessed: false}
	f2.Attach(second)

	victim := table.GetFrame()
	require.Equal(t, f2, victim, "the clock should have spared 'first' on its first pass and cleared its accessed bit")
	require.False(t, first.accessed, "second-chance must clear the accessed bit even when sparing the page")
	require.True(t, second.detached)
	require.False(t, first.detached)
}

func TestEvictionPersistsFrameBytesBeforeReuse(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(1, swap, kmetrics.NoOp())

	f := table.GetFrame()
	p := &fakePage{name: "only"}
	f.Attach(p)
	copy(f.Data, make([]byte, kconst.PageSize))
	f.Data[0] = 0x42

	victim := table.GetFrame()
	require.Equal(t, f, victim)
	require.Equal(t, byte(0x42), p.swappedOut[0])
}

func TestUnboundedEvictionPanics(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(1, swap, kmetrics.NoOp())

	f := table.GetFrame()
	// A stack-marked page is never an eviction candidate; with only one
	// frame in the table the clock can never make progress.
	f.Attach(&fakePage{name: "stuck", stack: true})

	require.Panics(t, func() {
		table.GetFrame()
	})
}

func TestCheckInvariantsCatchesDoubleOwnership(t *testing.T) {
	swap := newSwap(64)
	table := frame.NewTable(2, swap, kmetrics.NoOp())

	f1 := table.GetFrame()
	shared := &fakePage{name: "shared"}
	f1.Attach(shared)

	f2 := table.GetFrame()
	f2.Attach(shared)

	require.Panics(t, func() {
		table.CheckInvariants()
	})
}
