package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/vfs"
	"github.com/coreospkg/tinykernel/internal/vm"
)

type harness struct {
	fs     *vfs.Filesystem
	frames *frame.Table
	swap   *frame.Swap
	spt    *vm.SPT
}

func newHarness(t *testing.T, numFrames int) *harness {
	t.Helper()
	dev := blockdev.NewMemory(1024)
	m := kmetrics.NoOp()
	cache := bcache.New(dev, 32, m)
	fatAlloc, err := fat.Format(cache, 1024, 16)
	require.NoError(t, err)
	fs, err := vfs.Format(cache, fatAlloc)
	require.NoError(t, err)

	swapDev := blockdev.NewMemory(256)
	swap := frame.NewSwap(swapDev)
	frames := frame.NewTable(numFrames, swap, m)
	spt := vm.NewSPT(frames, swap)

	return &harness{fs: fs, frames: frames, swap: swap, spt: spt}
}

func writeTestFile(t *testing.T, fs *vfs.Filesystem, root *vfs.Dir, symlinks *vfs.SymlinkTable, name string, content []byte) *vfs.FileHandle {
	t.Helper()
	require.NoError(t, fs.Create(root, symlinks, name, 0, false))
	h, err := fs.Open(root, symlinks, name)
	require.NoError(t, err)
	n := h.Write(content)
	require.Equal(t, len(content), n)
	h.Seek(0)
	return h
}

func TestUninitSegmentLoadsFromFileOnFirstFault(t *testing.T) {
	h := newHarness(t, 4)
	root := h.fs.Root()
	symlinks := &vfs.SymlinkTable{}

	payload := []byte("segment-bytes")
	fh := writeTestFile(t, h.fs, root, symlinks, "prog", payload)

	va := uint64(0x1000)
	require.NoError(t, h.spt.AddUninitSegment(va, fh, 0, len(payload), true))

	as := vm.NewAddressSpace(h.spt)
	out := make([]byte, len(payload))
	require.NoError(t, as.Read(va, out))
	require.Equal(t, payload, out)

	p := h.spt.Find(va)
	require.Equal(t, vm.KindAnon, p.Kind())
}

func TestAnonymousPageSwapRoundTrip(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.spt.AddAnon(0x2000, true))
	require.NoError(t, h.spt.AddAnon(0x3000, true))

	as := vm.NewAddressSpace(h.spt)

	require.NoError(t, as.Write(0x2000, []byte("first-page-data-")))
	// Touching the second page, with only one physical frame available,
	// forces the first page to be evicted to swap.
	require.NoError(t, as.Write(0x3000, []byte("second-page-data")))

	out := make([]byte, len("first-page-data-"))
	require.NoError(t, as.Read(0x2000, out))
	require.Equal(t, "first-page-data-", string(out))
}

func TestStackGrowsOnNearStackFault(t *testing.T) {
	h := newHarness(t, 4)
	as := vm.NewAddressSpace(h.spt)

	faultAddr := uint64(kconst.UserStackTop - 4096)
	as.SetStackPointer(faultAddr) // rsp sits right at the faulting word

	require.NoError(t, as.HandleFault(faultAddr))

	p := h.spt.Find(vm.PageAlign(faultAddr))
	require.NotNil(t, p)
	require.True(t, p.IsStackPage())
}

func TestFaultFarBelowStackPointerIsRejected(t *testing.T) {
	h := newHarness(t, 4)
	as := vm.NewAddressSpace(h.spt)
	faultAddr := uint64(kconst.UserStackTop - 4096)
	as.SetStackPointer(faultAddr + 4096) // rsp far above the fault, not a plausible push

	err := as.HandleFault(faultAddr)
	require.ErrorIs(t, err, vm.ErrSegfault)
}

func TestStackPageIsNeverEvicted(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.spt.AddStackPage(kconst.UserStackTop-kconst.PageSize, true))
	as := vm.NewAddressSpace(h.spt)
	require.NoError(t, as.Write(kconst.UserStackTop-kconst.PageSize, []byte("stack")))

	// A second page competing for the single frame must not be able to
	// evict the stack page; with only one frame and the only candidate
	// immune, the clock should fail to make progress.
	require.NoError(t, h.spt.AddAnon(0x9000, true))
	require.Panics(t, func() {
		as.Write(0x9000, []byte("x"))
	})
}

func TestMmapReadsFileContentAndMunmapWritesBackDirtyPages(t *testing.T) {
	h := newHarness(t, 4)
	root := h.fs.Root()
	symlinks := &vfs.SymlinkTable{}

	original := []byte("mmap-original-content")
	fh := writeTestFile(t, h.fs, root, symlinks, "mapped", original)

	r, err := vm.Mmap(h.spt, 0x5000, len(original), true, fh, 0)
	require.NoError(t, err)

	as := vm.NewAddressSpace(h.spt)
	out := make([]byte, len(original))
	require.NoError(t, as.Read(0x5000, out))
	require.Equal(t, original, out)

	updated := []byte("mmap-UPDATED-content!")
	require.NoError(t, as.Write(0x5000, updated))

	vm.Munmap(h.spt, r)

	fh.Seek(0)
	back := make([]byte, len(updated))
	fh.Read(back)
	require.Equal(t, updated, back)
}

func TestMmapRejectsOverlappingRegion(t *testing.T) {
	h := newHarness(t, 4)
	root := h.fs.Root()
	symlinks := &vfs.SymlinkTable{}
	fh := writeTestFile(t, h.fs, root, symlinks, "f", []byte("data"))

	_, err := vm.Mmap(h.spt, 0x6000, 4, true, fh, 0)
	require.NoError(t, err)

	_, err = vm.Mmap(h.spt, 0x6000, 4, true, fh, 0)
	require.ErrorIs(t, err, vm.ErrOverlap)
}

func TestCopyClonesLoadedAndUnloadedPages(t *testing.T) {
	h := newHarness(t, 4)
	require.NoError(t, h.spt.AddAnon(0x7000, true))
	as := vm.NewAddressSpace(h.spt)
	require.NoError(t, as.Write(0x7000, []byte("parent-data")))

	root := h.fs.Root()
	symlinks := &vfs.SymlinkTable{}
	fh := writeTestFile(t, h.fs, root, symlinks, "lazyfile", []byte("lazy-bytes"))
	require.NoError(t, h.spt.AddUninitSegment(0x8000, fh, 0, 10, true))

	dst := vm.NewSPT(h.frames, h.swap)
	require.NoError(t, vm.Copy(h.spt, dst))

	dstAS := vm.NewAddressSpace(dst)
	out := make([]byte, len("parent-data"))
	require.NoError(t, dstAS.Read(0x7000, out))
	require.Equal(t, "parent-data", string(out))

	// Child mutation must not be visible to the parent (fork isolation).
	require.NoError(t, dstAS.Write(0x7000, []byte("child-data!")))
	parentOut := make([]byte, len("parent-data"))
	as2 := vm.NewAddressSpace(h.spt)
	require.NoError(t, as2.Read(0x7000, parentOut))
	require.Equal(t, "parent-data", string(parentOut))

	uninitOut := make([]byte, 10)
	require.NoError(t, dstAS.Read(0x8000, uninitOut))
	require.Equal(t, "lazy-bytes", string(uninitOut))
}
