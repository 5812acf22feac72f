package process_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/process"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

const (
	testVaddr = uint64(0x400000)
	testEntry = testVaddr
)

// buildMinimalELF hand-assembles the smallest ELF64 executable
// debug/elf will parse: a file header, one PT_LOAD program header
// covering code, and no section headers.
func buildMinimalELF(code []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56

	var buf bytes.Buffer

	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)

	binary.Write(&buf, binary.LittleEndian, uint16(2))        // e_type: ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(0x3e))     // e_machine: EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))        // e_version
	binary.Write(&buf, binary.LittleEndian, testEntry)        // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))        // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize)) // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize)) // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))        // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))        // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))        // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))        // e_shstrndx

	dataOffset := uint64(ehdrSize + phdrSize)

	binary.Write(&buf, binary.LittleEndian, uint32(1))         // p_type: PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))         // p_flags: PF_R|PF_X
	binary.Write(&buf, binary.LittleEndian, dataOffset)        // p_offset
	binary.Write(&buf, binary.LittleEndian, testVaddr)         // p_vaddr
	binary.Write(&buf, binary.LittleEndian, testVaddr)         // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(code))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(code))) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // p_align

	buf.Write(code)
	return buf.Bytes()
}

type harness struct {
	fs     *vfs.Filesystem
	table  *process.Table
	frames *frame.Table
}

func newHarness(t *testing.T) *harness {
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
	frames := frame.NewTable(8, swap, m)

	table := process.NewTable(fs, frames, swap, m)
	return &harness{fs: fs, table: table, frames: frames}
}

func writeFile(t *testing.T, h *harness, name string, content []byte) {
	t.Helper()
	root := h.fs.Root()
	defer h.fs.CloseDir(root)
	symlinks := &vfs.SymlinkTable{}
	require.NoError(t, h.fs.Create(root, symlinks, name, 0, false))
	fh, err := h.fs.Open(root, symlinks, name)
	require.NoError(t, err)
	n := fh.Write(content)
	require.Equal(t, len(content), n)
	h.fs.Close(fh)
}

func TestLoadMapsEntryPointAndCode(t *testing.T) {
	h := newHarness(t)
	code := []byte("0123456789abcdef")
	writeFile(t, h, "prog", buildMinimalELF(code))

	p := h.table.Spawn("prog")
	require.NoError(t, h.table.Load(p, "prog", []string{"prog", "x"}))

	require.Equal(t, testEntry, p.Entry)
	require.NotZero(t, p.InitialSP)
	require.Equal(t, 2, p.Argc)

	out := make([]byte, len(code))
	require.NoError(t, p.AS.Read(testVaddr, out))
	require.Equal(t, code, out)
}

func TestLoadRejectsNonELFFile(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h, "notelf", []byte("not an executable"))

	p := h.table.Spawn("notelf")
	err := h.table.Load(p, "notelf", nil)
	require.Error(t, err)
}

// TestForkIsolatesAddressSpace reproduces the canonical fork scenario:
// a parent writes 7 to a shared-looking address, forks, the child
// overwrites it with 9 and exits with status 9, and the parent's own
// view of that address is untouched by the child's write.
func TestForkIsolatesAddressSpace(t *testing.T) {
	h := newHarness(t)
	parent := h.table.Spawn("parent")
	require.NoError(t, parent.AS.SPT.AddAnon(0x10000, true))
	require.NoError(t, parent.AS.Write(0x10000, []byte{7}))

	child, err := h.table.Fork(parent, "child")
	require.NoError(t, err)

	require.NoError(t, child.AS.Write(0x10000, []byte{9}))

	go h.table.Exit(child, 9)
	status, err := h.table.Wait(parent, child.PID)
	require.NoError(t, err)
	require.Equal(t, 9, status)

	out := make([]byte, 1)
	require.NoError(t, parent.AS.Read(0x10000, out))
	require.Equal(t, byte(7), out[0])

	h.table.Exit(parent, 7)
}

func TestWaitOnUnknownChildFails(t *testing.T) {
	h := newHarness(t)
	parent := h.table.Spawn("parent")
	_, err := h.table.Wait(parent, process.PID(9999))
	require.ErrorIs(t, err, process.ErrNoSuchChild)
}

func TestWaitMayOnlyBeCalledOncePerChild(t *testing.T) {
	h := newHarness(t)
	parent := h.table.Spawn("parent")

	child, err := h.table.Fork(parent, "child")
	require.NoError(t, err)

	go h.table.Exit(child, 3)
	_, err = h.table.Wait(parent, child.PID)
	require.NoError(t, err)

	_, err = h.table.Wait(parent, child.PID)
	require.ErrorIs(t, err, process.ErrNoSuchChild)

	h.table.Exit(parent, 0)
}

func TestForkDuplicatesFileDescriptors(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h, "shared", []byte("shared-bytes"))

	parent := h.table.Spawn("parent")
	root := h.fs.Root()
	fh, err := h.fs.Open(root, parent.Symlink, "shared")
	require.NoError(t, err)
	fd := parent.FDs.Install(fh)
	h.fs.CloseDir(root)

	child, err := h.table.Fork(parent, "child")
	require.NoError(t, err)

	childHandle, err := child.FDs.Get(fd)
	require.NoError(t, err)
	require.NotSame(t, fh, childHandle)

	// Independent cursors: advancing the child's handle must not move
	// the parent's.
	buf := make([]byte, 6)
	n := childHandle.Read(buf)
	require.Equal(t, 6, n)
	require.Equal(t, int64(0), fh.Tell())
	require.Equal(t, int64(6), childHandle.Tell())
}
