package syscall_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/process"
	tksyscall "github.com/coreospkg/tinykernel/internal/syscall"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

func newDispatcher(t *testing.T) (*tksyscall.Dispatcher, *process.Table) {
	t.Helper()
	dev := blockdev.NewMemory(1024)
	m := kmetrics.NoOp()
	cache := bcache.New(dev, 32, m)
	fatAlloc, err := fat.Format(cache, 1024, 16)
	require.NoError(t, err)
	fs, err := vfs.Format(cache, fatAlloc)
	require.NoError(t, err)

	swap := frame.NewSwap(blockdev.NewMemory(256))
	frames := frame.NewTable(8, swap, m)
	table := process.NewTable(fs, frames, swap, m)

	return &tksyscall.Dispatcher{Processes: table, FS: fs, Metrics: m}, table
}

// writeUserString installs s (NUL-terminated) at va in p's address space
// (the tests use the scratch anonymous page) so syscalls that take a path argument by pointer have something to
// read.
func writeUserString(t *testing.T, p *process.Process, va uint64, s string) {
	t.Helper()
	buf := append([]byte(s), 0)
	require.NoError(t, p.AS.Write(va, buf))
}

const scratchVA = uint64(0x7fff0000)

func newScratchProcess(t *testing.T, table *process.Table) *process.Process {
	t.Helper()
	p := table.Spawn("init")
	require.NoError(t, p.AS.SPT.AddAnon(scratchVA, true))
	return p
}

func TestCreateOpenWriteReadCloseRoundTrip(t *testing.T) {
	d, table := newDispatcher(t)
	p := newScratchProcess(t, table)

	writeUserString(t, p, scratchVA, "greeting.txt")
	ok, err := d.Dispatch(p, tksyscall.SysCreate, [3]uint64{scratchVA, 32})
	require.NoError(t, err)
	require.EqualValues(t, 1, ok)

	fd, err := d.Dispatch(p, tksyscall.SysOpen, [3]uint64{scratchVA})
	require.NoError(t, err)
	require.GreaterOrEqual(t, fd, uint64(2))

	msg := "hello kernel"
	writeUserString(t, p, scratchVA+64, msg)
	n, err := d.Dispatch(p, tksyscall.SysWrite, [3]uint64{fd, scratchVA + 64, uint64(len(msg))})
	require.NoError(t, err)
	require.EqualValues(t, len(msg), n)

	_, err = d.Dispatch(p, tksyscall.SysSeek, [3]uint64{fd, 0})
	require.NoError(t, err)

	n, err = d.Dispatch(p, tksyscall.SysRead, [3]uint64{fd, scratchVA + 256, uint64(len(msg))})
	require.NoError(t, err)
	require.EqualValues(t, len(msg), n)

	out := make([]byte, len(msg))
	require.NoError(t, p.AS.Read(scratchVA+256, out))
	require.Equal(t, msg, string(out))

	_, err = d.Dispatch(p, tksyscall.SysClose, [3]uint64{fd})
	require.NoError(t, err)

	// A syscall on a fd that is no longer open reports failure through
	// the -1 return value, the same as any other ordinary syscall
	// failure; it is not a dispatcher-level error.
	bad, err := d.Dispatch(p, tksyscall.SysTell, [3]uint64{fd})
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), bad)
}

func TestMkdirChdirIsdir(t *testing.T) {
	d, table := newDispatcher(t)
	p := newScratchProcess(t, table)

	writeUserString(t, p, scratchVA, "sub")
	ok, err := d.Dispatch(p, tksyscall.SysMkdir, [3]uint64{scratchVA})
	require.NoError(t, err)
	require.EqualValues(t, 1, ok)

	fd, err := d.Dispatch(p, tksyscall.SysOpen, [3]uint64{scratchVA})
	require.NoError(t, err)

	isdir, err := d.Dispatch(p, tksyscall.SysIsdir, [3]uint64{fd})
	require.NoError(t, err)
	require.EqualValues(t, 1, isdir)

	ok, err = d.Dispatch(p, tksyscall.SysChdir, [3]uint64{scratchVA})
	require.NoError(t, err)
	require.EqualValues(t, 1, ok)
}

func TestExitSyscallRunsCleanup(t *testing.T) {
	d, table := newDispatcher(t)
	p := newScratchProcess(t, table)

	_, err := d.Dispatch(p, tksyscall.SysExit, [3]uint64{uint64(int64(-1))})
	require.NoError(t, err)

	_, ok := table.Lookup(p.PID)
	require.False(t, ok)
}

func TestHaltReturnsSentinelError(t *testing.T) {
	d, table := newDispatcher(t)
	p := newScratchProcess(t, table)

	_, err := d.Dispatch(p, tksyscall.SysHalt, [3]uint64{})

	require.ErrorIs(t, err, tksyscall.ErrHalted)
}
