package inode_test

import (
	"testing"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/inode"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T) (*inode.Table, *fat.Allocator, *bcache.Cache) {
	t.Helper()
	dev := blockdev.NewMemory(256)
	cache := bcache.New(dev, kconst.CacheSize, nil)
	fatAlloc, err := fat.Format(cache, 256, 8)
	require.NoError(t, err)
	return inode.NewTable(cache, fatAlloc), fatAlloc, cache
}

func TestCreateReadWriteRoundTrip(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	sector, ok := fatAlloc.AllocateOne()
	require.True(t, ok)

	in, err := table.Create(sector, 0, false)
	require.NoError(t, err)

	n := in.WriteAt([]byte("hello"), 0)
	require.Equal(t, 5, n)
	require.EqualValues(t, 5, in.Length())

	buf := make([]byte, 5)
	n = in.ReadAt(buf, 0)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestWriteAtExtendsFile(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	sector, _ := fatAlloc.AllocateOne()
	in, err := table.Create(sector, 0, false)
	require.NoError(t, err)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}

	n := in.WriteAt(payload, 0)
	require.Equal(t, len(payload), n)
	require.EqualValues(t, len(payload), in.Length())

	out := make([]byte, len(payload))
	n = in.ReadAt(out, 0)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestExtensionPreservesPriorBytes(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	sector, _ := fatAlloc.AllocateOne()
	in, err := table.Create(sector, 0, false)
	require.NoError(t, err)

	in.WriteAt([]byte("abc"), 0)
	in.WriteAt([]byte("xyz"), 1000) // forces extension into a second cluster

	buf := make([]byte, 3)
	in.ReadAt(buf, 0)
	require.Equal(t, "abc", string(buf))

	in.ReadAt(buf, 1000)
	require.Equal(t, "xyz", string(buf))
}

func TestOpenReturnsSameInodeForSameSector(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	sector, _ := fatAlloc.AllocateOne()
	created, err := table.Create(sector, 0, false)
	require.NoError(t, err)
	table.Close(created) // drop the create-time reference, re-open below

	in1, err := table.Open(sector)
	require.NoError(t, err)
	in2, err := table.Open(sector)
	require.NoError(t, err)

	require.Same(t, in1, in2)
	require.EqualValues(t, 2, inode.OpenCount(in1))

	table.Close(in1)
	require.EqualValues(t, 1, inode.OpenCount(in2))
	table.Close(in2)
}

func TestRemoveDefersDeallocationUntilLastClose(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	cluster, _ := fatAlloc.AllocateOne()
	sector := fatAlloc.ClusterToSector(cluster)
	in, err := table.Create(sector, 0, false)
	require.NoError(t, err)

	in2, err := table.Open(sector)
	require.NoError(t, err)

	table.Remove(in)
	require.True(t, in.IsRemoved())

	// Still readable while a second handle is open.
	in.WriteAt([]byte("data"), 0)
	buf := make([]byte, 4)
	n := in2.ReadAt(buf, 0)
	require.Equal(t, 4, n)
	require.Equal(t, "data", string(buf))

	table.Close(in)
	table.Close(in2) // last close: deallocation happens here
}

func TestDenyWriteCounting(t *testing.T) {
	table, fatAlloc, _ := newTable(t)
	sector, _ := fatAlloc.AllocateOne()
	in, _ := table.Create(sector, 0, false)

	require.False(t, in.WritesDenied())
	in.DenyWrite()
	require.True(t, in.WritesDenied())
	in.AllowWrite()
	require.False(t, in.WritesDenied())
}
