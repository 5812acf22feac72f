package blockdev_test

import (
	"path/filepath"
	"testing"

	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeviceRoundTrip(t *testing.T) {
	dev := blockdev.NewMemory(8)
	require.EqualValues(t, 8, dev.SectorCount())

	buf := make([]byte, kconst.SectorSize)
	for i := range buf {
		buf[i] = byte(i)
	}

	require.NoError(t, dev.WriteSector(3, buf))

	out := make([]byte, kconst.SectorSize)
	require.NoError(t, dev.ReadSector(3, out))
	require.Equal(t, buf, out)

	// An untouched sector reads back as zero.
	zero := make([]byte, kconst.SectorSize)
	out2 := make([]byte, kconst.SectorSize)
	require.NoError(t, dev.ReadSector(4, out2))
	require.Equal(t, zero, out2)
}

func TestMemoryDeviceOutOfBoundsPanics(t *testing.T) {
	dev := blockdev.NewMemory(2)
	buf := make([]byte, kconst.SectorSize)
	require.Panics(t, func() { dev.ReadSector(5, buf) })
}

func TestFileDevicePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := blockdev.OpenFile(path, 4, true)
	require.NoError(t, err)

	buf := make([]byte, kconst.SectorSize)
	buf[0] = 0xAB
	require.NoError(t, dev.WriteSector(1, buf))
	require.NoError(t, dev.Close())

	dev2, err := blockdev.OpenFile(path, 4, false)
	require.NoError(t, err)
	defer dev2.Close()

	out := make([]byte, kconst.SectorSize)
	require.NoError(t, dev2.ReadSector(1, out))
	require.Equal(t, byte(0xAB), out[0])
}
