package kconfig

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestDefaultsAreUsedWhenNoFlagsSet(t *testing.T) {
	freshViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))

	cfg, err := Decode()

	require.NoError(t, err)
	assert.Equal(t, Defaults().Disk.TotalSectors, cfg.Disk.TotalSectors)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFlagOverridesDefault(t *testing.T) {
	freshViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{"--disk.image-path=/tmp/disk.img", "--disk.format-on-boot"}))

	cfg, err := Decode()

	require.NoError(t, err)
	assert.Equal(t, "/tmp/disk.img", cfg.Disk.ImagePath)
	assert.True(t, cfg.Disk.FormatOnBoot)
}

func TestDurationFlagParsesFromString(t *testing.T) {
	freshViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{"--cache.eviction-sweep-interval=30s"}))

	cfg, err := Decode()

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Cache.EvictionSweepInterval)
}
