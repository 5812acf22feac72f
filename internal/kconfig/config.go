// Package kconfig decodes the kernel's boot configuration: disk and swap
// image paths, on-disk geometry, cache and frame pool sizing, and
// logging/metrics knobs. Flags are bound to viper keys the same way
// cfg.BindFlags binds gcsfuse's mount flags, and the final struct is
// produced by viper.Unmarshal with a mapstructure decode hook so duration
// flags like --cache.eviction-sweep-interval can be given as plain strings.
package kconfig

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully decoded boot configuration for one kernel instance.
type Config struct {
	Disk DiskConfig `mapstructure:"disk"`

	Cache CacheConfig `mapstructure:"cache"`

	Log LogConfig `mapstructure:"log"`

	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DiskConfig names the backing images and their geometry.
type DiskConfig struct {
	ImagePath     string `mapstructure:"image-path"`
	SwapPath      string `mapstructure:"swap-path"`
	TotalSectors  uint32 `mapstructure:"total-sectors"`
	FATSectors    uint32 `mapstructure:"fat-sectors"`
	SwapSectors   uint32 `mapstructure:"swap-sectors"`
	FormatOnBoot  bool   `mapstructure:"format-on-boot"`
}

// CacheConfig sizes the buffer cache and the physical frame pool.
type CacheConfig struct {
	BufferSlots          int           `mapstructure:"buffer-slots"`
	FrameCount           int           `mapstructure:"frame-count"`
	EvictionSweepInterval time.Duration `mapstructure:"eviction-sweep-interval"`
}

// LogConfig configures klog.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	RotateFile string `mapstructure:"rotate-file"`
}

// MetricsConfig configures the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen-addr"`
}

// Defaults mirrors cfg/defaults.go's role: the values a fresh Config
// carries before any flag or config file overrides them.
func Defaults() Config {
	return Config{
		Disk: DiskConfig{
			TotalSectors: 4096,
			FATSectors:   32,
			SwapSectors:  2048,
		},
		Cache: CacheConfig{
			BufferSlots:           64,
			FrameCount:            256,
			EvictionSweepInterval: 0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// BindFlags registers every configuration knob on flagSet and binds it
// into viper under the same key mapstructure will later decode from,
// the same BindPFlag-per-flag shape cfg.BindFlags uses.
func BindFlags(flagSet *pflag.FlagSet) error {
	d := Defaults()

	flagSet.String("disk.image-path", d.Disk.ImagePath, "Path to the kernel's disk image.")
	flagSet.String("disk.swap-path", d.Disk.SwapPath, "Path to the kernel's swap image.")
	flagSet.Uint32("disk.total-sectors", d.Disk.TotalSectors, "Sector count of a freshly formatted disk image.")
	flagSet.Uint32("disk.fat-sectors", d.Disk.FATSectors, "FAT region size in sectors for a fresh format.")
	flagSet.Uint32("disk.swap-sectors", d.Disk.SwapSectors, "Sector count of a freshly formatted swap image.")
	flagSet.Bool("disk.format-on-boot", d.Disk.FormatOnBoot, "Format the disk and swap images instead of opening existing ones.")

	flagSet.Int("cache.buffer-slots", d.Cache.BufferSlots, "Number of buffer cache slots.")
	flagSet.Int("cache.frame-count", d.Cache.FrameCount, "Number of physical frames in the frame pool.")
	flagSet.Duration("cache.eviction-sweep-interval", d.Cache.EvictionSweepInterval, "Interval for a background frame-table invariant check; 0 disables it.")

	flagSet.String("log.level", d.Log.Level, "Minimum severity logged: trace, debug, info, warning, error.")
	flagSet.Bool("log.json", d.Log.JSON, "Emit log lines as JSON instead of text.")
	flagSet.String("log.rotate-file", d.Log.RotateFile, "Path to a rotated log file; empty logs to stderr.")

	flagSet.String("metrics.listen-addr", d.Metrics.ListenAddr, "Address to serve /metrics on; empty disables it.")

	for _, key := range []string{
		"disk.image-path", "disk.swap-path", "disk.total-sectors", "disk.fat-sectors",
		"disk.swap-sectors", "disk.format-on-boot",
		"cache.buffer-slots", "cache.frame-count", "cache.eviction-sweep-interval",
		"log.level", "log.json", "log.rotate-file",
		"metrics.listen-addr",
	} {
		if err := viper.BindPFlag(key, flagSet.Lookup(key)); err != nil {
			return err
		}
	}

	return nil
}

// Decode unmarshals viper's current state into a Config, using the
// string-to-duration hook so --cache.eviction-sweep-interval=30s parses
// correctly whether it came from a flag or a config file.
func Decode() (Config, error) {
	cfg := Defaults()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := viper.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
