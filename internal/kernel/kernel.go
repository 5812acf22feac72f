// Package kernel wires the independently-testable layers (block devices,
// buffer cache, FAT allocator, filesystem facade, frame pool, swap disk,
// process table, syscall dispatcher) into one bootable instance, and
// supervises the background goroutines that run alongside it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/coreospkg/tinykernel/internal/bcache"
	"github.com/coreospkg/tinykernel/internal/blockdev"
	"github.com/coreospkg/tinykernel/internal/fat"
	"github.com/coreospkg/tinykernel/internal/frame"
	"github.com/coreospkg/tinykernel/internal/kconfig"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/process"
	"github.com/coreospkg/tinykernel/internal/syscall"
	"github.com/coreospkg/tinykernel/internal/vfs"
)

// Kernel is one booted instance: every wired layer plus the errgroup
// supervising its background goroutines.
type Kernel struct {
	// SessionID is a per-boot id included in the boot and sweep log
	// lines, the same way a request ID threads through a server's logs.
	SessionID string
	Log       *slog.Logger
	Metrics   *kmetrics.Metrics

	FS        *vfs.Filesystem
	Frames    *frame.Table
	Swap      *frame.Swap
	Processes *process.Table
	Syscalls  *syscall.Dispatcher

	disk    blockdev.Device
	swapDev blockdev.Device

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Boot opens (or formats, per cfg.Disk.FormatOnBoot) the disk and swap
// images named in cfg and wires every layer on top of them.
func Boot(cfg kconfig.Config, log *slog.Logger) (*Kernel, error) {
	m := kmetrics.New()

	disk, err := blockdev.OpenFile(cfg.Disk.ImagePath, cfg.Disk.TotalSectors, cfg.Disk.FormatOnBoot)
	if err != nil {
		return nil, fmt.Errorf("kernel: open disk image: %w", err)
	}

	swapDev, err := blockdev.OpenFile(cfg.Disk.SwapPath, cfg.Disk.SwapSectors, cfg.Disk.FormatOnBoot)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("kernel: open swap image: %w", err)
	}

	cache := bcache.New(disk, cfg.Cache.BufferSlots, m)

	fs, err := mount(cache, cfg)
	if err != nil {
		disk.Close()
		swapDev.Close()
		return nil, err
	}

	swap := frame.NewSwap(swapDev)
	frames := frame.NewTable(cfg.Cache.FrameCount, swap, m)
	processes := process.NewTable(fs, frames, swap, m)
	console := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	dispatcher := &syscall.Dispatcher{Processes: processes, FS: fs, Metrics: m, Console: console}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	k := &Kernel{
		SessionID: uuid.NewString(),
		Log:       log,
		Metrics:   m,
		FS:        fs,
		Frames:    frames,
		Swap:      swap,
		Processes: processes,
		Syscalls:  dispatcher,
		disk:      disk,
		swapDev:   swapDev,
		group:     group,
		cancel:    cancel,
	}

	if cfg.Cache.EvictionSweepInterval > 0 {
		group.Go(func() error { return k.sweepLoop(ctx, cfg.Cache.EvictionSweepInterval) })
	}

	log.Info("kernel booted", "session", k.SessionID, "disk", cfg.Disk.ImagePath, "swap", cfg.Disk.SwapPath)
	return k, nil
}

func mount(cache *bcache.Cache, cfg kconfig.Config) (*vfs.Filesystem, error) {
	if cfg.Disk.FormatOnBoot {
		fatAlloc, err := fat.Format(cache, cfg.Disk.TotalSectors, cfg.Disk.FATSectors)
		if err != nil {
			return nil, fmt.Errorf("kernel: format FAT: %w", err)
		}
		fs, err := vfs.Format(cache, fatAlloc)
		if err != nil {
			return nil, fmt.Errorf("kernel: format filesystem: %w", err)
		}
		return fs, nil
	}

	fatAlloc, err := fat.Open(cache)
	if err != nil {
		if errors.Is(err, fat.ErrCorrupt) {
			panic(fmt.Sprintf("kernel: open FAT: %v", err))
		}
		return nil, fmt.Errorf("kernel: open FAT: %w", err)
	}
	fs, err := vfs.Open(cache, fatAlloc)
	if err != nil {
		return nil, fmt.Errorf("kernel: open filesystem: %w", err)
	}
	return fs, nil
}

// sweepLoop periodically re-checks the frame table's single-owner
// invariant, the same self-check CheckInvariants offers callers in
// tests, but run continuously in the background as a cheap canary for a
// corrupted eviction run.
func (k *Kernel) sweepLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			k.Frames.CheckInvariants()
			k.Log.Debug("eviction sweep ok", "session", k.SessionID)
		}
	}
}

// Spawn starts the first process of a new tree, loads path into it as
// its executable image, and returns it ready to run.
func (k *Kernel) Spawn(name, path string, args []string) (*process.Process, error) {
	p := k.Processes.Spawn(name)
	if err := k.Processes.Load(p, path, args); err != nil {
		k.Processes.Exit(p, -1)
		return nil, err
	}
	return p, nil
}

// Shutdown stops the background goroutines, waits for them to return,
// and flushes the filesystem and closes the backing images. Call once,
// after every process has exited.
func (k *Kernel) Shutdown() error {
	k.cancel()
	var sweepErr error
	if err := k.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		k.Log.Error("background goroutine failed", "error", err)
		sweepErr = err
	}

	k.FS.Shutdown()
	k.disk.Close()
	k.swapDev.Close()
	return sweepErr
}
