package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreospkg/tinykernel/internal/kconfig"
	"github.com/coreospkg/tinykernel/internal/kernel"
	"github.com/coreospkg/tinykernel/internal/klog"
)

func main() {
	Execute()
}

// runKernel decodes the bound configuration, boots the kernel, and loads
// argv as the first process's executable image. This kernel has no
// instruction-execution loop of its own (no CPU or trap-frame
// interpreter): loading a program exercises the ELF-load and
// initial-stack-setup path the way a real kernel's execve does. Once the
// program is loaded, its entry point is logged and the process is exited
// with status 0; none of its instructions run.
func runKernel(argv []string) error {
	cfg, err := kconfig.Decode()
	if err != nil {
		return fmt.Errorf("tinykernel: decoding config: %w", err)
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := klog.New(klog.Options{
		Level:      level,
		JSON:       cfg.Log.JSON,
		RotateFile: cfg.Log.RotateFile,
	})

	k, err := kernel.Boot(cfg, log)
	if err != nil {
		return err
	}
	defer k.Shutdown()

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(k, cfg.Metrics.ListenAddr)
	}

	if len(argv) == 0 {
		log.Info("no program given, booted and idling")
		return nil
	}

	p, err := k.Spawn(argv[0], argv[0], argv)
	if err != nil {
		return fmt.Errorf("tinykernel: loading %s: %w", argv[0], err)
	}

	log.Info("program loaded", "name", argv[0], "pid", p.PID, "entry", fmt.Sprintf("0x%x", p.Entry))
	k.Processes.Exit(p, 0)
	return nil
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return klog.LevelTrace, nil
	case "debug":
		return klog.LevelDebug, nil
	case "", "info":
		return klog.LevelInfo, nil
	case "warning", "warn":
		return klog.LevelWarning, nil
	case "error":
		return klog.LevelError, nil
	default:
		return 0, fmt.Errorf("tinykernel: unknown log level %q", name)
	}
}

func serveMetrics(k *kernel.Kernel, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.Metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		k.Log.Error("metrics server stopped", "error", err)
	}
}
