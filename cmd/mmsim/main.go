// Command mmsim boots the memory subsystem on a simulated physical memory
// arena, builds a user address space, clones it copy-on-write and reports
// allocator statistics. With -metrics it keeps serving the allocator metrics
// until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"generalos/kernel/config"
	"generalos/kernel/klog"
	"generalos/kernel/kmain"
	"generalos/kernel/mm"
	"generalos/kernel/mm/vmm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	demoBase  = mm.VirtAddr(0x1000_0000)
	demoPages = 16
)

var (
	configPath   = flag.String("config", "", "Path to a YAML configuration file")
	serveMetrics = flag.Bool("metrics", false, "Serve allocator metrics until interrupted")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mmsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	early, sink := klog.NewEarly(zapcore.DebugLevel)

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		early.Info("loading configuration", zap.String("path", *configPath))
		if cfg, err = config.Load(*configPath); err != nil {
			_ = sink.SetOutput(os.Stderr)
			return err
		}
	}
	if *serveMetrics {
		cfg.Metrics.Enabled = true
	}

	if err := sink.SetOutput(os.Stderr); err != nil {
		return err
	}

	logger, err := klog.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	arena := mm.NewArena(mm.NewPhysAddr(cfg.PhysMemStart), mm.NewPhysAddr(cfg.PhysMemEnd()))
	info := kmain.HostedBootInfo(cfg, arena)
	registry := prometheus.NewRegistry()

	k, kerr := kmain.Boot(cfg, info, arena, logger, registry)
	if kerr != nil {
		return kerr
	}

	if err = demo(k, logger); err != nil {
		return err
	}

	if !cfg.Metrics.Enabled {
		return nil
	}
	return serve(cfg.Metrics.Addr, registry, logger)
}

// demo maps a user region, forks the address space and checks that both
// sides translate to the same frames.
func demo(k *kmain.Kernel, logger *zap.Logger) error {
	parent, err := k.NewAddressSpace()
	if err != nil {
		return err
	}
	defer parent.Destroy()

	data, err := k.Frames.AllocFrames(demoPages, demoPages)
	if err != nil {
		return err
	}
	defer k.Frames.DeallocFrame(data)

	flags := vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser
	if err = parent.MapRegion(demoBase, data.Address(), demoPages*mm.PageSize, flags); err != nil {
		return err
	}

	child, err := k.Fork(parent)
	if err != nil {
		return err
	}
	defer child.Destroy()

	for page := uint64(0); page < demoPages; page++ {
		va := demoBase.Add(page * mm.PageSize)

		parentPA, err := parent.Query(va)
		if err != nil {
			return err
		}
		childPA, err := child.Query(va)
		if err != nil {
			return err
		}
		if parentPA != childPA {
			return fmt.Errorf("fork mismatch at %s: %s != %s", va, parentPA, childPA)
		}
	}

	heapStats, frameStats := k.Stats()
	logger.Info("forked user address space",
		zap.Stringer("parent_root", parent.Root()),
		zap.Stringer("child_root", child.Root()),
		zap.Int("shared_frames", k.RefCounts.Shared()),
		zap.Uint64("heap_allocated", heapStats.Allocated),
		zap.Uint64("frames_allocated", frameStats.Allocated),
		zap.Uint64("frames_total", frameStats.Total),
	)
	return nil
}

// serve exposes the registry on addr until SIGINT or SIGTERM.
func serve(addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
