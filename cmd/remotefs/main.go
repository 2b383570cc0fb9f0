// Command remotefs mounts a REST file backend as a local filesystem.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/internal/config"
	"github.com/fruitsalade/remotefs/pkg/cache"
	"github.com/fruitsalade/remotefs/pkg/dispatch"
	"github.com/fruitsalade/remotefs/pkg/fuse"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/registry"
	"github.com/fruitsalade/remotefs/pkg/remote"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

var version = "dev"

const (
	unmountTimeout    = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: remotefs [mount] [flags] <mount-point>\n       remotefs version\n\nflags:\n%s", config.FlagUsage())
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version":
			fmt.Println("remotefs", version)
			return
		case "mount":
			args = args[1:]
		}
	}

	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		usage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "remotefs: %v\n", err)
		usage()
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("starting remotefs",
		zap.String("version", version),
		zap.String("server", cfg.ServerURL),
		zap.String("mount_point", cfg.MountPoint),
		zap.Duration("cache_ttl", cfg.Cache.TTL))

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Remote.MaxAttempts
	rc.InitialWait = cfg.Remote.InitialWait
	rc.MaxWait = cfg.Remote.MaxWait

	client := remote.New(remote.Config{
		BaseURL:     cfg.ServerURL,
		Timeout:     cfg.Remote.Timeout,
		RetryConfig: rc,
		AuthToken:   cfg.AuthToken,
		PartialPut:  cfg.IO.PartialPut,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Remote.Timeout)
	if err := client.Ping(pingCtx); err != nil {
		logging.Warn("backend not reachable, mounting anyway", zap.Error(err))
	}
	pingCancel()

	entries := cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		MaxBytes:   cfg.Cache.MaxBytes,
		Shards:     cfg.Cache.Shards,
	})
	d := dispatch.New(client, entries, registry.New(cfg.Cache.Shards), dispatch.Config{
		ChunkSize: cfg.IO.ChunkSize,
		SpoolDir:  cfg.IO.SpoolDir,
	})

	fcfg := fuse.DefaultConfig()
	fcfg.AllowOther = cfg.FUSE.AllowOther
	fcfg.Debug = cfg.FUSE.Debug
	fcfg.UID = cfg.FUSE.UID
	fcfg.GID = cfg.FUSE.GID
	fcfg.HealthCheckPeriod = cfg.HealthCheck
	fsys := fuse.New(d, client, fcfg)

	fuseServer, err := fsys.Mount(cfg.MountPoint)
	if err != nil {
		logging.Fatal("mount failed", zap.Error(err))
	}
	fsys.StartHealthCheck(ctx)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go unmountOnSignal(sigCh, fuseServer.Unmount)

	fuseServer.Wait()

	unmountCtx, unmountCancel := context.WithTimeout(context.Background(), unmountTimeout)
	defer unmountCancel()
	if err := fsys.Unmount(unmountCtx); err != nil {
		logging.Warn("unmount discarded state", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	logging.Info("unmounted", zap.Uint64("cache_hits", entries.Stats().Hits))
}

// unmountOnSignal asks the kernel to unmount on every signal until that
// succeeds. A busy mount stays fully usable; the next signal tries again.
func unmountOnSignal(sigs <-chan os.Signal, unmount func() error) {
	for range sigs {
		logging.Info("unmounting...")
		if err := unmount(); err != nil {
			logging.Error("kernel unmount failed, still mounted", zap.Error(err))
			continue
		}
		return
	}
}
