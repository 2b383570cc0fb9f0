// Command remotefs-server is a reference REST backend for remotefs, storing
// its tree on local disk or in an S3 bucket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotefs/internal/config"
	"github.com/fruitsalade/remotefs/internal/server"
	"github.com/fruitsalade/remotefs/internal/storage"
	"github.com/fruitsalade/remotefs/internal/storage/local"
	"github.com/fruitsalade/remotefs/internal/storage/s3"
	"github.com/fruitsalade/remotefs/pkg/logging"
	"github.com/fruitsalade/remotefs/pkg/metrics"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `usage: remotefs-server [serve] [flags]
       remotefs-server token [--subject name] [--ttl 24h] [flags]
       remotefs-server seed [flags]
       remotefs-server version

flags:
%s`, config.ServerFlagUsage())
}

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "token":
		err = token(args)
	case "seed":
		err = seed(args)
	case "version":
		fmt.Println("remotefs-server", version)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if errors.Is(err, pflag.ErrHelp) {
		usage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "remotefs-server: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(args []string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServer(args)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return s3.New(ctx, cfg.S3)
	default:
		return local.New(cfg.Local)
	}
}

func serve(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logging.Fatal("failed to open storage", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer store.Close()

	var auth *server.Auth
	if cfg.JWTSecret != "" {
		auth = server.NewAuth(cfg.JWTSecret)
	} else {
		logging.Warn("jwt_secret not set, serving without authentication")
	}

	srv := server.New(store, server.Config{
		PartialPut: cfg.PartialPut,
		Auth:       auth,
		Version:    version,
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: server.ReadHeaderTimeout,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: server.ReadHeaderTimeout,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("graceful shutdown failed", zap.Error(err))
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	logging.Info("server listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("storage", store.Type()),
		zap.Bool("partial_put", cfg.PartialPut),
		zap.Bool("auth", auth != nil))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	return nil
}

// token prints a bearer token signed with the configured secret.
func token(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	subject := fs.String("subject", "remotefs", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadServer(withoutFlags(args, "subject", "ttl"))
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("jwt_secret is required to issue tokens")
	}
	tok, err := server.NewAuth(cfg.JWTSecret).IssueToken(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

// withoutFlags drops --name value and --name=value pairs from args.
func withoutFlags(args []string, names ...string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		skip := false
		for _, name := range names {
			flag := "--" + name
			if arg == flag {
				skip = true
				i++
				break
			}
			if strings.HasPrefix(arg, flag+"=") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, arg)
		}
	}
	return out
}

// demoTree is the sample tree written by the seed command.
var demoTree = []struct {
	path    string
	content string
	dir     bool
}{
	{path: "/Documents", dir: true},
	{path: "/image.jpg", content: "not really a jpeg\n"},
	{path: "/folder1", dir: true},
	{path: "/folder1/file1.txt", content: "hello from remotefs\n"},
}

// seed writes a small sample tree into the configured storage, skipping
// entries that already exist.
func seed(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx := context.Background()
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	for _, e := range demoTree {
		if _, err := store.Stat(ctx, e.path); err == nil {
			continue
		}
		if e.dir {
			err = store.Mkdir(ctx, e.path)
		} else {
			err = store.Put(ctx, e.path, strings.NewReader(e.content), int64(len(e.content)))
		}
		if err != nil && !errors.Is(err, storage.ErrExists) {
			return fmt.Errorf("seed %s: %w", e.path, err)
		}
		logging.Info("seeded", zap.String("path", e.path), zap.Bool("dir", e.dir))
	}
	return nil
}
