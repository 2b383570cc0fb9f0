// Package config loads client and server configuration.
//
// Values are layered: built-in defaults, then a YAML file (--config or
// REMOTEFS_CONFIG), then REMOTEFS_* environment variables, then command-line
// flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/remotefs/internal/storage/local"
	"github.com/fruitsalade/remotefs/internal/storage/s3"
)

// Config is the mount client configuration.
type Config struct {
	ServerURL  string `yaml:"server_url"`
	MountPoint string `yaml:"mount_point"`
	AuthToken  string `yaml:"auth_token"`

	Cache  CacheConfig  `yaml:"cache"`
	IO     IOConfig     `yaml:"io"`
	Remote RemoteConfig `yaml:"remote"`
	FUSE   FUSEConfig   `yaml:"fuse"`
	Log    LogConfig    `yaml:"log"`

	MetricsAddr string        `yaml:"metrics_addr"`
	HealthCheck time.Duration `yaml:"health_check"`

	configFile string
}

// CacheConfig bounds the entry cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	Shards     int           `yaml:"shards"`
}

// IOConfig controls transfers and write buffering.
type IOConfig struct {
	ChunkSize  int    `yaml:"chunk_size"`
	PartialPut bool   `yaml:"partial_put"`
	SpoolDir   string `yaml:"spool_dir"`
}

// RemoteConfig controls request timeouts and retries.
type RemoteConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// FUSEConfig holds mount options.
type FUSEConfig struct {
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	UID        uint32 `yaml:"uid"`
	GID        uint32 `yaml:"gid"`
}

// LogConfig selects log level and format (json, console or auto).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the client defaults.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:3000",
		Cache: CacheConfig{
			TTL:        time.Second,
			MaxEntries: 10000,
			MaxBytes:   256 << 20,
			Shards:     16,
		},
		IO: IOConfig{
			ChunkSize: 4 << 20,
			SpoolDir:  os.TempDir(),
		},
		Remote: RemoteConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			InitialWait: 100 * time.Millisecond,
			MaxWait:     5 * time.Second,
		},
		FUSE: FUSEConfig{
			UID: uint32(os.Getuid()),
			GID: uint32(os.Getgid()),
		},
		Log:         LogConfig{Level: "info", Format: "auto"},
		HealthCheck: 30 * time.Second,
	}
}

// Load builds the client configuration from args (without the program and
// subcommand names). A single positional argument is taken as the mount
// point.
func Load(args []string) (*Config, error) {
	probe := Default()
	if err := probe.flagSet().Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	path := probe.configFile
	if path == "" {
		path = os.Getenv("REMOTEFS_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	fs := cfg.flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		cfg.MountPoint = fs.Arg(0)
	default:
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlagUsage returns the client flag help text.
func FlagUsage() string {
	return Default().flagSet().FlagUsages()
}

func (c *Config) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("remotefs", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.configFile, "config", "", "YAML config file")
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "REST backend URL")
	fs.StringVar(&c.MountPoint, "mount", c.MountPoint, "mount point")
	fs.StringVar(&c.AuthToken, "token", c.AuthToken, "bearer token for the backend")
	fs.DurationVar(&c.Cache.TTL, "cache-ttl", c.Cache.TTL, "metadata cache TTL")
	fs.IntVar(&c.Cache.MaxEntries, "cache-max-entries", c.Cache.MaxEntries, "maximum cached entries")
	fs.Int64Var(&c.Cache.MaxBytes, "cache-max-bytes", c.Cache.MaxBytes, "maximum cached content bytes")
	fs.IntVar(&c.IO.ChunkSize, "chunk-size", c.IO.ChunkSize, "transfer chunk size in bytes")
	fs.BoolVar(&c.IO.PartialPut, "partial-put", c.IO.PartialPut, "upload only dirty ranges when the backend supports it")
	fs.StringVar(&c.IO.SpoolDir, "spool-dir", c.IO.SpoolDir, "directory for write buffers")
	fs.DurationVar(&c.Remote.Timeout, "timeout", c.Remote.Timeout, "per-request timeout")
	fs.IntVar(&c.Remote.MaxAttempts, "max-attempts", c.Remote.MaxAttempts, "attempts per idempotent request")
	fs.BoolVar(&c.FUSE.AllowOther, "allow-other", c.FUSE.AllowOther, "allow other users to access the mount")
	fs.BoolVar(&c.FUSE.Debug, "fuse-debug", c.FUSE.Debug, "log every FUSE request")
	fs.Uint32Var(&c.FUSE.UID, "uid", c.FUSE.UID, "owner uid reported for all files")
	fs.Uint32Var(&c.FUSE.GID, "gid", c.FUSE.GID, "owner gid reported for all files")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "json, console or auto")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.DurationVar(&c.HealthCheck, "health-check", c.HealthCheck, "backend health check period (0 disables)")
	return fs
}

func (c *Config) applyEnv() {
	c.ServerURL = envOr("REMOTEFS_SERVER_URL", c.ServerURL)
	c.MountPoint = envOr("REMOTEFS_MOUNT_POINT", c.MountPoint)
	c.AuthToken = envOr("REMOTEFS_AUTH_TOKEN", c.AuthToken)
	c.Cache.TTL = envDuration("REMOTEFS_CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxEntries = envInt("REMOTEFS_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.MaxBytes = envInt64("REMOTEFS_CACHE_MAX_BYTES", c.Cache.MaxBytes)
	c.Cache.Shards = envInt("REMOTEFS_CACHE_SHARDS", c.Cache.Shards)
	c.IO.ChunkSize = envInt("REMOTEFS_CHUNK_SIZE", c.IO.ChunkSize)
	c.IO.PartialPut = envBool("REMOTEFS_PARTIAL_PUT", c.IO.PartialPut)
	c.IO.SpoolDir = envOr("REMOTEFS_SPOOL_DIR", c.IO.SpoolDir)
	c.Remote.Timeout = envDuration("REMOTEFS_TIMEOUT", c.Remote.Timeout)
	c.Remote.MaxAttempts = envInt("REMOTEFS_MAX_ATTEMPTS", c.Remote.MaxAttempts)
	c.FUSE.AllowOther = envBool("REMOTEFS_ALLOW_OTHER", c.FUSE.AllowOther)
	c.Log.Level = envOr("REMOTEFS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("REMOTEFS_LOG_FORMAT", c.Log.Format)
	c.MetricsAddr = envOr("REMOTEFS_METRICS_ADDR", c.MetricsAddr)
}

// Validate checks required settings and bounds.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.MountPoint == "" {
		errs = append(errs, errors.New("mount_point is required"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxBytes <= 0 || c.Cache.Shards <= 0 {
		errs = append(errs, errors.New("cache bounds must be positive"))
	}
	if c.IO.ChunkSize <= 0 {
		errs = append(errs, errors.New("io.chunk_size must be positive"))
	}
	if c.Remote.Timeout <= 0 || c.Remote.MaxAttempts <= 0 {
		errs = append(errs, errors.New("remote.timeout and remote.max_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// ServerConfig is the reference server configuration.
type ServerConfig struct {
	ListenAddr  string        `yaml:"listen_addr"`
	MetricsAddr string        `yaml:"metrics_addr"`
	JWTSecret   string        `yaml:"jwt_secret"`
	PartialPut  bool          `yaml:"partial_put"`
	Storage     StorageConfig `yaml:"storage"`
	Log         LogConfig     `yaml:"log"`

	configFile string
}

// StorageConfig selects the server's storage backend.
type StorageConfig struct {
	Backend string       `yaml:"backend"` // local or s3
	Local   local.Config `yaml:"local"`
	S3      s3.Config    `yaml:"s3"`
}

// DefaultServer returns the server defaults.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr: ":3000",
		PartialPut: true,
		Storage: StorageConfig{
			Backend: "local",
			Local:   local.Config{RootPath: "./data", CreateDirs: true},
			S3: s3.Config{
				Endpoint: "http://localhost:9000",
				Bucket:   "remotefs",
				Region:   "us-east-1",
			},
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// LoadServer builds the server configuration from args.
func LoadServer(args []string) (*ServerConfig, error) {
	probe := DefaultServer()
	if err := probe.flagSet().Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultServer()
	path := probe.configFile
	if path == "" {
		path = os.Getenv("REMOTEFS_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.flagSet().Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerFlagUsage returns the server flag help text.
func ServerFlagUsage() string {
	return DefaultServer().flagSet().FlagUsages()
}

func (c *ServerConfig) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("remotefs-server", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.configFile, "config", "", "YAML config file")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.JWTSecret, "jwt-secret", c.JWTSecret, "HS256 secret; empty disables auth")
	fs.BoolVar(&c.PartialPut, "partial-put", c.PartialPut, "accept ranged PUT")
	fs.StringVar(&c.Storage.Backend, "storage", c.Storage.Backend, "storage backend: local or s3")
	fs.StringVar(&c.Storage.Local.RootPath, "root", c.Storage.Local.RootPath, "local storage root")
	fs.StringVar(&c.Storage.S3.Endpoint, "s3-endpoint", c.Storage.S3.Endpoint, "S3 endpoint")
	fs.StringVar(&c.Storage.S3.Bucket, "s3-bucket", c.Storage.S3.Bucket, "S3 bucket")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "json, console or auto")
	return fs
}

func (c *ServerConfig) applyEnv() {
	c.ListenAddr = envOr("REMOTEFS_LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("REMOTEFS_METRICS_ADDR", c.MetricsAddr)
	c.JWTSecret = envOr("REMOTEFS_JWT_SECRET", c.JWTSecret)
	c.PartialPut = envBool("REMOTEFS_PARTIAL_PUT", c.PartialPut)
	c.Storage.Backend = envOr("REMOTEFS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Local.RootPath = envOr("REMOTEFS_STORAGE_ROOT", c.Storage.Local.RootPath)
	c.Storage.S3.Endpoint = envOr("REMOTEFS_S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.Bucket = envOr("REMOTEFS_S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.AccessKey = envOr("REMOTEFS_S3_ACCESS_KEY", c.Storage.S3.AccessKey)
	c.Storage.S3.SecretKey = envOr("REMOTEFS_S3_SECRET_KEY", c.Storage.S3.SecretKey)
	c.Storage.S3.Region = envOr("REMOTEFS_S3_REGION", c.Storage.S3.Region)
	c.Log.Level = envOr("REMOTEFS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("REMOTEFS_LOG_FORMAT", c.Log.Format)
}

// Validate checks required settings.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.RootPath == "" {
			return errors.New("storage.local.root_path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

func loadFile(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
