package executor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/pypi"
)

// Option configures the Executor at creation time.
type Option func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	workDir          string
	timeout          time.Duration
	startTimeout     time.Duration
	indexOptions     []pypi.Option
	mounts           []dirMount
	log              zerolog.Logger
}

type dirMount struct {
	hostDir  string
	guestDir string
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		timeout:      30 * time.Second,
		startTimeout: 30 * time.Second,
		log:          zerolog.Nop(),
	}
}

// WithDiskCache enables persistent compilation cache for faster CLI startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/cellrun or
// XDG_CACHE_HOME/cellrun.
//
// Examples:
//
//	executor.New(ctx, lang, registry, executor.WithDiskCache())            // default dir
//	executor.New(ctx, lang, registry, executor.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum memory available to the interpreter.
// Each page is 64KB. Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// WithWorkDir sets the host directory holding installed and mock packages.
// By default a temporary directory is created and removed on Close.
func WithWorkDir(dir string) Option {
	return func(c *executorConfig) {
		c.workDir = dir
	}
}

// WithSessionTimeout sets the maximum time one Run may take.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *executorConfig) {
		c.timeout = d
	}
}

// WithStartTimeout bounds how long the interpreter may take to become ready.
func WithStartTimeout(d time.Duration) Option {
	return func(c *executorConfig) {
		c.startTimeout = d
	}
}

// WithIndex configures the package index client used for real installs.
func WithIndex(opts ...pypi.Option) Option {
	return func(c *executorConfig) {
		c.indexOptions = append(c.indexOptions, opts...)
	}
}

// WithMount exposes a host directory to the interpreter read-only, e.g. an
// image's standard library.
func WithMount(hostDir, guestDir string) Option {
	return func(c *executorConfig) {
		c.mounts = append(c.mounts, dirMount{hostDir: hostDir, guestDir: guestDir})
	}
}

// WithLogger sets the executor logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *executorConfig) {
		c.log = log
	}
}
