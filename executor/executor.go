package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/hostfunc"
	"github.com/caffeineduck/cellrun/pypi"
)

// Guest paths of the package directories.
const (
	guestSiteDir = "/site"
	guestMockDir = "/mocks"
)

// Executor runs one persistent interpreter session inside a wazero runtime.
// It implements engine.Engine.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	lang     Language
	registry *hostfunc.Registry
	cfg      executorConfig
	log      zerolog.Logger

	session     *Session
	workDir     string
	ownsWorkDir bool

	mu     sync.Mutex
	store  *packageStore
	closed bool
}

var _ engine.Engine = (*Executor)(nil)

// New compiles lang's image and starts its interpreter session. Host
// functions are looked up in registry at call time, so functions registered
// after New are still reachable from the guest.
func New(ctx context.Context, lang Language, registry *hostfunc.Registry, opts ...Option) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}
	if _, ok := registry.Get("time_now"); !ok {
		registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
			return float64(time.Now().UnixNano()) / 1e9, nil
		})
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(DefaultCacheDir(), "compiled")
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	e := &Executor{
		runtime:  wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:    cache,
		lang:     lang,
		registry: registry,
		cfg:      cfg,
		log:      cfg.log.With().Str("language", lang.Name()).Logger(),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	start := time.Now()
	e.compiled, err = e.runtime.CompileModule(ctx, lang.Module())
	if err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("compile %s: %w", lang.Name(), err)
	}
	e.log.Debug().Dur("elapsed", time.Since(start)).Msg("image compiled")

	if err := e.prepareWorkDir(); err != nil {
		e.Close(ctx)
		return nil, err
	}

	fsConfig := wazero.NewFSConfig().
		WithDirMount(e.siteDir(), guestSiteDir).
		WithDirMount(e.mockDir(), guestMockDir)
	for _, m := range cfg.mounts {
		fsConfig = fsConfig.WithReadOnlyDirMount(m.hostDir, m.guestDir)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithArgs(lang.Args()...).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime()
	for k, v := range lang.Env(guestSiteDir, guestMockDir) {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	e.session, err = startSession(ctx, sessionConfig{
		rt:           e.runtime,
		compiled:     e.compiled,
		module:       moduleConfig,
		registry:     registry,
		timeout:      cfg.timeout,
		startTimeout: cfg.startTimeout,
		forget:       e.drainStale,
		log:          e.log,
	})
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	e.log.Debug().Dur("elapsed", time.Since(start)).Msg("interpreter ready")
	return e, nil
}

func (e *Executor) prepareWorkDir() error {
	e.workDir = e.cfg.workDir
	if e.workDir == "" {
		dir, err := os.MkdirTemp("", "cellrun-*")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		e.workDir = dir
		e.ownsWorkDir = true
	}
	for _, dir := range []string{e.siteDir(), e.mockDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}
	return nil
}

func (e *Executor) siteDir() string { return filepath.Join(e.workDir, "site") }
func (e *Executor) mockDir() string { return filepath.Join(e.workDir, "mocks") }

// Run evaluates code in the session. On failure the returned error carries
// the interpreter's traceback.
func (e *Executor) Run(ctx context.Context, code string) (string, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", engine.ErrClosed
	}

	res := e.session.Run(ctx, code)
	e.log.Debug().Dur("elapsed", res.Duration).Bool("failed", res.Error != nil).Msg("run finished")
	return res.Output, res.Error
}

// Installer returns a lease on the package store. The store and its index
// client are created on first use.
func (e *Executor) Installer(ctx context.Context) (engine.Installer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, engine.ErrClosed
	}
	if e.store == nil {
		opts := append([]pypi.Option{pypi.WithLogger(e.log)}, e.cfg.indexOptions...)
		e.store = newPackageStore(e.siteDir(), e.mockDir(), pypi.New(opts...), e.lang.Bundled(), e.log)
		e.log.Debug().Msg("package installer loaded")
	}
	return &installerLease{store: e.store}, nil
}

func (e *Executor) drainStale() []string {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.drainStale()
}

// Close stops the session and releases the runtime. A work directory created
// by New is removed.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Close())
	}
	errs = append(errs, e.runtime.Close(ctx))
	if e.cache != nil {
		errs = append(errs, e.cache.Close(ctx))
	}
	if e.ownsWorkDir {
		errs = append(errs, os.RemoveAll(e.workDir))
	}
	return errors.Join(errs...)
}
