// Package sandbox runs a single Python snippet with its packages in one
// call. It builds a private runtime scope per call; use the runtime and cell
// packages directly to share one interpreter between snippets.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/executor"
	"github.com/caffeineduck/cellrun/language/python"
	"github.com/caffeineduck/cellrun/runtime"
)

type Result struct {
	Output   string
	Duration time.Duration
	Error    error
}

type Config struct {
	// Timeout bounds the whole call, interpreter start included.
	Timeout  time.Duration
	Packages []string
	Mocks    []engine.MockSpec
	// ImageURL is the interpreter image; defaults to executor.DefaultImageURL.
	ImageURL string
	// Bootstrap overrides how the engine is created. When set, ImageURL is
	// ignored.
	Bootstrap engine.Bootstrapper
	Log       zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Minute,
		Log:     zerolog.Nop(),
	}
}

func (cfg Config) bootstrapper() engine.Bootstrapper {
	if cfg.Bootstrap != nil {
		return cfg.Bootstrap
	}
	return executor.Bootstrap(executor.BootstrapConfig{
		ImageURL: cfg.ImageURL,
		Log:      cfg.Log,
		Language: func(image []byte) executor.Language { return python.New(image) },
	})
}

// Run installs cfg's packages, evaluates code and tears the interpreter
// down again.
func Run(ctx context.Context, code string, cfg Config) Result {
	start := time.Now()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	p := runtime.NewProvider(cfg.bootstrapper(), runtime.WithLogger(cfg.Log))
	p.Mount(ctx)
	defer p.Close(context.WithoutCancel(ctx))

	c := cell.New(p,
		cell.WithSource(code),
		cell.WithPackages(cfg.Packages...),
		cell.WithMocks(cfg.Mocks...),
		cell.WithLogger(cfg.Log),
	)
	c.Mount(ctx)
	defer c.Unmount()

	result := Result{}
	err := c.Wait(ctx)
	result.Duration = time.Since(start)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Error = fmt.Errorf("timeout after %v", cfg.Timeout)
	case err != nil:
		result.Error = err
	case p.Handle().Err() != nil:
		result.Error = p.Handle().Err()
	default:
		out := c.Output()
		if msg, failed := strings.CutPrefix(out, cell.ErrorPrefix); failed {
			result.Error = fmt.Errorf("execution failed: %s", msg)
		} else {
			result.Output = out
		}
	}
	return result
}

// RunPython runs code with only the standard library available.
func RunPython(code string, opts Options) Result {
	cfg := DefaultConfig()
	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout
	}
	cfg.ImageURL = opts.ImageURL
	return Run(context.Background(), code, cfg)
}

// Options is the reduced configuration accepted by RunPython.
type Options struct {
	Timeout  time.Duration
	ImageURL string
}

func DefaultOptions() Options {
	return Options{Timeout: 2 * time.Minute}
}
