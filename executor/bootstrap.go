package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/hostfunc"
)

// BootstrapConfig describes how to bring up an Executor as an engine.
type BootstrapConfig struct {
	ImageURL string
	CacheDir string
	Registry *hostfunc.Registry
	Options  []Option
	Log      zerolog.Logger
	// Language wraps the fetched image. Required.
	Language func(image []byte) Language
}

// Bootstrap returns an engine.Bootstrapper that fetches the interpreter image
// and starts an Executor on it.
func Bootstrap(cfg BootstrapConfig) engine.Bootstrapper {
	return func(ctx context.Context) (engine.Engine, error) {
		if cfg.Language == nil {
			return nil, fmt.Errorf("bootstrap: no language configured")
		}
		src := cfg.ImageURL
		if src == "" {
			src = DefaultImageURL
		}

		start := time.Now()
		image, err := FetchImage(ctx, src, cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		cfg.Log.Debug().Int("bytes", len(image)).Dur("elapsed", time.Since(start)).Msg("image fetched")

		opts := append([]Option{WithLogger(cfg.Log)}, cfg.Options...)
		return New(ctx, cfg.Language(image), cfg.Registry, opts...)
	}
}
