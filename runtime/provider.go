package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
)

// ErrNoProvider is the panic value of Use when no Provider was supplied.
var ErrNoProvider = errors.New("runtime.Use called outside of a Provider")

// Provider is the root of a runtime scope: one engine handle and the resolver
// that installs packages into it, shared by every consumer in the scope.
type Provider struct {
	handle   *Handle
	resolver *Resolver
	log      zerolog.Logger
	mount    sync.Once
}

// ProviderOption configures a Provider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	log zerolog.Logger
}

// WithLogger sets the logger used by the provider and its components.
func WithLogger(log zerolog.Logger) ProviderOption {
	return func(c *providerConfig) {
		c.log = log
	}
}

// NewProvider returns an unmounted provider whose engine is created by boot.
func NewProvider(boot engine.Bootstrapper, opts ...ProviderOption) *Provider {
	cfg := providerConfig{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := NewHandle(boot, cfg.log)
	return &Provider{
		handle:   h,
		resolver: NewResolver(h, cfg.log),
		log:      cfg.log,
	}
}

// Mount starts the engine bootstrap in the background. Only the first call
// has an effect. Cancelling ctx does not abort the bootstrap.
func (p *Provider) Mount(ctx context.Context) {
	p.mount.Do(func() {
		detached := context.WithoutCancel(ctx)
		go func() {
			if err := p.handle.Initialize(detached); err != nil {
				p.log.Error().Err(err).Msg("runtime unavailable")
			}
		}()
	})
}

// Handle returns the shared engine handle.
func (p *Provider) Handle() *Handle {
	return p.handle
}

// Ensure makes the packages in req importable in the shared engine.
func (p *Provider) Ensure(ctx context.Context, req PackageRequest) error {
	return p.resolver.Ensure(ctx, req)
}

// Close closes the shared engine.
func (p *Provider) Close(ctx context.Context) error {
	return p.handle.Close(ctx)
}

type providerKey struct{}

// NewContext returns a copy of ctx that provides p to everything below it.
func NewContext(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, providerKey{}, p)
}

// FromContext returns the Provider carried by ctx, if any.
func FromContext(ctx context.Context) (*Provider, bool) {
	p, ok := ctx.Value(providerKey{}).(*Provider)
	return p, ok && p != nil
}

// Use returns the Provider carried by ctx. A missing Provider is a wiring
// bug, so Use panics with ErrNoProvider instead of returning an error.
func Use(ctx context.Context) *Provider {
	p, ok := FromContext(ctx)
	if !ok {
		panic(ErrNoProvider)
	}
	return p
}
