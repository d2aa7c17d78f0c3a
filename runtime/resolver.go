package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/caffeineduck/cellrun/engine"
)

// ErrResolve wraps every failure to satisfy a PackageRequest.
var ErrResolve = errors.New("package resolution failed")

// PackageRequest names the real packages a caller needs and the mock packages
// it wants registered first.
type PackageRequest struct {
	Real  []string          `json:"packages,omitempty"`
	Mocks []engine.MockSpec `json:"mock_packages,omitempty"`
}

// IsEmpty reports whether the request asks for nothing.
func (r PackageRequest) IsEmpty() bool {
	return len(r.Real) == 0 && len(r.Mocks) == 0
}

// Equal reports whether r and o ask for the same packages in the same order.
func (r PackageRequest) Equal(o PackageRequest) bool {
	return slices.Equal(r.Real, o.Real) && slices.EqualFunc(r.Mocks, o.Mocks, engine.MockSpec.Equal)
}

// Clone returns a copy of r that shares no slices or module maps with it.
func (r PackageRequest) Clone() PackageRequest {
	out := PackageRequest{Real: slices.Clone(r.Real)}
	if r.Mocks != nil {
		out.Mocks = make([]engine.MockSpec, len(r.Mocks))
		for i, spec := range r.Mocks {
			spec.Modules = maps.Clone(spec.Modules)
			out.Mocks[i] = spec
		}
	}
	return out
}

// Resolver installs packages into a Handle's engine on demand.
//
// Calls to Ensure are admitted one at a time in submission order, so when two
// callers register a mock with the same name the later caller's mock wins.
type Resolver struct {
	handle *Handle
	sem    *semaphore.Weighted
	log    zerolog.Logger
}

// NewResolver returns a Resolver for h.
func NewResolver(h *Handle, log zerolog.Logger) *Resolver {
	return &Resolver{
		handle: h,
		sem:    semaphore.NewWeighted(1),
		log:    log.With().Str("component", "resolver").Logger(),
	}
}

// Ensure makes every package in req importable. A request that needs no work
// returns without touching the engine. On failure the installed set is left
// as it was, so a later call retries the same names.
func (r *Resolver) Ensure(ctx context.Context, req PackageRequest) error {
	if req.IsEmpty() {
		return nil
	}
	for _, spec := range req.Mocks {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrResolve, err)
		}
	}
	if err := r.handle.Wait(ctx); err != nil {
		return err
	}
	if len(req.Mocks) == 0 && len(r.handle.missing(req.Real)) == 0 {
		return nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	toInstall := r.handle.missing(req.Real)
	if len(toInstall) == 0 && len(req.Mocks) == 0 {
		return nil
	}
	return r.apply(ctx, toInstall, req.Mocks)
}

func (r *Resolver) apply(ctx context.Context, toInstall []string, mocks []engine.MockSpec) (err error) {
	eng := r.handle.Engine()
	if eng == nil {
		return fmt.Errorf("%w: %w", ErrResolve, ErrNotReady)
	}
	inst, err := eng.Installer(ctx)
	if err != nil {
		return fmt.Errorf("%w: load installer: %w", ErrResolve, err)
	}
	defer func() {
		if relErr := inst.Release(); relErr != nil {
			r.log.Warn().Err(relErr).Msg("release installer")
		}
	}()

	registry := NewMockRegistry(inst)
	for _, spec := range mocks {
		if err := registry.Register(spec); err != nil {
			return fmt.Errorf("%w: mock %s: %w", ErrResolve, spec.Name, err)
		}
		r.log.Debug().Str("mock", engine.NormalizeName(spec.Name)).Str("version", spec.Version).Msg("mock registered")
	}

	if len(toInstall) == 0 {
		return nil
	}
	r.log.Debug().Strs("packages", toInstall).Msg("installing")
	if err := inst.Install(ctx, toInstall); err != nil {
		return fmt.Errorf("%w: install %s: %w", ErrResolve, strings.Join(toInstall, ", "), err)
	}
	r.handle.markLoaded(toInstall)
	r.log.Info().Strs("packages", toInstall).Msg("packages installed")
	return nil
}
