package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/caffeineduck/cellrun/engine"
)

var (
	// ErrBootstrapFailed wraps the cause of a failed engine bootstrap. It is
	// permanent for the lifetime of the Handle.
	ErrBootstrapFailed = errors.New("engine bootstrap failed")
	// ErrNotReady is returned when the engine is used before it is ready.
	ErrNotReady = errors.New("engine not ready")
)

// State is the lifecycle position of a Handle.
type State int32

const (
	StateAbsent State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handle owns the single embedded engine of a Provider and the set of
// packages installed into it.
type Handle struct {
	boot  engine.Bootstrapper
	log   zerolog.Logger
	group singleflight.Group

	mu     sync.RWMutex
	state  State
	eng    engine.Engine
	err    error
	loaded map[string]struct{}
	ready  chan struct{}
	failed chan struct{}
}

// NewHandle returns an absent handle that will create its engine with boot.
func NewHandle(boot engine.Bootstrapper, log zerolog.Logger) *Handle {
	if boot == nil {
		panic("runtime: nil Bootstrapper")
	}
	return &Handle{
		boot:   boot,
		log:    log.With().Str("component", "handle").Logger(),
		loaded: make(map[string]struct{}),
		ready:  make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// Initialize bootstraps the engine once. Concurrent and repeated calls share
// the same bootstrap; none of them starts a second one. The bootstrap is
// detached from ctx: a caller that gives up stops waiting without aborting
// it. After a failure every call returns the same error.
func (h *Handle) Initialize(ctx context.Context) error {
	h.mu.RLock()
	state, err := h.state, h.err
	h.mu.RUnlock()
	switch state {
	case StateReady:
		return nil
	case StateFailed:
		return err
	}

	detached := context.WithoutCancel(ctx)
	ch := h.group.DoChan("bootstrap", func() (any, error) {
		return nil, h.bootstrap(detached)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) bootstrap(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case StateReady:
		h.mu.Unlock()
		return nil
	case StateFailed:
		err := h.err
		h.mu.Unlock()
		return err
	}
	h.state = StateLoading
	h.mu.Unlock()

	start := time.Now()
	h.log.Debug().Msg("bootstrapping engine")
	eng, err := h.boot(ctx)
	if err == nil && eng == nil {
		err = errors.New("bootstrapper returned no engine")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = StateFailed
		h.err = fmt.Errorf("%w: %w", ErrBootstrapFailed, err)
		close(h.failed)
		h.log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("engine bootstrap failed")
		return h.err
	}
	h.eng = eng
	h.state = StateReady
	close(h.ready)
	h.log.Info().Dur("elapsed", time.Since(start)).Msg("engine ready")
	return nil
}

// Wait blocks until the engine is ready. It returns the bootstrap error if
// the bootstrap failed, or ctx's error if ctx ends first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-h.failed:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once the engine is ready. It is never closed if the
// bootstrap fails.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// IsReady reports whether the engine is ready.
func (h *Handle) IsReady() bool {
	return h.State() == StateReady
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the bootstrap error, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Engine returns the engine, or nil before it is ready.
func (h *Handle) Engine() engine.Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.eng
}

// LoadedPackages returns the sorted normalized names of installed packages.
func (h *Handle) LoadedPackages() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.loaded))
	for name := range h.loaded {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsLoaded reports whether name has been installed.
func (h *Handle) IsLoaded(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.loaded[engine.NormalizeName(name)]
	return ok
}

// missing returns the normalized names that are not installed yet, without
// duplicates, in request order.
func (h *Handle) missing(names []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		n := engine.NormalizeName(name)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := h.loaded[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func (h *Handle) markLoaded(names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		h.loaded[engine.NormalizeName(name)] = struct{}{}
	}
}

// Close closes the engine if it was created.
func (h *Handle) Close(ctx context.Context) error {
	eng := h.Engine()
	if eng == nil {
		return nil
	}
	return eng.Close(ctx)
}
