// Package cell runs one source snippet against a shared runtime and keeps a
// single textual output up to date as the snippet or its packages change.
package cell

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/runtime"
)

// ErrorPrefix starts every output that reports a failed run.
const ErrorPrefix = "error: "

// Runtime is the part of a runtime.Provider a Cell needs.
type Runtime interface {
	Handle() *runtime.Handle
	Ensure(ctx context.Context, req runtime.PackageRequest) error
}

// State is the lifecycle position of a Cell.
type State int32

const (
	StateIdle State = iota
	StateAwaitingRuntime
	StateResolvingPackages
	StateExecuting
	StatePublished
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRuntime:
		return "awaiting-runtime"
	case StateResolvingPackages:
		return "resolving-packages"
	case StateExecuting:
		return "executing"
	case StatePublished:
		return "published"
	case StateUnmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Cell executes its source once the runtime is ready and its packages are
// installed, then publishes the result.
//
// Every run carries a token taken when it starts. A run may only change the
// cell's state or output while the cell is mounted and its token is still
// the newest, so a slow superseded run never overwrites a fresher result.
// Runs resolve packages in the order they started: a run calls Ensure only
// after the previous run's resolution has returned or been skipped, so the
// newest run's mocks are the ones registered last.
type Cell struct {
	rt      Runtime
	log     zerolog.Logger
	publish func(string)

	mu       sync.Mutex
	source   string
	req      runtime.PackageRequest
	output   string
	state    State
	alive    bool
	token    uint64
	inflight int
	idle     chan struct{}
	resolved chan struct{} // closed once the newest run is past resolution
	ctx      context.Context
	cancel   context.CancelFunc
}

// New returns an unmounted cell bound to rt.
func New(rt Runtime, opts ...Option) *Cell {
	if rt == nil {
		panic("cell: nil runtime")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	idle := make(chan struct{})
	close(idle)
	return &Cell{
		rt:      rt,
		log:     cfg.log,
		publish: cfg.publish,
		source:  cfg.source,
		req: runtime.PackageRequest{
			Real:  cfg.packages,
			Mocks: cfg.mocks,
		}.Clone(),
		output:   cfg.placeholder,
		idle:     idle,
		resolved: idle,
	}
}

// Mount starts the first run. It has no effect on a mounted or unmounted
// cell. Cancelling ctx stops waiting for the runtime but never interrupts
// package installation or execution already issued.
func (c *Cell) Mount(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive || c.state == StateUnmounted {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.alive = true
	c.startLocked()
}

// Update replaces the source and package request. Identical inputs do not
// start a new run.
func (c *Cell) Update(source string, req runtime.PackageRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if source == c.source && req.Equal(c.req) {
		return
	}
	c.source = source
	c.req = req.Clone()
	if c.alive {
		c.startLocked()
	}
}

// SetSource replaces the source and keeps the package request.
func (c *Cell) SetSource(source string) {
	c.mu.Lock()
	req := c.req
	c.mu.Unlock()
	c.Update(source, req)
}

// Refresh starts a new run for the current inputs.
func (c *Cell) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		c.startLocked()
	}
}

// Unmount detaches the cell. In-flight runs finish but publish nothing.
// Safe to call more than once.
func (c *Cell) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUnmounted {
		return
	}
	c.alive = false
	c.state = StateUnmounted
	if c.cancel != nil {
		c.cancel()
	}
	c.log.Debug().Uint64("token", c.token).Msg("cell unmounted")
}

// Output returns the last published output, or the placeholder.
func (c *Cell) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// State returns the current lifecycle state.
func (c *Cell) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source returns the current snippet.
func (c *Cell) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Request returns a copy of the current package request.
func (c *Cell) Request() runtime.PackageRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req.Clone()
}

// Wait blocks until no run is in flight or ctx is done. A run that waits on
// a runtime which never becomes ready keeps Wait blocked until Unmount.
func (c *Cell) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cell) startLocked() {
	c.token++
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	prev := c.resolved
	c.resolved = make(chan struct{})
	go c.run(c.ctx, c.token, c.source, c.req, prev, c.resolved)
}

func (c *Cell) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

func (c *Cell) run(ctx context.Context, token uint64, source string, req runtime.PackageRequest, prev <-chan struct{}, resolved chan struct{}) {
	defer c.finish()
	resolveDone := sync.OnceFunc(func() { close(resolved) })
	defer resolveDone()
	log := c.log.With().Uint64("token", token).Logger()

	h := c.rt.Handle()
	if !h.IsReady() {
		if !c.transition(token, StateAwaitingRuntime) {
			return
		}
		if err := h.Wait(ctx); err != nil {
			// Bootstrap failure or unmount: the placeholder stays.
			log.Debug().Err(err).Msg("runtime not available")
			return
		}
	}

	work := context.WithoutCancel(ctx)
	if !c.transition(token, StateResolvingPackages) {
		return
	}
	select {
	case <-prev:
	case <-ctx.Done():
		return
	}
	if !c.isCurrent(token) {
		return
	}
	err := c.rt.Ensure(work, req)
	resolveDone()
	if err != nil {
		log.Warn().Err(err).Msg("package resolution failed")
		c.deliver(token, ErrorPrefix+err.Error())
		return
	}

	if !c.transition(token, StateExecuting) {
		return
	}
	eng := h.Engine()
	if eng == nil {
		c.deliver(token, ErrorPrefix+runtime.ErrNotReady.Error())
		return
	}
	out, err := eng.Run(work, source)
	if err != nil {
		log.Warn().Err(err).Msg("execution failed")
		c.deliver(token, ErrorPrefix+err.Error())
		return
	}
	c.deliver(token, out)
}

// current reports whether token belongs to the newest run of a mounted cell.
// Callers hold c.mu.
func (c *Cell) current(token uint64) bool {
	return c.alive && token == c.token
}

func (c *Cell) isCurrent(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current(token)
}

func (c *Cell) transition(token uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(token) {
		return false
	}
	c.state = s
	return true
}

func (c *Cell) deliver(token uint64, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(token) {
		c.log.Debug().Uint64("token", token).Msg("discarding stale result")
		return
	}
	c.output = text
	c.state = StatePublished
	if c.publish != nil {
		c.publish(text)
	}
}
