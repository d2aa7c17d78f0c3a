// Package enginetest provides a scriptable in-memory engine for testing
// coordinator logic without a real interpreter.
package enginetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/cellrun/engine"
)

// Engine is a fake engine.Engine. Registered mocks publish their modules
// immediately; installing a non-mocked name counts as an index fetch.
type Engine struct {
	// RunFunc computes the result of Run. Defaults to "out:" + code.
	RunFunc func(code string) (string, error)

	mu           sync.Mutex
	mocks        map[string]engine.MockSpec
	modules      map[string]string
	installed    map[string]int
	installErrs  map[string]error
	indexFetches []string
	mockInstalls []string
	installCalls int
	runs         []string
	gates        map[string]chan struct{}
	installGates map[string]*installGate
	loads        int
	leases       int
	released     int
	closed       bool
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{
		mocks:        make(map[string]engine.MockSpec),
		modules:      make(map[string]string),
		installed:    make(map[string]int),
		installErrs:  make(map[string]error),
		gates:        make(map[string]chan struct{}),
		installGates: make(map[string]*installGate),
	}
}

type installGate struct {
	entered chan struct{}
	release chan struct{}
}

// GateInstall blocks the next Install batch that includes name until the
// returned release function is called. entered is closed once that batch is
// blocked.
func (e *Engine) GateInstall(name string) (entered <-chan struct{}, release func()) {
	g := &installGate{entered: make(chan struct{}), release: make(chan struct{})}
	e.mu.Lock()
	e.installGates[engine.NormalizeName(name)] = g
	e.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

// FailInstall makes every later Install that includes name fail with err.
// A nil err clears the failure.
func (e *Engine) FailInstall(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := engine.NormalizeName(name)
	if err == nil {
		delete(e.installErrs, n)
		return
	}
	e.installErrs[n] = err
}

// Gate blocks Run for code until the returned function is called.
func (e *Engine) Gate(code string) (release func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.gates[code] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, code string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", engine.ErrClosed
	}
	e.runs = append(e.runs, code)
	gate := e.gates[code]
	fn := e.RunFunc
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn != nil {
		return fn(code)
	}
	return "out:" + code, nil
}

// Installer implements engine.Engine.
func (e *Engine) Installer(ctx context.Context) (engine.Installer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, engine.ErrClosed
	}
	if e.loads == 0 {
		e.loads = 1
	}
	e.leases++
	return &lease{e: e}, nil
}

// Close implements engine.Engine.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Module returns the source of an importable module.
func (e *Engine) Module(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.modules[name]
	return src, ok
}

// InstallCount returns how many times name was installed, from the index or
// from a mock.
func (e *Engine) InstallCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installed[engine.NormalizeName(name)]
}

// IndexFetches returns every name that was installed from the package index.
func (e *Engine) IndexFetches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.indexFetches)
}

// MockInstalls returns every name whose install was satisfied by a mock.
func (e *Engine) MockInstalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.mockInstalls)
}

// InstallCalls returns the number of Install batches issued.
func (e *Engine) InstallCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installCalls
}

// Runs returns every code snippet passed to Run, in call order.
func (e *Engine) Runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.runs)
}

// Leases returns how many installer leases were handed out and released.
func (e *Engine) Leases() (acquired, released int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leases, e.released
}

// InstallerLoads returns how many times the installer subsystem was loaded.
func (e *Engine) InstallerLoads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

type lease struct {
	e        *Engine
	released atomic.Bool
}

func (l *lease) Install(ctx context.Context, names []string) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	e := l.e
	e.waitInstallGate(names)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installCalls++
	for _, name := range names {
		if err := e.installErrs[engine.NormalizeName(name)]; err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	for _, name := range names {
		n := engine.NormalizeName(name)
		if _, ok := e.mocks[n]; ok {
			e.mockInstalls = append(e.mockInstalls, n)
		} else {
			e.indexFetches = append(e.indexFetches, n)
			e.modules[engine.ImportName(n)] = "# installed from index: " + n
		}
		e.installed[n]++
	}
	return nil
}

func (e *Engine) waitInstallGate(names []string) {
	e.mu.Lock()
	var g *installGate
	for _, name := range names {
		n := engine.NormalizeName(name)
		if g = e.installGates[n]; g != nil {
			delete(e.installGates, n)
			break
		}
	}
	e.mu.Unlock()
	if g == nil {
		return
	}
	close(g.entered)
	<-g.release
}

func (l *lease) RegisterMock(spec engine.MockSpec) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	e := l.e
	e.mu.Lock()
	defer e.mu.Unlock()
	n := engine.NormalizeName(spec.Name)
	if _, ok := e.mocks[n]; ok {
		return fmt.Errorf("%w: %s", engine.ErrMockExists, n)
	}
	e.mocks[n] = spec
	maps.Copy(e.modules, spec.ModuleSources())
	return nil
}

func (l *lease) UnregisterMock(name string) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	e := l.e
	e.mu.Lock()
	defer e.mu.Unlock()
	n := engine.NormalizeName(name)
	spec, ok := e.mocks[n]
	if !ok {
		return nil
	}
	for mod := range spec.ModuleSources() {
		delete(e.modules, mod)
	}
	delete(e.mocks, n)
	return nil
}

func (l *lease) ListMockNames() []string {
	if l.released.Load() {
		return nil
	}
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	return slices.Sorted(maps.Keys(l.e.mocks))
}

func (l *lease) Release() error {
	if l.released.Swap(true) {
		return nil
	}
	l.e.mu.Lock()
	l.e.released++
	l.e.mu.Unlock()
	return nil
}

// Bootstrapper counts bootstrap calls and hands out a fixed engine.
type Bootstrapper struct {
	Engine engine.Engine
	// Gate, if set, blocks every bootstrap until it is closed.
	Gate chan struct{}
	// Err, if set, fails every bootstrap.
	Err error

	calls atomic.Int32
}

// Bootstrap implements engine.Bootstrapper.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (engine.Engine, error) {
	b.calls.Add(1)
	if b.Gate != nil {
		<-b.Gate
	}
	if b.Err != nil {
		return nil, b.Err
	}
	return b.Engine, nil
}

// Calls returns the number of bootstrap attempts.
func (b *Bootstrapper) Calls() int {
	return int(b.calls.Load())
}
