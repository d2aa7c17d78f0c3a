// Package engine defines the narrow contract between the package-loading
// coordinator and an embedded interpreter.
//
// The coordinator never sees engine-specific objects. It runs code through
// [Engine.Run] and manages packages through a scoped [Installer] lease that
// must be released on every exit path.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrReleased is returned by every Installer method called after Release.
	ErrReleased = errors.New("installer released")
	// ErrMockExists is returned by RegisterMock when the name is already mocked.
	ErrMockExists = errors.New("mock package already registered")
	// ErrInvalidMock reports a MockSpec that failed validation.
	ErrInvalidMock = errors.New("invalid mock package")
	// ErrClosed is returned by an engine after Close.
	ErrClosed = errors.New("engine closed")
)

// Engine is a ready, embedded interpreter instance.
type Engine interface {
	// Run evaluates code and returns its textual result.
	Run(ctx context.Context, code string) (string, error)

	// Installer returns a lease on the package-installation subsystem,
	// loading the subsystem on first use. The caller must Release it.
	Installer(ctx context.Context) (Installer, error)

	// Close tears the interpreter down.
	Close(ctx context.Context) error
}

// Installer is a scoped handle to an engine's package-installation subsystem.
// Mock bookkeeping methods are synchronous.
type Installer interface {
	// Install installs all names in one batch. Names backed by a registered
	// mock resolve to the mock's modules without contacting a package index.
	Install(ctx context.Context, names []string) error

	// RegisterMock makes spec installable. It returns ErrMockExists if a mock
	// with the same normalized name is already registered.
	RegisterMock(spec MockSpec) error

	// UnregisterMock removes a mock. Unknown names are ignored.
	UnregisterMock(name string) error

	// ListMockNames returns the normalized names of all registered mocks.
	ListMockNames() []string

	// Release ends the lease. It is safe to call more than once.
	Release() error
}

// Bootstrapper creates an engine. It is called at most once per runtime handle.
type Bootstrapper func(ctx context.Context) (Engine, error)
