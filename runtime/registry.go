package runtime

import (
	"slices"

	"github.com/caffeineduck/cellrun/engine"
)

// MockRegistry is the mock-package bookkeeping of one installer lease.
// Every method is synchronous; the engine side holds the actual state.
type MockRegistry struct {
	inst engine.Installer
}

// NewMockRegistry wraps inst. The registry is only valid while inst is held.
func NewMockRegistry(inst engine.Installer) *MockRegistry {
	return &MockRegistry{inst: inst}
}

// Has reports whether a mock is registered under name.
func (m *MockRegistry) Has(name string) bool {
	return slices.Contains(m.inst.ListMockNames(), engine.NormalizeName(name))
}

// Register registers spec, replacing any mock with the same name.
func (m *MockRegistry) Register(spec engine.MockSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if m.Has(spec.Name) {
		if err := m.inst.UnregisterMock(engine.NormalizeName(spec.Name)); err != nil {
			return err
		}
	}
	return m.inst.RegisterMock(spec)
}

// Unregister removes the mock registered under name, if any.
func (m *MockRegistry) Unregister(name string) error {
	return m.inst.UnregisterMock(engine.NormalizeName(name))
}

// Names returns the sorted names of all registered mocks.
func (m *MockRegistry) Names() []string {
	names := slices.Clone(m.inst.ListMockNames())
	slices.Sort(names)
	return names
}
