package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/pypi"
)

// ErrModuleConflict is returned when a mock would provide a top-level module
// another registered mock already provides.
var ErrModuleConflict = errors.New("module provided by another mock")

type mockEntry struct {
	spec  engine.MockSpec
	roots []string
	paths []string
}

// packageStore owns the interpreter's site and mock directories. Real
// packages are unpacked into site; mocks are written as source files into the
// mock directory, which precedes site on the import path.
type packageStore struct {
	siteDir string
	mockDir string
	index   *pypi.Client
	bundled map[string]bool
	log     zerolog.Logger

	mu     sync.Mutex
	mocks  map[string]mockEntry
	owners map[string]string
	// stale holds top-level modules whose cached imports the interpreter
	// must drop before the next command.
	stale []string
}

func newPackageStore(siteDir, mockDir string, index *pypi.Client, bundled []string, log zerolog.Logger) *packageStore {
	s := &packageStore{
		siteDir: siteDir,
		mockDir: mockDir,
		index:   index,
		bundled: make(map[string]bool, len(bundled)),
		log:     log,
		mocks:   make(map[string]mockEntry),
		owners:  make(map[string]string),
	}
	for _, name := range bundled {
		s.bundled[engine.NormalizeName(name)] = true
	}
	return s
}

func (s *packageStore) install(ctx context.Context, names []string) error {
	var fetch []string
	s.mu.Lock()
	for _, name := range names {
		norm := engine.NormalizeName(name)
		if _, mocked := s.mocks[norm]; mocked {
			continue
		}
		if s.bundled[norm] {
			continue
		}
		fetch = append(fetch, name)
	}
	s.mu.Unlock()

	for _, name := range fetch {
		rel, err := s.index.Install(ctx, name, s.siteDir)
		if err != nil {
			return err
		}
		s.log.Debug().Str("package", rel.Name).Str("version", rel.Version).Msg("installed from index")
	}
	return nil
}

func (s *packageStore) registerMock(spec engine.MockSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	name := engine.NormalizeName(spec.Name)
	sources := spec.ModuleSources()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mocks[name]; exists {
		return fmt.Errorf("%w: %s", engine.ErrMockExists, name)
	}

	var roots []string
	for mod := range sources {
		root, _, _ := strings.Cut(mod, ".")
		if owner, taken := s.owners[root]; taken {
			return fmt.Errorf("%w: %s is provided by %s", ErrModuleConflict, root, owner)
		}
		if !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}
	slices.Sort(roots)

	entry := mockEntry{spec: spec, roots: roots}
	for _, mod := range slices.Sorted(maps.Keys(sources)) {
		if err := s.writeModule(mod, sources[mod]); err != nil {
			s.removePaths(roots)
			return fmt.Errorf("write mock module %s: %w", mod, err)
		}
	}
	distInfo, err := s.writeDistInfo(spec, roots)
	if err != nil {
		s.removePaths(roots)
		return fmt.Errorf("write mock metadata: %w", err)
	}
	entry.paths = append(slices.Clone(roots), distInfo)

	s.mocks[name] = entry
	for _, root := range roots {
		s.owners[root] = name
	}
	s.stale = append(s.stale, roots...)
	return nil
}

// writeModule stores mod as a package so dotted children can live beside it.
// Intermediate packages that have no source of their own get an empty
// __init__.py.
func (s *packageStore) writeModule(mod, source string) error {
	parts := strings.Split(mod, ".")
	dir := s.mockDir
	for _, part := range parts {
		dir = filepath.Join(dir, part)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		init := filepath.Join(dir, "__init__.py")
		if _, err := os.Stat(init); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(init, nil, 0o644); err != nil {
				return err
			}
		}
	}
	return os.WriteFile(filepath.Join(dir, "__init__.py"), []byte(source), 0o644)
}

func (s *packageStore) writeDistInfo(spec engine.MockSpec, roots []string) (string, error) {
	dirName := fmt.Sprintf("%s-%s.dist-info", engine.ImportName(spec.Name), spec.Version)
	dir := filepath.Join(s.mockDir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	files := map[string]string{
		"METADATA":      fmt.Sprintf("Metadata-Version: 2.1\nName: %s\nVersion: %s\n", spec.Name, spec.Version),
		"INSTALLER":     "cellrun-mock\n",
		"top_level.txt": strings.Join(roots, "\n") + "\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return dirName, nil
}

func (s *packageStore) removePaths(paths []string) {
	for _, p := range paths {
		if err := os.RemoveAll(filepath.Join(s.mockDir, p)); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("remove mock files")
		}
	}
}

func (s *packageStore) unregisterMock(name string) error {
	norm := engine.NormalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.mocks[norm]
	if !ok {
		return nil
	}
	s.removePaths(entry.paths)
	delete(s.mocks, norm)
	for _, root := range entry.roots {
		delete(s.owners, root)
	}
	s.stale = append(s.stale, entry.roots...)
	return nil
}

func (s *packageStore) mockNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.mocks))
}

// drainStale returns and clears the modules to forget.
func (s *packageStore) drainStale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stale) == 0 {
		return nil
	}
	stale := slices.Compact(slices.Sorted(slices.Values(s.stale)))
	s.stale = nil
	return stale
}

// installerLease is the engine.Installer handed out by Executor.Installer.
type installerLease struct {
	store    *packageStore
	released atomic.Bool
}

func (l *installerLease) Install(ctx context.Context, names []string) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	return l.store.install(ctx, names)
}

func (l *installerLease) RegisterMock(spec engine.MockSpec) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	return l.store.registerMock(spec)
}

func (l *installerLease) UnregisterMock(name string) error {
	if l.released.Load() {
		return engine.ErrReleased
	}
	return l.store.unregisterMock(name)
}

func (l *installerLease) ListMockNames() []string {
	if l.released.Load() {
		return nil
	}
	return l.store.mockNames()
}

func (l *installerLease) Release() error {
	l.released.Store(true)
	return nil
}
