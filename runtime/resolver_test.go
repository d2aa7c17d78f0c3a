package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/engine/enginetest"
)

func readyResolver(t *testing.T) (*Resolver, *Handle, *enginetest.Engine) {
	t.Helper()
	eng := enginetest.New()
	boot := &enginetest.Bootstrapper{Engine: eng}
	h := NewHandle(boot.Bootstrap, zerolog.Nop())
	if err := h.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return NewResolver(h, zerolog.Nop()), h, eng
}

func TestEnsureInstallsOnce(t *testing.T) {
	r, h, eng := readyResolver(t)
	req := PackageRequest{Real: []string{"a"}}

	for range 2 {
		if err := r.Ensure(context.Background(), req); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	if n := eng.InstallCount("a"); n != 1 {
		t.Errorf("expected one install of a, got %d", n)
	}
	if got := h.LoadedPackages(); !slices.Equal(got, []string{"a"}) {
		t.Errorf("LoadedPackages() = %v, want [a]", got)
	}
}

func TestEnsureBatchesMissingNames(t *testing.T) {
	r, _, eng := readyResolver(t)
	ctx := context.Background()

	if err := r.Ensure(ctx, PackageRequest{Real: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Ensure(ctx, PackageRequest{Real: []string{"a", "b", "c"}}); err != nil {
		t.Fatal(err)
	}
	if eng.InstallCalls() != 2 {
		t.Errorf("expected 2 install batches, got %d", eng.InstallCalls())
	}
	if got := eng.IndexFetches(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("IndexFetches() = %v", got)
	}
}

func TestEnsureEmptyRequestSkipsEngine(t *testing.T) {
	eng := enginetest.New()
	boot := &enginetest.Bootstrapper{Engine: eng}
	h := NewHandle(boot.Bootstrap, zerolog.Nop())
	r := NewResolver(h, zerolog.Nop())

	// Not initialized: an empty request must not wait for the engine.
	if err := r.Ensure(context.Background(), PackageRequest{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if eng.InstallerLoads() != 0 {
		t.Error("installer must not be loaded for an empty request")
	}
	if boot.Calls() != 0 {
		t.Error("empty request must not bootstrap the engine")
	}
}

func TestEnsureLoadedPackagesSkipInstaller(t *testing.T) {
	r, _, eng := readyResolver(t)
	ctx := context.Background()

	if err := r.Ensure(ctx, PackageRequest{Real: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	acquired, _ := eng.Leases()

	if err := r.Ensure(ctx, PackageRequest{Real: []string{"A"}}); err != nil {
		t.Fatal(err)
	}
	if again, _ := eng.Leases(); again != acquired {
		t.Errorf("installer leased for an already-loaded package: %d -> %d", acquired, again)
	}
}

func TestEnsureMockReplaceLastWins(t *testing.T) {
	r, _, eng := readyResolver(t)
	ctx := context.Background()

	v1 := engine.MockSpec{Name: "x", Version: "1.0.0", Modules: map[string]string{"m": "v1"}}
	v2 := engine.MockSpec{Name: "x", Version: "1.0.0", Modules: map[string]string{"m": "v2"}}

	if err := r.Ensure(ctx, PackageRequest{Mocks: []engine.MockSpec{v1}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Ensure(ctx, PackageRequest{Mocks: []engine.MockSpec{v2}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Ensure(ctx, PackageRequest{Real: []string{"x"}}); err != nil {
		t.Fatal(err)
	}

	src, ok := eng.Module("m")
	if !ok || src != "v2" {
		t.Errorf("expected module m = v2, got %q (present=%v)", src, ok)
	}
}

func TestEnsureMockReplaceWithinOneRequest(t *testing.T) {
	r, _, eng := readyResolver(t)
	req := PackageRequest{
		Real: []string{"x"},
		Mocks: []engine.MockSpec{
			{Name: "x", Version: "1.0.0", Modules: map[string]string{"m": "first"}},
			{Name: "X", Version: "1.0.1", Modules: map[string]string{"m": "second"}},
		},
	}
	if err := r.Ensure(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if src, _ := eng.Module("m"); src != "second" {
		t.Errorf("expected later mock to win, got %q", src)
	}
}

func TestEnsureMockedNameSkipsIndex(t *testing.T) {
	r, h, eng := readyResolver(t)
	ctx := context.Background()
	mock := engine.MockSpec{
		Name:    "watchfiles",
		Version: "1.999.0",
		Modules: map[string]string{"watchfiles": "async def awatch(*args, **kwargs): ..."},
	}

	if err := r.Ensure(ctx, PackageRequest{Mocks: []engine.MockSpec{mock}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Ensure(ctx, PackageRequest{Real: []string{"watchfiles"}}); err != nil {
		t.Fatal(err)
	}

	if fetches := eng.IndexFetches(); len(fetches) != 0 {
		t.Errorf("mocked package must not hit the index, fetched %v", fetches)
	}
	if got := eng.MockInstalls(); !slices.Equal(got, []string{"watchfiles"}) {
		t.Errorf("MockInstalls() = %v", got)
	}
	if !h.IsLoaded("watchfiles") {
		t.Error("mocked install should be recorded as loaded")
	}
}

func TestEnsureMixedRequestInstallsOneBatch(t *testing.T) {
	r, _, eng := readyResolver(t)
	req := PackageRequest{
		Real:  []string{"ssl", "setuptools", "nb-cli", "watchfiles"},
		Mocks: []engine.MockSpec{{Name: "watchfiles", Version: "1.999.0"}},
	}
	if err := r.Ensure(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if eng.InstallCalls() != 1 {
		t.Errorf("expected one install batch, got %d", eng.InstallCalls())
	}
	if got := eng.IndexFetches(); !slices.Equal(got, []string{"ssl", "setuptools", "nb-cli"}) {
		t.Errorf("IndexFetches() = %v", got)
	}
}

func TestEnsureFailureDoesNotCommit(t *testing.T) {
	r, h, eng := readyResolver(t)
	ctx := context.Background()
	eng.FailInstall("b", errors.New("not found"))

	err := r.Ensure(ctx, PackageRequest{Real: []string{"a", "b"}})
	if !errors.Is(err, ErrResolve) {
		t.Fatalf("expected ErrResolve, got %v", err)
	}
	if len(h.LoadedPackages()) != 0 {
		t.Errorf("failed install must not commit names, got %v", h.LoadedPackages())
	}

	eng.FailInstall("b", nil)
	if err := r.Ensure(ctx, PackageRequest{Real: []string{"a", "b"}}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := h.LoadedPackages(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("LoadedPackages() = %v", got)
	}
}

func TestEnsureReleasesInstallerOnEveryPath(t *testing.T) {
	r, _, eng := readyResolver(t)
	ctx := context.Background()
	eng.FailInstall("bad", errors.New("boom"))

	_ = r.Ensure(ctx, PackageRequest{Real: []string{"good"}})
	_ = r.Ensure(ctx, PackageRequest{Real: []string{"bad"}})
	_ = r.Ensure(ctx, PackageRequest{Mocks: []engine.MockSpec{{Name: "m", Version: "1.0.0"}}})

	acquired, released := eng.Leases()
	if acquired != 3 || released != 3 {
		t.Errorf("expected 3 leases acquired and released, got %d/%d", acquired, released)
	}
}

func TestEnsureRejectsInvalidMock(t *testing.T) {
	r, _, eng := readyResolver(t)
	err := r.Ensure(context.Background(), PackageRequest{
		Mocks: []engine.MockSpec{{Name: "x", Version: "not-a-version"}},
	})
	if !errors.Is(err, ErrResolve) || !errors.Is(err, engine.ErrInvalidMock) {
		t.Errorf("expected invalid mock error, got %v", err)
	}
	if acquired, _ := eng.Leases(); acquired != 0 {
		t.Error("invalid request must not lease the installer")
	}
}

func TestEnsureConcurrentSameNameInstallsOnce(t *testing.T) {
	r, _, eng := readyResolver(t)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Ensure(context.Background(), PackageRequest{Real: []string{"a"}}); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := eng.InstallCount("a"); n != 1 {
		t.Errorf("expected one install under concurrency, got %d", n)
	}
}

func TestEnsureConcurrentMockLaterSubmissionWins(t *testing.T) {
	r, _, eng := readyResolver(t)
	entered, release := eng.GateInstall("slow")
	defer release()
	mock := func(src string) engine.MockSpec {
		return engine.MockSpec{Name: "x", Version: "1.0.0", Modules: map[string]string{"x": src}}
	}

	first := make(chan error, 1)
	go func() {
		first <- r.Ensure(context.Background(), PackageRequest{Real: []string{"slow"}, Mocks: []engine.MockSpec{mock("v1")}})
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		second <- r.Ensure(context.Background(), PackageRequest{Mocks: []engine.MockSpec{mock("v2")}})
	}()
	if src, _ := eng.Module("x"); src != "v1" {
		t.Fatalf("second caller registered while the first held the installer: %q", src)
	}
	release()

	if err := <-first; err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if src, _ := eng.Module("x"); src != "v2" {
		t.Errorf("module x = %q, want the later submission v2", src)
	}
}

func TestPackageRequestClone(t *testing.T) {
	req := PackageRequest{
		Real:  []string{"a"},
		Mocks: []engine.MockSpec{{Name: "m", Version: "1.0.0", Modules: map[string]string{"m": "v1"}}},
	}
	c := req.Clone()
	req.Real[0] = "b"
	req.Mocks[0].Modules["m"] = "v2"

	if c.Real[0] != "a" || c.Mocks[0].Modules["m"] != "v1" {
		t.Errorf("Clone shares memory with the original: %+v", c)
	}
	if !(PackageRequest{}).Clone().IsEmpty() {
		t.Error("clone of an empty request is not empty")
	}
}

func TestEnsureFailsAfterBootstrapFailure(t *testing.T) {
	boot := &enginetest.Bootstrapper{Err: errors.New("no image")}
	h := NewHandle(boot.Bootstrap, zerolog.Nop())
	_ = h.Initialize(context.Background())
	r := NewResolver(h, zerolog.Nop())

	err := r.Ensure(context.Background(), PackageRequest{Real: []string{"a"}})
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Errorf("expected ErrBootstrapFailed, got %v", err)
	}
}

func TestPackageRequestEqual(t *testing.T) {
	a := PackageRequest{Real: []string{"a"}, Mocks: []engine.MockSpec{{Name: "m", Version: "1.0.0"}}}
	b := PackageRequest{Real: []string{"a"}, Mocks: []engine.MockSpec{{Name: "m", Version: "1.0.0"}}}
	c := PackageRequest{Real: []string{"a"}, Mocks: []engine.MockSpec{{Name: "m", Version: "2.0.0"}}}
	if !a.Equal(b) {
		t.Error("equal requests reported different")
	}
	if a.Equal(c) {
		t.Error("different mocks reported equal")
	}
	if !(PackageRequest{}).IsEmpty() {
		t.Error("zero request should be empty")
	}
}
