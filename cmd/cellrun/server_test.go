package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/engine/enginetest"
	"github.com/caffeineduck/cellrun/runtime"
)

func setupTestServer(t *testing.T, boot *enginetest.Bootstrapper) (*httptest.Server, *cellManager) {
	t.Helper()
	p := runtime.NewProvider(boot.Bootstrap)
	p.Mount(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cells := newCellManager(p, 15*time.Minute, zerolog.Nop())
	srv := httptest.NewServer(newServer(ctx, cells, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cells.closeAll()
		cancel()
	})
	return srv, cells
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	eng := enginetest.New()
	srv, _ := setupTestServer(t, &enginetest.Bootstrapper{Engine: eng})

	var health healthResponse
	deadline := time.Now().Add(5 * time.Second)
	for health.Runtime != "ready" && time.Now().Before(deadline) {
		doJSON(t, http.MethodGet, srv.URL+"/health", nil, &health)
		time.Sleep(time.Millisecond)
	}
	if health.Status != "ok" || health.Runtime != "ready" {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthReportsBootstrapFailure(t *testing.T) {
	srv, _ := setupTestServer(t, &enginetest.Bootstrapper{Err: errors.New("image unavailable")})

	var health healthResponse
	var status int
	deadline := time.Now().Add(5 * time.Second)
	for status != http.StatusServiceUnavailable && time.Now().Before(deadline) {
		status = doJSON(t, http.MethodGet, srv.URL+"/health", nil, &health)
		time.Sleep(time.Millisecond)
	}
	if status != http.StatusServiceUnavailable || health.Error == "" {
		t.Errorf("status = %d, health = %+v", status, health)
	}
}

func TestCellLifecycle(t *testing.T) {
	eng := enginetest.New()
	srv, cells := setupTestServer(t, &enginetest.Bootstrapper{Engine: eng})

	var created cellResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/cells", cellRequest{
		Source:   "print(1)",
		Packages: []string{"requests"},
	}, &created)
	if status != http.StatusCreated || created.ID == "" {
		t.Fatalf("create: status %d, %+v", status, created)
	}

	var got cellResponse
	doJSON(t, http.MethodGet, srv.URL+"/cells/"+created.ID+"?wait=5s", nil, &got)
	if got.Output != "out:print(1)" || got.State != "published" {
		t.Errorf("after create: %+v", got)
	}
	if eng.InstallCount("requests") != 1 {
		t.Error("declared package not installed")
	}

	status = doJSON(t, http.MethodPut, srv.URL+"/cells/"+created.ID, cellRequest{
		Source:   "print(2)",
		Packages: []string{"requests"},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("update: status %d", status)
	}
	doJSON(t, http.MethodGet, srv.URL+"/cells/"+created.ID+"?wait=5s", nil, &got)
	if got.Output != "out:print(2)" {
		t.Errorf("after update: %+v", got)
	}
	if eng.InstallCount("requests") != 1 {
		t.Error("loaded package installed twice")
	}

	if status := doJSON(t, http.MethodDelete, srv.URL+"/cells/"+created.ID, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete: status %d", status)
	}
	if cells.count() != 0 {
		t.Errorf("cells = %d after delete", cells.count())
	}
	if status := doJSON(t, http.MethodGet, srv.URL+"/cells/"+created.ID, nil, nil); status != http.StatusNotFound {
		t.Errorf("get deleted: status %d", status)
	}
}

func TestCellCreateWithMock(t *testing.T) {
	eng := enginetest.New()
	srv, _ := setupTestServer(t, &enginetest.Bootstrapper{Engine: eng})

	var created cellResponse
	doJSON(t, http.MethodPost, srv.URL+"/cells", map[string]any{
		"source":   "import watchfiles",
		"packages": []string{"watchfiles"},
		"mock_packages": []map[string]any{{
			"name":    "watchfiles",
			"version": "1.999.0",
			"modules": map[string]string{"watchfiles": "async def awatch(*args, **kwargs): ..."},
		}},
	}, &created)
	doJSON(t, http.MethodGet, srv.URL+"/cells/"+created.ID+"?wait=5s", nil, &created)

	if len(eng.IndexFetches()) != 0 {
		t.Errorf("mocked package fetched from index: %v", eng.IndexFetches())
	}
	if _, ok := eng.Module("watchfiles"); !ok {
		t.Error("mock module not registered")
	}
}

func TestCellCreateRejectsBadInput(t *testing.T) {
	srv, _ := setupTestServer(t, &enginetest.Bootstrapper{Engine: enginetest.New()})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/cells", bytes.NewBufferString("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid json: status %d", resp.StatusCode)
	}

	status := doJSON(t, http.MethodPost, srv.URL+"/cells", map[string]any{
		"source":        "x",
		"mock_packages": []map[string]any{{"name": "x", "version": "latest"}},
	}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("invalid mock: status %d", status)
	}
}

func TestCellPlaceholderWhileRuntimeLoads(t *testing.T) {
	gate := make(chan struct{})
	srv, _ := setupTestServer(t, &enginetest.Bootstrapper{Engine: enginetest.New(), Gate: gate})
	defer close(gate)

	var created cellResponse
	doJSON(t, http.MethodPost, srv.URL+"/cells", cellRequest{Source: "x"}, &created)
	if created.Output != cell.DefaultPlaceholder {
		t.Errorf("output before runtime ready = %q", created.Output)
	}
}

func TestCellManagerExpire(t *testing.T) {
	p := runtime.NewProvider((&enginetest.Bootstrapper{Engine: enginetest.New()}).Bootstrap)
	cm := newCellManager(p, time.Minute, zerolog.Nop())
	id, c := cm.create(context.Background(), cell.WithSource("x"))

	if n := cm.expire(time.Now()); n != 0 {
		t.Errorf("fresh cell expired")
	}
	if n := cm.expire(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("expire = %d, want 1", n)
	}
	if c.State() != cell.StateUnmounted {
		t.Errorf("expired cell state = %v", c.State())
	}
	if _, ok := cm.get(id); ok {
		t.Error("expired cell still reachable")
	}
}

func TestCellManagerCreateSurvivesRemoval(t *testing.T) {
	p := runtime.NewProvider((&enginetest.Bootstrapper{Engine: enginetest.New()}).Bootstrap)
	cm := newCellManager(p, time.Minute, zerolog.Nop())
	id, c := cm.create(context.Background(), cell.WithSource("x"), cell.WithPlaceholder("wait"))
	if !cm.remove(id) {
		t.Fatal("remove reported a missing cell")
	}

	if c == nil {
		t.Fatal("create returned a nil cell")
	}
	resp := describe(id, c)
	if resp.ID != id || resp.Output != "wait" {
		t.Errorf("describe = %+v", resp)
	}
}
