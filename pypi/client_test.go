package pypi

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func buildWheel(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeIndex struct {
	*httptest.Server
	wheel    []byte
	filename string

	mu       sync.Mutex
	digest   string
	requests []string
}

func (idx *fakeIndex) setDigest(d string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.digest = d
}

func (idx *fakeIndex) firstRequest() string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.requests) == 0 {
		return ""
	}
	return idx.requests[0]
}

func newFakeIndex(t *testing.T, wheel []byte) *fakeIndex {
	t.Helper()
	sum := sha256.Sum256(wheel)
	idx := &fakeIndex{
		wheel:    wheel,
		digest:   hex.EncodeToString(sum[:]),
		filename: "tinylib-1.2.0-py3-none-any.whl",
	}
	mux := http.NewServeMux()
	project := func(w http.ResponseWriter, r *http.Request) {
		idx.mu.Lock()
		idx.requests = append(idx.requests, r.URL.Path)
		digest := idx.digest
		idx.mu.Unlock()
		version := r.PathValue("version")
		if version == "" {
			version = "1.2.0"
		}
		resp := map[string]any{
			"info": map[string]string{"name": "tinylib", "version": version},
			"urls": []map[string]any{
				{"packagetype": "sdist", "filename": "tinylib-1.2.0.tar.gz", "url": idx.URL + "/files/sdist"},
				{
					"packagetype": "bdist_wheel",
					"filename":    idx.filename,
					"url":         idx.URL + "/files/wheel",
					"digests":     map[string]string{"sha256": digest},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
	mux.HandleFunc("GET /pypi/tinylib/json", project)
	mux.HandleFunc("GET /pypi/tinylib/{version}/json", project)
	mux.HandleFunc("GET /pypi/sdist-only/json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"info": map[string]string{"name": "sdist-only", "version": "0.1"},
			"urls": []map[string]any{{"packagetype": "sdist", "filename": "sdist-only-0.1.tar.gz"}},
		})
	})
	mux.HandleFunc("GET /files/wheel", func(w http.ResponseWriter, r *http.Request) {
		w.Write(idx.wheel)
	})
	idx.Server = httptest.NewServer(mux)
	t.Cleanup(idx.Close)
	return idx
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec        string
		wantName    string
		wantVersion string
	}{
		{"requests", "requests", ""},
		{"pydantic==2.0", "pydantic", "2.0"},
		{"requests>=2.32", "requests", ""},
		{"pydantic[email]", "pydantic", ""},
		{" nb-cli == 1.4.2 ", "nb-cli", "1.4.2"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, version := ParseSpec(tt.spec)
			if name != tt.wantName || version != tt.wantVersion {
				t.Errorf("ParseSpec(%q) = %q, %q", tt.spec, name, version)
			}
		})
	}
}

func TestResolvePicksPureWheel(t *testing.T) {
	idx := newFakeIndex(t, buildWheel(t, map[string]string{"tinylib/__init__.py": ""}))
	c := New(WithBaseURL(idx.URL + "/pypi"))

	rel, err := c.Resolve(context.Background(), "tinylib")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rel.Filename != idx.filename || rel.SHA256 != idx.digest {
		t.Errorf("unexpected release %+v", rel)
	}
}

func TestResolvePinnedVersion(t *testing.T) {
	idx := newFakeIndex(t, buildWheel(t, map[string]string{"tinylib/__init__.py": ""}))
	c := New(WithBaseURL(idx.URL + "/pypi"))

	rel, err := c.Resolve(context.Background(), "tinylib==1.0.0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rel.Version != "1.0.0" {
		t.Errorf("Version = %q", rel.Version)
	}
	if got := idx.firstRequest(); got != "/pypi/tinylib/1.0.0/json" {
		t.Errorf("requested %q", got)
	}
}

func TestResolveErrors(t *testing.T) {
	idx := newFakeIndex(t, nil)
	c := New(WithBaseURL(idx.URL+"/pypi"), WithBlocked(map[string]string{"Numpy": "native"}))

	tests := []struct {
		spec string
		want error
	}{
		{"missing", ErrNotFound},
		{"numpy", ErrBlocked},
		{"sdist-only", ErrNoWheel},
		{"", ErrInvalidName},
		{"../etc", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := c.Resolve(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Resolve(%q) error = %v, want %v", tt.spec, err, tt.want)
			}
		})
	}
}

func TestInstallExtractsWheel(t *testing.T) {
	wheel := buildWheel(t, map[string]string{
		"tinylib/__init__.py":              "VALUE = 1\n",
		"tinylib/sub/mod.py":               "",
		"tinylib-1.2.0.dist-info/METADATA": "Name: tinylib\n",
	})
	idx := newFakeIndex(t, wheel)
	c := New(WithBaseURL(idx.URL + "/pypi"))
	dir := t.TempDir()

	if _, err := c.Install(context.Background(), "tinylib", dir); err != nil {
		t.Fatalf("install: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tinylib", "__init__.py"))
	if err != nil || string(data) != "VALUE = 1\n" {
		t.Errorf("package not extracted: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tinylib-1.2.0.dist-info", "METADATA")); err != nil {
		t.Errorf("metadata should be kept: %v", err)
	}
}

func TestInstallDigestMismatch(t *testing.T) {
	idx := newFakeIndex(t, buildWheel(t, map[string]string{"tinylib/__init__.py": ""}))
	idx.setDigest("deadbeef")
	c := New(WithBaseURL(idx.URL + "/pypi"))

	_, err := c.Install(context.Background(), "tinylib", t.TempDir())
	if !errors.Is(err, ErrDigest) {
		t.Errorf("expected ErrDigest, got %v", err)
	}
}

// noise returns n bytes that do not compress.
func noise(n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	sum := sha256.Sum256(nil)
	for len(out) < n {
		sum = sha256.Sum256(sum[:])
		out = append(out, sum[:]...)
	}
	return out[:n]
}

func TestInstallSizeLimit(t *testing.T) {
	idx := newFakeIndex(t, buildWheel(t, map[string]string{"tinylib/data.bin": string(noise(16 << 10))}))
	c := New(WithBaseURL(idx.URL+"/pypi"), WithMaxBodySize(4<<10))

	_, err := c.Install(context.Background(), "tinylib", t.TempDir())
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestExtractWheelRejectsNativeCode(t *testing.T) {
	wheel := buildWheel(t, map[string]string{
		"fast/__init__.py":  "",
		"fast/_speedups.so": "",
	})
	dir := t.TempDir()
	err := ExtractWheel(bytes.NewReader(wheel), int64(len(wheel)), dir)
	if !errors.Is(err, ErrNativeCode) {
		t.Fatalf("expected ErrNativeCode, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fast")); !os.IsNotExist(err) {
		t.Error("nothing should be written when the wheel is rejected")
	}
}

func TestExtractWheelRejectsTraversal(t *testing.T) {
	wheel := buildWheel(t, map[string]string{"../evil.py": "boom"})
	err := ExtractWheel(bytes.NewReader(wheel), int64(len(wheel)), t.TempDir())
	if !errors.Is(err, ErrUnsafeWheel) {
		t.Errorf("expected ErrUnsafeWheel, got %v", err)
	}
}
