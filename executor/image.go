package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultImageURL is a self-contained CPython build for WASI.
const DefaultImageURL = "https://github.com/vmware-labs/webassembly-language-runtimes/releases/download/python%2F3.12.0%2B20231211-040d5a6/python-3.12.0.wasm"

// ErrImageDigest is returned when an image does not match its pinned digest.
var ErrImageDigest = errors.New("interpreter image digest mismatch")

// DefaultCacheDir returns ~/.cache/cellrun or XDG_CACHE_HOME/cellrun.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "cellrun")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "cellrun")
	}
	return filepath.Join(os.TempDir(), "cellrun-cache")
}

// FetchImage loads an interpreter image. src is a local path, a file:// URL or
// an http(s) URL; remote images are cached under cacheDir. A "#sha256=<hex>"
// fragment pins the image content and keys the cache entry by that digest.
func FetchImage(ctx context.Context, src, cacheDir string) ([]byte, error) {
	pinned := src
	src, digest, _ := strings.Cut(src, "#sha256=")
	remote := false

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		remote = true
		data, err = fetchCached(ctx, src, ImageCachePath(pinned, cacheDir))
	case strings.HasPrefix(src, "file://"):
		var u *url.URL
		if u, err = url.Parse(src); err == nil {
			data, err = os.ReadFile(u.Path)
		}
	default:
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", src, err)
	}

	if digest != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, digest) {
			if remote {
				os.Remove(ImageCachePath(pinned, cacheDir))
			}
			return nil, fmt.Errorf("%w: got %s", ErrImageDigest, got)
		}
	}
	return data, nil
}

// ImageCachePath returns where the remote image at src is cached. A pinned
// image is stored under its content digest, so two URLs serving the same
// pinned image share one entry. Unpinned images are keyed by URL.
func ImageCachePath(src, cacheDir string) string {
	src, digest, _ := strings.Cut(src, "#sha256=")
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	if b, err := hex.DecodeString(digest); err == nil && len(b) == sha256.Size {
		return filepath.Join(cacheDir, "images", "sha256-"+hex.EncodeToString(b)+".wasm")
	}
	sum := sha256.Sum256([]byte(src))
	return filepath.Join(cacheDir, "images", "url-"+hex.EncodeToString(sum[:])+".wasm")
}

func fetchCached(ctx context.Context, src, path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "image-*")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return data, nil
}
