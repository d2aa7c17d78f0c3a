// Package pypi fetches pure-Python wheels from a PyPI-compatible JSON API
// and unpacks them into a site directory.
package pypi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/engine"
)

// DefaultBaseURL is the public PyPI JSON API.
const DefaultBaseURL = "https://pypi.org/pypi"

var (
	ErrNotFound    = errors.New("package not found")
	ErrBlocked     = errors.New("package not supported in WASM")
	ErrNoWheel     = errors.New("no compatible wheel found (pure Python wheel required)")
	ErrNativeCode  = errors.New("wheel contains native extensions")
	ErrTooLarge    = errors.New("download exceeds size limit")
	ErrDigest      = errors.New("wheel digest mismatch")
	ErrUnsafeWheel = errors.New("wheel entry escapes target directory")
	ErrInvalidName = errors.New("invalid package name")
)

// Release is one installable wheel.
type Release struct {
	Name     string
	Version  string
	Filename string
	URL      string
	SHA256   string
}

type fileURL struct {
	PackageType string            `json:"packagetype"`
	Filename    string            `json:"filename"`
	URL         string            `json:"url"`
	Digests     map[string]string `json:"digests"`
	Yanked      bool              `json:"yanked"`
}

type projectResponse struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	URLs []fileURL `json:"urls"`
}

// Client talks to the package index.
type Client struct {
	baseURL string
	http    *http.Client
	maxBody int64
	blocked map[string]string
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another index.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithMaxBodySize limits metadata and wheel downloads, in bytes.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		c.maxBody = n
	}
}

// WithBlocked replaces the blocklist. Keys are package names, values the
// reason reported to the caller.
func WithBlocked(blocked map[string]string) Option {
	return func(c *Client) {
		c.blocked = make(map[string]string, len(blocked))
		for name, reason := range blocked {
			c.blocked[engine.NormalizeName(name)] = reason
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New returns a Client for the public index.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		maxBody: 50 << 20,
		log:     zerolog.Nop(),
	}
	WithBlocked(DefaultBlocked)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseSpec splits a requirement like "pydantic==2.0" into name and pinned
// version. Only exact pins are honored; other operators resolve to the latest
// release.
func ParseSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if i := strings.Index(spec, "=="); i != -1 {
		return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+2:])
	}
	for _, op := range []string{">=", "<=", "~=", "!=", ">", "<", "["} {
		if i := strings.Index(spec, op); i != -1 {
			return strings.TrimSpace(spec[:i]), ""
		}
	}
	return spec, ""
}

// Resolve finds the pure-Python wheel for spec.
func (c *Client) Resolve(ctx context.Context, spec string) (Release, error) {
	name, version := ParseSpec(spec)
	if name == "" || strings.ContainsAny(name, "/?#% ") {
		return Release{}, fmt.Errorf("%w: %q", ErrInvalidName, spec)
	}
	if reason, blocked := c.blocked[engine.NormalizeName(name)]; blocked {
		return Release{}, fmt.Errorf("%w: %s (%s)", ErrBlocked, name, reason)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(name)
	if version != "" {
		endpoint += "/" + url.PathEscape(version)
	}
	endpoint += "/json"

	body, err := c.get(ctx, endpoint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Release{}, fmt.Errorf("%w: %s", ErrNotFound, spec)
		}
		return Release{}, fmt.Errorf("fetch package info: %w", err)
	}

	var resp projectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Release{}, fmt.Errorf("parse package info: %w", err)
	}

	f, ok := findWheel(resp.URLs)
	if !ok {
		return Release{}, fmt.Errorf("%w: %s %s", ErrNoWheel, resp.Info.Name, resp.Info.Version)
	}
	return Release{
		Name:     resp.Info.Name,
		Version:  resp.Info.Version,
		Filename: f.Filename,
		URL:      f.URL,
		SHA256:   f.Digests["sha256"],
	}, nil
}

// Install resolves spec and unpacks its wheel into dir.
func (c *Client) Install(ctx context.Context, spec, dir string) (Release, error) {
	rel, err := c.Resolve(ctx, spec)
	if err != nil {
		return Release{}, err
	}

	start := time.Now()
	data, err := c.get(ctx, rel.URL)
	if err != nil {
		return Release{}, fmt.Errorf("download %s: %w", rel.Filename, err)
	}
	if rel.SHA256 != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, rel.SHA256) {
			return Release{}, fmt.Errorf("%w: %s", ErrDigest, rel.Filename)
		}
	}

	if err := ExtractWheel(bytes.NewReader(data), int64(len(data)), dir); err != nil {
		return Release{}, fmt.Errorf("extract %s: %w", rel.Filename, err)
	}
	c.log.Debug().
		Str("package", rel.Name).
		Str("version", rel.Version).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("wheel installed")
	return rel, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("index returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBody {
		return nil, ErrTooLarge
	}
	return data, nil
}

// findWheel picks the first pure-Python wheel. Native wheels cannot load in
// the WASM interpreter.
func findWheel(urls []fileURL) (fileURL, bool) {
	for _, u := range urls {
		if u.PackageType != "bdist_wheel" || u.Yanked {
			continue
		}
		filename := strings.ToLower(u.Filename)
		if strings.Contains(filename, "-py3-none-any") || strings.Contains(filename, "-py2.py3-none-any") {
			return u, true
		}
	}
	return fileURL{}, false
}
