package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/executor"
	"github.com/caffeineduck/cellrun/pypi"
)

// config is the resolved CLI configuration: defaults, overlaid by the TOML
// file, overlaid by flags.
type config struct {
	Engine   engineConfig
	Index    indexConfig
	Log      logConfig
	Packages []string
	Mocks    []engine.MockSpec
}

type engineConfig struct {
	ImageURL        string
	CacheDir        string
	NoCache         bool
	Memory          string
	Timeout         time.Duration
	StartTimeout    time.Duration
	Mounts          []string
	AllowInstall    bool
	AllowedPackages []string
}

type indexConfig struct {
	URL         string
	MaxBodySize int64
}

type logConfig struct {
	Level   string
	Console bool
}

func defaultConfig() config {
	return config{
		Engine: engineConfig{
			ImageURL:     executor.DefaultImageURL,
			CacheDir:     executor.DefaultCacheDir(),
			Memory:       "256mb",
			Timeout:      30 * time.Second,
			StartTimeout: 60 * time.Second,
		},
		Index: indexConfig{
			URL:         pypi.DefaultBaseURL,
			MaxBodySize: 50 << 20,
		},
		Log: logConfig{
			Level:   "warn",
			Console: true,
		},
	}
}

// cellrun.toml key mapping.
type fileConfig struct {
	Packages []string `toml:"packages"`
	Engine   struct {
		ImageURL        string   `toml:"image_url"`
		CacheDir        string   `toml:"cache_dir"`
		NoCache         bool     `toml:"no_cache"`
		Memory          string   `toml:"memory"`
		Timeout         string   `toml:"timeout"`
		StartTimeout    string   `toml:"start_timeout"`
		Mounts          []string `toml:"mounts"`
		AllowInstall    bool     `toml:"allow_install"`
		AllowedPackages []string `toml:"allowed_packages"`
	} `toml:"engine"`
	Index struct {
		URL         string `toml:"url"`
		MaxBodySize int64  `toml:"max_body_size"`
	} `toml:"index"`
	Log struct {
		Level   string `toml:"level"`
		Console bool   `toml:"console"`
	} `toml:"log"`
	Mocks []engine.MockSpec `toml:"mock"`
}

// loadConfig overlays the TOML file at path on the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("packages") {
		cfg.Packages = raw.Packages
	}
	if meta.IsDefined("engine", "image_url") {
		cfg.Engine.ImageURL = strings.TrimSpace(raw.Engine.ImageURL)
	}
	if meta.IsDefined("engine", "cache_dir") {
		cfg.Engine.CacheDir = expandHome(strings.TrimSpace(raw.Engine.CacheDir))
	}
	if meta.IsDefined("engine", "no_cache") {
		cfg.Engine.NoCache = raw.Engine.NoCache
	}
	if meta.IsDefined("engine", "memory") {
		if _, err := parseMemoryLimit(raw.Engine.Memory); err != nil {
			return config{}, fmt.Errorf("load config: engine.memory: %w", err)
		}
		cfg.Engine.Memory = raw.Engine.Memory
	}
	if meta.IsDefined("engine", "timeout") {
		d, err := time.ParseDuration(raw.Engine.Timeout)
		if err != nil {
			return config{}, fmt.Errorf("load config: engine.timeout: %w", err)
		}
		cfg.Engine.Timeout = d
	}
	if meta.IsDefined("engine", "start_timeout") {
		d, err := time.ParseDuration(raw.Engine.StartTimeout)
		if err != nil {
			return config{}, fmt.Errorf("load config: engine.start_timeout: %w", err)
		}
		cfg.Engine.StartTimeout = d
	}
	if meta.IsDefined("engine", "mounts") {
		for _, m := range raw.Engine.Mounts {
			if _, _, err := parseMount(m); err != nil {
				return config{}, fmt.Errorf("load config: %w", err)
			}
		}
		cfg.Engine.Mounts = raw.Engine.Mounts
	}
	if meta.IsDefined("engine", "allow_install") {
		cfg.Engine.AllowInstall = raw.Engine.AllowInstall
	}
	if meta.IsDefined("engine", "allowed_packages") {
		cfg.Engine.AllowedPackages = raw.Engine.AllowedPackages
		cfg.Engine.AllowInstall = true
	}
	if meta.IsDefined("index", "url") {
		cfg.Index.URL = strings.TrimSpace(raw.Index.URL)
	}
	if meta.IsDefined("index", "max_body_size") {
		cfg.Index.MaxBodySize = raw.Index.MaxBodySize
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "console") {
		cfg.Log.Console = raw.Log.Console
	}
	for _, spec := range raw.Mocks {
		if err := spec.Validate(); err != nil {
			return config{}, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.Mocks = raw.Mocks

	return cfg, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

// parseMount parses "host:guest".
func parseMount(spec string) (hostDir, guestDir string, err error) {
	hostDir, guestDir, ok := strings.Cut(spec, ":")
	if !ok || hostDir == "" || !strings.HasPrefix(guestDir, "/") {
		return "", "", fmt.Errorf("invalid mount spec %q (expected host:/guest)", spec)
	}
	return hostDir, guestDir, nil
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "default":
		return 0, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("unknown memory limit %q (expected 64mb, 256mb or 1gb)", s)
	}
}

// parseMockFlag parses "name@version" or "name@version=path.py". With a path,
// the file becomes the source of the package's import module.
func parseMockFlag(spec string) (engine.MockSpec, error) {
	decl, file, hasFile := strings.Cut(spec, "=")
	name, version, ok := strings.Cut(decl, "@")
	if !ok {
		return engine.MockSpec{}, fmt.Errorf("invalid mock %q (expected name@version[=file.py])", spec)
	}
	mock := engine.MockSpec{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	if hasFile {
		src, err := os.ReadFile(file)
		if err != nil {
			return engine.MockSpec{}, fmt.Errorf("mock %s: %w", name, err)
		}
		mock.Modules = map[string]string{engine.ImportName(mock.Name): string(src)}
	}
	if err := mock.Validate(); err != nil {
		return engine.MockSpec{}, err
	}
	return mock, nil
}
