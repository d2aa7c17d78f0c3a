package hostfunc

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"github.com/caffeineduck/cellrun/engine"
)

// PkgConfig configures the guest-facing package installer.
type PkgConfig struct {
	AllowedPackages []string // If set, only these packages can be installed
	Enabled         bool     // Whether package installation is enabled
	MaxBatch        int      // Maximum names per call, 0 means 16
}

// DefaultPkgConfig returns the default package installer configuration.
func DefaultPkgConfig() PkgConfig {
	return PkgConfig{
		Enabled:  false,
		MaxBatch: 16,
	}
}

// EnsureFunc installs names into the running engine.
type EnsureFunc func(ctx context.Context, names []string) error

// Project names as allowed by PEP 508.
var pkgNamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)

// NewPkgInstaller returns a host function that lets guest code install
// packages. Installs go through ensure so the host keeps one authoritative
// record of what is loaded.
// Args: name (string) or names (list of strings).
func NewPkgInstaller(cfg PkgConfig, ensure EnsureFunc) Func {
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 16
	}
	allowed := make([]string, 0, len(cfg.AllowedPackages))
	for _, name := range cfg.AllowedPackages {
		allowed = append(allowed, engine.NormalizeName(name))
	}

	return func(ctx context.Context, args map[string]any) (any, error) {
		if !cfg.Enabled {
			return nil, fmt.Errorf("package installation disabled")
		}

		names, err := pkgNames(args)
		if err != nil {
			return nil, err
		}
		if len(names) > maxBatch {
			return nil, fmt.Errorf("too many packages (max %d)", maxBatch)
		}

		for _, name := range names {
			if !pkgNamePattern.MatchString(name) {
				return nil, fmt.Errorf("invalid package name")
			}
			if len(allowed) > 0 && !slices.Contains(allowed, engine.NormalizeName(name)) {
				return nil, fmt.Errorf("package %q not allowed", name)
			}
		}

		if err := ensure(ctx, names); err != nil {
			return map[string]any{
				"success": false,
				"error":   err.Error(),
			}, nil
		}
		return map[string]any{
			"success":  true,
			"packages": names,
		}, nil
	}
}

func pkgNames(args map[string]any) ([]string, error) {
	if name, ok := args["name"].(string); ok && name != "" {
		return []string{name}, nil
	}
	raw, ok := args["names"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("package name required")
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("invalid package name")
		}
		names = append(names, s)
	}
	return names, nil
}

// NewPkgList returns a host function reporting the installed packages.
func NewPkgList(list func() []string) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return list(), nil
	}
}
