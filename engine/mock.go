package engine

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// MockSpec declares a package that is satisfied by in-memory module sources
// instead of a download.
type MockSpec struct {
	Name    string            `json:"name" toml:"name"`
	Version string            `json:"version" toml:"version"`
	Modules map[string]string `json:"modules,omitempty" toml:"modules"`
}

var separatorRun = regexp.MustCompile(`[-_.]+`)

// NormalizeName returns the canonical form of a package name: lower case,
// with every run of "-", "_" and "." collapsed to a single "-".
func NormalizeName(name string) string {
	return separatorRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Validate checks the name, version and module names of s.
func (s MockSpec) Validate() error {
	if NormalizeName(s.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidMock)
	}
	if !validVersion(s.Version) {
		return fmt.Errorf("%w: %s: version %q is not a release version", ErrInvalidMock, s.Name, s.Version)
	}
	for mod := range s.Modules {
		if !ValidModuleName(mod) {
			return fmt.Errorf("%w: %s: module name %q", ErrInvalidMock, s.Name, mod)
		}
	}
	return nil
}

// ModuleSources returns the modules the mock provides. A mock without modules
// provides one empty module named after the package.
func (s MockSpec) ModuleSources() map[string]string {
	if len(s.Modules) == 0 {
		return map[string]string{ImportName(s.Name): ""}
	}
	return maps.Clone(s.Modules)
}

// ModuleNames returns the sorted module names the mock provides.
func (s MockSpec) ModuleNames() []string {
	return slices.Sorted(maps.Keys(s.ModuleSources()))
}

// Equal reports whether s and o declare the same package and sources.
func (s MockSpec) Equal(o MockSpec) bool {
	return s.Name == o.Name && s.Version == o.Version && maps.Equal(s.Modules, o.Modules)
}

// ImportName maps a package name to the module name Python would import.
func ImportName(name string) string {
	return strings.ReplaceAll(NormalizeName(name), "-", "_")
}

// ValidModuleName reports whether name is a dotted sequence of identifiers.
func ValidModuleName(name string) bool {
	if name == "" {
		return false
	}
	for part := range strings.SplitSeq(name, ".") {
		if !isIdentifier(part) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func validVersion(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}
