// Package python provides the Python language adapter for cellrun.
package python

import (
	_ "embed"
	"slices"
	"strings"
)

//go:embed prelude.py
var prelude string

// Stdlib modules some Python distributions ship separately. The interpreter
// image carries them, so installing them is a no-op.
var bundled = []string{"hashlib", "lzma", "pydecimal", "pydoc-data", "sqlite3", "ssl"}

// Python implements the executor.Language interface for Python execution.
type Python struct {
	module []byte
}

// New returns a Python adapter for the given interpreter image.
func New(module []byte) *Python {
	return &Python{module: module}
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Module returns the interpreter WASM image.
func (p *Python) Module() []byte {
	return p.module
}

// Args starts the interpreter on the session prelude.
func (p *Python) Args() []string {
	return []string{"python", "-c", prelude}
}

// Env puts the mock directory ahead of site-packages so a mock shadows any
// real package of the same name.
func (p *Python) Env(siteDir, mockDir string) map[string]string {
	return map[string]string{
		"PYTHONPATH":              strings.Join([]string{mockDir, siteDir}, ":"),
		"PYTHONDONTWRITEBYTECODE": "1",
		"PYTHONIOENCODING":        "utf-8",
		"CELLRUN_SESSION":         "1",
	}
}

// Bundled returns the packages provided by the interpreter image itself.
func (p *Python) Bundled() []string {
	return slices.Clone(bundled)
}
