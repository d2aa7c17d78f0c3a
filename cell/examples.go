package cell

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/caffeineduck/cellrun/runtime"
)

// ErrUnknownExample is returned by LookupExample for a name with no script.
var ErrUnknownExample = errors.New("unknown example")

//go:embed examples/*.py
var exampleFS embed.FS

// Example is a bundled snippet together with the packages it needs.
type Example struct {
	Name    string
	Source  string
	Request runtime.PackageRequest
}

// Examples returns the names of the bundled examples, sorted. Each one prints
// the help text of an nb-cli subcommand and runs with CLIPreset.
func Examples() []string {
	entries, err := fs.Glob(exampleFS, "examples/nb_*.py")
	if err != nil {
		panic(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(path.Base(e), "nb_"), ".py"))
	}
	slices.Sort(names)
	return names
}

// LookupExample returns the bundled example called name.
func LookupExample(name string) (Example, error) {
	if !slices.Contains(Examples(), name) {
		return Example{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownExample, name, strings.Join(Examples(), ", "))
	}
	src, err := exampleFS.ReadFile("examples/nb_" + name + ".py")
	if err != nil {
		return Example{}, err
	}
	return Example{
		Name:    name,
		Source:  string(src),
		Request: CLIPreset(),
	}, nil
}
