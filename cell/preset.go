package cell

import (
	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/runtime"
)

// CLIPreset returns the packages a cell needs to demonstrate the nb-cli
// command line. watchfiles ships native code, so it is replaced by a stub
// whose awatch does nothing.
func CLIPreset() runtime.PackageRequest {
	return runtime.PackageRequest{
		Real: []string{"ssl", "setuptools", "nb-cli"},
		Mocks: []engine.MockSpec{{
			Name:    "watchfiles",
			Version: "1.999.0",
			Modules: map[string]string{
				"watchfiles": "async def awatch(*args, **kwargs): ...",
			},
		}},
	}
}

// WithRequest sets both real and mock packages from req.
func WithRequest(req runtime.PackageRequest) Option {
	return func(c *config) {
		c.packages = append(c.packages, req.Real...)
		c.mocks = append(c.mocks, req.Mocks...)
	}
}
