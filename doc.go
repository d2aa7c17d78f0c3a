// Package cellrun coordinates Python snippets running on one lazily started
// WebAssembly interpreter.
//
// # Overview
//
// A page of cells shares a single interpreter. The interpreter is booted in
// the background the first time a runtime scope is mounted; every cell
// declares the packages it needs and waits for them before it runs.
// Packages are installed at most once per interpreter. Mock packages stand
// in for packages that cannot load in WebAssembly.
//
// # Basic Usage
//
//	p := runtime.NewProvider(executor.Bootstrap(executor.BootstrapConfig{
//	    Language: func(image []byte) executor.Language { return python.New(image) },
//	}))
//	p.Mount(ctx)
//	defer p.Close(ctx)
//
//	c := cell.New(p,
//	    cell.WithSource(`import requests; requests.__version__`),
//	    cell.WithPackages("requests"),
//	)
//	c.Mount(ctx)
//	c.Wait(ctx)
//	fmt.Println(c.Output())
//
// For a single snippet, [sandbox.Run] does the same in one call.
//
// See the [runtime], [cell], [engine], [executor] and [pypi] packages for
// detailed API documentation.
package cellrun
