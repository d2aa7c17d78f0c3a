// Package runtime coordinates one lazily started embedded interpreter and
// the packages installed into it.
//
// # Overview
//
// A [Provider] owns a [Handle] (the engine and its installed-package set)
// and a [Resolver] (which installs packages on demand). It is created once at
// the root of a scope and handed to consumers through a context.Context:
//
//	p := runtime.NewProvider(executor.Bootstrap(cfg))
//	p.Mount(ctx)
//	ctx = runtime.NewContext(ctx, p)
//
//	// anywhere below
//	rt := runtime.Use(ctx)
//	err := rt.Ensure(ctx, runtime.PackageRequest{
//	    Real:  []string{"nb-cli"},
//	    Mocks: []engine.MockSpec{{Name: "watchfiles", Version: "1.999.0"}},
//	})
//
// # Bootstrap
//
// [Handle.Initialize] runs the engine bootstrap exactly once no matter how
// many callers race on it. A failed bootstrap is permanent for the Handle:
// [Handle.Ready] never closes and no retry is attempted.
//
// # Mock packages
//
// Mocks are registered before real packages are installed, so a name that is
// both requested and mocked resolves to the mock without an index fetch.
// Registering a mock whose name is already registered replaces it.
package runtime
