// Package executor runs a persistent Python interpreter compiled to
// WebAssembly and exposes it as an [engine.Engine].
//
// # Overview
//
// An [Executor] compiles the interpreter image once, starts one long-lived
// session and evaluates code in it. Interpreter state persists between runs.
//
//	image, err := executor.FetchImage(ctx, executor.DefaultImageURL, "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	exec, err := executor.New(ctx, python.New(image), hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close(ctx)
//
//	out, err := exec.Run(ctx, `print("hello")`)
//
// # Packages
//
// [Executor.Installer] leases the package store. Real packages are fetched as
// pure-Python wheels and unpacked into the site directory. Mock packages are
// written as source files into a directory that precedes site on the import
// path, so a mock shadows a real package of the same name. Modules of
// replaced or removed mocks are dropped from the interpreter's import cache
// before the next run.
//
// # Session protocol
//
// The interpreter signals readiness, completion and host function calls on
// stderr using NUL-framed messages; host replies and commands are JSON lines
// on stdin. See protocol.go.
//
// # Language Interface
//
// To host another interpreter, implement the [Language] interface.
// See [github.com/caffeineduck/cellrun/language/python].
package executor
