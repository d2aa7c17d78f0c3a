// Package bench measures the coordinator and the interpreter session.
//
// Run with: go test -bench=. -benchtime=3x ./bench/
// Interpreter benchmarks need CELLRUN_IMAGE pointing at a Python image.
package bench

import (
	"context"
	"fmt"
	"testing"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/engine/enginetest"
	"github.com/caffeineduck/cellrun/executor"
	"github.com/caffeineduck/cellrun/runtime"
)

func readyProvider(b *testing.B) (*runtime.Provider, *enginetest.Engine) {
	b.Helper()
	eng := enginetest.New()
	p := runtime.NewProvider((&enginetest.Bootstrapper{Engine: eng}).Bootstrap)
	p.Mount(context.Background())
	if err := p.Handle().Wait(context.Background()); err != nil {
		b.Fatal(err)
	}
	return p, eng
}

// --- Coordinator: package resolution ---

func BenchmarkEnsure_Empty(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		p.Ensure(ctx, runtime.PackageRequest{})
	}
}

func BenchmarkEnsure_AlreadyLoaded(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()
	req := runtime.PackageRequest{Real: []string{"requests", "attrs", "nb-cli"}}
	if err := p.Ensure(ctx, req); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for b.Loop() {
		p.Ensure(ctx, req)
	}
}

func BenchmarkEnsure_NewPackage(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()

	b.ResetTimer()
	i := 0
	for b.Loop() {
		p.Ensure(ctx, runtime.PackageRequest{Real: []string{fmt.Sprintf("pkg%d", i)}})
		i++
	}
}

func BenchmarkEnsure_MockReplace(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()
	req := runtime.PackageRequest{Mocks: []engine.MockSpec{{Name: "watchfiles", Version: "1.999.0"}}}

	b.ResetTimer()
	for b.Loop() {
		p.Ensure(ctx, req)
	}
}

func BenchmarkEnsure_Parallel(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()
	req := runtime.PackageRequest{Real: []string{"requests"}}
	p.Ensure(ctx, req)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p.Ensure(ctx, req)
		}
	})
}

// --- Coordinator: cell round trip ---

func BenchmarkCell_UpdatePublish(b *testing.B) {
	p, _ := readyProvider(b)
	ctx := context.Background()
	c := cell.New(p, cell.WithSource("x = 0"), cell.WithPackages("requests"))
	c.Mount(ctx)
	defer c.Unmount()
	c.Wait(ctx)

	b.ResetTimer()
	i := 0
	for b.Loop() {
		c.SetSource(fmt.Sprintf("x = %d", i))
		c.Wait(ctx)
		i++
	}
}

// --- Interpreter session ---

func pythonExecutor(b *testing.B) *executor.Executor {
	b.Helper()
	exec, err := executor.GetTestExecutor()
	if err != nil {
		b.Skipf("python executor unavailable: %v", err)
	}
	return exec
}

func BenchmarkPython_Run(b *testing.B) {
	exec := pythonExecutor(b)
	ctx := context.Background()
	exec.Run(ctx, "x=1") // warmup

	b.ResetTimer()
	for b.Loop() {
		exec.Run(ctx, "x=1")
	}
}

func BenchmarkPython_Print(b *testing.B) {
	exec := pythonExecutor(b)
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		exec.Run(ctx, "print(1)")
	}
}

func BenchmarkPython_Computation(b *testing.B) {
	exec := pythonExecutor(b)
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		exec.Run(ctx, "sum(i*i for i in range(1000))")
	}
}

func BenchmarkPython_MockImport(b *testing.B) {
	exec := pythonExecutor(b)
	ctx := context.Background()
	inst, err := exec.Installer(ctx)
	if err != nil {
		b.Fatal(err)
	}
	defer inst.Release()
	spec := engine.MockSpec{Name: "benchmock", Version: "1.0.0", Modules: map[string]string{"benchmock": "V = 1"}}

	b.ResetTimer()
	for b.Loop() {
		inst.UnregisterMock(spec.Name)
		inst.RegisterMock(spec)
		exec.Run(ctx, "import benchmock")
	}
}
