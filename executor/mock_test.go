package executor

import (
	"context"
	"os"
	"testing"

	"github.com/caffeineduck/cellrun/hostfunc"
)

// mockLanguage runs testdata/mock.wasm, an echo interpreter speaking the
// session protocol.
type mockLanguage struct {
	module  []byte
	bundled []string
}

func (m *mockLanguage) Name() string { return "mock" }
func (m *mockLanguage) Module() []byte { return m.module }
func (m *mockLanguage) Args() []string { return []string{"mock"} }
func (m *mockLanguage) Bundled() []string { return m.bundled }

func (m *mockLanguage) Env(siteDir, mockDir string) map[string]string {
	return map[string]string{"MOCK_PATH": mockDir + ":" + siteDir}
}

func newMockLanguage(t *testing.T) *mockLanguage {
	t.Helper()
	data, err := os.ReadFile("testdata/mock.wasm")
	if err != nil {
		t.Skip("testdata/mock.wasm not built (GOOS=wasip1 GOARCH=wasm go build -o mock.wasm mock.go)")
	}
	return &mockLanguage{module: data, bundled: []string{"ssl"}}
}

func newMockExecutor(t *testing.T, registry *hostfunc.Registry, opts ...Option) *Executor {
	t.Helper()
	exec, err := New(context.Background(), newMockLanguage(t), registry, opts...)
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	t.Cleanup(func() { exec.Close(context.Background()) })
	return exec
}
