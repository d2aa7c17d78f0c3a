package executor

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/caffeineduck/cellrun/hostfunc"
	"github.com/caffeineduck/cellrun/language/python"
)

// TestImageEnv names the environment variable holding the interpreter image
// used by integration tests.
const TestImageEnv = "CELLRUN_IMAGE"

// ErrNoTestImage is returned by GetTestExecutor when TestImageEnv is unset.
var ErrNoTestImage = errors.New(TestImageEnv + " not set")

var (
	testExecutor     *Executor
	testExecutorOnce sync.Once
	testExecutorErr  error
)

// GetTestExecutor returns a shared Python executor for testing, so the
// interpreter cold start is paid once per test binary.
func GetTestExecutor() (*Executor, error) {
	testExecutorOnce.Do(func() {
		src := os.Getenv(TestImageEnv)
		if src == "" {
			testExecutorErr = ErrNoTestImage
			return
		}
		ctx := context.Background()
		image, err := FetchImage(ctx, src, "")
		if err != nil {
			testExecutorErr = err
			return
		}
		testExecutor, testExecutorErr = New(ctx, python.New(image), hostfunc.NewRegistry())
	})
	return testExecutor, testExecutorErr
}

// CloseTestExecutor closes the shared test executor.
func CloseTestExecutor() {
	if testExecutor != nil {
		testExecutor.Close(context.Background())
		testExecutor = nil
		testExecutorOnce = sync.Once{}
	}
}
