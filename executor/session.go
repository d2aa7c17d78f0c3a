package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/caffeineduck/cellrun/hostfunc"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
	ErrSessionExited = errors.New("interpreter exited")
)

// Result holds the output and metadata from one Run.
type Result struct {
	Output   string
	Duration time.Duration
	Error    error
}

// Session is one long-lived interpreter process. Commands are executed one at
// a time; interpreter state persists between them.
type Session struct {
	timeout time.Duration
	forget  func() []string
	log     zerolog.Logger

	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	stdout      *sessionOutput
	protocol    *sessionProtocol
	cancel      context.CancelFunc
	exited      chan struct{}
	exitErr     error

	execMu sync.Mutex
	// pending is set when a command outlived its timeout; the next Run
	// waits for it first.
	pending bool

	mu     sync.Mutex
	closed bool
}

type sessionConfig struct {
	rt           wazero.Runtime
	compiled     wazero.CompiledModule
	module       wazero.ModuleConfig
	registry     *hostfunc.Registry
	timeout      time.Duration
	startTimeout time.Duration
	forget       func() []string
	log          zerolog.Logger
}

func startSession(ctx context.Context, cfg sessionConfig) (*Session, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		timeout: cfg.timeout,
		forget:  cfg.forget,
		log:     cfg.log,
		stdout:  newSessionOutput(),
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	if s.forget == nil {
		s.forget = func() []string { return nil }
	}
	s.stdinReader, s.stdin = io.Pipe()
	s.protocol = newSessionProtocol(cfg.registry, s.stdin, cfg.log)

	moduleConfig := cfg.module.
		WithStdout(s.stdout).
		WithStderr(s.protocol).
		WithStdin(s.stdinReader).
		WithName("")

	go func() {
		_, err := cfg.rt.InstantiateModule(runCtx, cfg.compiled, moduleConfig)
		if err == nil {
			err = io.EOF
		}
		s.exitErr = err
		s.stdinReader.CloseWithError(ErrSessionExited)
		close(s.exited)
	}()

	startTimeout := cfg.startTimeout
	if startTimeout <= 0 {
		startTimeout = 30 * time.Second
	}
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-s.protocol.Ready():
		return s, nil
	case <-s.exited:
		cancel()
		return nil, fmt.Errorf("start session: %w: %v", ErrSessionExited, s.exitErr)
	case <-timer.C:
		s.Close()
		return nil, errors.New("session start timeout")
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

type execCommand struct {
	Type   string   `json:"type"`
	Code   string   `json:"code,omitempty"`
	Forget []string `json:"forget,omitempty"`
}

// Run executes code and returns what it printed. When the command outlives
// the session timeout the interpreter keeps running it; the next Run waits
// for it to finish before sending anything.
func (s *Session) Run(ctx context.Context, code string) Result {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	start := time.Now()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{Error: ErrSessionClosed, Duration: time.Since(start)}
	}

	if s.pending {
		select {
		case <-s.protocol.Done():
			s.pending = false
		case <-s.exited:
			return Result{Error: s.exitError(), Duration: time.Since(start)}
		case <-ctx.Done():
			return Result{Error: ErrSessionBusy, Duration: time.Since(start)}
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.stdout.Reset()
	s.protocol.ResetExec(ctx)
	done := s.protocol.Done()

	cmd := execCommand{Type: "exec", Code: code, Forget: s.forget()}
	if err := s.protocol.send(cmd); err != nil {
		return Result{Error: fmt.Errorf("write command: %w", err), Duration: time.Since(start)}
	}

	select {
	case <-ctx.Done():
		s.pending = true
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %v", s.timeout)
		}
		return Result{
			Output:   s.stdout.String() + s.protocol.Stderr(),
			Error:    err,
			Duration: time.Since(start),
		}
	case execErr := <-done:
		return Result{
			Output:   s.stdout.String() + s.protocol.Stderr(),
			Error:    execErr,
			Duration: time.Since(start),
		}
	case <-s.exited:
		return Result{
			Output:   s.stdout.String() + s.protocol.Stderr(),
			Error:    s.exitError(),
			Duration: time.Since(start),
		}
	}
}

func (s *Session) exitError() error {
	return fmt.Errorf("%w: %v", ErrSessionExited, s.exitErr)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Closing stdin gives the interpreter EOF; cancelling stops it if it is
	// busy.
	s.stdin.Close()
	s.stdinReader.Close()
	s.cancel()
	s.protocol.calls.Wait()
	return nil
}

type sessionOutput struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func newSessionOutput() *sessionOutput {
	return &sessionOutput{}
}

func (o *sessionOutput) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(data)
}

func (o *sessionOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *sessionOutput) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Reset()
}
