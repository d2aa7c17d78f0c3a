package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/cellrun/hostfunc"
)

// Guest-to-host messages are written to stderr, framed by NUL bytes:
//
//	\x00CELLRUN_READY\x00        interpreter is waiting for commands
//	\x00CELLRUN_DONE\x00         the current command finished
//	\x00CELLRUN_ERROR:<text>\x00 the current command raised
//	\x00CELLRUN:{json}\x00       host function call; the reply is one JSON line on stdin
//
// Everything else on stderr is passed through as output.
const (
	signalPrefix = "\x00CELLRUN"
	signalEnd    = "\x00"

	msgReady = "CELLRUN_READY"
	msgDone  = "CELLRUN_DONE"
	msgError = "CELLRUN_ERROR:"
	msgCall  = "CELLRUN:"
)

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// sessionProtocol intercepts the interpreter's stderr. Signals drive the
// session; host calls are dispatched to the registry and answered on stdin.
type sessionProtocol struct {
	registry *hostfunc.Registry
	stdin    io.Writer
	log      zerolog.Logger

	buf        bytes.Buffer
	realStderr bytes.Buffer
	callCtx    context.Context

	readyCh chan struct{}
	doneCh  chan error
	ready   bool

	mu      sync.Mutex
	writeMu sync.Mutex
	calls   sync.WaitGroup
}

func newSessionProtocol(registry *hostfunc.Registry, stdin io.Writer, log zerolog.Logger) *sessionProtocol {
	return &sessionProtocol{
		registry: registry,
		stdin:    stdin,
		log:      log,
		callCtx:  context.Background(),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan error, 1),
	}
}

func (p *sessionProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for {
		content := p.buf.String()
		idx := strings.Index(content, signalPrefix)
		if idx == -1 {
			keep := partialSuffix(content, signalPrefix)
			p.realStderr.WriteString(content[:len(content)-keep])
			p.buf.Reset()
			p.buf.WriteString(content[len(content)-keep:])
			break
		}

		p.realStderr.WriteString(content[:idx])
		content = content[idx:]
		end := strings.Index(content[1:], signalEnd)
		if end == -1 {
			p.buf.Reset()
			p.buf.WriteString(content)
			break
		}

		msg := content[1 : end+1]
		p.buf.Reset()
		p.buf.WriteString(content[end+2:])
		p.dispatch(msg)
	}
	return len(data), nil
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of prefix.
func partialSuffix(s, prefix string) int {
	for n := min(len(s), len(prefix)-1); n > 0; n-- {
		if strings.HasSuffix(s, prefix[:n]) {
			return n
		}
	}
	return 0
}

func (p *sessionProtocol) dispatch(msg string) {
	switch {
	case msg == msgReady:
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
	case msg == msgDone:
		p.finish(nil)
	case strings.HasPrefix(msg, msgError):
		p.finish(errors.New(strings.TrimPrefix(msg, msgError)))
	case strings.HasPrefix(msg, msgCall):
		p.handleCall(strings.TrimPrefix(msg, msgCall))
	default:
		p.realStderr.WriteString("\x00" + msg + signalEnd)
	}
}

func (p *sessionProtocol) finish(err error) {
	select {
	case p.doneCh <- err:
	default:
	}
}

func (p *sessionProtocol) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		p.calls.Add(1)
		go func() {
			defer p.calls.Done()
			p.respond(callResponse{Error: "invalid call format"})
		}()
		return
	}

	ctx := p.callCtx
	// Execute and respond in goroutine to avoid blocking Write()
	p.calls.Add(1)
	go func() {
		defer p.calls.Done()
		p.respond(p.executeCall(ctx, req))
	}()
}

func (p *sessionProtocol) executeCall(ctx context.Context, req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(ctx, req.Args)
	if err != nil {
		p.log.Debug().Err(err).Str("fn", req.Fn).Msg("host call failed")
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *sessionProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		p.log.Debug().Err(err).Msg("host call reply dropped")
	}
}

// send writes one command line to the interpreter.
func (p *sessionProtocol) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

func (p *sessionProtocol) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *sessionProtocol) Done() <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// ResetExec prepares for a new command whose host calls run under ctx.
func (p *sessionProtocol) ResetExec(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.doneCh = make(chan error, 1)
	p.realStderr.Reset()
	p.callCtx = ctx
}

func (p *sessionProtocol) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realStderr.String()
}
