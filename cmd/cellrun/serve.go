package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/engine"
	"github.com/caffeineduck/cellrun/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server hosting cells",
	Long: `Start an HTTP server where clients create and update cells that share
one interpreter.

Endpoints:
  POST   /cells        Create and mount a cell, returns {"id":"..."}
  PUT    /cells/{id}   Replace the cell's source and packages
  GET    /cells/{id}   Cell state and output (?wait=5s waits for the run)
  DELETE /cells/{id}   Unmount the cell
  GET    /health       Runtime state`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("cell-ttl", 15*time.Minute, "Unmount cells idle for this long")
	rootCmd.AddCommand(serveCmd)
}

type cellManager struct {
	provider *runtime.Provider
	log      zerolog.Logger
	cells    map[string]*serverCell
	mu       sync.RWMutex
	ttl      time.Duration
}

type serverCell struct {
	cell     *cell.Cell
	lastUsed time.Time
}

func newCellManager(p *runtime.Provider, ttl time.Duration, log zerolog.Logger) *cellManager {
	return &cellManager{
		provider: p,
		log:      log,
		cells:    make(map[string]*serverCell),
		ttl:      ttl,
	}
}

// create mounts a new cell and returns it with its id. The caller keeps the
// cell even if it is removed before the response is written.
func (cm *cellManager) create(ctx context.Context, opts ...cell.Option) (string, *cell.Cell) {
	id := uuid.NewString()
	opts = append(opts, cell.WithLogger(cm.log.With().Str("cell", id).Logger()))
	c := cell.New(cm.provider, opts...)
	c.Mount(ctx)

	cm.mu.Lock()
	cm.cells[id] = &serverCell{cell: c, lastUsed: time.Now()}
	cm.mu.Unlock()
	return id, c
}

func (cm *cellManager) get(id string) (*cell.Cell, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	sc, ok := cm.cells[id]
	if !ok {
		return nil, false
	}
	sc.lastUsed = time.Now()
	return sc.cell, true
}

func (cm *cellManager) remove(id string) bool {
	cm.mu.Lock()
	sc, ok := cm.cells[id]
	if ok {
		delete(cm.cells, id)
	}
	cm.mu.Unlock()
	if ok {
		sc.cell.Unmount()
	}
	return ok
}

func (cm *cellManager) count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cells)
}

// expire unmounts cells idle since before now minus the TTL.
func (cm *cellManager) expire(now time.Time) int {
	cm.mu.Lock()
	var expired []*cell.Cell
	for id, sc := range cm.cells {
		if now.Sub(sc.lastUsed) > cm.ttl {
			expired = append(expired, sc.cell)
			delete(cm.cells, id)
		}
	}
	cm.mu.Unlock()
	for _, c := range expired {
		c.Unmount()
	}
	return len(expired)
}

func (cm *cellManager) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := cm.expire(now); n > 0 {
				cm.log.Info().Int("cells", n).Msg("expired idle cells")
			}
		}
	}
}

func (cm *cellManager) closeAll() {
	cm.mu.Lock()
	cells := cm.cells
	cm.cells = make(map[string]*serverCell)
	cm.mu.Unlock()
	for _, sc := range cells {
		sc.cell.Unmount()
	}
}

type cellRequest struct {
	Source       string            `json:"source"`
	Packages     []string          `json:"packages,omitempty"`
	MockPackages []engine.MockSpec `json:"mock_packages,omitempty"`
	Placeholder  string            `json:"placeholder,omitempty"`
}

func (r cellRequest) packageRequest() runtime.PackageRequest {
	return runtime.PackageRequest{Real: r.Packages, Mocks: r.MockPackages}
}

type cellResponse struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Output string `json:"output"`
}

type healthResponse struct {
	Status   string   `json:"status"`
	Runtime  string   `json:"runtime"`
	Packages []string `json:"packages"`
	Cells    int      `json:"cells"`
	Error    string   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeCellRequest(r *http.Request) (cellRequest, error) {
	var req cellRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return cellRequest{}, errors.New("invalid json")
	}
	for _, spec := range req.MockPackages {
		if err := spec.Validate(); err != nil {
			return cellRequest{}, err
		}
	}
	return req, nil
}

func describe(id string, c *cell.Cell) cellResponse {
	return cellResponse{ID: id, State: c.State().String(), Output: c.Output()}
}

// newServer routes the cell API. ctx bounds the lifetime of the cells it
// mounts.
func newServer(ctx context.Context, cm *cellManager, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /cells", func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCellRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts := []cell.Option{
			cell.WithSource(req.Source),
			cell.WithRequest(req.packageRequest()),
		}
		if req.Placeholder != "" {
			opts = append(opts, cell.WithPlaceholder(req.Placeholder))
		}
		id, c := cm.create(ctx, opts...)
		writeJSON(w, http.StatusCreated, describe(id, c))
	})

	mux.HandleFunc("PUT /cells/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		c, ok := cm.get(id)
		if !ok {
			http.Error(w, "cell not found", http.StatusNotFound)
			return
		}
		req, err := decodeCellRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.Update(req.Source, req.packageRequest())
		writeJSON(w, http.StatusOK, describe(id, c))
	})

	mux.HandleFunc("GET /cells/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		c, ok := cm.get(id)
		if !ok {
			http.Error(w, "cell not found", http.StatusNotFound)
			return
		}
		if wait := r.URL.Query().Get("wait"); wait != "" {
			d, err := time.ParseDuration(wait)
			if err != nil {
				http.Error(w, "invalid wait duration", http.StatusBadRequest)
				return
			}
			waitCtx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			// A timeout just reports the current state.
			_ = c.Wait(waitCtx)
		}
		writeJSON(w, http.StatusOK, describe(id, c))
	})

	mux.HandleFunc("DELETE /cells/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !cm.remove(r.PathValue("id")) {
			http.Error(w, "cell not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := cm.provider.Handle()
		resp := healthResponse{
			Status:   "ok",
			Runtime:  h.State().String(),
			Packages: h.LoadedPackages(),
			Cells:    cm.count(),
		}
		status := http.StatusOK
		if err := h.Err(); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})

	return requestLogger(log, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func requestLogger(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := log.Debug()
		if rec.status >= 500 {
			event = log.Error()
		} else if rec.status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Int("bytes", rec.bytes).
			Msg("http_request")
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("cell-ttl")

	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	p, err := newProvider(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p.Mount(ctx)
	defer p.Close(context.Background())

	// Configured packages are installed once up front so the first cells
	// find them loaded.
	if len(cfg.Packages) > 0 || len(cfg.Mocks) > 0 {
		go func() {
			req := runtime.PackageRequest{Real: cfg.Packages, Mocks: cfg.Mocks}
			if err := p.Ensure(ctx, req); err != nil {
				log.Error().Err(err).Msg("preload packages")
			}
		}()
	}

	cells := newCellManager(p, ttl, log)
	defer cells.closeAll()
	go cells.cleanup(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: newServer(ctx, cells, log),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Msg("cellrun server listening")
	fmt.Fprintf(os.Stderr, "cellrun server listening on %s\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
