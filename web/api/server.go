// Package api serves run history and live progress over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yalab-neuro/neuroproc/internal/daemon"
	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
)

const shutdownTimeout = 5 * time.Second

// Store is the slice of run history the API reads
type Store interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	ListSessions() ([]*domain.ImagingSession, error)
}

// ProcedureInfo describes an available procedure
type ProcedureInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Server is the HTTP API server
type Server struct {
	store      Store
	daemon     *daemon.Daemon
	procedures []ProcedureInfo
	addr       string
	mux        *http.ServeMux
	sseHub     *SSEHub
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewServer creates a new API server. daemon may be nil when serving a
// read-only view of the run history.
func NewServer(store Store, d *daemon.Daemon, procedures []ProcedureInfo, addr string, log *slog.Logger) *Server {
	s := &Server{
		store:      store,
		daemon:     d,
		procedures: procedures,
		addr:       addr,
		mux:        http.NewServeMux(),
		sseHub:     NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.runSubtreeHandler())
	s.mux.HandleFunc("/api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("/api/procedures", s.proceduresHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully
func (s *Server) Serve(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
