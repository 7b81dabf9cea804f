package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yalab-neuro/neuroproc/internal/daemon"
	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
)

// defaultListLimit caps /api/runs responses unless the client asks otherwise
const defaultListLimit = 100

// RunResponse is the API representation of a run
type RunResponse struct {
	ID         string  `json:"id"`
	Procedure  string  `json:"procedure"`
	Version    string  `json:"version"`
	Subject    string  `json:"subject,omitempty"`
	Session    string  `json:"session,omitempty"`
	Label      string  `json:"label"`
	Status     string  `json:"status"`
	ExitCode   int     `json:"exit_code"`
	OutputDir  string  `json:"output_dir,omitempty"`
	LogPath    string  `json:"log_path,omitempty"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	Duration   string  `json:"duration"`
	Error      string  `json:"error,omitempty"`
}

// StatusResponse summarises the run history and, when a daemon is
// attached, its intake queue
type StatusResponse struct {
	Total     int              `json:"total"`
	Queued    int              `json:"queued"`
	Running   int              `json:"running"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Queue     *daemon.Snapshot `json:"queue,omitempty"`
}

// SessionResponse is the API representation of a discovered imaging session
type SessionResponse struct {
	Subject   string `json:"subject"`
	Session   string `json:"session,omitempty"`
	Path      string `json:"path,omitempty"`
	FirstSeen string `json:"first_seen,omitempty"`
	LastSeen  string `json:"last_seen,omitempty"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:        r.ID,
		Procedure: r.Procedure,
		Version:   r.Version,
		Subject:   r.Subject,
		Session:   r.Session,
		Label:     r.Label(),
		Status:    string(r.Status),
		ExitCode:  r.ExitCode,
		OutputDir: r.OutputDir,
		LogPath:   r.LogPath,
		Error:     r.Error,
	}

	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	resp.Duration = r.Duration().Round(time.Second).String()

	return resp
}

func sessionToResponse(s *domain.ImagingSession) SessionResponse {
	resp := SessionResponse{
		Subject: s.Subject,
		Session: s.Session,
		Path:    s.Path,
	}
	if !s.FirstSeen.IsZero() {
		resp.FirstSeen = s.FirstSeen.Format(time.RFC3339)
	}
	if !s.LastSeen.IsZero() {
		resp.LastSeen = s.LastSeen.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns(runstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(runs)

		for _, run := range runs {
			switch run.Status {
			case domain.RunQueued:
				status.Queued++
			case domain.RunRunning:
				status.Running++
			case domain.RunSucceeded:
				status.Succeeded++
			case domain.RunFailed:
				status.Failed++
			case domain.RunSkipped:
				status.Skipped++
			}
		}

		if s.daemon != nil {
			snap := s.daemon.Snapshot()
			status.Queue = &snap
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		opts := runstore.ListOptions{
			Procedure: r.URL.Query().Get("procedure"),
			Subject:   r.URL.Query().Get("subject"),
			Session:   r.URL.Query().Get("session"),
			Status:    domain.RunStatus(r.URL.Query().Get("status")),
			Limit:     defaultListLimit,
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.store.ListRuns(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run)
		}

		writeJSON(w, responses)
	}
}

// runSubtreeHandler dispatches /api/runs/{id} and /api/runs/{id}/logs
func (s *Server) runSubtreeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		wantLogs := false
		if strings.HasSuffix(path, "/logs") {
			path = strings.TrimSuffix(path, "/logs")
			wantLogs = true
		}
		if path == "" || strings.Contains(path, "/") {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		run, err := s.store.GetRun(path)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		if wantLogs {
			s.serveRunLogs(w, r, run)
			return
		}

		writeJSON(w, runToResponse(run))
	}
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		sessions, err := s.store.ListSessions()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]SessionResponse, len(sessions))
		for i, sess := range sessions {
			responses[i] = sessionToResponse(sess)
		}

		writeJSON(w, responses)
	}
}

func (s *Server) proceduresHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		writeJSON(w, s.procedures)
	}
}
