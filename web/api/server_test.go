package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yalab-neuro/neuroproc/internal/domain"
	"github.com/yalab-neuro/neuroproc/internal/notify"
	"github.com/yalab-neuro/neuroproc/internal/runstore"
)

type mockStore struct {
	runs     []*domain.Run
	sessions []*domain.ImagingSession
	gotOpts  runstore.ListOptions
}

func (m *mockStore) ListRuns(opts runstore.ListOptions) ([]*domain.Run, error) {
	m.gotOpts = opts
	return m.runs, nil
}

func (m *mockStore) GetRun(id string) (*domain.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockStore) ListSessions() ([]*domain.ImagingSession, error) {
	return m.sessions, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRun(id, proc string, status domain.RunStatus) *domain.Run {
	started := time.Now().Add(-time.Minute)
	return &domain.Run{
		ID:        id,
		Procedure: proc,
		Version:   "0.0.1",
		Subject:   "01",
		Session:   "202406091801",
		Status:    status,
		StartedAt: &started,
	}
}

func TestStatusHandler(t *testing.T) {
	store := &mockStore{
		runs: []*domain.Run{
			testRun("r1", "dicom2bids", domain.RunSucceeded),
			testRun("r2", "qsiprep", domain.RunFailed),
			testRun("r3", "qsiprep", domain.RunRunning),
		},
	}

	server := NewServer(store, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Total != 3 {
		t.Errorf("Total = %d, want 3", status.Total)
	}
	if status.Succeeded != 1 || status.Failed != 1 || status.Running != 1 {
		t.Errorf("counts = %+v, want 1 each of succeeded/failed/running", status)
	}
	if status.Queue != nil {
		t.Error("Queue should be omitted without a daemon")
	}
}

func TestListRunsHandler(t *testing.T) {
	store := &mockStore{
		runs: []*domain.Run{
			testRun("r1", "qsiprep", domain.RunFailed),
			testRun("r2", "qsiprep", domain.RunFailed),
		},
	}

	server := NewServer(store, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/runs?procedure=qsiprep&status=failed&limit=10", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Errorf("run count = %d, want 2", len(runs))
	}

	if store.gotOpts.Procedure != "qsiprep" {
		t.Errorf("Procedure filter = %q, want qsiprep", store.gotOpts.Procedure)
	}
	if store.gotOpts.Status != domain.RunFailed {
		t.Errorf("Status filter = %q, want failed", store.gotOpts.Status)
	}
	if store.gotOpts.Limit != 10 {
		t.Errorf("Limit = %d, want 10", store.gotOpts.Limit)
	}
}

func TestListRunsHandler_InvalidLimit(t *testing.T) {
	server := NewServer(&mockStore{}, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/runs?limit=lots", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListRunsHandler_MethodNotAllowed(t *testing.T) {
	server := NewServer(&mockStore{}, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("POST", "/api/runs", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestGetRunHandler(t *testing.T) {
	store := &mockStore{runs: []*domain.Run{testRun("r1", "smriprep", domain.RunSucceeded)}}
	server := NewServer(store, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/runs/r1", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var run RunResponse
	json.NewDecoder(w.Body).Decode(&run)
	if run.ID != "r1" {
		t.Errorf("ID = %q, want r1", run.ID)
	}
	if run.Label != "smriprep sub-01/ses-202406091801" {
		t.Errorf("Label = %q", run.Label)
	}
}

func TestGetRunHandler_NotFound(t *testing.T) {
	server := NewServer(&mockStore{}, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/runs/nope", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestProceduresHandler(t *testing.T) {
	procs := []ProcedureInfo{
		{Name: "dicom2bids", Version: "0.0.1"},
		{Name: "qsiprep", Version: "0.0.1"},
	}
	server := NewServer(&mockStore{}, nil, procs, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/procedures", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var got []ProcedureInfo
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 2 || got[0].Name != "dicom2bids" {
		t.Errorf("procedures = %v, want dicom2bids and qsiprep", got)
	}
}

func TestSessionsHandler(t *testing.T) {
	now := time.Now()
	store := &mockStore{
		sessions: []*domain.ImagingSession{
			{Subject: "01", Session: "202406091801", Path: "/data/sub-01/ses-202406091801", FirstSeen: now, LastSeen: now},
		},
	}
	server := NewServer(store, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var got []SessionResponse
	json.NewDecoder(w.Body).Decode(&got)
	if len(got) != 1 || got[0].Subject != "01" {
		t.Errorf("sessions = %v, want one for sub-01", got)
	}
	if got[0].FirstSeen == "" {
		t.Error("FirstSeen not rendered")
	}
}

func TestSSEHubBroadcast(t *testing.T) {
	hub := NewSSEHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := make(chan SSEEvent, 1)
	hub.register <- client

	hub.Broadcast(SSEEvent{Type: "run_update", Data: "payload"})

	select {
	case ev := <-client:
		if ev.Type != "run_update" {
			t.Errorf("event type = %q, want run_update", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestNotifierEventTypes(t *testing.T) {
	server := NewServer(&mockStore{}, nil, nil, ":8080", testLogger())
	n := server.Notifier()

	n.Send(notify.Notification{Title: "finished", RunID: "r1"})
	ev := <-server.sseHub.broadcast
	if ev.Type != "run_update" {
		t.Errorf("event type = %q, want run_update", ev.Type)
	}

	n.Send(notify.Notification{Title: "hello"})
	ev = <-server.sseHub.broadcast
	if ev.Type != "notification" {
		t.Errorf("event type = %q, want notification", ev.Type)
	}
}

func TestRunLogsWebsocket(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "qsiprep.log")
	if err := os.WriteFile(logPath, []byte("alpha\nbeta\n"), 0644); err != nil {
		t.Fatal(err)
	}

	run := testRun("r1", "qsiprep", domain.RunRunning)
	run.LogPath = logPath

	server := NewServer(&mockStore{runs: []*domain.Run{run}}, nil, nil, ":8080", testLogger())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/r1/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	for i, want := range []string{"alpha", "beta"} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if string(msg) != want {
			t.Errorf("line %d = %q, want %q", i, msg, want)
		}
	}

	// Appended lines are streamed on the next poll
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("gamma\n")
	f.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read after append failed: %v", err)
	}
	if string(msg) != "gamma" {
		t.Errorf("appended line = %q, want gamma", msg)
	}
}

func TestRunLogsWebsocket_NoLogFile(t *testing.T) {
	run := testRun("r1", "qsiprep", domain.RunQueued)
	run.LogPath = ""

	server := NewServer(&mockStore{runs: []*domain.Run{run}}, nil, nil, ":8080", testLogger())

	req := httptest.NewRequest("GET", "/api/runs/r1/logs", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
