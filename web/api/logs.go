package api

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yalab-neuro/neuroproc/internal/domain"
)

const (
	logPollInterval = 500 * time.Millisecond
	pingInterval    = 30 * time.Second
	readTimeout     = 90 * time.Second
	writeTimeout    = 10 * time.Second
)

// serveRunLogs upgrades to a websocket and streams the run's log file,
// following appended lines while the run is still writing
func (s *Server) serveRunLogs(w http.ResponseWriter, r *http.Request, run *domain.Run) {
	if run.LogPath == "" {
		writeError(w, http.StatusNotFound, "run has no log file")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "run", run.ID, "error", err)
		return
	}

	// The request context dies when this handler returns, so the stream
	// manages its own lifetime off the connection state
	go s.streamLog(conn, run.LogPath)
}

func (s *Server) streamLog(conn *websocket.Conn, path string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pong handler extends the read deadline; the read pump below notices
	// client disconnects
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		s.writeLine(conn, "log not available: "+err.Error())
		return
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	poll := time.NewTicker(logPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	// Carries a trailing partial line between polls so clients only ever
	// see complete lines
	var pending strings.Builder

	for {
		for {
			chunk, rerr := reader.ReadString('\n')
			pending.WriteString(chunk)
			if rerr != nil {
				break
			}
			line := strings.TrimRight(pending.String(), "\n")
			pending.Reset()
			if err := s.writeLine(conn, line); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}

func (s *Server) writeLine(conn *websocket.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
