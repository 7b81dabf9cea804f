package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yalab-neuro/neuroproc/internal/notify"
)

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SSEHub fans events out to connected clients. The clients map is owned
// by the Run goroutine, so no locking is needed.
type SSEHub struct {
	clients    map[chan SSEEvent]bool
	broadcast  chan SSEEvent
	register   chan chan SSEEvent
	unregister chan chan SSEEvent
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan SSEEvent]bool),
		broadcast:  make(chan SSEEvent, 16),
		register:   make(chan chan SSEEvent),
		unregister: make(chan chan SSEEvent),
	}
}

// Run dispatches events until ctx is cancelled
func (h *SSEHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}

		case event := <-h.broadcast:
			for client := range h.clients {
				select {
				case client <- event:
				default:
					// Slow consumer, disconnect it
					close(client)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues an event for all clients. Events are dropped when the
// hub is saturated or not running, callers never block.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	default:
	}
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := make(chan SSEEvent)
		s.sseHub.register <- client

		done := r.Context().Done()
		go func() {
			<-done
			s.sseHub.unregister <- client
		}()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		for event := range client {
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// eventNotifier forwards run notifications onto the SSE stream
type eventNotifier struct {
	hub *SSEHub
}

// Notifier returns a notify.Notifier that broadcasts to SSE clients,
// letting the run lifecycle feed the dashboard without polling
func (s *Server) Notifier() notify.Notifier {
	return &eventNotifier{hub: s.sseHub}
}

func (e *eventNotifier) Send(n notify.Notification) error {
	eventType := "notification"
	if n.RunID != "" {
		eventType = "run_update"
	}
	e.hub.Broadcast(SSEEvent{Type: eventType, Data: n})
	return nil
}
