package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"pixelsorter/internal/pipeline"
)

// Event is pushed to /stream and /ws clients.
type Event struct {
	Kind      string         `json:"kind"` // hello, job or session
	JobID     string         `json:"job_id,omitempty"`
	JobType   string         `json:"job_type,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Time      time.Time      `json:"time"`
}

func jobEvent(res pipeline.Result) Event {
	ev := Event{
		Kind:    "job",
		JobID:   res.Job.ID,
		JobType: string(res.Job.Type),
		Status:  "completed",
		Meta:    res.Meta,
		Time:    time.Now(),
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func sessionEvent(id, status string) Event {
	return Event{Kind: "session", SessionID: id, Status: status, Time: time.Now()}
}

// hub fans events out to websocket clients. Only run touches clients.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			hello, _ := json.Marshal(Event{Kind: "hello", Status: "connected", Time: time.Now()})
			client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, hello); err != nil {
				client.Close()
				continue
			}
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// publish queues ev for every client. Events are dropped while the hub is
// saturated or not running.
func (h *hub) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("failed to encode event", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("event dropped, websocket hub busy", "kind", ev.Kind, "status", ev.Status)
	}
}
