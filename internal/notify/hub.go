// Package notify pushes terminal order outcomes to connected websocket
// clients.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
)

// Outcome is one terminal notification.
type Outcome struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Hub manages websocket clients and broadcasts outcomes to them. Clients
// attach and detach under the mutex, so ServeWS works whether or not the
// broadcast loop is running.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	broadcast   chan []byte
	mu          sync.Mutex
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

// NewHub constructs a Hub. log may be nil.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		broadcast:   make(chan []byte, 16),
		log:         log,
	}
}

// Run delivers broadcasts until ctx is canceled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.connections[conn] = struct{}{}
	h.mu.Unlock()

	// Drain client frames so close/ping handling works; clients only listen.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.detach(conn)
				return
			}
		}
	}()
}

func (h *Hub) detach(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.connections, conn)
	h.mu.Unlock()
	conn.Close()
}

// Register subscribes the hub to the saga's terminal commands. The commands
// also drive the order store, so notification stays a read-only tap.
func (h *Hub) Register(b bus.Bus) {
	b.Subscribe(messages.KindCompleteOrder, h.handleComplete)
	b.Subscribe(messages.KindCancelOrder, h.handleCancel)
}

func (h *Hub) handleComplete(_ context.Context, env messages.Envelope) error {
	var cmd messages.CompleteOrder
	if err := env.Decode(&cmd); err != nil {
		h.log.Error("undecodable complete command dropped", "message_id", env.ID, "error", err)
		return nil
	}
	h.send(Outcome{OrderID: cmd.OrderID, Status: "completed"})
	return nil
}

func (h *Hub) handleCancel(_ context.Context, env messages.Envelope) error {
	var cmd messages.CancelOrder
	if err := env.Decode(&cmd); err != nil {
		h.log.Error("undecodable cancel command dropped", "message_id", env.ID, "error", err)
		return nil
	}
	h.send(Outcome{OrderID: cmd.OrderID, Status: "cancelled", Reason: cmd.Reason})
	return nil
}

func (h *Hub) send(outcome Outcome) {
	data, err := json.Marshal(outcome)
	if err != nil {
		h.log.Error("outcome marshal failed", "order_id", outcome.OrderID, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("notification dropped, broadcast buffer full", "order_id", outcome.OrderID)
	}
}
