package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ordermesh/internal/bus"
	"ordermesh/internal/messages"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOutcome(t *testing.T, conn *websocket.Conn) Outcome {
	t.Helper()

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case data := <-readCh:
		var outcome Outcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
		return Outcome{}
	}
}

func TestHub_BroadcastsTerminalOutcomes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(slog.Default())
	go hub.Run(ctx)

	b := bus.NewInMemoryBus(1, slog.Default())
	hub.Register(b)

	conn := dialHub(t, hub)
	// Give the handler a beat to attach the client before publishing.
	time.Sleep(50 * time.Millisecond)

	env := messages.MustEnvelope(messages.KindCancelOrder, "order-1", messages.CancelOrder{
		OrderID: "order-1",
		Reason:  "payment declined",
	})
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	outcome := readOutcome(t, conn)
	if outcome.OrderID != "order-1" || outcome.Status != "cancelled" || outcome.Reason != "payment declined" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestHub_ServeWSAttachesWithoutRun(t *testing.T) {
	t.Parallel()

	// No Run loop: the upgrade must still attach the client instead of
	// blocking the handler.
	hub := NewHub(slog.Default())
	dialHub(t, hub)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		attached := len(hub.connections)
		hub.mu.Unlock()
		if attached == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never attached to the hub")
}

func TestHub_CompleteOutcomeHasNoReason(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(slog.Default())
	go hub.Run(ctx)

	b := bus.NewInMemoryBus(1, slog.Default())
	hub.Register(b)

	conn := dialHub(t, hub)
	time.Sleep(50 * time.Millisecond)

	env := messages.MustEnvelope(messages.KindCompleteOrder, "order-2", messages.CompleteOrder{OrderID: "order-2"})
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	outcome := readOutcome(t, conn)
	if outcome.OrderID != "order-2" || outcome.Status != "completed" || outcome.Reason != "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}
