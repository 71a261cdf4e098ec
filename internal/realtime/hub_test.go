package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, &Event{Type: EventExecution}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EventTypes: []EventType{EventEscalation, EventBlock}}}

	if !h.shouldSend(client, &Event{Type: EventEscalation}) {
		t.Error("Should receive escalation events")
	}
	if !h.shouldSend(client, &Event{Type: EventBlock}) {
		t.Error("Should receive block events")
	}
	if h.shouldSend(client, &Event{Type: EventExecution}) {
		t.Error("Should NOT receive execution events")
	}
}

func TestShouldSend_DirectionAndPlatform(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Directions: []string{"inbound"}, Platforms: []string{"sms"}}}

	if !h.shouldSend(client, &Event{Type: EventBlock, Data: Alert{Direction: "inbound", Platform: "sms"}}) {
		t.Error("Should receive matching inbound sms alert")
	}
	if h.shouldSend(client, &Event{Type: EventBlock, Data: Alert{Direction: "outbound", Platform: "sms"}}) {
		t.Error("Should NOT receive outbound alert")
	}
	if h.shouldSend(client, &Event{Type: EventBlock, Data: Alert{Direction: "inbound", Platform: "email"}}) {
		t.Error("Should NOT receive email alert")
	}
	if !h.shouldSend(client, &Event{Type: EventModeChange, Data: Alert{Mode: "emergency"}}) {
		t.Error("Mode changes bypass direction and platform filters")
	}
}

func TestShouldSend_MinSeverity(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinSeverity: "high"}}

	tests := []struct {
		severity string
		want     bool
	}{
		{"low", false},
		{"medium", false},
		{"high", true},
		{"critical", true},
	}
	for _, tc := range tests {
		got := h.shouldSend(client, &Event{Type: EventBlock, Data: Alert{Severity: tc.severity}})
		if got != tc.want {
			t.Errorf("severity %s: shouldSend = %v, want %v", tc.severity, got, tc.want)
		}
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventEscalation}) {
		t.Error("Empty subscription should pass all events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connected_clients"])
	}
	if stats["total_events"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["total_events"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connected_clients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connected_clients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connected_clients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connected_clients"])
	}
	if stats["peak_clients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peak_clients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{EventTypes: []EventType{EventEscalation}}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(EventExecution, Alert{ActionID: "a0"})
	h.Publish(EventEscalation, Alert{TraceID: "trace_abc", Severity: "critical"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != EventEscalation || ev.Data.TraceID != "trace_abc" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for escalation")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketDefaultSubscription(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	time.Sleep(50 * time.Millisecond)

	h.Publish(EventBlock, Alert{TraceID: "trace_blocked"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "trace_blocked") {
		t.Errorf("unexpected message %s", msg)
	}
}
