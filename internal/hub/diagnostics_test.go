package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDiagnosticsBroadcastsToConnectedSubscriber(t *testing.T) {
	d := NewDiagnostics(DefaultDiagnosticsConfig(), nil)
	server := httptest.NewServer(d)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for d.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", d.SubscriberCount())
	}

	d.BroadcastLog("node %d registered", 7)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if evt.Type != EventLogLine {
		t.Errorf("Type = %v, want %v", evt.Type, EventLogLine)
	}
	var body map[string]string
	if err := json.Unmarshal(evt.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body["message"] != "node 7 registered" {
		t.Errorf("message = %q, want %q", body["message"], "node 7 registered")
	}
}

func TestDiagnosticsDropsSlowSubscriberInsteadOfBlocking(t *testing.T) {
	d := NewDiagnostics(DiagnosticsConfig{PingInterval: time.Hour, WriteTimeout: time.Second, SendBuffer: 1}, nil)
	server := httptest.NewServer(d)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for d.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		d.BroadcastLog("flood %d", i)
	}

	deadline = time.Now().Add(2 * time.Second)
	for d.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.SubscriberCount() != 0 {
		t.Error("expected the overwhelmed subscriber to be dropped")
	}
}
