package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType labels a diagnostic event's payload shape, mirroring
// cloud.MessageType's role for the node-to-cloud link.
type EventType string

const (
	EventNodeRegistered   EventType = "node_registered"
	EventNodeOffline      EventType = "node_offline"
	EventMessageRouted    EventType = "message_routed"
	EventMessageDropped   EventType = "message_dropped"
	EventLinkQualityChang EventType = "link_quality_changed"
	EventLogLine          EventType = "log"
)

// Event is one structured line broadcast to connected diagnostic clients.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var diagnosticsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DiagnosticsConfig holds the diagnostic server's tunables, mirroring the
// teacher's cloud.Config fields for the analogous client-side connection.
type DiagnosticsConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// DefaultDiagnosticsConfig returns sane defaults.
func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   100,
	}
}

type diagnosticsSubscriber struct {
	conn    *websocket.Conn
	sendCh  chan Event
	closeCh chan struct{}
}

// Diagnostics is a websocket server broadcasting hub events to any number of
// connected operator clients — the host-side equivalent of the firmware's
// physical UART diagnostic port. Inverted from a client that dials out to a
// single cloud endpoint: here the hub listens and operators connect in.
type Diagnostics struct {
	config DiagnosticsConfig
	logger *log.Logger

	mu          sync.Mutex
	subscribers map[*diagnosticsSubscriber]struct{}
}

// NewDiagnostics returns a Diagnostics server. logger may be nil.
func NewDiagnostics(config DiagnosticsConfig, logger *log.Logger) *Diagnostics {
	return &Diagnostics{
		config:      config,
		logger:      logger,
		subscribers: make(map[*diagnosticsSubscriber]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the connection
// as a broadcast subscriber until it disconnects.
func (d *Diagnostics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := diagnosticsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logf("diagnostics: upgrade failed: %v", err)
		return
	}

	sub := &diagnosticsSubscriber{
		conn:    conn,
		sendCh:  make(chan Event, d.config.SendBuffer),
		closeCh: make(chan struct{}),
	}
	d.mu.Lock()
	d.subscribers[sub] = struct{}{}
	d.mu.Unlock()

	go d.writeLoop(sub)
	d.readLoop(sub)
}

func (d *Diagnostics) readLoop(sub *diagnosticsSubscriber) {
	defer d.unsubscribe(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *Diagnostics) writeLoop(sub *diagnosticsSubscriber) {
	ticker := time.NewTicker(d.config.PingInterval)
	defer ticker.Stop()
	defer sub.conn.Close()

	for {
		select {
		case <-sub.closeCh:
			return
		case evt := <-sub.sendCh:
			sub.conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
			if err := sub.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(d.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *Diagnostics) unsubscribe(sub *diagnosticsSubscriber) {
	d.mu.Lock()
	if _, ok := d.subscribers[sub]; ok {
		delete(d.subscribers, sub)
		close(sub.closeCh)
	}
	d.mu.Unlock()
}

// Broadcast sends evt to every connected subscriber; slow subscribers whose
// buffer is full are dropped (disconnected) rather than blocking the sender.
func (d *Diagnostics) Broadcast(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().Unix()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for sub := range d.subscribers {
		select {
		case sub.sendCh <- evt:
		default:
			d.logf("diagnostics: subscriber send buffer full, dropping")
			delete(d.subscribers, sub)
			close(sub.closeCh)
		}
	}
}

// BroadcastLog is a convenience wrapper for plain text log lines.
func (d *Diagnostics) BroadcastLog(format string, args ...interface{}) {
	payload, _ := json.Marshal(map[string]string{"message": fmt.Sprintf(format, args...)})
	d.Broadcast(Event{Type: EventLogLine, Payload: payload})
}

// SubscriberCount returns the number of currently connected clients.
func (d *Diagnostics) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

func (d *Diagnostics) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
