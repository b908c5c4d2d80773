package hub

import (
	"testing"
	"time"

	"github.com/erikbeerepoot/bramble/internal/messenger"
	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
)

func newTestRouter() (*Router, *AddressManager) {
	am := NewAddressManager()
	port := radio.NewMock()
	msgr := messenger.New(protocol.AddressHub, port, 1, 127, nil)
	return NewRouter(am, msgr), am
}

func testMessage(dst protocol.Address) *protocol.Message {
	return &protocol.Message{
		Header: protocol.Header{
			Magic: protocol.Magic,
			Type:  protocol.MsgSensorData,
			Flags: 0,
			Src:   0x0002,
			Dst:   dst,
			Seq:   1,
		},
		Payload: []byte{1, 2, 3},
	}
}

func TestHandleInboundIgnoresHubDestined(t *testing.T) {
	r, _ := newTestRouter()
	msg := testMessage(protocol.AddressHub)
	if r.HandleInbound(msg, time.Now()) {
		t.Error("router should not claim a hub-destined message")
	}
}

func TestHandleInboundRoutesToRegisteredNode(t *testing.T) {
	r, am := newTestRouter()
	now := time.Now()
	am.RegisterNode(1, 1, 0, 1, "node-b", now)
	dst := protocol.Address(protocol.AddressMinNode)

	msg := testMessage(dst)
	if !r.HandleInbound(msg, now) {
		t.Fatal("router should claim a node-to-node message")
	}
	routed, _, _ := r.Stats()
	if routed != 1 {
		t.Errorf("totalRouted = %d, want 1", routed)
	}
}

func TestHandleInboundQueuesForUnreachableNode(t *testing.T) {
	r, _ := newTestRouter()
	now := time.Now()
	unknown := protocol.Address(0x0099)

	msg := testMessage(unknown)
	if !r.HandleInbound(msg, now) {
		t.Fatal("router should claim a node-to-node message even when unreachable")
	}
	_, queued, _ := r.Stats()
	if queued != 1 {
		t.Errorf("queued = %d, want 1", queued)
	}
}

func TestProcessQueuedMessagesDeliversOnceNodeIsRegistered(t *testing.T) {
	r, am := newTestRouter()
	now := time.Now()
	target := protocol.Address(protocol.AddressMinNode)

	msg := testMessage(target)
	r.HandleInbound(msg, now)
	_, queued, _ := r.Stats()
	if queued != 1 {
		t.Fatalf("expected 1 queued message before the node registers, got %d", queued)
	}

	am.RegisterNode(5, 1, 0, 1, "late-node", now)
	r.ProcessQueuedMessages(now.Add(time.Second))

	routed, queuedAfter, _ := r.Stats()
	if queuedAfter != 0 {
		t.Errorf("queued = %d, want 0 after the destination registers", queuedAfter)
	}
	if routed != 1 {
		t.Errorf("totalRouted = %d, want 1", routed)
	}
}

func TestProcessQueuedMessagesDropsExpired(t *testing.T) {
	r, _ := newTestRouter()
	now := time.Now()
	unknown := protocol.Address(0x0088)

	msg := testMessage(unknown)
	r.HandleInbound(msg, now)

	r.ProcessQueuedMessages(now.Add(MessageTimeout + time.Second))
	_, queued, dropped := r.Stats()
	if queued != 0 {
		t.Errorf("queued = %d, want 0 after expiry", queued)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}
