package messenger

import (
	"sync"
	"testing"
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
)

func linkedMessengers(t *testing.T) (*Messenger, *Messenger, *radio.Mock, *radio.Mock) {
	t.Helper()
	ra, rb := radio.NewMock(), radio.NewMock()
	radio.Link(ra, rb)
	ra.Begin()
	rb.Begin()
	ra.StartReceive()
	rb.StartReceive()

	hub := New(protocol.AddressHub, ra, 1, 127, nil)
	node := New(protocol.Address(0x0001), rb, 128, 255, nil)
	return hub, node, ra, rb
}

// pump delivers frames waiting in each side's own radio inbox to its own
// messenger: ra belongs to a, rb belongs to b. A frame lands in ra's inbox
// when b transmitted on the linked rb, and must be handed to a (and
// symmetrically for rb/b), simulating the cooperative main loop servicing
// radio IRQs.
func pump(t *testing.T, a *Messenger, ra *radio.Mock, b *Messenger, rb *radio.Mock, now time.Time) {
	t.Helper()
	buf := make([]byte, protocol.MaxFrame)
	for ra.IsMsgReady() {
		n, err := ra.Receive(buf)
		if err != nil {
			break
		}
		a.OnRX(append([]byte(nil), buf[:n]...), now)
	}
	for rb.IsMsgReady() {
		n, err := rb.Receive(buf)
		if err != nil {
			break
		}
		b.OnRX(append([]byte(nil), buf[:n]...), now)
	}
}

func TestReliableSendSucceedsOnAck(t *testing.T) {
	hub, node, ra, rb := linkedMessengers(t)

	var mu sync.Mutex
	var result *bool
	now := time.Now()

	_, err := hub.SendWithCallback(protocol.MsgActuatorCmd, protocol.Address(0x0001), protocol.Reliable, []byte{1, 2}, func(success bool) {
		mu.Lock()
		result = &success
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SendWithCallback failed: %v", err)
	}

	hub.Update(now)
	pump(t, hub, ra, node, rb, now) // node receives the command, auto-ACKs
	pump(t, hub, ra, node, rb, now) // hub receives the ACK

	mu.Lock()
	defer mu.Unlock()
	if result == nil {
		t.Fatal("callback was not invoked")
	}
	if !*result {
		t.Error("callback reported failure, want success")
	}
	if hub.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", hub.PendingCount())
	}
}

func TestReliableSendTerminatesAfterMaxAttempts(t *testing.T) {
	hub, _, _, _ := linkedMessengers(t)
	// Detach the peer so nothing ever ACKs.
	hub2radio := radio.NewMock()
	hub2radio.Begin()
	hub = New(protocol.AddressHub, hub2radio, 1, 127, nil)

	var calls int
	var lastSuccess bool
	_, err := hub.SendWithCallback(protocol.MsgActuatorCmd, protocol.Address(0x0001), protocol.Reliable, []byte{9}, func(success bool) {
		calls++
		lastSuccess = success
	})
	if err != nil {
		t.Fatalf("SendWithCallback failed: %v", err)
	}

	now := time.Now()
	for i := 0; i < 10; i++ {
		hub.Update(now)
		now = now.Add(6 * time.Second) // past the 5s max delay every iteration
	}

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	if lastSuccess {
		t.Error("callback reported success, want terminal failure")
	}
	if hub.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after terminal failure", hub.PendingCount())
	}
}

func TestCriticalSendNeverTerminates(t *testing.T) {
	r := radio.NewMock()
	r.Begin()
	hub := New(protocol.AddressHub, r, 1, 127, nil)

	var calls int
	_, err := hub.SendWithCallback(protocol.MsgActuatorCmd, protocol.Address(0x0001), protocol.Critical, []byte{1}, func(success bool) {
		calls++
	})
	if err != nil {
		t.Fatalf("SendWithCallback failed: %v", err)
	}

	now := time.Now()
	for i := 0; i < 50; i++ {
		hub.Update(now)
		now = now.Add(31 * time.Second)
	}

	if calls != 0 {
		t.Errorf("callback invoked %d times for a Critical send, want 0 (no terminal failure)", calls)
	}
	if hub.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 (still pending)", hub.PendingCount())
	}
}

func TestDedupSuppressesDuplicateCallbackButNotAck(t *testing.T) {
	hub, node, ra, rb := linkedMessengers(t)

	var invocations int
	node.OnMessage(protocol.MsgActuatorCmd, func(msg *protocol.Message) {
		invocations++
	})

	now := time.Now()
	seq, err := hub.SendWithCallback(protocol.MsgActuatorCmd, protocol.Address(0x0001), protocol.BestEffort, []byte{1}, nil)
	if err != nil {
		t.Fatalf("SendWithCallback failed: %v", err)
	}

	// Build the frame manually with the RELIABLE flag so re-delivery
	// exercises the dedup path deterministically (BestEffort above just
	// allocates a sequence number to reuse).
	frame, err := protocol.Encode(protocol.MsgActuatorCmd, protocol.FlagReliable, protocol.AddressHub, protocol.Address(0x0001), seq, []byte{1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	node.OnRX(frame, now)
	node.OnRX(frame, now) // redelivered within TTL

	pump(t, hub, ra, node, rb, now)

	if invocations != 1 {
		t.Errorf("handler invoked %d times, want 1", invocations)
	}
}
