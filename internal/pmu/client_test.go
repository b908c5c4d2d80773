package pmu

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an io.ReadWriter double: Write captures frames sent by
// the client, Read blocks until the test pushes bytes via deliver.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte

	inbox chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.sent = append(f.sent, cp)
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	b := <-f.inbox
	return copy(p, b), nil
}

func (f *fakeTransport) deliver(b []byte) {
	f.inbox <- b
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestClientClearToSendAck(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ReceiveLoop(ctx)

	results := make(chan bool, 1)
	if !c.ClearToSend(func(success bool, _ ErrorCode) { results <- success }) {
		t.Fatalf("ClearToSend: queue rejected command")
	}

	waitFor(t, func() bool { return ft.lastSent() != nil })
	sent := ft.lastSent()
	p := NewParser()
	var frame Frame
	var ok bool
	for _, b := range sent {
		frame, ok = p.ProcessByte(b)
	}
	if !ok || len(frame.Data) != 0 {
		t.Fatalf("unexpected outgoing frame: ok=%v frame=%+v", ok, frame)
	}

	ack, err := encodeFrame(frame.Seq, uint8(RespAck), nil)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	ft.deliver(ack)

	select {
	case success := <-results:
		if !success {
			t.Errorf("expected success, got failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command callback")
	}
}

func TestClientWakeNotification(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ReceiveLoop(ctx)

	woke := make(chan WakeReason, 1)
	gotState := make(chan [NodeStateSize]byte, 1)
	c.OnWake(func(reason WakeReason, _ *ScheduleEntry, valid bool, state [NodeStateSize]byte) {
		woke <- reason
		if valid {
			gotState <- state
		}
	})

	var state [NodeStateSize]byte
	state[0] = PersistedStateVersion
	state[1] = 42

	data := append([]byte{byte(WakeReasonPeriodic), 1}, state[:]...)
	frame, err := encodeFrame(SeqPmuMin, uint8(RespWakeReason), data)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	ft.deliver(frame)

	select {
	case reason := <-woke:
		if reason != WakeReasonPeriodic {
			t.Errorf("reason = %v, want Periodic", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wake callback")
	}

	select {
	case got := <-gotState:
		if got != state {
			t.Errorf("state blob mismatch: got %v, want %v", got, state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state blob")
	}
}

func TestClientDedupDropsRepeatedWake(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ReceiveLoop(ctx)

	var count int32
	var mu sync.Mutex
	c.OnWake(func(WakeReason, *ScheduleEntry, bool, [NodeStateSize]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	frame, err := encodeFrame(SeqPmuMin, uint8(RespWakeReason), []byte{byte(WakeReasonExternal), 0})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	ft.deliver(frame)
	ft.deliver(frame)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("wake callback fired %d times for a duplicate message, want 1", got)
	}
}

func TestPersistedStateRoundTrip(t *testing.T) {
	want := PersistedState{
		Version:         PersistedStateVersion,
		NextSeqNum:      5,
		AssignedAddress: 0x0042,
		FlashReadIndex:  12,
		FlashWriteIndex: 19,
	}
	blob := want.Encode()
	got, err := DecodePersistedState(blob)
	if err != nil {
		t.Fatalf("DecodePersistedState: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestPersistedStateRejectsVersionMismatch(t *testing.T) {
	var blob [NodeStateSize]byte
	blob[0] = PersistedStateVersion + 1
	if _, err := DecodePersistedState(blob); err == nil {
		t.Error("expected an error for a mismatched persisted-state version")
	}
}
