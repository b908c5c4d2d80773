package hub

import (
	"testing"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

func TestUpdateQueueEnqueuePeekAck(t *testing.T) {
	q := NewUpdateQueue()
	addr := protocol.Address(10)

	seq := q.Enqueue(addr, protocol.UpdateSetSchedule, []byte{1, 2, 3})
	if seq != 0 {
		t.Fatalf("first enqueue seq = %d, want 0", seq)
	}
	if q.Len(addr) != 1 {
		t.Fatalf("Len = %d, want 1", q.Len(addr))
	}

	head, ok := q.Peek(addr)
	if !ok {
		t.Fatal("Peek: expected an entry")
	}
	if head.Kind != protocol.UpdateSetSchedule || head.Seq != 0 {
		t.Errorf("Peek returned %+v", head)
	}

	if !q.Ack(addr, 0) {
		t.Fatal("Ack: expected success")
	}
	if q.Len(addr) != 0 {
		t.Errorf("Len after ack = %d, want 0", q.Len(addr))
	}
	if q.Ack(addr, 0) {
		t.Error("re-acking an empty queue should fail")
	}
}

func TestUpdateQueueFIFOOrder(t *testing.T) {
	q := NewUpdateQueue()
	addr := protocol.Address(11)

	q.Enqueue(addr, protocol.UpdateSetSchedule, []byte("a"))
	q.Enqueue(addr, protocol.UpdateRemoveSchedule, []byte("b"))

	head, _ := q.Peek(addr)
	if head.Kind != protocol.UpdateSetSchedule {
		t.Fatalf("expected first-enqueued entry at head, got kind=%v", head.Kind)
	}
	if !q.Ack(addr, head.Seq) {
		t.Fatal("ack of head failed")
	}
	head2, ok := q.Peek(addr)
	if !ok || head2.Kind != protocol.UpdateRemoveSchedule {
		t.Fatalf("expected second entry after first ack, got %+v ok=%v", head2, ok)
	}
}

func TestHandleCheckUpdatesDrainsAckedEntries(t *testing.T) {
	q := NewUpdateQueue()
	addr := protocol.Address(12)

	q.Enqueue(addr, protocol.UpdateSetSchedule, []byte("a")) // seq 0
	q.Enqueue(addr, protocol.UpdateRemoveSchedule, []byte("b")) // seq 1

	// Node reports it already applied seq 0; the hub should drain it and
	// offer seq 1 as the next update.
	avail, ok := q.HandleCheckUpdates(addr, &protocol.CheckUpdatesPayload{NodeSeq: 0})
	if !ok {
		t.Fatal("expected an available update")
	}
	if avail.Kind != protocol.UpdateRemoveSchedule || avail.Seq != 1 {
		t.Errorf("got %+v, want seq=1 kind=UpdateRemoveSchedule", avail)
	}
	if q.Len(addr) != 1 {
		t.Errorf("Len = %d, want 1 (seq 0 drained)", q.Len(addr))
	}
}

func TestHandleCheckUpdatesEmptyQueue(t *testing.T) {
	q := NewUpdateQueue()
	addr := protocol.Address(13)

	if _, ok := q.HandleCheckUpdates(addr, &protocol.CheckUpdatesPayload{NodeSeq: 0}); ok {
		t.Error("expected no available update for an empty queue")
	}
}

func TestSeqLEWraparound(t *testing.T) {
	cases := []struct {
		a, b uint8
		want bool
	}{
		{0, 0, true},
		{0, 1, true},
		{1, 0, false},
		{255, 0, true},  // 0 is "after" 255 modulo 256, within half the space
		{0, 255, false}, // 255 is "before" 0 only by wrapping the long way
		{200, 50, true}, // forward distance 200->50 is 106 modulo 256, within half the space
	}
	for _, c := range cases {
		if got := seqLE(c.a, c.b); got != c.want {
			t.Errorf("seqLE(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestUpdateQueueClear(t *testing.T) {
	q := NewUpdateQueue()
	addr := protocol.Address(14)
	q.Enqueue(addr, protocol.UpdateSetSchedule, []byte("a"))
	q.Clear(addr)
	if q.Len(addr) != 0 {
		t.Errorf("Len after Clear = %d, want 0", q.Len(addr))
	}
	if _, ok := q.Peek(addr); ok {
		t.Error("Peek after Clear should find nothing")
	}
}
