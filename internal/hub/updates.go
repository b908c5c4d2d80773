package hub

import (
	"sync"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// PendingUpdate is one hub-initiated configuration change queued for
// delivery to a node: a schedule change, a date/time correction, or a wake
// interval change. Nodes are not addressable unsolicited — the hub cannot
// push a LoRa frame to a sleeping node — so updates sit in a per-node queue
// until the node itself asks via CheckUpdates on its next wake.
type PendingUpdate struct {
	Kind protocol.UpdateKind
	Seq  uint8
	Data []byte
}

// UpdateQueue holds one FIFO of PendingUpdate per node address. Safe for
// concurrent use.
type UpdateQueue struct {
	mu     sync.Mutex
	byAddr map[protocol.Address][]PendingUpdate
	nextSeq map[protocol.Address]uint8
}

// NewUpdateQueue returns an empty UpdateQueue.
func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{
		byAddr:  make(map[protocol.Address][]PendingUpdate),
		nextSeq: make(map[protocol.Address]uint8),
	}
}

// Enqueue appends an update for addr and returns the sequence number
// assigned to it. Sequence numbers are per-node and wrap at 256; a node
// that falls behind by a full wraparound will skip stale entries, which is
// acceptable since later updates of the same kind supersede earlier ones in
// practice (e.g. a newer schedule replaces an older one).
func (q *UpdateQueue) Enqueue(addr protocol.Address, kind protocol.UpdateKind, data []byte) uint8 {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.nextSeq[addr]
	q.nextSeq[addr] = seq + 1
	q.byAddr[addr] = append(q.byAddr[addr], PendingUpdate{Kind: kind, Seq: seq, Data: append([]byte(nil), data...)})
	return seq
}

// Peek returns the oldest queued update for addr, if any, without removing
// it. CheckUpdates handling peeks rather than pops so a node that never
// acknowledges (e.g. it reset mid-apply) sees the same item again on its
// next poll instead of silently losing it.
func (q *UpdateQueue) Peek(addr protocol.Address) (PendingUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.byAddr[addr]
	if len(items) == 0 {
		return PendingUpdate{}, false
	}
	return items[0], true
}

// Ack removes the head-of-queue update for addr if its sequence number
// matches seq, meaning the node confirmed applying it (its next CheckUpdates
// carries a NodeSeq advanced past it). Returns whether an entry was removed.
func (q *UpdateQueue) Ack(addr protocol.Address, seq uint8) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.byAddr[addr]
	if len(items) == 0 || items[0].Seq != seq {
		return false
	}
	q.byAddr[addr] = items[1:]
	return true
}

// Len returns the number of updates queued for addr.
func (q *UpdateQueue) Len(addr protocol.Address) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAddr[addr])
}

// Clear drops every queued update for addr, used when a node is
// unregistered so stale updates don't linger forever.
func (q *UpdateQueue) Clear(addr protocol.Address) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byAddr, addr)
	delete(q.nextSeq, addr)
}

// HandleCheckUpdates implements the hub side of spec's CheckUpdates /
// UpdateAvailable exchange: the node reports the highest update sequence it
// has already applied (req.NodeSeq), the hub acks anything at-or-before
// that sequence, then returns the new head of queue (if any) to send back
// as an UpdateAvailablePayload.
func (q *UpdateQueue) HandleCheckUpdates(addr protocol.Address, req *protocol.CheckUpdatesPayload) (*protocol.UpdateAvailablePayload, bool) {
	q.mu.Lock()
	items := q.byAddr[addr]
	for len(items) > 0 && seqLE(items[0].Seq, req.NodeSeq) {
		items = items[1:]
	}
	q.byAddr[addr] = items
	q.mu.Unlock()

	head, ok := q.Peek(addr)
	if !ok {
		return nil, false
	}
	return &protocol.UpdateAvailablePayload{Kind: head.Kind, Seq: head.Seq, Data: head.Data}, true
}

// seqLE reports whether a precedes or equals b in the update sequence's
// wraparound ordering, treating the gap the same way TCP sequence
// comparisons do: a is "at or before" b if the forward distance from a to b
// is less than half the sequence space.
func seqLE(a, b uint8) bool {
	return uint8(b-a) < 128
}
