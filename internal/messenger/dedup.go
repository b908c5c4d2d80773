package messenger

import (
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// seenEntry is a single (src, seq) dedup record.
type seenEntry struct {
	src  protocol.Address
	seq  uint8
	at   time.Time
	used bool
}

// seenRing is a fixed-capacity dedup ring keyed on (src, seq, timestamp):
// capacity 16, 30s TTL.
type seenRing struct {
	entries [16]seenEntry
	next    int
	ttl     time.Duration
}

func newSeenRing(ttl time.Duration) *seenRing {
	return &seenRing{ttl: ttl}
}

// seenWithin reports whether (src, seq) was recorded within the TTL as of
// now, without recording it.
func (r *seenRing) seenWithin(src protocol.Address, seq uint8, now time.Time) bool {
	for _, e := range r.entries {
		if e.used && e.src == src && e.seq == seq && now.Sub(e.at) <= r.ttl {
			return true
		}
	}
	return false
}

// record inserts (src, seq, now), evicting the oldest slot (ring write
// pointer) regardless of TTL, matching a fixed-capacity ring buffer.
func (r *seenRing) record(src protocol.Address, seq uint8, now time.Time) {
	r.entries[r.next] = seenEntry{src: src, seq: seq, at: now, used: true}
	r.next = (r.next + 1) % len(r.entries)
}
