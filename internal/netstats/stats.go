package netstats

import (
	"sync"
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// rssiWindow and snrWindow are the rolling-window sizes used for every
// node's signal-quality tracking, matching the original's
// RollingStats<100>.
const (
	rssiWindow = 100
	snrWindow  = 100
)

// LinkQuality categorizes a node's current signal strength.
type LinkQuality uint8

const (
	LinkPoor LinkQuality = iota
	LinkFair
	LinkGood
	LinkExcellent
)

func (l LinkQuality) String() string {
	switch l {
	case LinkExcellent:
		return "excellent"
	case LinkGood:
		return "good"
	case LinkFair:
		return "fair"
	default:
		return "poor"
	}
}

// classifyLinkQuality buckets an RSSI reading (dBm) into a LinkQuality,
// matching NodeStatistics::calculateLinkQuality's thresholds.
func classifyLinkQuality(rssi int16) LinkQuality {
	switch {
	case rssi > -60:
		return LinkExcellent
	case rssi > -80:
		return LinkGood
	case rssi > -100:
		return LinkFair
	default:
		return LinkPoor
	}
}

// MessageTypeStats tracks delivery outcomes for one criticality level.
type MessageTypeStats struct {
	Sent       uint32
	Delivered  uint32
	Timeouts   uint32
	Retries    uint32
	MaxRetries uint32
}

// DeliveryRate returns the percentage of sent messages that were delivered,
// 100 if none were sent yet.
func (s MessageTypeStats) DeliveryRate() float64 {
	if s.Sent == 0 {
		return 100
	}
	return float64(s.Delivered) / float64(s.Sent) * 100
}

// AverageRetries returns the mean retry count per delivered message.
func (s MessageTypeStats) AverageRetries() float64 {
	if s.Delivered == 0 {
		return 0
	}
	return float64(s.Retries) / float64(s.Delivered)
}

// NodeStatistics holds everything the hub tracks about one node's link and
// delivery history.
type NodeStatistics struct {
	ByCriticality map[protocol.Criticality]*MessageTypeStats

	MessagesReceived uint32
	AcksSent         uint32
	AcksReceived     uint32

	CRCErrors       uint32
	InvalidMessages uint32

	RSSI *RollingStats
	SNR  *RollingStats

	CurrentLinkQuality     LinkQuality
	LinkQualityChanges     uint32
	TimeEnteredCurrentLink time.Time

	FirstSeen time.Time
	LastSeen  time.Time
}

func newNodeStatistics() *NodeStatistics {
	return &NodeStatistics{
		ByCriticality: map[protocol.Criticality]*MessageTypeStats{
			protocol.BestEffort: {},
			protocol.Reliable:   {},
			protocol.Critical:   {},
		},
		RSSI:               NewRollingStats(rssiWindow),
		SNR:                NewRollingStats(snrWindow),
		CurrentLinkQuality: LinkPoor,
	}
}

func (n *NodeStatistics) statsFor(c protocol.Criticality) *MessageTypeStats {
	s, ok := n.ByCriticality[c]
	if !ok {
		s = &MessageTypeStats{}
		n.ByCriticality[c] = s
	}
	return s
}

// TotalMessagesSent sums Sent across all criticality levels.
func (n *NodeStatistics) TotalMessagesSent() uint32 {
	var total uint32
	for _, s := range n.ByCriticality {
		total += s.Sent
	}
	return total
}

// TotalDelivered sums Delivered across all criticality levels.
func (n *NodeStatistics) TotalDelivered() uint32 {
	var total uint32
	for _, s := range n.ByCriticality {
		total += s.Delivered
	}
	return total
}

// Uptime returns how long this node has been known, 0 if it's never been
// seen twice.
func (n *NodeStatistics) Uptime() time.Duration {
	if n.FirstSeen.IsZero() || n.LastSeen.IsZero() {
		return 0
	}
	return n.LastSeen.Sub(n.FirstSeen)
}

// GlobalStatistics aggregates counters across the whole network.
type GlobalStatistics struct {
	ByCriticality map[protocol.Criticality]*MessageTypeStats

	TotalMessagesReceived uint32
	TotalAcksSent         uint32
	TotalAcksReceived     uint32
	TotalBroadcasts       uint32

	TotalCRCErrors       uint32
	TotalInvalidMessages uint32

	NodesRegistered uint32
	NodesActive     uint32
	NodesInactive   uint32

	NetworkStart time.Time
}

// OverallDeliveryRate returns the delivery rate across Reliable and
// Critical traffic only, matching the original's getOverallDeliveryRate
// (BestEffort has no delivery guarantee worth scoring).
func (g GlobalStatistics) OverallDeliveryRate() float64 {
	sent := g.ByCriticality[protocol.Reliable].Sent + g.ByCriticality[protocol.Critical].Sent
	delivered := g.ByCriticality[protocol.Reliable].Delivered + g.ByCriticality[protocol.Critical].Delivered
	if sent == 0 {
		return 100
	}
	return float64(delivered) / float64(sent) * 100
}

// Tracker is NetworkStats: the hub's aggregate view of per-node and
// network-wide message delivery and signal quality.
type Tracker struct {
	mu    sync.Mutex
	nodes map[protocol.Address]*NodeStatistics
	global GlobalStatistics
}

// NewTracker returns an empty Tracker with its network clock started now.
func NewTracker(now time.Time) *Tracker {
	return &Tracker{
		nodes: make(map[protocol.Address]*NodeStatistics),
		global: GlobalStatistics{
			ByCriticality: map[protocol.Criticality]*MessageTypeStats{
				protocol.BestEffort: {},
				protocol.Reliable:   {},
				protocol.Critical:   {},
			},
			NetworkStart: now,
		},
	}
}

func (t *Tracker) nodeFor(addr protocol.Address) *NodeStatistics {
	n, ok := t.nodes[addr]
	if !ok {
		n = newNodeStatistics()
		t.nodes[addr] = n
	}
	return n
}

// RecordMessageSent records the outcome of one send attempt to dst.
func (t *Tracker) RecordMessageSent(dst protocol.Address, criticality protocol.Criticality, delivered bool, retries uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodeFor(dst)
	s := n.statsFor(criticality)
	s.Sent++
	gs := t.global.ByCriticality[criticality]
	gs.Sent++
	if delivered {
		s.Delivered++
		gs.Delivered++
	}
	s.Retries += retries
	gs.Retries += retries
	if retries > s.MaxRetries {
		s.MaxRetries = retries
	}
	if retries > gs.MaxRetries {
		gs.MaxRetries = retries
	}
}

// RecordMessageReceived records a message received from src, updating its
// rolling RSSI/SNR windows and link-quality classification.
func (t *Tracker) RecordMessageReceived(src protocol.Address, rssi int16, snr float64, crcError bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodeFor(src)
	n.MessagesReceived++
	t.global.TotalMessagesReceived++

	if crcError {
		n.CRCErrors++
		t.global.TotalCRCErrors++
		return
	}

	n.RSSI.Add(rssi)
	n.SNR.Add(int16(snr))
	if n.FirstSeen.IsZero() {
		n.FirstSeen = now
	}
	n.LastSeen = now

	quality := classifyLinkQuality(rssi)
	if quality != n.CurrentLinkQuality {
		n.CurrentLinkQuality = quality
		n.LinkQualityChanges++
		n.TimeEnteredCurrentLink = now
	}
}

// RecordAckSent records an ACK transmitted to dst.
func (t *Tracker) RecordAckSent(dst protocol.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeFor(dst).AcksSent++
	t.global.TotalAcksSent++
}

// RecordAckReceived records an ACK received from src.
func (t *Tracker) RecordAckReceived(src protocol.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeFor(src).AcksReceived++
	t.global.TotalAcksReceived++
}

// RecordTimeout records a delivery attempt to dst that exhausted retries.
func (t *Tracker) RecordTimeout(dst protocol.Address, criticality protocol.Criticality) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeFor(dst).statsFor(criticality).Timeouts++
	t.global.ByCriticality[criticality].Timeouts++
}

// RecordInvalidMessage records a malformed/undecodable inbound message.
func (t *Tracker) RecordInvalidMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global.TotalInvalidMessages++
}

// RecordBroadcast records a broadcast transmission.
func (t *Tracker) RecordBroadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global.TotalBroadcasts++
}

// UpdateNodeCounts sets the registered/active/inactive node counts reported
// by the address manager.
func (t *Tracker) UpdateNodeCounts(registered, active, inactive uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global.NodesRegistered = registered
	t.global.NodesActive = active
	t.global.NodesInactive = inactive
}

// NodeStats returns a copy of the tracked statistics for address, and
// whether any have been recorded yet.
func (t *Tracker) NodeStats(address protocol.Address) (NodeStatistics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[address]
	if !ok {
		return NodeStatistics{}, false
	}
	return *n, true
}

// GlobalStats returns a copy of the network-wide statistics.
func (t *Tracker) GlobalStats() GlobalStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.global
}

// Reset clears all tracked statistics, restarting the network uptime clock.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[protocol.Address]*NodeStatistics)
	t.global = GlobalStatistics{
		ByCriticality: map[protocol.Criticality]*MessageTypeStats{
			protocol.BestEffort: {},
			protocol.Reliable:   {},
			protocol.Critical:   {},
		},
		NetworkStart: now,
	}
}
