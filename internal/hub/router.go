package hub

import (
	"sync"
	"time"

	"github.com/erikbeerepoot/bramble/internal/messenger"
	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// Routing/queueing configuration, grounded on hub_router.h's constants.
const (
	MaxQueueSize    = 50
	MessageTimeout  = 5 * time.Minute
	MaxRetryCount   = 3
	NodeOfflineTimeout = 20 * time.Minute
)

// RouteEntry records the last-known path to a node. Multi-hop routing is
// not implemented — every entry is direct — but the field is kept to match
// the original shape and leave room for it.
type RouteEntry struct {
	Destination  protocol.Address
	NextHop      protocol.Address
	LastUsed     time.Time
	LastOnline   time.Time
	HopCount     uint8
	IsDirect     bool
	IsOnline     bool
}

type queuedMessage struct {
	msgType     protocol.MessageType
	payload     []byte
	destination protocol.Address
	queuedAt    time.Time
	retryCount  int
	requiresAck bool
}

// Router forwards node-to-node traffic that passes through the hub,
// queuing messages for destinations that are temporarily unreachable.
// Grounded on original_source/src/lora/hub_router.{h,cpp}.
type Router struct {
	addrs     *AddressManager
	messenger *messenger.Messenger

	mu      sync.Mutex
	routes  map[protocol.Address]*RouteEntry
	queue   []queuedMessage

	totalRouted  uint64
	totalDropped uint64
}

// NewRouter returns a Router that consults addrs for reachability and
// forwards via msgr.
func NewRouter(addrs *AddressManager, msgr *messenger.Messenger) *Router {
	return &Router{
		addrs:     addrs,
		messenger: msgr,
		routes:    make(map[protocol.Address]*RouteEntry),
	}
}

// HandleInbound inspects a decoded message's destination and forwards it
// when it targets another node rather than the hub itself or a broadcast.
// Returns true if the message was consumed by routing (forwarded or
// queued); false means the caller should still treat it as addressed to
// the hub.
func (r *Router) HandleInbound(msg *protocol.Message, now time.Time) bool {
	dst := msg.Header.Dst
	if dst == protocol.AddressHub || dst == protocol.AddressBroadcast {
		return false
	}
	r.forward(msg.Header.Type, msg.Payload, dst, now)
	return true
}

func (r *Router) forward(msgType protocol.MessageType, payload []byte, dst protocol.Address, now time.Time) bool {
	if !r.isReachable(dst) {
		return r.enqueue(msgType, payload, dst, now)
	}

	r.mu.Lock()
	r.routes[dst] = &RouteEntry{Destination: dst, NextHop: dst, LastUsed: now, HopCount: 1, IsDirect: true, IsOnline: true}
	r.mu.Unlock()

	if _, err := r.messenger.Send(msgType, dst, protocol.BestEffort, payload); err != nil {
		return r.enqueue(msgType, payload, dst, now)
	}
	r.mu.Lock()
	r.totalRouted++
	r.mu.Unlock()
	return true
}

func (r *Router) isReachable(dst protocol.Address) bool {
	_, ok := r.addrs.NodeInfo(dst)
	return ok
}

func (r *Router) enqueue(msgType protocol.MessageType, payload []byte, dst protocol.Address, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= MaxQueueSize {
		r.queue = r.queue[1:]
		r.totalDropped++
	}
	r.queue = append(r.queue, queuedMessage{
		msgType:     msgType,
		payload:     append([]byte(nil), payload...),
		destination: dst,
		queuedAt:    now,
	})
	return true
}

// UpdateRouteOnline marks address as reachable and, if it was previously
// offline or unknown, retries everything queued for it.
func (r *Router) UpdateRouteOnline(address protocol.Address, now time.Time) {
	r.mu.Lock()
	route, existed := r.routes[address]
	wasOffline := !existed || !route.IsOnline || now.Sub(route.LastOnline) > NodeOfflineTimeout
	r.routes[address] = &RouteEntry{
		Destination: address,
		NextHop:     address,
		LastUsed:    now,
		LastOnline:  now,
		HopCount:    1,
		IsDirect:    true,
		IsOnline:    true,
	}
	r.mu.Unlock()

	if wasOffline {
		r.ProcessQueuedMessages(now)
	}
}

// UpdateRouteOffline removes address from the routing table.
func (r *Router) UpdateRouteOffline(address protocol.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, address)
}

// ProcessQueuedMessages retries every queued message whose destination is
// now reachable, drops expired ones, and re-queues the rest (up to
// MaxRetryCount attempts).
func (r *Router) ProcessQueuedMessages(now time.Time) {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	var retry []queuedMessage
	for _, m := range pending {
		if now.Sub(m.queuedAt) > MessageTimeout {
			r.mu.Lock()
			r.totalDropped++
			r.mu.Unlock()
			continue
		}
		if !r.isReachable(m.destination) {
			retry = append(retry, m)
			continue
		}
		if _, err := r.messenger.Send(m.msgType, m.destination, protocol.BestEffort, m.payload); err != nil {
			m.retryCount++
			if m.retryCount < MaxRetryCount {
				retry = append(retry, m)
			} else {
				r.mu.Lock()
				r.totalDropped++
				r.mu.Unlock()
			}
			continue
		}
		r.mu.Lock()
		r.totalRouted++
		if route, ok := r.routes[m.destination]; ok {
			route.LastUsed = now
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.queue = append(r.queue, retry...)
	r.mu.Unlock()
}

// Stats returns (routed, queued, dropped) lifetime counters.
func (r *Router) Stats() (routed, queued, dropped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRouted, uint64(len(r.queue)), r.totalDropped
}

// ClearOldRoutes marks routes offline past NodeOfflineTimeout and removes
// any route untouched for longer than maxAge, returning how many were
// removed.
func (r *Router) ClearOldRoutes(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleared := 0
	for addr, route := range r.routes {
		if now.Sub(route.LastOnline) > NodeOfflineTimeout {
			route.IsOnline = false
		}
		if now.Sub(route.LastUsed) > maxAge {
			delete(r.routes, addr)
			cleared++
		}
	}
	return cleared
}
