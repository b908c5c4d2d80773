// Package messenger implements ReliableMessenger: sequence numbers, ACKs,
// criticality-driven retries, deduplication, and a bounded outgoing queue
// layered on top of a half-duplex radio.Port. Grounded on
// original_source/src/lora/reliable_messenger.h and retry_policy.h, rendered
// as a mutex-guarded map of in-flight sends driven by an explicit Update
// call rather than a dedicated goroutine per pending message, matching the
// single-owner-per-radio constraint.
package messenger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
)

// MaxOutgoing bounds the outgoing queue so a stuck radio cannot grow memory
// without bound.
const MaxOutgoing = 32

// AckCallback is invoked exactly once per reliable send: when the peer ACKs
// (success=true) or the retry policy reports terminal failure
// (success=false). It survives retries because it is stored on pendingSend,
// not on the transient queued frame.
type AckCallback func(success bool)

// MessageHandler is invoked for each successfully dedup-checked, non-ACK
// frame delivered to this address.
type MessageHandler func(msg *protocol.Message)

// pendingSend tracks one outgoing Reliable/Critical message awaiting ACK.
type pendingSend struct {
	seq         uint8
	frame       []byte
	dest        protocol.Address
	criticality protocol.Criticality
	attempt     uint8
	nextSendAt  time.Time
	callback    AckCallback
}

// outgoingFrame is a queued best-effort transmission with no retry tracking.
type outgoingFrame struct {
	frame []byte
}

// Messenger is the node- or hub-side ReliableMessenger instance. One
// Messenger exclusively owns one radio.Port.
type Messenger struct {
	mu sync.Mutex

	port    radio.Port
	addr    protocol.Address
	seqMin  uint8
	seqMax  uint8
	nextSeq uint8

	pending  map[uint8]*pendingSend
	outgoing []outgoingFrame

	seen *seenRing

	handlers map[protocol.MessageType]MessageHandler

	log *log.Logger
}

// New constructs a Messenger bound to addr, using sequence numbers in
// [seqMin, seqMax] (0 is always skipped; nodes use 128..255, the hub uses
// 1..127, so ACKed sequence numbers never collide across directions).
func New(addr protocol.Address, port radio.Port, seqMin, seqMax uint8, logger *log.Logger) *Messenger {
	if logger == nil {
		logger = log.Default()
	}
	m := &Messenger{
		port:     port,
		addr:     addr,
		seqMin:   seqMin,
		seqMax:   seqMax,
		nextSeq:  seqMin,
		pending:  make(map[uint8]*pendingSend),
		seen:     newSeenRing(30 * time.Second),
		handlers: make(map[protocol.MessageType]MessageHandler),
		log:      logger,
	}
	return m
}

// Address returns the address frames are currently sent/ACKed as.
func (m *Messenger) Address() protocol.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// SetAddress updates the address used as the source of outgoing frames, for
// a node adopting the address assigned by a RegistrationResponse after
// having sent its initial Registration from AddressUnregistered.
func (m *Messenger) SetAddress(addr protocol.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = addr
}

// NextSeq returns the sequence number that the next Send call will assign,
// without consuming it. Used to snapshot/restore messenger state across
// sleeps via the PMU state blob (see pmu.PersistedState).
func (m *Messenger) NextSeq() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq
}

// SetNextSeq restores the sequence counter, e.g. from a warm-started PMU
// state blob, so the dedup contract holds across sleeps.
func (m *Messenger) SetNextSeq(seq uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq = seq
}

// OnMessage registers a callback invoked for successfully processed frames
// of the given type (after dedup, after any required ACK is queued).
func (m *Messenger) OnMessage(t protocol.MessageType, h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

func (m *Messenger) allocateSeq() uint8 {
	seq := m.nextSeq
	next := seq + 1
	if next < m.seqMin || next > m.seqMax || next == 0 {
		next = m.seqMin
	}
	m.nextSeq = next
	return seq
}

// Send encodes and queues a frame for the given destination and criticality.
// It returns the assigned sequence number immediately; reliability (ACK
// tracking, retries) is managed internally by Update.
func (m *Messenger) Send(msgType protocol.MessageType, dest protocol.Address, criticality protocol.Criticality, payload []byte) (uint8, error) {
	return m.SendWithCallback(msgType, dest, criticality, payload, nil)
}

// SendWithCallback is identical to Send but attaches cb, which fires exactly
// once with the terminal outcome of a Reliable/Critical send. cb is ignored
// for BestEffort sends (there is nothing to call back about).
func (m *Messenger) SendWithCallback(msgType protocol.MessageType, dest protocol.Address, criticality protocol.Criticality, payload []byte, cb AckCallback) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.allocateSeq()
	flags := protocol.FlagsFromCriticality(criticality, 0)
	frame, err := protocol.Encode(msgType, flags, m.addr, dest, seq, payload)
	if err != nil {
		return 0, fmt.Errorf("messenger: encode failed: %w", err)
	}

	if criticality == protocol.BestEffort {
		if len(m.outgoing) >= MaxOutgoing {
			return 0, fmt.Errorf("messenger: outgoing queue full")
		}
		m.outgoing = append(m.outgoing, outgoingFrame{frame: frame})
		return seq, nil
	}

	m.pending[seq] = &pendingSend{
		seq:         seq,
		frame:       frame,
		dest:        dest,
		criticality: criticality,
		attempt:     0,
		nextSendAt:  time.Time{}, // zero value: due immediately
		callback:    cb,
	}
	return seq, nil
}

// CancelPending cancels a Reliable/Critical send awaiting ACK, e.g. once a
// registration response makes the original registration request moot.
func (m *Messenger) CancelPending(seq uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[seq]; !ok {
		return false
	}
	delete(m.pending, seq)
	return true
}

// Update drains the outgoing queue and drives retries/timeouts for pending
// sends. It must be called frequently (the node's per-wake pipeline and the
// hub's main loop both call it on every iteration).
func (m *Messenger) Update(now time.Time) {
	m.mu.Lock()

	for _, of := range m.outgoing {
		if err := m.port.Send(of.frame); err != nil {
			m.log.Printf("messenger: best-effort send failed: %v", err)
		}
	}
	m.outgoing = m.outgoing[:0]

	// Terminal-failure callbacks fire after the map walk completes, never
	// while m.mu is held, so a callback that calls back into the Messenger
	// (e.g. to re-send) cannot deadlock.
	var terminal []AckCallback

	for seq, ps := range m.pending {
		if now.Before(ps.nextSendAt) {
			continue
		}
		if err := m.port.Send(ps.frame); err != nil {
			m.log.Printf("messenger: send seq=%d failed: %v", seq, err)
		}
		cfg := retryConfigFor(ps.criticality)
		if ps.attempt == 0 {
			ps.attempt = 1
			ps.nextSendAt = now.Add(calculateDelay(cfg, ps.attempt))
			continue
		}
		if !shouldRetry(cfg, ps.attempt) {
			delete(m.pending, seq)
			if ps.callback != nil {
				terminal = append(terminal, ps.callback)
			}
			continue
		}
		if cfg.InfiniteRetry && ps.attempt >= cfg.MaxAttempts {
			ps.nextSendAt = now.Add(cfg.MaxDelay)
		} else {
			ps.attempt++
			ps.nextSendAt = now.Add(calculateDelay(cfg, ps.attempt))
		}
	}
	m.mu.Unlock()

	for _, cb := range terminal {
		cb(false)
	}
}

// OnRX processes a raw frame received by the radio. Order is fixed per
// Order is fixed: dedup, then ACK emission (for RELIABLE frames, before further
// processing), then the application callback.
func (m *Messenger) OnRX(data []byte, now time.Time) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.log.Printf("messenger: decode failed: %v", err)
		return
	}

	if msg.Header.Type == protocol.MsgAck {
		m.handleAck(msg)
		return
	}
	if msg.Header.Type == protocol.MsgBatchAck {
		m.handleBatchAck(msg)
		return
	}

	m.mu.Lock()
	duplicate := m.seen.seenWithin(msg.Header.Src, msg.Header.Seq, now)
	m.seen.record(msg.Header.Src, msg.Header.Seq, now)
	reliable := msg.Header.Flags&protocol.FlagReliable != 0
	m.mu.Unlock()

	if reliable {
		m.sendAck(msg.Header.Src, msg.Header.Seq)
	}

	if duplicate {
		return // ACK re-sent above so the sender converges; callback not re-invoked
	}

	m.mu.Lock()
	handler := m.handlers[msg.Header.Type]
	m.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (m *Messenger) sendAck(dest protocol.Address, ackedSeq uint8) {
	ack := protocol.AckPayload{AckedSeq: ackedSeq}
	m.mu.Lock()
	seq := m.allocateSeq()
	frame, err := protocol.Encode(protocol.MsgAck, 0, m.addr, dest, seq, ack.Encode())
	m.mu.Unlock()
	if err != nil {
		m.log.Printf("messenger: failed to encode ack: %v", err)
		return
	}
	if err := m.port.Send(frame); err != nil {
		m.log.Printf("messenger: failed to send ack: %v", err)
	}
}

func (m *Messenger) handleAck(msg *protocol.Message) {
	ack, err := protocol.DecodeAck(msg.Payload)
	if err != nil {
		m.log.Printf("messenger: bad ack payload: %v", err)
		return
	}
	m.resolvePending(ack.AckedSeq)
}

func (m *Messenger) handleBatchAck(msg *protocol.Message) {
	ack, err := protocol.DecodeBatchAck(msg.Payload)
	if err != nil {
		m.log.Printf("messenger: bad batch ack payload: %v", err)
		return
	}
	m.resolvePending(ack.AckedSeq)
}

func (m *Messenger) resolvePending(ackedSeq uint8) {
	m.mu.Lock()
	ps, ok := m.pending[ackedSeq]
	if ok {
		delete(m.pending, ackedSeq)
	}
	m.mu.Unlock()
	if ok && ps.callback != nil {
		ps.callback(true)
	}
}

// PendingCount reports the number of Reliable/Critical sends currently
// awaiting ACK, for tests and diagnostics.
func (m *Messenger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
