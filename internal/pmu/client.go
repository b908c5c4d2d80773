package pmu

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Reliability tuning, ported from original_source/src/hal/pmu_reliability.h's
// Reliability namespace.
const (
	baseTimeout      = 500 * time.Millisecond
	maxTimeout       = 5 * time.Second
	backoffMultiplier = 2.0
	maxQueueDepth    = 8
	dedupBufferSize  = 8
	dedupWindow      = 5 * time.Second
)

// WakeCallback is invoked when the PMU delivers a wake notification.
// entry is nil unless reason is WakeReasonScheduled. state is only
// meaningful (and non-nil) when valid is true.
type WakeCallback func(reason WakeReason, entry *ScheduleEntry, valid bool, state [NodeStateSize]byte)

// ScheduleCompleteCallback is invoked when the PMU reports a scheduled
// operation finished.
type ScheduleCompleteCallback func()

// CommandCallback reports the terminal outcome of a reliable command.
type CommandCallback func(success bool, errCode ErrorCode)

// DateTimeCallback reports the outcome of a GetDateTime request.
type DateTimeCallback func(valid bool, dt DateTime)

type pendingCommand struct {
	seq       uint8
	cmd       Command
	data      []byte
	attempt   int
	deadline  time.Time
	onResult  CommandCallback
	onDateTime DateTimeCallback
}

type seenMessage struct {
	seq  uint8
	resp Response
	at   time.Time
}

// Client is ReliablePmuClient: a single-in-flight-command reliable client
// layered over the framed serial protocol, grounded on
// original_source/src/hal/pmu_reliability.h. One command is outstanding at a
// time; it is retried with exponential backoff (base 500ms, doubling, capped
// at 5s) until ACKed, NACKed, or canceled. Up to maxQueueDepth additional
// commands wait behind it. Incoming PMU messages are deduplicated against a
// short ring of recently seen (seq, response) pairs.
type Client struct {
	rw  io.ReadWriter
	log *log.Logger

	mu       sync.Mutex
	nextSeq  uint8
	queue    []*pendingCommand
	inFlight *pendingCommand
	seen     [dedupBufferSize]seenMessage
	seenNext int

	onWake             WakeCallback
	onScheduleComplete ScheduleCompleteCallback

	parser *Parser
}

// NewClient wraps rw (a real UART in production, an io.Pipe in tests) with a
// reliable command/response layer.
func NewClient(rw io.ReadWriter, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		rw:      rw,
		log:     logger,
		nextSeq: SeqNodeMin,
		parser:  NewParser(),
	}
}

// OnWake registers the wake-notification callback.
func (c *Client) OnWake(cb WakeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWake = cb
}

// OnScheduleComplete registers the schedule-complete callback.
func (c *Client) OnScheduleComplete(cb ScheduleCompleteCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScheduleComplete = cb
}

// allocateSeq returns the next node-owned sequence number, wrapping within
// 1..127 and never returning 0.
func (c *Client) allocateSeq() uint8 {
	seq := c.nextSeq
	c.nextSeq++
	if c.nextSeq > SeqNodeMax {
		c.nextSeq = SeqNodeMin
	}
	return seq
}

// enqueue queues a command for reliable delivery. Returns false if the queue
// is already at maxQueueDepth.
func (c *Client) enqueue(cmd Command, data []byte, onResult CommandCallback, onDateTime DateTimeCallback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= maxQueueDepth {
		return false
	}
	pc := &pendingCommand{
		seq:        c.allocateSeq(),
		cmd:        cmd,
		data:       data,
		onResult:   onResult,
		onDateTime: onDateTime,
	}
	c.queue = append(c.queue, pc)
	if c.inFlight == nil {
		c.dispatchNextLocked()
	}
	return true
}

// dispatchNextLocked sends the head of the queue if nothing is currently
// in flight. Caller must hold c.mu.
func (c *Client) dispatchNextLocked() {
	if c.inFlight != nil || len(c.queue) == 0 {
		return
	}
	pc := c.queue[0]
	c.queue = c.queue[1:]
	c.inFlight = pc
	pc.attempt = 1
	pc.deadline = time.Now().Add(baseTimeout)
	c.transmitLocked(pc)
}

func (c *Client) transmitLocked(pc *pendingCommand) {
	frame, err := encodeFrame(pc.seq, uint8(pc.cmd), pc.data)
	if err != nil {
		c.log.Printf("pmu: encode failed for cmd %#x: %v", pc.cmd, err)
		return
	}
	if _, err := c.rw.Write(frame); err != nil {
		c.log.Printf("pmu: write failed for cmd %#x: %v", pc.cmd, err)
	}
}

// Update advances retry timers, re-transmitting the in-flight command (if
// any) whose deadline has passed. Call it from the cooperative main loop;
// incoming bytes arrive separately via ReceiveLoop/Feed.
func (c *Client) Update(now time.Time) {
	c.mu.Lock()
	pc := c.inFlight
	if pc != nil && now.After(pc.deadline) {
		pc.attempt++
		delay := backoffDelay(pc.attempt)
		pc.deadline = now.Add(delay)
		c.transmitLocked(pc)
	}
	c.mu.Unlock()
}

// ReceiveLoop blocks reading bytes off rw and feeding them to the parser
// until rw.Read returns an error or ctx is canceled. It is meant to run in
// its own goroutine, mirroring a driver's dedicated receive-loop pattern;
// the PMU UART's hardware interrupt only sets a pending flag in the real
// firmware, but across the io.ReadWriter boundary a blocking reader goroutine
// is the idiomatic Go equivalent.
func (c *Client) ReceiveLoop(ctx context.Context) error {
	buf := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("pmu: receive loop: %w", err)
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := float64(baseTimeout)
	for i := 1; i < attempt; i++ {
		d *= backoffMultiplier
	}
	if time.Duration(d) > maxTimeout {
		return maxTimeout
	}
	return time.Duration(d)
}

// Feed pushes raw bytes (already read from the transport) through the frame
// parser, dispatching any complete frames. Exposed directly so tests and
// interrupt-driven receive loops can push bytes without relying on Read's
// blocking semantics.
func (c *Client) Feed(data []byte) {
	for _, b := range data {
		frame, ok := c.parser.ProcessByte(b)
		if !ok {
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(f Frame) {
	c.mu.Lock()
	if c.isDuplicateLocked(f) {
		c.mu.Unlock()
		return
	}
	c.recordSeenLocked(f)

	switch f.Response {
	case RespAck, RespNack:
		c.completeInFlightLocked(f)
		c.mu.Unlock()
		return
	case RespDateTimeResponse:
		c.completeDateTimeLocked(f)
		c.mu.Unlock()
		return
	case RespWakeReason:
		cb := c.onWake
		c.mu.Unlock()
		c.dispatchWake(cb, f)
		return
	case RespScheduleComplete:
		cb := c.onScheduleComplete
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	default:
		c.mu.Unlock()
	}
}

func (c *Client) isDuplicateLocked(f Frame) bool {
	for _, s := range c.seen {
		if s.seq == f.Seq && s.resp == f.Response && time.Since(s.at) < dedupWindow {
			return true
		}
	}
	return false
}

func (c *Client) recordSeenLocked(f Frame) {
	c.seen[c.seenNext] = seenMessage{seq: f.Seq, resp: f.Response, at: time.Now()}
	c.seenNext = (c.seenNext + 1) % dedupBufferSize
}

// completeInFlightLocked resolves the in-flight command if f's sequence
// number matches it, then dispatches the next queued command. Caller holds
// c.mu; the callback itself fires after unlocking, copied out first so it
// never runs while c.mu is held.
func (c *Client) completeInFlightLocked(f Frame) {
	pc := c.inFlight
	if pc == nil || pc.seq != f.Seq {
		return
	}
	c.inFlight = nil
	success := f.Response == RespAck
	var errCode ErrorCode
	if !success && len(f.Data) > 0 {
		errCode = ErrorCode(f.Data[0])
	}
	c.dispatchNextLocked()
	if pc.onResult != nil {
		go pc.onResult(success, errCode)
	}
}

func (c *Client) completeDateTimeLocked(f Frame) {
	pc := c.inFlight
	if pc == nil || pc.cmd != CmdGetDateTime || pc.seq != f.Seq {
		return
	}
	c.inFlight = nil
	c.dispatchNextLocked()
	if pc.onDateTime == nil {
		return
	}
	valid := len(f.Data) > 0 && f.Data[0] != 0
	var dt DateTime
	if valid && len(f.Data) >= 8 {
		dt, _ = decodeDateTime(f.Data[1:8])
	}
	go pc.onDateTime(valid, dt)
}

func (c *Client) dispatchWake(cb WakeCallback, f Frame) {
	if cb == nil || len(f.Data) < 2 {
		return
	}
	reason := WakeReason(f.Data[0])
	stateValid := f.Data[1] != 0
	offset := 2
	var entry *ScheduleEntry
	if reason == WakeReasonScheduled && len(f.Data) >= offset+ScheduleEntrySize {
		se, err := decodeScheduleEntry(f.Data[offset : offset+ScheduleEntrySize])
		if err == nil {
			entry = &se
		}
		offset += ScheduleEntrySize
	}
	var state [NodeStateSize]byte
	if stateValid && len(f.Data) >= offset+NodeStateSize {
		copy(state[:], f.Data[offset:offset+NodeStateSize])
	} else {
		stateValid = false
	}
	cb(reason, entry, stateValid, state)
}

// SetWakeInterval requests a periodic wake interval, in seconds.
func (c *Client) SetWakeInterval(seconds uint32, cb CommandCallback) bool {
	data := []byte{byte(seconds), byte(seconds >> 8), byte(seconds >> 16), byte(seconds >> 24)}
	return c.enqueue(CmdSetWakeInterval, data, cb, nil)
}

// SetSchedule installs a schedule entry.
func (c *Client) SetSchedule(entry ScheduleEntry, cb CommandCallback) bool {
	return c.enqueue(CmdSetSchedule, entry.encode(), cb, nil)
}

// ClearSchedule clears a single entry, or all entries when index is 0xFF.
func (c *Client) ClearSchedule(index uint8, cb CommandCallback) bool {
	return c.enqueue(CmdClearSchedule, []byte{index}, cb, nil)
}

// KeepAwake asks the PMU to defer sleep for the given number of seconds.
func (c *Client) KeepAwake(seconds uint16, cb CommandCallback) bool {
	return c.enqueue(CmdKeepAwake, []byte{byte(seconds), byte(seconds >> 8)}, cb, nil)
}

// SetDateTime sets the PMU's battery-backed RTC.
func (c *Client) SetDateTime(dt DateTime, cb CommandCallback) bool {
	return c.enqueue(CmdSetDateTime, dt.encode(), cb, nil)
}

// GetDateTime requests the PMU's current RTC reading.
func (c *Client) GetDateTime(cb DateTimeCallback) bool {
	return c.enqueue(CmdGetDateTime, nil, nil, cb)
}

// ClearToSend signals that the node has initialized and is ready to receive
// the wake notification carrying persisted state. Part of the PmuLink
// handshake.
func (c *Client) ClearToSend(cb CommandCallback) bool {
	return c.enqueue(CmdClearToSend, nil, cb, nil)
}

// ReadyForSleep signals that the node's work is complete and it is safe to
// power down, handing the 32-byte opaque state blob to the PMU for
// persistence across the sleep cycle. Failure must keep the node awake: the
// caller is responsible for retrying by not transitioning past this step
// until cb reports success.
func (c *Client) ReadyForSleep(state [NodeStateSize]byte, cb CommandCallback) bool {
	return c.enqueue(CmdReadyForSleep, state[:], cb, nil)
}

// SystemReset requests a full power-cycle via the PMU. The ACK triggers an
// independent watchdog reset as a fallback, handled by the caller.
func (c *Client) SystemReset(cb CommandCallback) bool {
	return c.enqueue(CmdSystemReset, nil, cb, nil)
}

// WaitReady blocks (bounded by ctx) for a single ClearToSend handshake
// round-trip to finish, returning an error if the context expires first or
// the command is NACKed. It is a convenience used during PmuLink.initialize;
// the rest of PmuLink drives Update/Feed from the cooperative main loop
// instead of blocking.
func (c *Client) WaitReady(ctx context.Context) error {
	done := make(chan error, 1)
	if !c.ClearToSend(func(success bool, errCode ErrorCode) {
		if success {
			done <- nil
		} else {
			done <- fmt.Errorf("pmu: clear-to-send nacked: %v", errCode)
		}
	}) {
		return fmt.Errorf("pmu: command queue full")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
