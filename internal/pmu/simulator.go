package pmu

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// commandFrame is a fully parsed incoming node->PMU message.
type commandFrame struct {
	seq  uint8
	cmd  Command
	data []byte
}

// commandParser mirrors Parser's byte-at-a-time state machine but for the
// Command-carrying direction of the wire format (node -> PMU) rather than
// the Response-carrying direction (PMU -> node) that Parser handles.
type commandParser struct {
	state    parserState
	length   uint8
	seq      uint8
	cmd      Command
	data     []byte
	checksum uint8
}

func (p *commandParser) reset() {
	p.state = stateWaitStart
	p.length = 0
	p.data = nil
}

func (p *commandParser) processByte(b uint8) (commandFrame, bool) {
	switch p.state {
	case stateWaitStart:
		if b == StartByte {
			p.state = stateReadLength
		}
	case stateReadLength:
		p.length = b
		if p.length < 2 || int(p.length) > MaxDataLength+2 {
			p.reset()
			return commandFrame{}, false
		}
		p.data = make([]byte, 0, int(p.length)-2)
		p.state = stateReadSeq
	case stateReadSeq:
		p.seq = b
		p.state = stateReadResp
	case stateReadResp:
		p.cmd = Command(b)
		if len(p.data) < cap(p.data) {
			p.state = stateReadData
		} else {
			p.state = stateReadChecksum
		}
	case stateReadData:
		p.data = append(p.data, b)
		if len(p.data) >= cap(p.data) {
			p.state = stateReadChecksum
		}
	case stateReadChecksum:
		p.checksum = b
		p.state = stateReadEnd
	case stateReadEnd:
		defer p.reset()
		if b != EndByte {
			return commandFrame{}, false
		}
		want := checksum(p.length, p.seq, uint8(p.cmd), p.data)
		if want != p.checksum {
			return commandFrame{}, false
		}
		return commandFrame{seq: p.seq, cmd: p.cmd, data: p.data}, true
	}
	return commandFrame{}, false
}

// Simulator is a software stand-in for the external PMU microcontroller,
// used by cmd/bramble-node as the development and integration-test
// counterpart to Client, the same role radio.ZMQPort plays for real LoRa
// hardware: it answers Client's framed commands with the matching
// responses and injects periodic wake notifications the way the real PMU's
// wake timer would. It is not a PMU firmware implementation: schedule
// entries and the RTC live only in this process's memory, and there is no
// battery-backed persistence across restarts (by construction — a restart
// of the simulator is a cold boot, exercising the node's own cold-start
// path rather than needing one of its own).
type Simulator struct {
	rw  io.ReadWriter
	log *log.Logger

	wakeEvery time.Duration

	mu     sync.Mutex
	clock  time.Time
	state  [NodeStateSize]byte
	hasState bool
	firstWake bool
	nextSeq  uint8
}

// NewSimulator wraps rw (an io.Pipe end in the bundled demo binaries) with a
// simulated PMU. wakeEvery is the periodic wake interval; the first wake is
// sent immediately with stateValid=false, matching a real cold boot.
func NewSimulator(rw io.ReadWriter, wakeEvery time.Duration, logger *log.Logger) *Simulator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Simulator{rw: rw, log: logger, wakeEvery: wakeEvery, clock: time.Now().UTC(), firstWake: true}
}

// Run feeds bytes from rw through the command parser and drives the
// periodic wake timer, until ctx is canceled or rw.Read errors.
func (s *Simulator) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		parser := &commandParser{}
		for {
			n, err := s.rw.Read(buf)
			for i := 0; i < n; i++ {
				if f, ok := parser.processByte(buf[i]); ok {
					s.handleCommand(f)
				}
			}
			if err != nil {
				if err == io.EOF {
					errCh <- nil
					return
				}
				errCh <- fmt.Errorf("pmu simulator: read: %w", err)
				return
			}
		}
	}()

	ticker := time.NewTicker(s.wakeEvery)
	defer ticker.Stop()

	s.sendWake(WakeReasonPeriodic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.sendWake(WakeReasonPeriodic)
		}
	}
}

func (s *Simulator) handleCommand(f commandFrame) {
	switch f.cmd {
	case CmdClearToSend:
		s.ackFrame(f.seq)
		s.sendWake(WakeReasonExternal)
	case CmdSetDateTime:
		if dt, err := decodeDateTime(f.data); err == nil {
			s.mu.Lock()
			s.clock = time.Date(2000+int(dt.Year), time.Month(dt.Month), int(dt.Day), int(dt.Hour), int(dt.Minute), int(dt.Second), 0, time.UTC)
			s.mu.Unlock()
		}
		s.ackFrame(f.seq)
	case CmdGetDateTime:
		s.mu.Lock()
		now := s.clock
		s.mu.Unlock()
		year := now.Year() - 2000
		if year < 0 {
			year = 0
		}
		dt := DateTime{
			Year: uint8(year), Month: uint8(now.Month()), Day: uint8(now.Day()),
			Weekday: uint8(now.Weekday()), Hour: uint8(now.Hour()), Minute: uint8(now.Minute()), Second: uint8(now.Second()),
		}
		payload := append([]byte{1}, dt.encode()...)
		s.sendFrame(f.seq, RespDateTimeResponse, payload)
	case CmdReadyForSleep:
		s.mu.Lock()
		copy(s.state[:], f.data)
		s.hasState = true
		s.mu.Unlock()
		s.ackFrame(f.seq)
	case CmdSetWakeInterval, CmdSetSchedule, CmdClearSchedule, CmdKeepAwake, CmdSystemReset:
		s.ackFrame(f.seq)
	default:
		s.nackFrame(f.seq, ErrInvalidParam)
	}
}

func (s *Simulator) sendWake(reason WakeReason) {
	s.mu.Lock()
	valid := s.hasState && !s.firstWake
	var state [NodeStateSize]byte
	state = s.state
	s.firstWake = false
	// Unsolicited wake frames carry seqs from the PMU's own range, so the
	// client's duplicate filter does not drop successive wakes.
	if s.nextSeq < SeqPmuMin || s.nextSeq >= SeqPmuMax {
		s.nextSeq = SeqPmuMin
	} else {
		s.nextSeq++
	}
	seq := s.nextSeq
	s.mu.Unlock()

	data := make([]byte, 0, 2+NodeStateSize)
	data = append(data, byte(reason))
	if valid {
		data = append(data, 1)
		data = append(data, state[:]...)
	} else {
		data = append(data, 0)
	}
	s.sendFrame(seq, RespWakeReason, data)
}

func (s *Simulator) ackFrame(seq uint8)                   { s.sendFrame(seq, RespAck, nil) }
func (s *Simulator) nackFrame(seq uint8, ec ErrorCode)    { s.sendFrame(seq, RespNack, []byte{byte(ec)}) }

func (s *Simulator) sendFrame(seq uint8, resp Response, data []byte) {
	frame, err := encodeFrame(seq, uint8(resp), data)
	if err != nil {
		s.log.Printf("pmu simulator: encode failed: %v", err)
		return
	}
	if _, err := s.rw.Write(frame); err != nil {
		s.log.Printf("pmu simulator: write failed: %v", err)
	}
}
