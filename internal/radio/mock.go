package radio

import (
	"sync"
)

// frame is a single in-flight transmission between two Mock ports.
type frame struct {
	data []byte
	rssi int16
	snr  float32
}

// Mock is a deterministic in-memory Port implementation for unit tests. Two
// Mocks are linked with Link so that sends on one become receives on the
// other. Sends complete synchronously (IsTxDone is true once Send returns)
// and, unlike the real hardware, do not take the Mock out of receive mode.
// Incoming frames are held one at a time (capacity 1, matching "single
// packet at a time"): a frame that arrives before Receive drains the
// previous one replaces it.
type Mock struct {
	mu sync.Mutex

	peer *Mock

	awake      bool
	receiving  bool
	irqPending bool
	txDone     bool

	pending *frame // next frame available via Receive
	lastRSSI int16
	lastSNR  float32
}

// NewMock returns an unlinked Mock radio. Link it to a peer before use.
func NewMock() *Mock {
	return &Mock{}
}

// Link connects two Mocks so that each one's transmissions appear as the
// other's received frames, simulating the shared medium.
func Link(a, b *Mock) {
	a.peer = b
	b.peer = a
}

// SetLinkQuality fixes the RSSI/SNR a peer's Send() will appear to arrive
// with, for deterministic test assertions about NetworkStats.
func (m *Mock) SetLinkQuality(rssi int16, snr float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRSSI = rssi
	m.lastSNR = snr
}

func (m *Mock) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awake = true
	m.txDone = true
	return nil
}

func (m *Mock) Send(buf []byte) error {
	if err := m.SendAsync(buf); err != nil {
		return err
	}
	return nil
}

func (m *Mock) SendAsync(buf []byte) error {
	m.mu.Lock()
	peer := m.peer
	rssi, snr := m.lastRSSI, m.lastSNR
	m.txDone = true // mock transmission completes synchronously
	m.mu.Unlock()

	if peer == nil {
		return nil // no peer linked: frame is lost, same as out of range
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.receiving {
		peer.pending = &frame{data: cp, rssi: rssi, snr: snr}
		peer.irqPending = true
	}
	return nil
}

func (m *Mock) IsTxDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txDone
}

func (m *Mock) Receive(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return 0, ErrEmpty
	}
	n := copy(buf, m.pending.data)
	m.lastRSSI = m.pending.rssi
	m.lastSNR = m.pending.snr
	m.pending = nil
	return n, nil
}

func (m *Mock) StartReceive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiving = true
	return nil
}

func (m *Mock) RSSI() int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRSSI
}

func (m *Mock) SNR() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSNR
}

func (m *Mock) Sleep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awake = false
	m.receiving = false
	return nil
}

func (m *Mock) Wake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awake = true
	return nil
}

func (m *Mock) EnableIRQ() error { return nil }

func (m *Mock) IsIRQPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqPending
}

func (m *Mock) HandleIRQ() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqPending = false
}

func (m *Mock) IsMsgReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

func (m *Mock) IsTxComplete() bool {
	return m.IsTxDone()
}

var _ Port = (*Mock)(nil)
