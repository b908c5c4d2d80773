package radio

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZMQConfig configures a software-simulated half-duplex radio channel shared
// by multiple processes over ZeroMQ PUB/SUB sockets (loopback or ipc://),
// used by the node and hub binaries to exchange frames without real LoRa
// hardware.
type ZMQConfig struct {
	PublishAddr   string // this port's PUB bind address
	SubscribeAddr string // the peer's PUB address to SUB from
}

// DefaultZMQConfig returns the loopback addresses used by the bundled demo
// binaries.
func DefaultZMQConfig() ZMQConfig {
	return ZMQConfig{
		PublishAddr:   "tcp://127.0.0.1:28830",
		SubscribeAddr: "tcp://127.0.0.1:28831",
	}
}

// ZMQPort is a Port implementation backed by ZeroMQ: a PUB socket for this
// side's transmissions and a SUB socket for the peer's. It models the
// medium itself, not a specific chip, so it is exempt from the
// "concrete radio chip registers" non-goal the same way a software gateway
// driver never touches register maps either — both talk to a software peer
// over a socket.
type ZMQPort struct {
	cfg ZMQConfig
	log *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pub zmq4.Socket
	sub zmq4.Socket

	mu         sync.Mutex
	receiving  bool
	pending    *frame
	irqPending bool
	lastRSSI   int16
	lastSNR    float32
}

// NewZMQPort constructs a ZMQPort. Begin must be called before use.
func NewZMQPort(cfg ZMQConfig, logger *log.Logger) *ZMQPort {
	if logger == nil {
		logger = log.Default()
	}
	return &ZMQPort{cfg: cfg, log: logger, lastRSSI: -70, lastSNR: 8.0}
}

// Begin binds the publish socket and dials the subscribe socket, then starts
// the background receive pump.
func (z *ZMQPort) Begin() error {
	z.ctx, z.cancel = context.WithCancel(context.Background())

	z.pub = zmq4.NewPub(z.ctx)
	if err := z.pub.Listen(z.cfg.PublishAddr); err != nil {
		return fmt.Errorf("radio: failed to bind publish socket: %w", err)
	}

	z.sub = zmq4.NewSub(z.ctx)
	if err := z.sub.Dial(z.cfg.SubscribeAddr); err != nil {
		return fmt.Errorf("radio: failed to dial subscribe socket: %w", err)
	}
	if err := z.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("radio: failed to subscribe: %w", err)
	}

	z.wg.Add(1)
	go z.receiveLoop()
	return nil
}

func (z *ZMQPort) receiveLoop() {
	defer z.wg.Done()
	for {
		msg, err := z.sub.Recv()
		if err != nil {
			if z.ctx.Err() != nil {
				return
			}
			z.log.Printf("radio: receive error: %v", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}

		z.mu.Lock()
		if z.receiving {
			data := make([]byte, len(msg.Frames[0]))
			copy(data, msg.Frames[0])
			z.pending = &frame{data: data, rssi: z.lastRSSI, snr: z.lastSNR}
			z.irqPending = true
		}
		z.mu.Unlock()
	}
}

// Stop tears down both sockets and waits for the receive pump to exit.
func (z *ZMQPort) Stop() error {
	if z.cancel != nil {
		z.cancel()
	}
	z.wg.Wait()
	if z.pub != nil {
		z.pub.Close()
	}
	if z.sub != nil {
		z.sub.Close()
	}
	return nil
}

func (z *ZMQPort) Send(buf []byte) error {
	return z.SendAsync(buf)
}

func (z *ZMQPort) SendAsync(buf []byte) error {
	if z.pub == nil {
		return fmt.Errorf("radio: not started")
	}
	return z.pub.Send(zmq4.NewMsgFrom(buf))
}

func (z *ZMQPort) IsTxDone() bool { return true } // zmq4 Send is synchronous

func (z *ZMQPort) Receive(buf []byte) (int, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.pending == nil {
		return 0, ErrEmpty
	}
	n := copy(buf, z.pending.data)
	z.pending = nil
	return n, nil
}

func (z *ZMQPort) StartReceive() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.receiving = true
	return nil
}

func (z *ZMQPort) RSSI() int16 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lastRSSI
}

func (z *ZMQPort) SNR() float32 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.lastSNR
}

func (z *ZMQPort) Sleep() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.receiving = false
	return nil
}

func (z *ZMQPort) Wake() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.receiving = true
	return nil
}

func (z *ZMQPort) EnableIRQ() error { return nil }

func (z *ZMQPort) IsIRQPending() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.irqPending
}

func (z *ZMQPort) HandleIRQ() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.irqPending = false
}

func (z *ZMQPort) IsMsgReady() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.pending != nil
}

func (z *ZMQPort) IsTxComplete() bool { return true }

var _ Port = (*ZMQPort)(nil)
