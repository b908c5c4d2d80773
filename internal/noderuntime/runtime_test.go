package noderuntime

import (
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/erikbeerepoot/bramble/internal/flashring"
	"github.com/erikbeerepoot/bramble/internal/messenger"
	"github.com/erikbeerepoot/bramble/internal/pmu"
	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
	"github.com/erikbeerepoot/bramble/internal/taskqueue"
)

type pipeRW struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRW) Write(b []byte) (int, error) { return p.w.Write(b) }

func readSensorStub(now time.Time) (protocol.SensorDataPayload, error) {
	return protocol.SensorDataPayload{
		Timestamp:   uint32(now.Unix()),
		Temperature: int16(2000 + rand.Intn(100)),
		Humidity:    uint16(4000 + rand.Intn(100)),
	}, nil
}

// fakeHub is a minimal stand-in for the hub side of registration/time sync,
// independent of package hub, so this test exercises only NodeRuntime's own
// registration-flow logic against a real Messenger/radio pair.
type fakeHub struct {
	msgr *messenger.Messenger
}

func newFakeHub(port radio.Port, assigned protocol.Address) *fakeHub {
	h := &fakeHub{msgr: messenger.New(protocol.AddressHub, port, 1, 127, nil)}
	h.msgr.OnMessage(protocol.MsgRegistration, func(msg *protocol.Message) {
		req, err := protocol.DecodeRegistration(msg.Payload)
		if err != nil {
			return
		}
		_ = req
		resp := protocol.RegistrationResponsePayload{AssignedAddress: assigned}
		h.msgr.Send(protocol.MsgRegistrationResponse, msg.Header.Src, protocol.Reliable, resp.Encode())
	})
	h.msgr.OnMessage(protocol.MsgHeartbeat, func(msg *protocol.Message) {
		resp := protocol.HeartbeatResponsePayload{UnixTimestamp: uint32(time.Now().Unix())}
		h.msgr.Send(protocol.MsgHeartbeatResponse, msg.Header.Src, protocol.BestEffort, resp.Encode())
	})
	return h
}

func TestRuntimeRegistersThenSyncsTimeOnFirstWake(t *testing.T) {
	hubRadio, nodeRadio := radio.NewMock(), radio.NewMock()
	radio.Link(hubRadio, nodeRadio)
	hubRadio.Begin()
	hubRadio.StartReceive()
	nodeRadio.Begin()
	nodeRadio.StartReceive()

	assignedAddr := protocol.AddressMinNode + 5
	hub := newFakeHub(hubRadio, assignedAddr)

	node := messenger.New(protocol.AddressUnregistered, nodeRadio, 128, 255, nil)

	ring := flashring.New(flashring.NewInMemory(1<<16), nil)
	if err := ring.Init(); err != nil {
		t.Fatalf("flash ring init: %v", err)
	}

	nodeSideA, pmuSideA := io.Pipe()
	pmuSideB, nodeSideB := io.Pipe()
	pmuClient := pmu.NewClient(pipeRW{r: nodeSideA, w: nodeSideB}, nil)
	sim := pmu.NewSimulator(pipeRW{r: pmuSideB, w: pmuSideA}, time.Hour, nil)

	tasks := taskqueue.New()

	cfg := DefaultConfig()
	cfg.DeviceID = 0xABCD
	cfg.NodeType = 1
	cfg.Capabilities = 2
	cfg.FirmwareVersion = 7
	cfg.DeviceName = "test-node"

	rt := New(cfg, protocol.AddressUnregistered, node, ring, pmuClient, tasks, readSensorStub, nil)

	states := make(chan State, 32)
	rt.SetStateCallback(func(s State) { states <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pmuClient.ReceiveLoop(ctx)
	go sim.Run(ctx)

	rt.BeginWake(time.Now())

	reachedReadyForSleep := false
	deadline := time.Now().Add(3 * time.Second)
	buf := make([]byte, protocol.MaxFrame)
	for time.Now().Before(deadline) && !reachedReadyForSleep {
		now := time.Now()

		hub.msgr.Update(now)
		if hubRadio.IsMsgReady() {
			if n, err := hubRadio.Receive(buf); err == nil {
				hub.msgr.OnRX(buf[:n], now)
			}
		}

		rt.Tick(now)
		if nodeRadio.IsMsgReady() {
			if n, err := nodeRadio.Receive(buf); err == nil {
				node.OnRX(buf[:n], now)
			}
		}

		select {
		case s := <-states:
			if s == ReadyForSleep {
				reachedReadyForSleep = true
			}
		default:
		}
		time.Sleep(time.Millisecond)
	}

	if !reachedReadyForSleep {
		t.Fatal("timed out waiting for the node to reach ReadyForSleep after registration and time sync")
	}
}
