package messenger

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
)

// RunLoop supervises two independent background concerns under one
// errgroup: a fixed-interval Update ticker (drains the outgoing queue,
// drives ACK retries) and a receive-pump that polls port for inbound
// frames and feeds them through OnRX. Either goroutine returning an error
// (or ctx being canceled) stops both, and that error is returned from
// RunLoop. onFrame, if non-nil, is invoked after OnRX for every frame
// successfully decoded, so a caller can update its own liveness/stats
// bookkeeping without re-polling the radio itself.
//
// This is the Go-native analogue of running the reliability layer's
// periodic housekeeping and its I/O pump as two loops rather than as one
// interrupt handler plus one superloop iteration, the same concurrency
// split NodeRuntime's cooperative Tick expresses without goroutines.
func (m *Messenger) RunLoop(ctx context.Context, port radio.Port, pollInterval time.Duration, onFrame func(msg *protocol.Message, now time.Time)) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				m.Update(time.Now())
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, protocol.MaxFrame)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if port.IsIRQPending() {
					port.HandleIRQ()
				}
				if !port.IsMsgReady() {
					continue
				}
				n, err := port.Receive(buf)
				if err != nil {
					continue
				}
				now := time.Now()
				m.OnRX(buf[:n], now)
				if onFrame != nil {
					if msg, decodeErr := protocol.Decode(buf[:n]); decodeErr == nil {
						onFrame(msg, now)
					}
				}
			}
		}
	})

	return g.Wait()
}
