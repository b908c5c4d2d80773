// Package radio defines the half-duplex LoRa transceiver capability that the
// reliable messaging core consumes, plus a deterministic in-memory Mock and a
// software-simulated Port backed by ZeroMQ for integration testing without
// real hardware. A register-mapped SX1276/SX1262 driver is out of scope (see
// any concrete radio chip's register interface) but would implement
// the same Port interface.
package radio

import "errors"

// ErrEmpty is returned by Receive when no frame is currently available.
var ErrEmpty = errors.New("radio: no frame available")

// ErrCRC is returned by Receive when a frame was received but failed its
// radio-level CRC check (distinct from the higher-layer MessageHeader CRC
// concerns, which protocol.Decode handles).
var ErrCRC = errors.New("radio: CRC error")

// Port is the capability set the core consumes. It treats the radio as
// single-owner, half-duplex, and single-packet-at-a-time: any send
// transitions the device out of receive mode until StartReceive is called
// again. SX1276-style (register-mapped) and SX1262-style (command/BUSY)
// chips, and the Mock below, all implement this identical contract.
type Port interface {
	// Begin initializes the radio hardware. Must be called once before use.
	Begin() error

	// Send transmits buf synchronously, blocking until transmission completes
	// or fails. It implicitly takes the radio out of receive mode.
	Send(buf []byte) error

	// SendAsync begins an asynchronous transmission; IsTxDone reports
	// completion.
	SendAsync(buf []byte) error

	// IsTxDone reports whether an asynchronous transmission has completed.
	IsTxDone() bool

	// Receive copies the most recently received frame into buf, returning the
	// number of bytes copied. Returns ErrEmpty if no frame is pending, or
	// ErrCRC if the pending frame failed its radio CRC.
	Receive(buf []byte) (int, error)

	// StartReceive puts the radio into continuous receive mode.
	StartReceive() error

	// RSSI returns the signal strength, in dBm, of the most recently
	// received frame.
	RSSI() int16

	// SNR returns the signal-to-noise ratio, in dB, of the most recently
	// received frame.
	SNR() float32

	// Sleep powers the radio down to its lowest-power idle state.
	Sleep() error

	// Wake brings the radio back from Sleep.
	Wake() error

	// EnableIRQ arms the radio's DIO interrupt line.
	EnableIRQ() error

	// IsIRQPending reports whether the interrupt-set flag is set; it is the
	// only thing that runs in interrupt context.
	IsIRQPending() bool

	// HandleIRQ services a pending interrupt from the cooperative main loop,
	// clearing IsIRQPending and updating IsMsgReady/IsTxComplete as needed.
	HandleIRQ()

	// IsMsgReady reports whether a received frame is waiting to be read via
	// Receive.
	IsMsgReady() bool

	// IsTxComplete reports whether the last SendAsync transmission finished.
	IsTxComplete() bool
}
