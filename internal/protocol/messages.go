// Package protocol defines the LoRa wire format shared by Bramble nodes and the
// hub: the fixed message header, flag bits, message types, and the per-type
// payload encoders/decoders.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Magic is the fixed header magic value identifying a Bramble frame.
const Magic uint16 = 0xBEEF

// HeaderSize is the size in bytes of the on-wire MessageHeader.
const HeaderSize = 9

// MaxFrame is the maximum total frame size (header + payload) in bytes.
const MaxFrame = 256

// MaxPayload is the maximum payload size given MaxFrame and HeaderSize.
const MaxPayload = MaxFrame - HeaderSize

// Address identifies a node on the mesh.
type Address uint16

// Reserved addresses.
const (
	AddressHub          Address = 0x0000
	AddressMinNode      Address = 0x0001
	AddressMaxNode      Address = 0xFFFD
	AddressBroadcast    Address = 0xFFFE
	AddressUnregistered Address = 0xFFFF
)

// Flag bits carried in MessageHeader.Flags.
const (
	FlagReliable  uint8 = 0x01 // ACK required
	FlagCritical  uint8 = 0x02 // persistent retry
	FlagPriority  uint8 = 0x04
	FlagBroadcast uint8 = 0x08
)

// Criticality is the delivery contract derived from a frame's flags.
type Criticality uint8

const (
	BestEffort Criticality = iota
	Reliable
	Critical
)

// CriticalityFromFlags maps flag bits to a delivery criticality per spec:
// none -> BestEffort, RELIABLE -> Reliable, RELIABLE|CRITICAL -> Critical.
func CriticalityFromFlags(flags uint8) Criticality {
	switch {
	case flags&FlagReliable != 0 && flags&FlagCritical != 0:
		return Critical
	case flags&FlagReliable != 0:
		return Reliable
	default:
		return BestEffort
	}
}

// FlagsFromCriticality returns the flag bits implied by a criticality level,
// OR'd with any extra bits the caller wants set (e.g. FlagBroadcast).
func FlagsFromCriticality(c Criticality, extra uint8) uint8 {
	var f uint8
	switch c {
	case Reliable:
		f = FlagReliable
	case Critical:
		f = FlagReliable | FlagCritical
	}
	return f | extra
}

// MessageType identifies the payload format and handling of a frame.
type MessageType uint8

const (
	MsgSensorData MessageType = iota + 1
	MsgActuatorCmd
	MsgAck
	MsgHeartbeat
	MsgRegistration
	MsgRegistrationResponse
	MsgCheckUpdates
	MsgUpdateAvailable
	MsgHeartbeatResponse
	MsgSensorDataBatch
	MsgBatchAck
	MsgEventLog
)

var messageTypeNames = map[MessageType]string{
	MsgSensorData:           "SensorData",
	MsgActuatorCmd:          "ActuatorCmd",
	MsgAck:                  "Ack",
	MsgHeartbeat:            "Heartbeat",
	MsgRegistration:         "Registration",
	MsgRegistrationResponse: "RegistrationResponse",
	MsgCheckUpdates:         "CheckUpdates",
	MsgUpdateAvailable:      "UpdateAvailable",
	MsgHeartbeatResponse:    "HeartbeatResponse",
	MsgSensorDataBatch:      "SensorDataBatch",
	MsgBatchAck:             "BatchAck",
	MsgEventLog:             "EventLog",
}

// String returns the human-readable name of a message type, or "Unknown(N)".
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// IsKnown reports whether t is one of the recognized message types.
func (t MessageType) IsKnown() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Header is the fixed 9-byte on-wire frame header, little-endian packed:
// magic(2) type(1) flags(1) src(2) dst(2) seq(1).
type Header struct {
	Magic uint16
	Type  MessageType
	Flags uint8
	Src   Address
	Dst   Address
	Seq   uint8
}

// Encode serializes the header into a 9-byte slice.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = uint8(h.Type)
	buf[3] = h.Flags
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Src))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Dst))
	buf[8] = h.Seq
	return buf
}

// DecodeHeader parses a 9-byte header from raw bytes.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: %d bytes", len(data))
	}
	return &Header{
		Magic: binary.LittleEndian.Uint16(data[0:2]),
		Type:  MessageType(data[2]),
		Flags: data[3],
		Src:   Address(binary.LittleEndian.Uint16(data[4:6])),
		Dst:   Address(binary.LittleEndian.Uint16(data[6:8])),
		Seq:   data[8],
	}, nil
}

// Criticality returns the delivery criticality implied by the header's flags.
func (h *Header) Criticality() Criticality {
	return CriticalityFromFlags(h.Flags)
}

// isAllowedAddress reports whether addr is a valid src or dst for a frame:
// the hub, broadcast, or a node in the assignable range. UNREGISTERED is
// permitted when allowUnregistered is set: Encode and Decode allow it as a
// source (a node's pre-registration frames) and as a destination (the hub's
// ACK and RegistrationResponse to such a node).
func isAllowedAddress(addr Address, allowUnregistered bool) bool {
	if addr == AddressHub || addr == AddressBroadcast {
		return true
	}
	if addr >= AddressMinNode && addr <= AddressMaxNode {
		return true
	}
	return allowUnregistered && addr == AddressUnregistered
}

// DecodeError enumerates the ways Decode can reject a frame.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

// Sentinel decode error reasons, matching MessageCodec.decode
// error variants: InvalidHeader | BadMagic | UnknownType | BadPayloadLength.
var (
	ErrInvalidHeader   = &DecodeError{"invalid header"}
	ErrBadMagic        = &DecodeError{"bad magic"}
	ErrUnknownType     = &DecodeError{"unknown message type"}
	ErrBadPayloadLen   = &DecodeError{"bad payload length"}
)

// Message is a fully decoded frame: header plus raw payload bytes.
type Message struct {
	Header  Header
	Payload []byte
}

// Encode builds a complete wire frame: encode(type, flags, src, dst, seq, payload).
// The caller-supplied payload must already be at most MaxPayload bytes; Encode
// performs no allocation beyond the returned buffer.
func Encode(msgType MessageType, flags uint8, src, dst Address, seq uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds max %d", ErrBadPayloadLen, len(payload), MaxPayload)
	}
	if !msgType.IsKnown() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(msgType))
	}
	if !isAllowedAddress(src, true) || !isAllowedAddress(dst, true) {
		return nil, fmt.Errorf("%w: src=%#04x dst=%#04x", ErrInvalidHeader, uint16(src), uint16(dst))
	}

	h := Header{Magic: Magic, Type: msgType, Flags: flags, Src: src, Dst: dst, Seq: seq}
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[:HeaderSize], h.Encode())
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode validates and parses a raw frame into a Message. Header validation
// checks magic, a recognized type, and both addresses in the allowed set;
// payload validation beyond length is the caller's responsibility (it is
// per-type, see the DecodeXxx helpers below).
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	if len(data) > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes exceeds MaxFrame", ErrBadPayloadLen, len(data))
	}

	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: %#04x", ErrBadMagic, h.Magic)
	}
	if !h.Type.IsKnown() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(h.Type))
	}
	if !isAllowedAddress(h.Src, true) || !isAllowedAddress(h.Dst, true) {
		return nil, fmt.Errorf("%w: src=%#04x dst=%#04x", ErrInvalidHeader, uint16(h.Src), uint16(h.Dst))
	}

	msg := &Message{Header: *h}
	if len(data) > HeaderSize {
		msg.Payload = make([]byte, len(data)-HeaderSize)
		copy(msg.Payload, data[HeaderSize:])
	}
	return msg, nil
}
