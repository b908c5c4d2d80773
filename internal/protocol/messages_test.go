package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
	}{
		{
			name: "hub to node reliable",
			hdr:  Header{Magic: Magic, Type: MsgActuatorCmd, Flags: FlagReliable, Src: AddressHub, Dst: Address(0x0012), Seq: 7},
		},
		{
			name: "node critical broadcast",
			hdr:  Header{Magic: Magic, Type: MsgHeartbeat, Flags: FlagReliable | FlagCritical | FlagBroadcast, Src: Address(0x0034), Dst: AddressBroadcast, Seq: 200},
		},
		{
			name: "unregistered node registering",
			hdr:  Header{Magic: Magic, Type: MsgRegistration, Flags: FlagReliable, Src: AddressUnregistered, Dst: AddressHub, Seq: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.hdr.Encode()
			if len(encoded) != HeaderSize {
				t.Fatalf("Encode produced %d bytes, want %d", len(encoded), HeaderSize)
			}
			decoded, err := DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader failed: %v", err)
			}
			if *decoded != tt.hdr {
				t.Errorf("roundtrip mismatch: got %+v, want %+v", *decoded, tt.hdr)
			}
		})
	}
}

func TestCriticalityFromFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags uint8
		want  Criticality
	}{
		{"no flags", 0, BestEffort},
		{"priority only", FlagPriority, BestEffort},
		{"reliable only", FlagReliable, Reliable},
		{"reliable and critical", FlagReliable | FlagCritical, Critical},
		{"critical without reliable is still best effort", FlagCritical, BestEffort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CriticalityFromFlags(tt.flags); got != tt.want {
				t.Errorf("CriticalityFromFlags(%#02x) = %v, want %v", tt.flags, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	frame, err := Encode(MsgSensorData, FlagReliable, Address(0x0005), AddressHub, 42, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Header.Type != MsgSensorData {
		t.Errorf("Type = %v, want MsgSensorData", msg.Header.Type)
	}
	if msg.Header.Src != Address(0x0005) || msg.Header.Dst != AddressHub {
		t.Errorf("addresses mismatch: src=%#04x dst=%#04x", msg.Header.Src, msg.Header.Dst)
	}
	if msg.Header.Seq != 42 {
		t.Errorf("Seq = %d, want 42", msg.Header.Seq)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Errorf("Payload = %v, want %v", msg.Payload, payload)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxPayload+1)
	if _, err := Encode(MsgSensorData, 0, Address(1), AddressHub, 0, big); err == nil {
		t.Fatal("expected error for oversize payload, got nil")
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(MessageType(0xEE), 0, Address(1), AddressHub, 0, nil); err == nil {
		t.Fatal("expected error for unknown message type, got nil")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	frame, err := Encode(MsgSensorData, 0, Address(1), AddressHub, 0, nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame[0] ^= 0xFF
	if _, err := Decode(frame); err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short frame, got nil")
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	if _, err := Decode(make([]byte, MaxFrame+1)); err == nil {
		t.Fatal("expected error for oversize frame, got nil")
	}
}

func TestSensorDataPayloadRoundTrip(t *testing.T) {
	p := SensorDataPayload{Timestamp: 1700000000, Temperature: 2345, Humidity: 6100, Flags: 0x02}
	decoded, err := DecodeSensorData(p.Encode())
	if err != nil {
		t.Fatalf("DecodeSensorData failed: %v", err)
	}
	if *decoded != p {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", *decoded, p)
	}
}

func TestSensorDataBatchPayloadRoundTrip(t *testing.T) {
	batch := SensorDataBatchPayload{
		Records: []SensorDataPayload{
			{Timestamp: 1, Temperature: 100, Humidity: 200, Flags: 0x02},
			{Timestamp: 2, Temperature: -50, Humidity: 300, Flags: 0x02},
		},
		Tail: []byte{0xAA, 0xBB},
	}
	encoded, err := batch.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodeSensorDataBatch(encoded)
	if err != nil {
		t.Fatalf("DecodeSensorDataBatch failed: %v", err)
	}
	if len(decoded.Records) != len(batch.Records) {
		t.Fatalf("got %d records, want %d", len(decoded.Records), len(batch.Records))
	}
	for i := range batch.Records {
		if decoded.Records[i] != batch.Records[i] {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, decoded.Records[i], batch.Records[i])
		}
	}
	if !bytes.Equal(decoded.Tail, batch.Tail) {
		t.Errorf("Tail = %v, want %v", decoded.Tail, batch.Tail)
	}
}

func TestSensorDataBatchRejectsTooManyRecords(t *testing.T) {
	batch := SensorDataBatchPayload{Records: make([]SensorDataPayload, maxBatchRecords+1)}
	if _, err := batch.Encode(); err == nil {
		t.Fatal("expected error for oversize batch, got nil")
	}
}

func TestRegistrationPayloadRoundTrip(t *testing.T) {
	p := RegistrationPayload{DeviceID: 0xDEADBEEFCAFEBABE, NodeType: 3, Capabilities: 0x07, FirmwareVersion: 0x0102, DeviceName: "probe-7"}
	decoded, err := DecodeRegistration(p.Encode())
	if err != nil {
		t.Fatalf("DecodeRegistration failed: %v", err)
	}
	if *decoded != p {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", *decoded, p)
	}
}

func TestUpdateAvailablePayloadRoundTrip(t *testing.T) {
	p := UpdateAvailablePayload{Kind: UpdateSetWakeInterval, Seq: 9, Data: []byte{0x01, 0x02, 0x03}}
	encoded, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := DecodeUpdateAvailable(encoded)
	if err != nil {
		t.Fatalf("DecodeUpdateAvailable failed: %v", err)
	}
	if decoded.Kind != p.Kind || decoded.Seq != p.Seq || !bytes.Equal(decoded.Data, p.Data) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", *decoded, p)
	}
}
