package pmu

import "testing"

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		seq  uint8
		resp uint8
		data []byte
	}{
		{"no payload", 5, uint8(RespAck), nil},
		{"nack with one byte", 10, uint8(RespNack), []byte{byte(ErrInvalidParam)}},
		{"wake notification", 130, uint8(RespWakeReason), append([]byte{byte(WakeReasonPeriodic), 1}, make([]byte, NodeStateSize)...)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := encodeFrame(tc.seq, tc.resp, tc.data)
			if err != nil {
				t.Fatalf("encodeFrame: %v", err)
			}
			if frame[0] != StartByte || frame[len(frame)-1] != EndByte {
				t.Fatalf("frame missing start/end bytes: %x", frame)
			}

			p := NewParser()
			var got Frame
			var ok bool
			for _, b := range frame {
				got, ok = p.ProcessByte(b)
			}
			if !ok {
				t.Fatalf("parser did not complete on valid frame")
			}
			if got.Seq != tc.seq || got.Response != Response(tc.resp) {
				t.Errorf("got seq=%d resp=%#x, want seq=%d resp=%#x", got.Seq, got.Response, tc.seq, tc.resp)
			}
			if len(got.Data) != len(tc.data) {
				t.Fatalf("data length = %d, want %d", len(got.Data), len(tc.data))
			}
			for i := range tc.data {
				if got.Data[i] != tc.data[i] {
					t.Errorf("data[%d] = %#x, want %#x", i, got.Data[i], tc.data[i])
				}
			}
		})
	}
}

func TestParserRejectsBadChecksum(t *testing.T) {
	frame, err := encodeFrame(7, uint8(RespAck), nil)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	// Corrupt the checksum byte (second to last).
	frame[len(frame)-2] ^= 0xFF

	p := NewParser()
	for _, b := range frame {
		if _, ok := p.ProcessByte(b); ok {
			t.Fatalf("parser accepted a frame with a corrupted checksum")
		}
	}
}

func TestParserResyncsAfterGarbage(t *testing.T) {
	frame, err := encodeFrame(3, uint8(RespAck), nil)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	p := NewParser()
	garbage := []byte{0x01, 0x02, 0x03}
	var ok bool
	for _, b := range garbage {
		if _, ok = p.ProcessByte(b); ok {
			t.Fatalf("parser spuriously completed on garbage bytes")
		}
	}
	var got Frame
	for _, b := range frame {
		got, ok = p.ProcessByte(b)
	}
	if !ok || got.Seq != 3 {
		t.Fatalf("parser failed to resync on a valid frame after garbage: ok=%v got=%+v", ok, got)
	}
}

func TestScheduleEntryRoundTrip(t *testing.T) {
	entry := ScheduleEntry{Hour: 6, Minute: 30, Duration: 900, DaysMask: DayMonday | DayWednesday | DayFriday, ValveID: 2, Enabled: true}
	encoded := entry.encode()
	if len(encoded) != ScheduleEntrySize {
		t.Fatalf("encoded length = %d, want %d", len(encoded), ScheduleEntrySize)
	}
	got, err := decodeScheduleEntry(encoded)
	if err != nil {
		t.Fatalf("decodeScheduleEntry: %v", err)
	}
	if got != entry {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, entry)
	}
}

func TestDateTimeRoundTrip(t *testing.T) {
	dt := DateTime{Year: 26, Month: 7, Day: 31, Weekday: 5, Hour: 14, Minute: 5, Second: 0}
	got, err := decodeDateTime(dt.encode())
	if err != nil {
		t.Fatalf("decodeDateTime: %v", err)
	}
	if got != dt {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, dt)
	}
}
