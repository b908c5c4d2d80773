package radio

import "testing"

func TestMockLinkSendReceive(t *testing.T) {
	a, b := NewMock(), NewMock()
	Link(a, b)
	a.Begin()
	b.Begin()
	b.StartReceive()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !b.IsMsgReady() {
		t.Fatal("expected peer to have a message ready")
	}

	buf := make([]byte, 16)
	n, err := b.Receive(buf)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Receive = %q, want %q", buf[:n], "hello")
	}
}

func TestMockReceiveEmptyWithoutSend(t *testing.T) {
	m := NewMock()
	m.Begin()
	m.StartReceive()
	buf := make([]byte, 16)
	if _, err := m.Receive(buf); err != ErrEmpty {
		t.Errorf("Receive = %v, want ErrEmpty", err)
	}
}

func TestMockDropsWithoutReceiver(t *testing.T) {
	a, b := NewMock(), NewMock()
	Link(a, b)
	a.Begin()
	b.Begin()
	// b never calls StartReceive; frame should be dropped, not queued.
	a.Send([]byte("lost"))
	if b.IsMsgReady() {
		t.Error("expected no message ready when peer is not receiving")
	}
}

func TestMockLinkQualityPropagates(t *testing.T) {
	a, b := NewMock(), NewMock()
	Link(a, b)
	a.Begin()
	b.Begin()
	b.StartReceive()
	a.SetLinkQuality(-42, 9.5)

	a.Send([]byte("x"))
	buf := make([]byte, 4)
	if _, err := b.Receive(buf); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if b.RSSI() != -42 || b.SNR() != 9.5 {
		t.Errorf("RSSI/SNR = %d/%.1f, want -42/9.5", b.RSSI(), b.SNR())
	}
}
