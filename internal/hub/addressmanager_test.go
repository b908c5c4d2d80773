package hub

import (
	"testing"
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

func TestRegisterNodeAssignsSequentialAddresses(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()

	a1 := am.RegisterNode(1, 1, 0, 1, "sensor-1", now)
	a2 := am.RegisterNode(2, 1, 0, 1, "sensor-2", now)
	if a1 != protocol.AddressMinNode {
		t.Errorf("first address = %#x, want %#x", a1, protocol.AddressMinNode)
	}
	if a2 != protocol.AddressMinNode+1 {
		t.Errorf("second address = %#x, want %#x", a2, protocol.AddressMinNode+1)
	}
}

func TestRegisterNodeIsIdempotentByDeviceID(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()

	first := am.RegisterNode(42, 1, 0, 1, "sensor", now)
	second := am.RegisterNode(42, 1, 2, 3, "sensor-v2", now.Add(time.Minute))

	if first != second {
		t.Fatalf("re-registration returned a different address: %#x != %#x", first, second)
	}
	node, ok := am.NodeInfo(first)
	if !ok {
		t.Fatal("expected node info to exist")
	}
	if node.Capabilities != 2 || node.FirmwareVersion != 3 {
		t.Errorf("re-registration should refresh capabilities/firmware: got %+v", node)
	}
}

func TestUnregisterNodeFreesAddress(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()
	addr := am.RegisterNode(7, 1, 0, 1, "sensor", now)

	if !am.UnregisterNode(addr) {
		t.Fatal("UnregisterNode returned false")
	}
	if am.IsDeviceRegistered(7) {
		t.Error("device should no longer be registered")
	}
	if _, ok := am.NodeInfo(addr); ok {
		t.Error("node info should be gone after unregistration")
	}
}

func TestFindNextAvailableAddressReusesFreedSlots(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()
	am.nextAddr = protocol.AddressMaxNode // force the cursor to the end

	addr := am.RegisterNode(1, 1, 0, 1, "only-node", now)
	if addr != protocol.AddressMaxNode {
		t.Fatalf("expected the last address to be assigned, got %#x", addr)
	}

	second := am.RegisterNode(2, 1, 0, 1, "overflow-node", now)
	if second == protocol.AddressUnregistered {
		t.Fatal("expected the full-scan fallback to find a freed earlier address")
	}
}

func TestCheckInactiveNodesMarksButKeepsRegistration(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()
	addr := am.RegisterNode(9, 1, 0, 1, "sensor", now)

	marked := am.CheckInactiveNodes(now.Add(time.Hour), 20*time.Minute)
	if marked != 1 {
		t.Fatalf("CheckInactiveNodes marked %d, want 1", marked)
	}
	node, ok := am.NodeInfo(addr)
	if !ok {
		t.Fatal("node should still be registered after being marked inactive")
	}
	if node.IsActive {
		t.Error("node should be marked inactive")
	}
}

func TestDeregisterInactiveNodesRemovesAfterLongTimeout(t *testing.T) {
	am := NewAddressManager()
	now := time.Now()
	addr := am.RegisterNode(11, 1, 0, 1, "sensor", now)
	am.CheckInactiveNodes(now.Add(25*time.Hour), 20*time.Minute)

	removed := am.DeregisterInactiveNodes(now.Add(25*time.Hour), 24*time.Hour)
	if removed != 1 {
		t.Fatalf("DeregisterInactiveNodes removed %d, want 1", removed)
	}
	if _, ok := am.NodeInfo(addr); ok {
		t.Error("node should be fully deregistered")
	}
}
