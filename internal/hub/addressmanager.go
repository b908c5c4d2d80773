// Package hub implements the hub-side network state: address allocation,
// node-to-node message routing, and the aggregate statistics surface. The
// hub is a long-lived process, unlike the single-threaded NodeRuntime, so
// its types hold their own mutexes rather than relying on a single
// cooperative owner. Grounded on
// original_source/src/lora/address_manager.{h,cpp} and hub_router.{h,cpp}.
package hub

import (
	"sync"
	"time"

	"github.com/erikbeerepoot/bramble/internal/protocol"
)

// DefaultInactiveTimeout and DefaultDeregisterTimeout mirror
// AddressManager::checkForInactiveNodes / deregisterInactiveNodes's default
// arguments (20 minutes, 24 hours).
const (
	DefaultInactiveTimeout   = 20 * time.Minute
	DefaultDeregisterTimeout = 24 * time.Hour
)

// NodeInfo is the hub's registration record for one node.
type NodeInfo struct {
	DeviceID          uint64
	Address           protocol.Address
	NodeType          uint8
	Capabilities      uint8
	FirmwareVersion   uint32
	DeviceName        string
	RegistrationTime  time.Time
	LastSeen          time.Time
	IsActive          bool
}

// AddressManager assigns node addresses from the assignable node address
// range and tracks node liveness. Safe for concurrent use.
type AddressManager struct {
	mu sync.Mutex

	byAddress map[protocol.Address]*NodeInfo
	byDevice  map[uint64]protocol.Address
	nextAddr  protocol.Address
}

// NewAddressManager returns an empty AddressManager.
func NewAddressManager() *AddressManager {
	return &AddressManager{
		byAddress: make(map[protocol.Address]*NodeInfo),
		byDevice:  make(map[uint64]protocol.Address),
		nextAddr:  protocol.AddressMinNode,
	}
}

// RegisterNode assigns deviceID a network address, or returns its existing
// address (refreshing its recorded capabilities/firmware/name) if it's
// already registered. Returns AddressUnregistered if the address space is
// exhausted.
func (a *AddressManager) RegisterNode(deviceID uint64, nodeType, capabilities uint8, firmwareVersion uint32, deviceName string, now time.Time) protocol.Address {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr, ok := a.byDevice[deviceID]; ok {
		node := a.byAddress[addr]
		node.NodeType = nodeType
		node.Capabilities = capabilities
		node.FirmwareVersion = firmwareVersion
		if deviceName != "" {
			node.DeviceName = truncateName(deviceName)
		}
		node.LastSeen = now
		node.IsActive = true
		return addr
	}

	addr := a.findNextAvailableAddressLocked()
	if addr == protocol.AddressUnregistered {
		return protocol.AddressUnregistered
	}

	name := deviceName
	if name == "" {
		name = "Unknown"
	}
	node := &NodeInfo{
		DeviceID:         deviceID,
		Address:          addr,
		NodeType:         nodeType,
		Capabilities:     capabilities,
		FirmwareVersion:  firmwareVersion,
		DeviceName:       truncateName(name),
		RegistrationTime: now,
		LastSeen:         now,
		IsActive:         true,
	}
	a.byAddress[addr] = node
	a.byDevice[deviceID] = addr
	return addr
}

func truncateName(name string) string {
	if len(name) > 15 {
		return name[:15]
	}
	return name
}

// findNextAvailableAddressLocked mirrors findNextAvailableAddress: it walks
// forward from the rolling cursor, then falls back to a full scan if the
// cursor has run off the end of the range (addresses may have been freed by
// unregistration). Caller must hold a.mu.
func (a *AddressManager) findNextAvailableAddressLocked() protocol.Address {
	for a.nextAddr <= protocol.AddressMaxNode {
		if _, taken := a.byAddress[a.nextAddr]; !taken {
			addr := a.nextAddr
			a.nextAddr++
			return addr
		}
		a.nextAddr++
	}
	for addr := protocol.Address(protocol.AddressMinNode); addr <= protocol.AddressMaxNode; addr++ {
		if _, taken := a.byAddress[addr]; !taken {
			a.nextAddr = addr + 1
			return addr
		}
	}
	return protocol.AddressUnregistered
}

// IsDeviceRegistered reports whether deviceID already has an assigned
// address.
func (a *AddressManager) IsDeviceRegistered(deviceID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byDevice[deviceID]
	return ok
}

// NodeInfo returns a copy of the registration record for address, and
// whether it exists.
func (a *AddressManager) NodeInfo(address protocol.Address) (NodeInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.byAddress[address]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// UpdateLastSeen refreshes a node's liveness timestamp and marks it active.
func (a *AddressManager) UpdateLastSeen(address protocol.Address, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n, ok := a.byAddress[address]; ok {
		n.LastSeen = now
		n.IsActive = true
	}
}

// UnregisterNode removes address's registration entirely, freeing both its
// address and device-id mapping.
func (a *AddressManager) UnregisterNode(address protocol.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.byAddress[address]
	if !ok {
		return false
	}
	delete(a.byDevice, n.DeviceID)
	delete(a.byAddress, address)
	return true
}

// ActiveNodes returns the addresses of all currently-active nodes.
func (a *AddressManager) ActiveNodes() []protocol.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []protocol.Address
	for addr, n := range a.byAddress {
		if n.IsActive {
			out = append(out, addr)
		}
	}
	return out
}

// RegisteredAddresses returns every address with a registration, active or
// not.
func (a *AddressManager) RegisteredAddresses() []protocol.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.Address, 0, len(a.byAddress))
	for addr := range a.byAddress {
		out = append(out, addr)
	}
	return out
}

// CheckInactiveNodes marks as inactive any node not seen within timeout,
// returning how many were newly marked.
func (a *AddressManager) CheckInactiveNodes(now time.Time, timeout time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, n := range a.byAddress {
		if n.IsActive && now.Sub(n.LastSeen) > timeout {
			n.IsActive = false
			count++
		}
	}
	return count
}

// DeregisterInactiveNodes fully removes nodes that have been inactive
// longer than timeout, freeing their addresses for reuse.
func (a *AddressManager) DeregisterInactiveNodes(now time.Time, timeout time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for addr, n := range a.byAddress {
		if !n.IsActive && now.Sub(n.LastSeen) > timeout {
			delete(a.byDevice, n.DeviceID)
			delete(a.byAddress, addr)
			count++
		}
	}
	return count
}

// RegisteredNodeCount returns the total number of registered nodes.
func (a *AddressManager) RegisteredNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byAddress)
}

// ActiveNodeCount returns the number of currently-active nodes.
func (a *AddressManager) ActiveNodeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, n := range a.byAddress {
		if n.IsActive {
			count++
		}
	}
	return count
}

// IsAddressSpaceFull reports whether the rolling cursor has exhausted the
// node address range (a cheap check; RegisterNode still falls back to a
// full scan for addresses freed by unregistration).
func (a *AddressManager) IsAddressSpaceFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextAddr > protocol.AddressMaxNode
}
