package pmu

import (
	"encoding/binary"
	"fmt"
)

// PersistedStateVersion is the current PersistedState wire format version.
// A node reading back a blob with a different version must treat its state
// as invalid and cold-start.
const PersistedStateVersion uint8 = 2

// PersistedState is the 32-byte opaque blob exchanged with the PMU at sleep
// (via Client.ReadyForSleep) and restored at wake (via the wake
// notification). It is the only state that survives a sleep cycle outside
// of flash, grounded on original_source/src/util/sensor_pmu_manager.h's
// SensorPersistedState.
type PersistedState struct {
	Version          uint8
	NextSeqNum       uint8
	AssignedAddress  uint16
	FlashReadIndex   uint32
	FlashWriteIndex  uint32
}

// Encode packs s into the fixed NodeStateSize-byte blob. Reserved padding
// bytes are zeroed.
func (s PersistedState) Encode() [NodeStateSize]byte {
	var buf [NodeStateSize]byte
	buf[0] = s.Version
	buf[1] = s.NextSeqNum
	binary.LittleEndian.PutUint16(buf[2:4], s.AssignedAddress)
	binary.LittleEndian.PutUint32(buf[4:8], s.FlashReadIndex)
	binary.LittleEndian.PutUint32(buf[8:12], s.FlashWriteIndex)
	// buf[12:32] stays reserved/zero.
	return buf
}

// DecodePersistedState unpacks a state blob, returning an error if its
// version doesn't match PersistedStateVersion — the signal a node uses to
// fall back to cold-start reconstruction instead of trusting the blob.
func DecodePersistedState(buf [NodeStateSize]byte) (PersistedState, error) {
	version := buf[0]
	if version != PersistedStateVersion {
		return PersistedState{}, fmt.Errorf("pmu: persisted state version %d, want %d", version, PersistedStateVersion)
	}
	return PersistedState{
		Version:         version,
		NextSeqNum:      buf[1],
		AssignedAddress: binary.LittleEndian.Uint16(buf[2:4]),
		FlashReadIndex:  binary.LittleEndian.Uint32(buf[4:8]),
		FlashWriteIndex: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}
