package flashring

import (
	"encoding/binary"
	"hash/crc32"
)

// MetadataSize is the fixed size of Metadata's on-flash representation: one
// dedicated 4096-byte sector, grounded on
// original_source/src/storage/sensor_flash_metadata.h.
const MetadataSize = 4096

// MetadataMagic identifies a valid metadata sector ("SENS" packed as u32).
const MetadataMagic uint32 = 0x53454E53

// MetadataVersion is the current on-flash metadata format version.
const MetadataVersion uint32 = 1

// Metadata is FlashRingMetadata: written rarely (not per record) to a
// dedicated sector; between writes, per-wake state lives in the PMU state
// blob instead.
type Metadata struct {
	Magic              uint32
	Version            uint32
	WriteIdx           uint32
	ReadIdx            uint32
	TotalRecords       uint32
	RecordsTransmitted uint32
	RecordsLost        uint32
	LastSyncTS         uint32
	InitialBootTS      uint32
}

const metadataFieldsSize = 4 * 9 // nine uint32 fields before the reserved padding

func (m Metadata) encode() []byte {
	buf := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.WriteIdx)
	binary.LittleEndian.PutUint32(buf[12:16], m.ReadIdx)
	binary.LittleEndian.PutUint32(buf[16:20], m.TotalRecords)
	binary.LittleEndian.PutUint32(buf[20:24], m.RecordsTransmitted)
	binary.LittleEndian.PutUint32(buf[24:28], m.RecordsLost)
	binary.LittleEndian.PutUint32(buf[28:32], m.LastSyncTS)
	binary.LittleEndian.PutUint32(buf[32:36], m.InitialBootTS)
	// buf[36 : MetadataSize-4] stays reserved/zeroed (erased to 0xFF on disk,
	// encoded as 0x00 here since we only ever compare the leading fields).
	crc := crc32.ChecksumIEEE(buf[:MetadataSize-4])
	binary.LittleEndian.PutUint32(buf[MetadataSize-4:], crc)
	return buf
}

func decodeMetadata(data []byte) (Metadata, bool) {
	if len(data) < MetadataSize {
		return Metadata{}, false
	}
	storedCRC := binary.LittleEndian.Uint32(data[MetadataSize-4:])
	calcCRC := crc32.ChecksumIEEE(data[:MetadataSize-4])
	if storedCRC != calcCRC {
		return Metadata{}, false
	}
	m := Metadata{
		Magic:              binary.LittleEndian.Uint32(data[0:4]),
		Version:            binary.LittleEndian.Uint32(data[4:8]),
		WriteIdx:           binary.LittleEndian.Uint32(data[8:12]),
		ReadIdx:            binary.LittleEndian.Uint32(data[12:16]),
		TotalRecords:       binary.LittleEndian.Uint32(data[16:20]),
		RecordsTransmitted: binary.LittleEndian.Uint32(data[20:24]),
		RecordsLost:        binary.LittleEndian.Uint32(data[24:28]),
		LastSyncTS:         binary.LittleEndian.Uint32(data[28:32]),
		InitialBootTS:      binary.LittleEndian.Uint32(data[32:36]),
	}
	if m.Magic != MetadataMagic || m.Version != MetadataVersion {
		return Metadata{}, false
	}
	return m, true
}
