// Package flashring implements FlashRing: a persistent circular ring buffer
// of fixed-size sensor records in external NOR flash. Grounded on
// original_source/src/storage/sensor_flash_buffer.{h,cpp} and
// sensor_data_record.h/sensor_flash_metadata.h, translated from a C++ class
// wrapping a concrete SPI flash driver into a Go type wrapping a Chip
// capability interface.
package flashring

import (
	"encoding/binary"
	"fmt"
)

// RecordSize is the on-flash size of a SensorDataRecord, in bytes.
const RecordSize = 12

// Record flag bits.
const (
	FlagValid uint8 = 0x02
)

// Transmission status byte values. NOR flash can only clear bits (1->0), so
// NotTransmitted is the erased state and marking a record transmitted
// is a single-byte write with no erase.
const (
	NotTransmitted uint8 = 0xFF
	Transmitted    uint8 = 0x00
)

// Record is a single fixed-size sensor reading stored in flash: 12 bytes,
// little-endian packed.
type Record struct {
	Timestamp   uint32 // Unix seconds
	Temperature int16  // 0.01 degC
	Humidity    uint16 // 0.01 %
	Flags       uint8
	TxStatus    uint8
	CRC16       uint16
}

// IsTransmitted reports whether r has been transmitted and ACKed.
func (r Record) IsTransmitted() bool {
	return r.TxStatus != NotTransmitted
}

// encode serializes r into a RecordSize-byte buffer, including the CRC16
// field as-is (callers that need a freshly computed CRC should set CRC16
// via computeCRC first).
func (r Record) encode() []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Timestamp)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Temperature))
	binary.LittleEndian.PutUint16(buf[6:8], r.Humidity)
	buf[8] = r.Flags
	buf[9] = r.TxStatus
	binary.LittleEndian.PutUint16(buf[10:12], r.CRC16)
	return buf
}

// decodeRecord parses a RecordSize-byte buffer into a Record.
func decodeRecord(data []byte) (Record, error) {
	if len(data) < RecordSize {
		return Record{}, fmt.Errorf("flashring: record too short: %d bytes", len(data))
	}
	return Record{
		Timestamp:   binary.LittleEndian.Uint32(data[0:4]),
		Temperature: int16(binary.LittleEndian.Uint16(data[4:6])),
		Humidity:    binary.LittleEndian.Uint16(data[6:8]),
		Flags:       data[8],
		TxStatus:    data[9],
		CRC16:       binary.LittleEndian.Uint16(data[10:12]),
	}, nil
}

// txStatusOffset is the byte offset of TxStatus within the encoded record,
// used by markTransmitted for its single-byte write.
const txStatusOffset = 9

// crc16Table is the CRC16-CCITT (polynomial 0x1021) lookup table, ported
// byte-for-byte from original_source/src/storage/sensor_flash_buffer.cpp's
// CRC16::crc16_table.
var crc16Table = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50A5, 0x60C6, 0x70E7, 0x8108, 0x9129, 0xA14A, 0xB16B,
	0xC18C, 0xD1AD, 0xE1CE, 0xF1EF, 0x1231, 0x0210, 0x3273, 0x2252, 0x52B5, 0x4294, 0x72F7, 0x62D6,
	0x9339, 0x8318, 0xB37B, 0xA35A, 0xD3BD, 0xC39C, 0xF3FF, 0xE3DE, 0x2462, 0x3443, 0x0420, 0x1401,
	0x64E6, 0x74C7, 0x44A4, 0x5485, 0xA56A, 0xB54B, 0x8528, 0x9509, 0xE5EE, 0xF5CF, 0xC5AC, 0xD58D,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76D7, 0x66F6, 0x5695, 0x46B4, 0xB75B, 0xA77A, 0x9719, 0x8738,
	0xF7DF, 0xE7FE, 0xD79D, 0xC7BC, 0x48C4, 0x58E5, 0x6886, 0x78A7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xC9CC, 0xD9ED, 0xE98E, 0xF9AF, 0x8948, 0x9969, 0xA90A, 0xB92B, 0x5AF5, 0x4AD4, 0x7AB7, 0x6A96,
	0x1A71, 0x0A50, 0x3A33, 0x2A12, 0xDBFD, 0xCBDC, 0xFBBF, 0xEB9E, 0x9B79, 0x8B58, 0xBB3B, 0xAB1A,
	0x6CA6, 0x7C87, 0x4CE4, 0x5CC5, 0x2C22, 0x3C03, 0x0C60, 0x1C41, 0xEDAE, 0xFD8F, 0xCDEC, 0xDDCD,
	0xAD2A, 0xBD0B, 0x8D68, 0x9D49, 0x7E97, 0x6EB6, 0x5ED5, 0x4EF4, 0x3E13, 0x2E32, 0x1E51, 0x0E70,
	0xFF9F, 0xEFBE, 0xDFDD, 0xCFFC, 0xBF1B, 0xAF3A, 0x9F59, 0x8F78, 0x9188, 0x81A9, 0xB1CA, 0xA1EB,
	0xD10C, 0xC12D, 0xF14E, 0xE16F, 0x1080, 0x00A1, 0x30C2, 0x20E3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83B9, 0x9398, 0xA3FB, 0xB3DA, 0xC33D, 0xD31C, 0xE37F, 0xF35E, 0x02B1, 0x1290, 0x22F3, 0x32D2,
	0x4235, 0x5214, 0x6277, 0x7256, 0xB5EA, 0xA5CB, 0x95A8, 0x8589, 0xF56E, 0xE54F, 0xD52C, 0xC50D,
	0x34E2, 0x24C3, 0x14A0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405, 0xA7DB, 0xB7FA, 0x8799, 0x97B8,
	0xE75F, 0xF77E, 0xC71D, 0xD73C, 0x26D3, 0x36F2, 0x0691, 0x16B0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xD94C, 0xC96D, 0xF90E, 0xE92F, 0x99C8, 0x89E9, 0xB98A, 0xA9AB, 0x5844, 0x4865, 0x7806, 0x6827,
	0x18C0, 0x08E1, 0x3882, 0x28A3, 0xCB7D, 0xDB5C, 0xEB3F, 0xFB1E, 0x8BF9, 0x9BD8, 0xABBB, 0xBB9A,
	0x4A75, 0x5A54, 0x6A37, 0x7A16, 0x0AF1, 0x1AD0, 0x2AB3, 0x3A92, 0xFD2E, 0xED0F, 0xDD6C, 0xCD4D,
	0xBDAA, 0xAD8B, 0x9DE8, 0x8DC9, 0x7C26, 0x6C07, 0x5C64, 0x4C45, 0x3CA2, 0x2C83, 0x1CE0, 0x0CC1,
	0xEF1F, 0xFF3E, 0xCF5D, 0xDF7C, 0xAF9B, 0xBFBA, 0x8FD9, 0x9FF8, 0x6E17, 0x7E36, 0x4E55, 0x5E74,
	0x2E93, 0x3EB2, 0x0ED1, 0x1EF0,
}

func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// computeCRC returns the CRC16 of r with TxStatus normalized to Transmitted
// (0x00) before hashing, so that the single-byte 0xFF->0x00 transition on
// mark-transmitted never invalidates the stored CRC.
func computeCRC(r Record) uint16 {
	normalized := r
	normalized.TxStatus = Transmitted
	buf := normalized.encode()
	return crc16(buf[:RecordSize-2]) // exclude the CRC16 field itself
}
