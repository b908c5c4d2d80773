package protocol

import (
	"encoding/binary"
	"fmt"
)

// SensorDataPayload carries a single sensor reading, mirroring the on-flash
// SensorDataRecord layout (see flashring.Record) but without tx_status/crc16,
// which are flash-internal bookkeeping rather than wire fields.
type SensorDataPayload struct {
	Timestamp   uint32 // Unix seconds
	Temperature int16  // 0.01 degC
	Humidity    uint16 // 0.01 %
	Flags       uint8
}

const sensorDataPayloadSize = 9

// Encode serializes a sensor data payload.
func (p *SensorDataPayload) Encode() []byte {
	buf := make([]byte, sensorDataPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.Timestamp)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.Temperature))
	binary.LittleEndian.PutUint16(buf[6:8], p.Humidity)
	buf[8] = p.Flags
	return buf
}

// DecodeSensorData parses a sensor data payload.
func DecodeSensorData(data []byte) (*SensorDataPayload, error) {
	if len(data) < sensorDataPayloadSize {
		return nil, fmt.Errorf("sensor data too short: %d bytes", len(data))
	}
	return &SensorDataPayload{
		Timestamp:   binary.LittleEndian.Uint32(data[0:4]),
		Temperature: int16(binary.LittleEndian.Uint16(data[4:6])),
		Humidity:    binary.LittleEndian.Uint16(data[6:8]),
		Flags:       data[8],
	}, nil
}

// SensorDataBatchPayload carries up to 19 sensor records plus a length-prefixed
// variable tail (the sensor payload carries a length-prefixed
// variable tail bounded by 32 B".
type SensorDataBatchPayload struct {
	Count   uint8
	Records []SensorDataPayload
	Tail    []byte // opaque, at most 32 bytes
}

const maxBatchRecords = 19
const maxSensorTail = 32

// Encode serializes a sensor data batch payload.
func (p *SensorDataBatchPayload) Encode() ([]byte, error) {
	if len(p.Records) > maxBatchRecords {
		return nil, fmt.Errorf("batch has %d records, max %d", len(p.Records), maxBatchRecords)
	}
	if len(p.Tail) > maxSensorTail {
		return nil, fmt.Errorf("batch tail has %d bytes, max %d", len(p.Tail), maxSensorTail)
	}
	buf := make([]byte, 0, 2+len(p.Records)*sensorDataPayloadSize+len(p.Tail))
	buf = append(buf, uint8(len(p.Records)))
	for _, r := range p.Records {
		buf = append(buf, r.Encode()...)
	}
	buf = append(buf, uint8(len(p.Tail)))
	buf = append(buf, p.Tail...)
	return buf, nil
}

// DecodeSensorDataBatch parses a sensor data batch payload.
func DecodeSensorDataBatch(data []byte) (*SensorDataBatchPayload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("sensor batch too short: %d bytes", len(data))
	}
	count := int(data[0])
	if count > maxBatchRecords {
		return nil, fmt.Errorf("sensor batch declares %d records, max %d", count, maxBatchRecords)
	}
	offset := 1
	need := count*sensorDataPayloadSize + 1
	if len(data) < offset+need {
		return nil, fmt.Errorf("sensor batch too short for %d records: %d bytes", count, len(data))
	}
	records := make([]SensorDataPayload, count)
	for i := 0; i < count; i++ {
		rec, err := DecodeSensorData(data[offset : offset+sensorDataPayloadSize])
		if err != nil {
			return nil, err
		}
		records[i] = *rec
		offset += sensorDataPayloadSize
	}
	tailLen := int(data[offset])
	offset++
	if tailLen > maxSensorTail || len(data) < offset+tailLen {
		return nil, fmt.Errorf("sensor batch tail length %d invalid", tailLen)
	}
	tail := make([]byte, tailLen)
	copy(tail, data[offset:offset+tailLen])
	return &SensorDataBatchPayload{Count: uint8(count), Records: records, Tail: tail}, nil
}

// ActuatorCmdPayload carries an irrigation actuator command with a
// length-prefixed variable tail bounded by 16 bytes.
type ActuatorCmdPayload struct {
	ActuatorID uint8
	Command    uint8
	Tail       []byte // opaque, at most 16 bytes
}

const maxActuatorTail = 16

// Encode serializes an actuator command payload.
func (p *ActuatorCmdPayload) Encode() ([]byte, error) {
	if len(p.Tail) > maxActuatorTail {
		return nil, fmt.Errorf("actuator cmd tail has %d bytes, max %d", len(p.Tail), maxActuatorTail)
	}
	buf := make([]byte, 0, 3+len(p.Tail))
	buf = append(buf, p.ActuatorID, p.Command, uint8(len(p.Tail)))
	buf = append(buf, p.Tail...)
	return buf, nil
}

// DecodeActuatorCmd parses an actuator command payload.
func DecodeActuatorCmd(data []byte) (*ActuatorCmdPayload, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("actuator cmd too short: %d bytes", len(data))
	}
	tailLen := int(data[2])
	if tailLen > maxActuatorTail || len(data) < 3+tailLen {
		return nil, fmt.Errorf("actuator cmd tail length %d invalid", tailLen)
	}
	tail := make([]byte, tailLen)
	copy(tail, data[3:3+tailLen])
	return &ActuatorCmdPayload{ActuatorID: data[0], Command: data[1], Tail: tail}, nil
}

// AckPayload acknowledges receipt of a single reliable frame by sequence number.
type AckPayload struct {
	AckedSeq uint8
}

// Encode serializes an ack payload.
func (p *AckPayload) Encode() []byte { return []byte{p.AckedSeq} }

// DecodeAck parses an ack payload.
func DecodeAck(data []byte) (*AckPayload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("ack too short: %d bytes", len(data))
	}
	return &AckPayload{AckedSeq: data[0]}, nil
}

// BatchAckPayload acknowledges a sensor data batch. Per DESIGN.md's resolution
// of the open question on persisted-count, it carries no count field: the
// sender always advances its read index by the number of records it sent.
type BatchAckPayload struct {
	AckedSeq uint8
}

// Encode serializes a batch ack payload.
func (p *BatchAckPayload) Encode() []byte { return []byte{p.AckedSeq} }

// DecodeBatchAck parses a batch ack payload.
func DecodeBatchAck(data []byte) (*BatchAckPayload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("batch ack too short: %d bytes", len(data))
	}
	return &BatchAckPayload{AckedSeq: data[0]}, nil
}

// HeartbeatPayload is sent by a node to indicate liveness and (when the
// sensor has failed) to carry an error flag so the operator can see the
// condition even though no data batches are arriving.
type HeartbeatPayload struct {
	BatteryMV uint16
	RSSI      int16
	ErrorFlag uint8
}

// Encode serializes a heartbeat payload.
func (p *HeartbeatPayload) Encode() []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint16(buf[0:2], p.BatteryMV)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.RSSI))
	buf[4] = p.ErrorFlag
	return buf
}

// DecodeHeartbeat parses a heartbeat payload.
func DecodeHeartbeat(data []byte) (*HeartbeatPayload, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("heartbeat too short: %d bytes", len(data))
	}
	return &HeartbeatPayload{
		BatteryMV: binary.LittleEndian.Uint16(data[0:2]),
		RSSI:      int16(binary.LittleEndian.Uint16(data[2:4])),
		ErrorFlag: data[4],
	}, nil
}

// HeartbeatResponsePayload carries hub-driven time sync in reply to a
// heartbeat sent while the node's RTC is unsynced.
type HeartbeatResponsePayload struct {
	UnixTimestamp uint32
}

// Encode serializes a heartbeat response payload.
func (p *HeartbeatResponsePayload) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], p.UnixTimestamp)
	return buf
}

// DecodeHeartbeatResponse parses a heartbeat response payload.
func DecodeHeartbeatResponse(data []byte) (*HeartbeatResponsePayload, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("heartbeat response too short: %d bytes", len(data))
	}
	return &HeartbeatResponsePayload{UnixTimestamp: binary.LittleEndian.Uint32(data[0:4])}, nil
}

// RegistrationPayload is sent by an unregistered node requesting an address.
type RegistrationPayload struct {
	DeviceID        uint64
	NodeType        uint8
	Capabilities    uint8
	FirmwareVersion uint16
	DeviceName      string // truncated to 16 bytes on encode
}

const registrationNameLen = 16
const registrationPayloadSize = 8 + 1 + 1 + 2 + registrationNameLen

// Encode serializes a registration payload.
func (p *RegistrationPayload) Encode() []byte {
	buf := make([]byte, registrationPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.DeviceID)
	buf[8] = p.NodeType
	buf[9] = p.Capabilities
	binary.LittleEndian.PutUint16(buf[10:12], p.FirmwareVersion)
	copy(buf[12:12+registrationNameLen], []byte(p.DeviceName))
	return buf
}

// DecodeRegistration parses a registration payload.
func DecodeRegistration(data []byte) (*RegistrationPayload, error) {
	if len(data) < registrationPayloadSize {
		return nil, fmt.Errorf("registration too short: %d bytes", len(data))
	}
	name := data[12 : 12+registrationNameLen]
	end := len(name)
	for i, b := range name {
		if b == 0 {
			end = i
			break
		}
	}
	return &RegistrationPayload{
		DeviceID:        binary.LittleEndian.Uint64(data[0:8]),
		NodeType:        data[8],
		Capabilities:    data[9],
		FirmwareVersion: binary.LittleEndian.Uint16(data[10:12]),
		DeviceName:      string(name[:end]),
	}, nil
}

// RegistrationResponsePayload carries the address assigned by the hub, or
// AddressUnregistered if the address space was exhausted.
type RegistrationResponsePayload struct {
	AssignedAddress Address
}

// Encode serializes a registration response payload.
func (p *RegistrationResponsePayload) Encode() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.AssignedAddress))
	return buf
}

// DecodeRegistrationResponse parses a registration response payload.
func DecodeRegistrationResponse(data []byte) (*RegistrationResponsePayload, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("registration response too short: %d bytes", len(data))
	}
	return &RegistrationResponsePayload{AssignedAddress: Address(binary.LittleEndian.Uint16(data[0:2]))}, nil
}

// CheckUpdatesPayload is sent by a node polling the hub for queued updates.
type CheckUpdatesPayload struct {
	NodeSeq uint8 // node's own monotonic counter for the updates it has applied
}

// Encode serializes a check-updates payload.
func (p *CheckUpdatesPayload) Encode() []byte { return []byte{p.NodeSeq} }

// DecodeCheckUpdates parses a check-updates payload.
func DecodeCheckUpdates(data []byte) (*CheckUpdatesPayload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("check-updates too short: %d bytes", len(data))
	}
	return &CheckUpdatesPayload{NodeSeq: data[0]}, nil
}

// UpdateKind tags the variant carried by an UpdateAvailablePayload.
type UpdateKind uint8

const (
	UpdateSetSchedule UpdateKind = iota
	UpdateRemoveSchedule
	UpdateSetDateTime
	UpdateSetWakeInterval
)

// UpdateAvailablePayload describes the next pending update item for a node.
type UpdateAvailablePayload struct {
	Kind UpdateKind
	Seq  uint8
	Data []byte // variant-specific, at most 32 bytes
}

const maxUpdateData = 32

// Encode serializes an update-available payload.
func (p *UpdateAvailablePayload) Encode() ([]byte, error) {
	if len(p.Data) > maxUpdateData {
		return nil, fmt.Errorf("update data has %d bytes, max %d", len(p.Data), maxUpdateData)
	}
	buf := make([]byte, 0, 3+len(p.Data))
	buf = append(buf, uint8(p.Kind), p.Seq, uint8(len(p.Data)))
	buf = append(buf, p.Data...)
	return buf, nil
}

// DecodeUpdateAvailable parses an update-available payload.
func DecodeUpdateAvailable(data []byte) (*UpdateAvailablePayload, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("update-available too short: %d bytes", len(data))
	}
	dataLen := int(data[2])
	if dataLen > maxUpdateData || len(data) < 3+dataLen {
		return nil, fmt.Errorf("update-available data length %d invalid", dataLen)
	}
	payload := make([]byte, dataLen)
	copy(payload, data[3:3+dataLen])
	return &UpdateAvailablePayload{Kind: UpdateKind(data[0]), Seq: data[1], Data: payload}, nil
}

// EventLogPayload carries a single persisted event log entry being
// transmitted off a node, analogous to a SensorDataRecord but for
// free-form operational events rather than readings.
type EventLogPayload struct {
	Timestamp uint32
	Code      uint8
	Detail    []byte // at most 16 bytes
}

const maxEventDetail = 16

// Encode serializes an event log payload.
func (p *EventLogPayload) Encode() ([]byte, error) {
	if len(p.Detail) > maxEventDetail {
		return nil, fmt.Errorf("event detail has %d bytes, max %d", len(p.Detail), maxEventDetail)
	}
	buf := make([]byte, 0, 6+len(p.Detail))
	buf = binary.LittleEndian.AppendUint32(buf, p.Timestamp)
	buf = append(buf, p.Code, uint8(len(p.Detail)))
	buf = append(buf, p.Detail...)
	return buf, nil
}

// DecodeEventLog parses an event log payload.
func DecodeEventLog(data []byte) (*EventLogPayload, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("event log too short: %d bytes", len(data))
	}
	detailLen := int(data[5])
	if detailLen > maxEventDetail || len(data) < 6+detailLen {
		return nil, fmt.Errorf("event log detail length %d invalid", detailLen)
	}
	detail := make([]byte, detailLen)
	copy(detail, data[6:6+detailLen])
	return &EventLogPayload{
		Timestamp: binary.LittleEndian.Uint32(data[0:4]),
		Code:      data[4],
		Detail:    detail,
	}, nil
}
