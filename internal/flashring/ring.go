package flashring

import (
	"fmt"
	"log"
)

// MetadataSector is the dedicated sector index holding Metadata.
const MetadataSector = 0

// DataStart is the byte offset where the data region begins, after the
// metadata sector.
const DataStart = SectorSize

// Ring is FlashRing: a circular buffer of fixed-size SensorDataRecords in
// external NOR flash, CRC-checked, with NOR-friendly single-byte
// "transmitted" marks and wear-avoidance (metadata is written rarely, never
// per record). Grounded closely on
// original_source/src/storage/sensor_flash_buffer.cpp.
type Ring struct {
	chip Chip
	meta Metadata

	maxRecords     uint32
	recordsPerSect uint32

	initialized bool
	healthy     bool

	log *log.Logger
}

// New constructs a Ring over chip. Init must be called before use.
func New(chip Chip, logger *log.Logger) *Ring {
	if logger == nil {
		logger = log.Default()
	}
	dataRegion := chip.Size() - DataStart
	return &Ring{
		chip:           chip,
		maxRecords:     dataRegion / RecordSize,
		recordsPerSect: SectorSize / RecordSize,
		healthy:        true,
		log:            logger,
	}
}

// Init loads metadata from flash; if invalid (bad magic/version/CRC), it
// reinitializes fresh metadata in RAM and persists it once.
func (r *Ring) Init() error {
	if data, err := r.chip.Read(MetadataSector*SectorSize, MetadataSize); err == nil {
		if m, ok := decodeMetadata(data); ok {
			r.meta = m
			r.initialized = true
			return nil
		}
	}

	r.log.Printf("flashring: no valid metadata, initializing fresh ring")
	r.meta = Metadata{Magic: MetadataMagic, Version: MetadataVersion}
	if err := r.saveMetadata(); err != nil {
		return fmt.Errorf("flashring: failed to save initial metadata: %w", err)
	}
	r.initialized = true
	return nil
}

func (r *Ring) saveMetadata() error {
	if err := r.chip.EraseSector(MetadataSector * SectorSize); err != nil {
		r.healthy = false
		return fmt.Errorf("flashring: erase metadata sector: %w", err)
	}
	if err := r.chip.Write(MetadataSector*SectorSize, r.meta.encode()); err != nil {
		r.healthy = false
		return fmt.Errorf("flashring: write metadata: %w", err)
	}
	return nil
}

// Healthy reports whether the most recent flash write/erase succeeded. The
// runtime falls back to direct per-sample transmit while this is false.
func (r *Ring) Healthy() bool { return r.healthy }

func (r *Ring) recordAddress(idx uint32) uint32 {
	return DataStart + idx*RecordSize
}

func (r *Ring) isFull() bool {
	return (r.meta.WriteIdx+1)%r.maxRecords == r.meta.ReadIdx
}

func (r *Ring) isErased(address uint32, length int) bool {
	data, err := r.chip.Read(address, length)
	if err != nil {
		return false
	}
	for _, b := range data {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// WriteRecord writes a sensor reading at the current write position,
// advancing the ring. It does not persist Metadata (wear avoidance): the
// write/read indices live in RAM and are restored from the PMU state blob,
// not re-read from flash, across sleeps.
func (r *Ring) WriteRecord(rec Record) error {
	if !r.initialized {
		return fmt.Errorf("flashring: not initialized")
	}

	rec.Flags |= FlagValid
	rec.TxStatus = NotTransmitted
	rec.CRC16 = computeCRC(rec)

	address := r.recordAddress(r.meta.WriteIdx)

	// Stale write_idx (metadata lagged behind the PMU state blob): scan
	// forward up to one sector for an erased slot rather than overwriting
	// live data. A record that is the first to enter a sector is exempt: that
	// sector is erased below, which is how a wrapped ring overwrites its
	// oldest records.
	entersNewSector := func(idx uint32) bool {
		if idx == 0 {
			return true
		}
		end := (r.recordAddress(idx) + RecordSize - 1) / SectorSize
		prevEnd := (r.recordAddress(idx-1) + RecordSize - 1) / SectorSize
		return end != prevEnd
	}
	if !entersNewSector(r.meta.WriteIdx) && !r.isErased(address, RecordSize) {
		original := r.meta.WriteIdx
		var scanned uint32
		for !r.isErased(address, RecordSize) && scanned < r.recordsPerSect {
			r.meta.WriteIdx = (r.meta.WriteIdx + 1) % r.maxRecords
			address = r.recordAddress(r.meta.WriteIdx)
			scanned++
		}
		if scanned >= r.recordsPerSect {
			r.healthy = false
			return fmt.Errorf("flashring: no erased slot found scanning from index %d", original)
		}
	}

	// Erase the sector(s) this record will occupy, but only the instant this
	// record is the first one entering that sector: records don't align with
	// sector boundaries, so a record can straddle the boundary and force the
	// next sector to be erased too.
	sectorStart := (address / SectorSize) * SectorSize
	recordEnd := address + RecordSize - 1
	endSectorStart := (recordEnd / SectorSize) * SectorSize

	var prevRecordEndSector uint32
	if r.meta.WriteIdx == 0 {
		prevRecordEndSector = DataStart - SectorSize // force a sector mismatch on the very first record
	} else {
		prevEnd := r.recordAddress(r.meta.WriteIdx-1) + RecordSize - 1
		prevRecordEndSector = (prevEnd / SectorSize) * SectorSize
	}

	if sectorStart != prevRecordEndSector {
		if err := r.chip.EraseSector(sectorStart); err != nil {
			r.healthy = false
			return fmt.Errorf("flashring: erase sector %#x: %w", sectorStart, err)
		}
	}
	if endSectorStart != sectorStart && endSectorStart != prevRecordEndSector {
		if err := r.chip.EraseSector(endSectorStart); err != nil {
			r.healthy = false
			return fmt.Errorf("flashring: erase end sector %#x: %w", endSectorStart, err)
		}
	}

	if err := r.chip.Write(address, rec.encode()); err != nil {
		r.healthy = false
		return fmt.Errorf("flashring: write record at %d: %w", r.meta.WriteIdx, err)
	}

	if r.isFull() {
		r.meta.RecordsLost++
		r.meta.ReadIdx = (r.meta.ReadIdx + 1) % r.maxRecords
	}

	r.meta.WriteIdx = (r.meta.WriteIdx + 1) % r.maxRecords
	r.meta.TotalRecords++
	r.healthy = true
	return nil
}

// MarkTransmitted writes a single 0x00 byte over the tx_status field of the
// record at idx, with no erase; it is a no-op (success) if already marked.
func (r *Ring) MarkTransmitted(idx uint32) error {
	if !r.initialized {
		return fmt.Errorf("flashring: not initialized")
	}
	if idx >= r.maxRecords {
		return fmt.Errorf("flashring: invalid record index %d", idx)
	}

	address := r.recordAddress(idx)
	data, err := r.chip.Read(address, RecordSize)
	if err != nil {
		return fmt.Errorf("flashring: read record %d for mark: %w", idx, err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if computeCRC(rec) != rec.CRC16 {
		return fmt.Errorf("flashring: CRC mismatch at index %d, not marking", idx)
	}
	if rec.IsTransmitted() {
		return nil
	}

	if err := r.chip.Write(address+txStatusOffset, []byte{Transmitted}); err != nil {
		return fmt.Errorf("flashring: mark transmitted at %d: %w", idx, err)
	}
	r.meta.RecordsTransmitted++
	return nil
}

// ReadResult is one slot read back by ReadUntransmitted, carrying its ring
// index so the caller can MarkTransmitted/advance by it later.
type ReadResult struct {
	Index  uint32
	Record Record
}

// ReadUntransmitted walks from ReadIdx toward WriteIdx, retrying each slot
// up to 3 times on a transient read error, skipping CRC-mismatched and
// already-transmitted slots, and returning up to max valid records. It never
// advances ReadIdx; the caller must call AdvanceRead once the batch is
// ACKed.
func (r *Ring) ReadUntransmitted(max int) (records []ReadResult, totalScanned int) {
	if !r.initialized {
		return nil, 0
	}

	idx := r.meta.ReadIdx
	for len(records) < max && idx != r.meta.WriteIdx {
		address := r.recordAddress(idx)

		var data []byte
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			data, err = r.chip.Read(address, RecordSize)
			if err == nil {
				break
			}
		}
		if err != nil {
			r.log.Printf("flashring: read failed at index %d after retries: %v", idx, err)
			break // stop, don't skip unscanned records
		}
		totalScanned++

		rec, decErr := decodeRecord(data)
		if decErr != nil || computeCRC(rec) != rec.CRC16 {
			idx = (idx + 1) % r.maxRecords
			continue
		}
		if rec.IsTransmitted() {
			idx = (idx + 1) % r.maxRecords
			continue
		}
		if rec.Flags&FlagValid != 0 {
			records = append(records, ReadResult{Index: idx, Record: rec})
		}
		idx = (idx + 1) % r.maxRecords
	}
	return records, totalScanned
}

// UntransmittedCount returns the number of records between ReadIdx and
// WriteIdx.
func (r *Ring) UntransmittedCount() uint32 {
	if !r.initialized {
		return 0
	}
	if r.meta.WriteIdx >= r.meta.ReadIdx {
		return r.meta.WriteIdx - r.meta.ReadIdx
	}
	return r.maxRecords - r.meta.ReadIdx + r.meta.WriteIdx
}

// AdvanceRead moves ReadIdx forward by n records. The caller must only call
// this after the batch covering those n records has been ACKed.
func (r *Ring) AdvanceRead(n uint32) error {
	if !r.initialized {
		return fmt.Errorf("flashring: not initialized")
	}
	if n == 0 {
		return nil
	}
	available := r.UntransmittedCount()
	if n > available {
		return fmt.Errorf("flashring: cannot advance by %d, only %d available", n, available)
	}
	r.meta.ReadIdx = (r.meta.ReadIdx + n) % r.maxRecords
	return nil
}

// FastForwardRead advances ReadIdx past any leading already-transmitted
// records by reading only the 1-byte tx_status field per slot, stopping at
// the first untransmitted (0xFF) slot or at WriteIdx. Used on warm-start
// cleanup and at the end of ScanForWriteIdx.
func (r *Ring) FastForwardRead() uint32 {
	var skipped uint32
	for r.meta.ReadIdx != r.meta.WriteIdx {
		address := r.recordAddress(r.meta.ReadIdx) + txStatusOffset
		data, err := r.chip.Read(address, 1)
		if err != nil {
			r.log.Printf("flashring: read error at %d during fast-forward, stopping", r.meta.ReadIdx)
			break
		}
		if data[0] != Transmitted {
			break
		}
		r.meta.ReadIdx = (r.meta.ReadIdx + 1) % r.maxRecords
		skipped++
	}
	return skipped
}

// ScanForWriteIdx is cold-start recovery: binary-searches the first invalid
// slot (CRC mismatch or VALID bit clear) and sets WriteIdx to one past the
// last valid slot. It then validates ReadIdx against the recovered WriteIdx,
// falling back to WriteIdx if the record there is no longer valid or if the
// ring claims a wrap that isn't borne out by the data, and finally fast-
// forwards ReadIdx past any leading transmitted records.
func (r *Ring) ScanForWriteIdx() error {
	if !r.initialized {
		return fmt.Errorf("flashring: not initialized")
	}

	firstAddr := r.recordAddress(0)
	data, err := r.chip.Read(firstAddr, RecordSize)
	if err != nil {
		return fmt.Errorf("flashring: read first record during scan: %w", err)
	}
	first, _ := decodeRecord(data)
	if computeCRC(first) != first.CRC16 || first.Flags&FlagValid == 0 {
		r.meta.WriteIdx = 0
		r.meta.ReadIdx = 0
		return nil
	}

	isValidAt := func(idx uint32) bool {
		d, err := r.chip.Read(r.recordAddress(idx), RecordSize)
		if err != nil {
			return false
		}
		rec, err := decodeRecord(d)
		if err != nil {
			return false
		}
		return computeCRC(rec) == rec.CRC16 && rec.Flags&FlagValid != 0
	}

	var low, high, lastValid uint32 = 0, r.maxRecords - 1, 0
	for low <= high {
		mid := low + (high-low)/2
		if isValidAt(mid) {
			lastValid = mid
			low = mid + 1
		} else {
			if mid == 0 {
				break
			}
			high = mid - 1
		}
	}
	r.meta.WriteIdx = (lastValid + 1) % r.maxRecords

	readValid := false
	switch {
	case r.meta.ReadIdx == r.meta.WriteIdx:
		readValid = true
	case r.meta.ReadIdx > r.meta.WriteIdx:
		// The ring claims to have wrapped. If the slot at WriteIdx is still
		// erased, it hasn't actually wrapped and ReadIdx is stale.
		if !r.isErased(r.recordAddress(r.meta.WriteIdx), RecordSize) {
			readValid = isValidAt(r.meta.ReadIdx)
		}
	default:
		readValid = isValidAt(r.meta.ReadIdx)
	}
	if !readValid {
		r.meta.ReadIdx = r.meta.WriteIdx
	}

	r.FastForwardRead()
	return nil
}

// IsWriteLocationErased reports whether the slot at WriteIdx is erased,
// used to validate a PMU-restored WriteIdx before trusting it: if the
// location isn't erased, the PMU state is stale and ScanForWriteIdx should
// run instead.
func (r *Ring) IsWriteLocationErased() bool {
	return r.isErased(r.recordAddress(r.meta.WriteIdx), RecordSize)
}

// ReadIdx and WriteIdx report (ReadIdx) / set (SetReadIdx, SetWriteIdx) the
// ring's indices directly, for restoring state from the PMU blob on warm
// start. No validation is performed; the caller must validate first (see
// IsWriteLocationErased).
func (r *Ring) ReadIdx() uint32  { return r.meta.ReadIdx }
func (r *Ring) WriteIdx() uint32 { return r.meta.WriteIdx }

func (r *Ring) SetReadIdx(idx uint32)  { r.meta.ReadIdx = idx }
func (r *Ring) SetWriteIdx(idx uint32) { r.meta.WriteIdx = idx }

// Stats returns a copy of the ring's current metadata for diagnostics.
func (r *Ring) Stats() Metadata { return r.meta }

// RecordsLost returns the count of records overwritten before transmission.
func (r *Ring) RecordsLost() uint32 { return r.meta.RecordsLost }

// UpdateLastSync records the Unix timestamp of the most recent hub sync and
// persists metadata (this is an intentional, infrequent flash write).
func (r *Ring) UpdateLastSync(ts uint32) error {
	r.meta.LastSyncTS = ts
	return r.saveMetadata()
}

// SetInitialBootTimestamp records the first-boot-after-power-loss timestamp,
// once; subsequent calls are a no-op.
func (r *Ring) SetInitialBootTimestamp(ts uint32) error {
	if r.meta.InitialBootTS != 0 {
		return nil
	}
	r.meta.InitialBootTS = ts
	return r.saveMetadata()
}

// Flush persists metadata to flash. Call before power-down in contexts
// where the PMU state blob isn't the chosen persistence path (e.g. a clean
// shutdown rather than a PMU-driven sleep).
func (r *Ring) Flush() error {
	return r.saveMetadata()
}

// MaxRecords returns the ring's capacity in records.
func (r *Ring) MaxRecords() uint32 { return r.maxRecords }
