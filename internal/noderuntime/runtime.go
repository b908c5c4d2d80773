package noderuntime

import (
	"log"
	"time"

	"github.com/erikbeerepoot/bramble/internal/flashring"
	"github.com/erikbeerepoot/bramble/internal/messenger"
	"github.com/erikbeerepoot/bramble/internal/pmu"
	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/taskqueue"
)

// Config tunes the per-wake pipeline: 5s heartbeat wait, 500ms listen
// window, up to 19 records and 20 batches per wake.
type Config struct {
	WakeNotificationTimeout time.Duration
	PMUTimeTimeout          time.Duration
	HeartbeatTimeout        time.Duration
	RegistrationTimeout     time.Duration
	ListenWindow            time.Duration
	TransmitCadence         time.Duration
	RecordsPerBatch         int
	MaxBatchesPerWake       int

	// Identity is sent in the Registration request on every wake until a
	// RegistrationResponse assigns a real address.
	DeviceID        uint64
	NodeType        uint8
	Capabilities    uint8
	FirmwareVersion uint16
	DeviceName      string
}

// DefaultConfig returns the pipeline's standard timing.
func DefaultConfig() Config {
	return Config{
		WakeNotificationTimeout: 1 * time.Second,
		PMUTimeTimeout:          1 * time.Second,
		HeartbeatTimeout:        5 * time.Second,
		RegistrationTimeout:     5 * time.Second,
		ListenWindow:            500 * time.Millisecond,
		TransmitCadence:         15 * time.Minute,
		RecordsPerBatch:         19,
		MaxBatchesPerWake:       20,
	}
}

// SensorReadFunc attempts a single sensor reading. It is called once per
// wake, at the start of the sensor phase.
type SensorReadFunc func(now time.Time) (protocol.SensorDataPayload, error)

// Runtime wires ReliableMessenger, FlashRing, the PMU client, and the task
// queue into the single-wake-cycle pipeline described by sensor_pmu_manager's
// SensorPmuManager, generalized from irrigation-specific orchestration
// (SensorMode) to a general sensor-reporting cycle. It is single-owner: all
// of its methods except the PMU wake callback (delivered asynchronously off
// Client.ReceiveLoop) run on the goroutine that calls BeginWake and Tick.
type Runtime struct {
	cfg    Config
	addr   protocol.Address
	msgr   *messenger.Messenger
	flash  *flashring.Ring
	pmu    *pmu.Client
	tasks  *taskqueue.Queue
	read   SensorReadFunc
	logger *log.Logger
	sm     *StateMachine

	events chan func(now time.Time)

	rtcSynced           bool
	registered          bool
	lastTransmit        time.Time
	batchesThisWake     int
	wakeTimeoutID       uint16
	pmuTimeTimerID      uint16
	heartbeatTimerID    uint16
	registrationTimerID uint16
	sleepPending        bool
}

// New returns a Runtime. logger may be nil.
func New(cfg Config, addr protocol.Address, msgr *messenger.Messenger, flash *flashring.Ring,
	pmuClient *pmu.Client, tasks *taskqueue.Queue, read SensorReadFunc, logger *log.Logger) *Runtime {

	r := &Runtime{
		cfg:        cfg,
		addr:       addr,
		msgr:       msgr,
		flash:      flash,
		pmu:        pmuClient,
		tasks:      tasks,
		read:       read,
		logger:     logger,
		sm:         NewStateMachine(logger),
		events:     make(chan func(now time.Time), 8),
		registered: addr != protocol.AddressUnregistered,
	}
	r.msgr.OnMessage(protocol.MsgHeartbeatResponse, r.onHeartbeatResponse)
	r.msgr.OnMessage(protocol.MsgRegistrationResponse, r.onRegistrationResponse)
	r.pmu.OnWake(func(reason pmu.WakeReason, entry *pmu.ScheduleEntry, valid bool, state [pmu.NodeStateSize]byte) {
		r.events <- func(now time.Time) { r.onPMUWake(now, reason, valid, state) }
	})
	return r
}

// State returns the current wake-cycle state.
func (r *Runtime) State() State { return r.sm.State() }

// SetStateCallback registers a callback invoked after every state
// transition, e.g. to forward cycle progress to a diagnostics stream.
func (r *Runtime) SetStateCallback(cb StateCallback) { r.sm.SetCallback(cb) }

// IsSleepPending reports whether ReadyForSleep has been sent and ACKed; the
// caller's main loop should halt rather than continue polling I/O.
func (r *Runtime) IsSleepPending() bool { return r.sleepPending }

// toPMUDateTime converts a wall-clock time into the 7-byte RTC format the
// PMU stores, per frame.go's DateTime (years since 2000, weekday 0=Sunday).
func toPMUDateTime(t time.Time) pmu.DateTime {
	year := t.Year() - 2000
	if year < 0 {
		year = 0
	}
	return pmu.DateTime{
		Year:    uint8(year),
		Month:   uint8(t.Month()),
		Day:     uint8(t.Day()),
		Weekday: uint8(t.Weekday()),
		Hour:    uint8(t.Hour()),
		Minute:  uint8(t.Minute()),
		Second:  uint8(t.Second()),
	}
}

// fromPMUDateTime converts the PMU's 7-byte RTC format back into a wall-clock
// time, the inverse of toPMUDateTime.
func fromPMUDateTime(dt pmu.DateTime) time.Time {
	return time.Date(2000+int(dt.Year), time.Month(dt.Month), int(dt.Day),
		int(dt.Hour), int(dt.Minute), int(dt.Second), 0, time.UTC)
}

func (r *Runtime) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

// BeginWake starts one wake cycle: it initiates the PMU ClearToSend
// handshake and arms the wake-notification timeout, per sensor_pmu_manager's
// initialize().
func (r *Runtime) BeginWake(now time.Time) {
	r.sleepPending = false
	r.batchesThisWake = 0

	r.pmu.ClearToSend(func(success bool, errCode pmu.ErrorCode) {
		if !success {
			r.logf("noderuntime: clear-to-send failed: %v", errCode)
		}
	})
	r.wakeTimeoutID = r.tasks.PostDelayed(func(now time.Time) bool {
		r.events <- func(now time.Time) { r.onWakeTimeout(now) }
		return true
	}, taskqueue.High, now, r.cfg.WakeNotificationTimeout)
}

// Tick drains any pending asynchronous events, then drives the messenger,
// PMU client, and task queue for one iteration of the caller's main loop.
func (r *Runtime) Tick(now time.Time) {
	for {
		select {
		case fn := <-r.events:
			fn(now)
		default:
			goto drained
		}
	}
drained:
	r.msgr.Update(now)
	r.pmu.Update(now)
	r.tasks.Process(now)
}

func (r *Runtime) onPMUWake(now time.Time, reason pmu.WakeReason, valid bool, blob [pmu.NodeStateSize]byte) {
	r.tasks.Cancel(r.wakeTimeoutID)
	r.logf("noderuntime: pmu wake reason=%v state_valid=%v", reason, valid)

	if valid {
		if err := r.restoreState(blob); err != nil {
			r.logf("noderuntime: state restore failed, falling back to scan: %v", err)
			r.flash.ScanForWriteIdx()
		}
	} else {
		r.flash.ScanForWriteIdx()
	}

	r.sm.MarkInitialized()
	r.beginRegistrationOrTimeSync(now)
}

func (r *Runtime) onWakeTimeout(now time.Time) {
	r.logf("noderuntime: no wake notification within %v, cold-starting", r.cfg.WakeNotificationTimeout)
	r.flash.ScanForWriteIdx()
	r.sm.MarkInitialized()
	r.beginRegistrationOrTimeSync(now)
}

// beginRegistrationOrTimeSync sends Registration first on every wake until
// the node has an assigned address; once registered, registration is never
// revisited (a device_id re-send after a hub restart is deduplicated
// server-side anyway, so there is no harm skipping it once acquired).
func (r *Runtime) beginRegistrationOrTimeSync(now time.Time) {
	if r.registered {
		r.beginTimeSync(now)
		return
	}
	r.beginRegistration(now)
}

func (r *Runtime) beginRegistration(now time.Time) {
	req := protocol.RegistrationPayload{
		DeviceID:        r.cfg.DeviceID,
		NodeType:        r.cfg.NodeType,
		Capabilities:    r.cfg.Capabilities,
		FirmwareVersion: r.cfg.FirmwareVersion,
		DeviceName:      r.cfg.DeviceName,
	}
	if _, err := r.msgr.SendWithCallback(protocol.MsgRegistration, protocol.AddressHub, protocol.Reliable, req.Encode(),
		func(success bool) {
			if !success {
				r.events <- func(now time.Time) { r.onRegistrationFailed(now) }
			}
		}); err != nil {
		r.logf("noderuntime: registration send failed: %v", err)
		r.onRegistrationFailed(now)
		return
	}

	r.tasks.Cancel(r.registrationTimerID)
	r.registrationTimerID = r.tasks.PostDelayed(func(now time.Time) bool {
		r.events <- func(now time.Time) { r.onRegistrationFailed(now) }
		return true
	}, taskqueue.High, now, r.cfg.RegistrationTimeout)
}

func (r *Runtime) onRegistrationResponse(msg *protocol.Message) {
	resp, err := protocol.DecodeRegistrationResponse(msg.Payload)
	if err != nil {
		r.logf("noderuntime: bad registration response: %v", err)
		return
	}
	r.tasks.Cancel(r.registrationTimerID)
	if resp.AssignedAddress == protocol.AddressUnregistered {
		r.logf("noderuntime: registration rejected, hub address space full")
		r.events <- func(now time.Time) { r.onRegistrationFailed(now) }
		return
	}
	r.addr = resp.AssignedAddress
	r.msgr.SetAddress(resp.AssignedAddress)
	r.registered = true
	r.beginTimeSync(time.Now())
}

// onRegistrationFailed handles both transport-level failure (no ACK after
// retries) and an explicit rejection. Terminal exhaustion of registration
// leaves the node in AwaitingTime for the next wake, identical to a failed
// time sync.
func (r *Runtime) onRegistrationFailed(now time.Time) {
	r.logf("noderuntime: registration failed, deferring to next wake")
	r.signalSleep(now)
}

func (r *Runtime) restoreState(blob [pmu.NodeStateSize]byte) error {
	ps, err := pmu.DecodePersistedState(blob)
	if err != nil {
		return err
	}
	r.msgr.SetNextSeq(ps.NextSeqNum)
	r.flash.SetReadIdx(ps.FlashReadIndex)
	r.flash.SetWriteIdx(ps.FlashWriteIndex)
	if !r.flash.IsWriteLocationErased() {
		return r.flash.ScanForWriteIdx()
	}
	return nil
}

// beginTimeSync implements the per-wake pipeline's time-sync step: prefer
// the PMU's own battery-backed RTC, and fall back to a hub heartbeat round
// trip only when the PMU reports no usable RTC reading or doesn't answer in
// time.
func (r *Runtime) beginTimeSync(now time.Time) {
	if r.rtcSynced {
		r.sm.ReportRTCSynced()
		r.beginSensorPhase(now)
		return
	}

	r.sm.ReportSyncingTime()
	r.askPMUDateTime(now)
}

func (r *Runtime) askPMUDateTime(now time.Time) {
	r.pmu.GetDateTime(func(valid bool, dt pmu.DateTime) {
		r.events <- func(now time.Time) { r.onPMUDateTime(now, valid, dt) }
	})
	r.tasks.Cancel(r.pmuTimeTimerID)
	r.pmuTimeTimerID = r.tasks.PostDelayed(func(now time.Time) bool {
		r.events <- func(now time.Time) { r.onPMUDateTimeTimeout(now) }
		return true
	}, taskqueue.High, now, r.cfg.PMUTimeTimeout)
}

func (r *Runtime) onPMUDateTime(now time.Time, valid bool, dt pmu.DateTime) {
	if !r.tasks.IsActive(r.pmuTimeTimerID) {
		return // already timed out onto the hub fallback; ignore the late response
	}
	r.tasks.Cancel(r.pmuTimeTimerID)
	if !valid {
		r.logf("noderuntime: pmu reports no usable RTC, falling back to hub heartbeat")
		r.beginHubTimeSync(now)
		return
	}
	r.rtcSynced = true
	r.sm.ReportRTCSynced()
	r.beginSensorPhase(fromPMUDateTime(dt))
}

func (r *Runtime) onPMUDateTimeTimeout(now time.Time) {
	r.logf("noderuntime: pmu get-datetime timed out, falling back to hub heartbeat")
	r.beginHubTimeSync(now)
}

func (r *Runtime) beginHubTimeSync(now time.Time) {
	hb := protocol.HeartbeatPayload{ErrorFlag: r.errorFlag()}
	if _, err := r.msgr.SendWithCallback(protocol.MsgHeartbeat, protocol.AddressHub, protocol.Reliable, hb.Encode(),
		func(success bool) {
			if !success {
				r.events <- func(now time.Time) { r.onTimeSyncFailed(now) }
			}
		}); err != nil {
		r.logf("noderuntime: heartbeat send failed: %v", err)
		r.onTimeSyncFailed(now)
		return
	}

	r.tasks.Cancel(r.heartbeatTimerID)
	r.heartbeatTimerID = r.tasks.PostDelayed(func(now time.Time) bool {
		r.events <- func(now time.Time) { r.onTimeSyncFailed(now) }
		return true
	}, taskqueue.High, now, r.cfg.HeartbeatTimeout)
}

func (r *Runtime) errorFlag() uint8 {
	if r.sm.IsDegraded() {
		return 1
	}
	return 0
}

func (r *Runtime) onHeartbeatResponse(msg *protocol.Message) {
	hr, err := protocol.DecodeHeartbeatResponse(msg.Payload)
	if err != nil {
		r.logf("noderuntime: bad heartbeat response: %v", err)
		return
	}
	r.tasks.Cancel(r.heartbeatTimerID)
	r.rtcSynced = true
	r.sm.ReportRTCSynced()

	synced := time.Unix(int64(hr.UnixTimestamp), 0).UTC()
	r.pmu.SetDateTime(toPMUDateTime(synced), nil)

	r.beginSensorPhase(synced)
}

func (r *Runtime) onTimeSyncFailed(now time.Time) {
	// Terminal exhaustion of the time-sync retry leaves the node in
	// AwaitingTime for the next wake rather than proceeding blind.
	r.logf("noderuntime: time sync failed, deferring to next wake")
	r.signalSleep(now)
}

func (r *Runtime) beginSensorPhase(now time.Time) {
	reading, err := r.read(now)
	if err != nil {
		r.logf("noderuntime: sensor init/read failed: %v", err)
		r.sm.ReportSensorInit(false)
		r.sm.ReportReadComplete()
		r.checkBacklog(now)
		return
	}

	r.sm.ReportSensorInit(true)
	if r.flash.Healthy() {
		rec := flashring.Record{Timestamp: reading.Timestamp, Temperature: reading.Temperature, Humidity: reading.Humidity}
		if err := r.flash.WriteRecord(rec); err != nil {
			r.logf("noderuntime: flash write failed, falling back to direct transmit: %v", err)
			r.sendDirect(reading, now)
		}
	} else {
		r.sendDirect(reading, now)
	}
	r.sm.ReportReadComplete()
	r.checkBacklog(now)
}

func (r *Runtime) sendDirect(reading protocol.SensorDataPayload, now time.Time) {
	if _, err := r.msgr.Send(protocol.MsgSensorData, protocol.AddressHub, protocol.Reliable, reading.Encode()); err != nil {
		r.logf("noderuntime: direct sensor send failed: %v", err)
	}
}

func (r *Runtime) checkBacklog(now time.Time) {
	untransmitted := r.flash.UntransmittedCount()
	cadenceElapsed := now.Sub(r.lastTransmit) >= r.cfg.TransmitCadence
	storagePressure := r.flash.MaxRecords() > 0 && untransmitted*4 >= r.flash.MaxRecords()*3
	needsTx := untransmitted > 0 && (cadenceElapsed || storagePressure)

	r.sm.ReportCheckComplete(needsTx)
	if needsTx {
		r.beginTransmit(now)
	} else {
		r.signalSleep(now)
	}
}

func (r *Runtime) beginTransmit(now time.Time) {
	r.transmitNextBatch(now)
}

func (r *Runtime) transmitNextBatch(now time.Time) {
	if r.batchesThisWake >= r.cfg.MaxBatchesPerWake {
		r.lastTransmit = now
		r.sm.ReportTransmitComplete()
		r.beginListen(now)
		return
	}

	results, _ := r.flash.ReadUntransmitted(r.cfg.RecordsPerBatch)
	if len(results) == 0 {
		r.lastTransmit = now
		r.sm.ReportTransmitComplete()
		r.beginListen(now)
		return
	}

	records := make([]protocol.SensorDataPayload, len(results))
	for i, res := range results {
		records[i] = protocol.SensorDataPayload{
			Timestamp:   res.Record.Timestamp,
			Temperature: res.Record.Temperature,
			Humidity:    res.Record.Humidity,
		}
	}
	batch := protocol.SensorDataBatchPayload{Count: uint8(len(records)), Records: records}
	payload, err := batch.Encode()
	if err != nil {
		r.logf("noderuntime: batch encode failed: %v", err)
		r.sm.ReportTransmitComplete()
		r.beginListen(now)
		return
	}

	r.batchesThisWake++
	_, err = r.msgr.SendWithCallback(protocol.MsgSensorDataBatch, protocol.AddressHub, protocol.Reliable, payload,
		func(success bool) {
			r.events <- func(now time.Time) { r.onBatchAcked(now, results, success) }
		})
	if err != nil {
		r.logf("noderuntime: batch send failed: %v", err)
		r.sm.ReportTransmitComplete()
		r.beginListen(now)
	}
}

func (r *Runtime) onBatchAcked(now time.Time, results []flashring.ReadResult, success bool) {
	if success {
		if err := r.flash.AdvanceRead(uint32(len(results))); err != nil {
			r.logf("noderuntime: advance read failed: %v", err)
		}
		r.transmitNextBatch(now)
		return
	}
	r.logf("noderuntime: batch of %d records failed delivery, stopping transmit for this wake", len(results))
	r.lastTransmit = now
	r.sm.ReportTransmitComplete()
	r.beginListen(now)
}

func (r *Runtime) beginListen(now time.Time) {
	r.tasks.PostDelayed(func(now time.Time) bool {
		r.events <- func(now time.Time) { r.onListenComplete(now) }
		return true
	}, taskqueue.Normal, now, r.cfg.ListenWindow)
}

func (r *Runtime) onListenComplete(now time.Time) {
	r.sm.ReportListenComplete()
	r.signalSleep(now)
}

func (r *Runtime) signalSleep(now time.Time) {
	ps := pmu.PersistedState{
		Version:         pmu.PersistedStateVersion,
		NextSeqNum:      r.msgr.NextSeq(),
		AssignedAddress: uint16(r.addr),
		FlashReadIndex:  r.flash.ReadIdx(),
		FlashWriteIndex: r.flash.WriteIdx(),
	}
	r.tasks.PostOnce("ready-for-sleep", func(now time.Time) bool {
		r.pmu.ReadyForSleep(ps.Encode(), func(success bool, errCode pmu.ErrorCode) {
			if success {
				r.events <- func(now time.Time) { r.sleepPending = true }
			} else {
				r.logf("noderuntime: ready-for-sleep failed: %v, staying awake to retry", errCode)
			}
		})
		return true
	}, taskqueue.High)
}
