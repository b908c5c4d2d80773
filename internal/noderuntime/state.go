// Package noderuntime implements NodeRuntime: the per-wake state machine
// that coordinates a node's PMU handshake, time sync, sensor read, flash
// backlog, and transmit/listen cycle. Grounded on
// original_source/src/util/sensor_pmu_manager.{h,cpp} for the pipeline steps
// and original_source/src/util/irrigation_state_machine.h for the
// tagged-enum, event-driven state machine shape.
package noderuntime

import (
	"fmt"
	"log"
	"sync"
)

// State is one phase of a single wake cycle.
type State uint8

const (
	Initializing State = iota
	AwaitingTime
	SyncingTime
	TimeSynced
	ReadingSensor
	CheckingBacklog
	Transmitting
	Listening
	ReadyForSleep
	DegradedNoSensor
	Error
)

var stateNames = map[State]string{
	Initializing:     "Initializing",
	AwaitingTime:     "AwaitingTime",
	SyncingTime:      "SyncingTime",
	TimeSynced:       "TimeSynced",
	ReadingSensor:    "ReadingSensor",
	CheckingBacklog:  "CheckingBacklog",
	Transmitting:     "Transmitting",
	Listening:        "Listening",
	ReadyForSleep:    "ReadyForSleep",
	DegradedNoSensor: "DegradedNoSensor",
	Error:            "Error",
}

// String returns the state's name, or "Unknown(N)".
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// StateCallback is invoked after every state transition.
type StateCallback func(State)

// StateMachine is the wake-cycle state machine described in IrrigationStateMachine's
// shape: state is managed internally, callers report hardware/protocol
// events and the machine updates and notifies automatically.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	callback StateCallback
	logger   *log.Logger
}

// NewStateMachine returns a StateMachine starting in Initializing. logger
// may be nil.
func NewStateMachine(logger *log.Logger) *StateMachine {
	return &StateMachine{logger: logger}
}

// SetCallback registers the function invoked after every transition.
func (m *StateMachine) SetCallback(cb StateCallback) {
	m.mu.Lock()
	m.callback = cb
	m.mu.Unlock()
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) transitionTo(newState State) {
	m.mu.Lock()
	m.state = newState
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(newState)
	}
}

func (m *StateMachine) rejectUnlessState(event string, want ...State) bool {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	for _, w := range want {
		if current == w {
			return true
		}
	}
	if m.logger != nil {
		m.logger.Printf("noderuntime: event %s ignored in state %s", event, current)
	}
	return false
}

// MarkInitialized transitions Initializing -> AwaitingTime once hardware is
// up.
func (m *StateMachine) MarkInitialized() {
	if !m.rejectUnlessState("mark_initialized", Initializing) {
		return
	}
	m.transitionTo(AwaitingTime)
}

// ReportSyncingTime records that a heartbeat requesting time has been sent
// and a response is awaited.
func (m *StateMachine) ReportSyncingTime() {
	if !m.rejectUnlessState("report_syncing_time", AwaitingTime) {
		return
	}
	m.transitionTo(SyncingTime)
}

// ReportRTCSynced moves to TimeSynced from any pre-operational state. Per
// the original's "restores to the appropriate operational state" note, a
// node whose RTC is already synced on a later wake goes straight through
// this transition without visiting SyncingTime.
func (m *StateMachine) ReportRTCSynced() {
	if !m.rejectUnlessState("report_rtc_synced", Initializing, AwaitingTime, SyncingTime) {
		return
	}
	m.transitionTo(TimeSynced)
}

// ReportSensorInit transitions TimeSynced -> ReadingSensor on success, or
// -> DegradedNoSensor on failure.
func (m *StateMachine) ReportSensorInit(success bool) {
	if !m.rejectUnlessState("report_sensor_init", TimeSynced) {
		return
	}
	if success {
		m.transitionTo(ReadingSensor)
	} else {
		m.transitionTo(DegradedNoSensor)
	}
}

// ReportReadComplete transitions ReadingSensor -> CheckingBacklog. A
// degraded node with no new sample also reaches CheckingBacklog through
// this call, since there's nothing further to read.
func (m *StateMachine) ReportReadComplete() {
	if !m.rejectUnlessState("report_read_complete", ReadingSensor, DegradedNoSensor) {
		return
	}
	m.transitionTo(CheckingBacklog)
}

// ReportCheckComplete transitions CheckingBacklog -> Transmitting if
// needsTx, else -> ReadyForSleep.
func (m *StateMachine) ReportCheckComplete(needsTx bool) {
	if !m.rejectUnlessState("report_check_complete", CheckingBacklog) {
		return
	}
	if needsTx {
		m.transitionTo(Transmitting)
	} else {
		m.transitionTo(ReadyForSleep)
	}
}

// ReportTransmitComplete transitions Transmitting -> Listening.
func (m *StateMachine) ReportTransmitComplete() {
	if !m.rejectUnlessState("report_transmit_complete", Transmitting) {
		return
	}
	m.transitionTo(Listening)
}

// ReportListenComplete transitions Listening -> ReadyForSleep.
func (m *StateMachine) ReportListenComplete() {
	if !m.rejectUnlessState("report_listen_complete", Listening) {
		return
	}
	m.transitionTo(ReadyForSleep)
}

// ReportWakeFromSleep resets the machine to Initializing for a new cycle.
func (m *StateMachine) ReportWakeFromSleep() {
	m.transitionTo(Initializing)
}

// ReportError force-transitions to Error from any state; used for
// unrecoverable protocol or hardware faults.
func (m *StateMachine) ReportError() {
	m.transitionTo(Error)
}

// IsOperational reports whether the node is past time sync and not in a
// terminal state.
func (m *StateMachine) IsOperational() bool {
	switch m.State() {
	case TimeSynced, ReadingSensor, CheckingBacklog, Transmitting, Listening, ReadyForSleep, DegradedNoSensor:
		return true
	default:
		return false
	}
}

// IsTimeSynced reports whether the RTC has been synced this cycle.
func (m *StateMachine) IsTimeSynced() bool {
	switch m.State() {
	case Initializing, AwaitingTime, SyncingTime, Error:
		return false
	default:
		return true
	}
}

// IsDegraded reports whether the sensor failed to initialize this cycle.
func (m *StateMachine) IsDegraded() bool {
	return m.State() == DegradedNoSensor
}
