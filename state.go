package collector

// WorkerState enumerates the lifecycle, error, operational and reconnect
// state families. The zero value is StateUnknown.
type WorkerState int

const (
	StateUnknown WorkerState = iota

	// lifecycle family
	StateStopped
	StateStarting
	StateRunning
	StatePaused
	StateStopping

	// error family
	StateError
	StateDeviceOffline
	StateCommunicationError
	StateDataInvalid
	StateSensorFault

	// operational family
	StateMaintenance
	StateSimulation
	StateCalibration
	StateCommissioning
	StateManualOverride
	StateEmergencyStop
	StateBypassMode
	StateDiagnosticMode

	// reconnect family
	StateReconnecting
	StateWaitingRetry
	StateMaxRetriesExceeded
)

var stateNames = map[WorkerState]string{
	StateUnknown:            "UNKNOWN",
	StateStopped:            "STOPPED",
	StateStarting:           "STARTING",
	StateRunning:            "RUNNING",
	StatePaused:             "PAUSED",
	StateStopping:           "STOPPING",
	StateError:              "ERROR",
	StateDeviceOffline:      "DEVICE_OFFLINE",
	StateCommunicationError: "COMMUNICATION_ERROR",
	StateDataInvalid:        "DATA_INVALID",
	StateSensorFault:        "SENSOR_FAULT",
	StateMaintenance:        "MAINTENANCE",
	StateSimulation:         "SIMULATION",
	StateCalibration:        "CALIBRATION",
	StateCommissioning:      "COMMISSIONING",
	StateManualOverride:     "MANUAL_OVERRIDE",
	StateEmergencyStop:      "EMERGENCY_STOP",
	StateBypassMode:         "BYPASS_MODE",
	StateDiagnosticMode:     "DIAGNOSTIC_MODE",
	StateReconnecting:       "RECONNECTING",
	StateWaitingRetry:       "WAITING_RETRY",
	StateMaxRetriesExceeded: "MAX_RETRIES_EXCEEDED",
}

func (s WorkerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminalRun reports whether the state is one the poll loop should be
// actively sampling in (RUNNING is the only one; callers use this to decide
// whether to suspend emission without tearing down the connection).
func (s WorkerState) IsTerminalRun() bool { return s == StateRunning }

// AllowsWrite reports whether WriteValue should be forwarded to the driver.
// MAINTENANCE permits writes (operator overrides are in effect), PAUSED
// forbids them; see DESIGN.md for the rationale.
func (s WorkerState) AllowsWrite() bool {
	return s == StateRunning || s == StateMaintenance || s == StateManualOverride
}
