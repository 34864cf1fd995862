package collector

// Batch is one worker's single-sequence emission unit.
type Batch struct {
	DeviceID      string
	CorrelationID string
	Sequence      uint64
	Values        []TimestampedValue
}

// Priority is an unsigned rank; higher runs first in the external consumer.
type Priority uint8

const (
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Pipeline is the external consumer queue a worker publishes batches into.
// Implementations must not block the poll loop indefinitely —
// see Channel in package pipeline for the default drop-oldest back-pressure
// policy.
type Pipeline interface {
	Send(batch Batch, priority Priority) error
}

// StatusSnapshot is the JSON-shaped snapshot a worker publishes on its
// status channel.
type StatusSnapshot struct {
	DeviceID        string
	State           WorkerState
	Connected       bool
	LastError       LastError
	ReconnectStats  ReconnectStatistics
	DriverStats     DriverStatistics
	LastSampleTimes []int64 // ms since epoch, most recent last
}

// StatusPublisher publishes JSON snapshots on a named, device-id-scoped
// channel.
type StatusPublisher interface {
	Publish(snapshot StatusSnapshot)
}

// ReconnectStatistics are the per-worker connection supervision counters.
type ReconnectStatistics struct {
	TotalConnections      int64
	SuccessfulConnections int64
	FailedConnections     int64
	ReconnectionCycles    int64
	KeepAliveSent         int64
	KeepAliveFailed       int64
	AvgConnectionDuration float64 // seconds, exponentially-weighted mean
}
