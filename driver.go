package collector

import (
	"sync"
	"sync/atomic"
	"time"
)

// DriverStatus enumerates the lifecycle of a ProtocolDriver instance.
type DriverStatus int

const (
	DriverUninitialized DriverStatus = iota
	DriverInitialized
	DriverRunning
	DriverStopped
	DriverError
)

func (s DriverStatus) String() string {
	switch s {
	case DriverInitialized:
		return "INITIALIZED"
	case DriverRunning:
		return "RUNNING"
	case DriverStopped:
		return "STOPPED"
	case DriverError:
		return "ERROR"
	default:
		return "UNINITIALIZED"
	}
}

// LastError is the structured error record every driver surfaces alongside
// its return codes.
type LastError struct {
	Code       string
	Message    string
	OccurredAt time.Time
	Context    map[string]string
}

// ProtocolDriver is the uniform contract every protocol codec implements.
// ReadValues must be atomic at the call site: either it returns one sample
// per requested point, or it fails and leaves the output untouched. The
// caller (BaseDeviceWorker) serializes all calls into a given driver
// instance; the driver need not be safe against concurrent ReadValues/
// WriteValue, but GetStatus/GetStatistics/GetLastError must tolerate
// concurrent reads.
type ProtocolDriver interface {
	Initialize(info *DeviceInfo) error
	Connect() error
	Disconnect() error
	IsConnected() bool
	ReadValues(points []*DataPoint) ([]TimestampedValue, error)
	WriteValue(point *DataPoint, value Value) error
	GetProtocolType() ProtocolType
	GetStatus() DriverStatus
	GetLastError() LastError
	GetStatistics() DriverStatistics
}

// KeepAliver is optionally implemented by drivers that support a lightweight
// liveness probe distinct from a full read.
type KeepAliver interface {
	SendKeepAlive() error
}

// DriverStatistics are the monotonic per-driver operation counters.
// Reset only on explicit Reset() or worker rebuild.
type DriverStatistics struct {
	TotalOperations      int64
	SuccessfulOperations int64
	FailedOperations     int64
	Timeouts             int64
	Exceptions           int64
	Reconnects           int64
	AvgResponseTime      time.Duration
	LastOperationAt      time.Time
}

// StatisticsRecorder is a mutex-guarded implementation of DriverStatistics
// bookkeeping (only the last-operation timestamp is atomic), shared by every
// concrete driver.
type StatisticsRecorder struct {
	mu               sync.Mutex
	totalOperations  int64
	successful       int64
	failed           int64
	timeouts         int64
	exceptions       int64
	reconnects       int64
	avgResponseNanos int64
	lastOperationAt  atomic.Int64
}

// RecordOperation folds one operation's outcome and latency into the running
// average response time (simple cumulative mean; plain counters are enough
// here).
func (r *StatisticsRecorder) RecordOperation(d time.Duration, err error, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalOperations++
	if err == nil {
		r.successful++
	} else {
		r.failed++
		if timedOut {
			r.timeouts++
		} else {
			r.exceptions++
		}
	}
	n := r.totalOperations
	prev := time.Duration(r.avgResponseNanos)
	r.avgResponseNanos = int64(prev + (d-prev)/time.Duration(n))
	r.lastOperationAt.Store(time.Now().UnixNano())
}

// IncrementReconnects records one reconnect attempt against this driver.
func (r *StatisticsRecorder) IncrementReconnects() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

// Snapshot returns a consistent copy of the current statistics.
func (r *StatisticsRecorder) Snapshot() DriverStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lastOp time.Time
	if ns := r.lastOperationAt.Load(); ns != 0 {
		lastOp = time.Unix(0, ns)
	}
	return DriverStatistics{
		TotalOperations:      r.totalOperations,
		SuccessfulOperations: r.successful,
		FailedOperations:     r.failed,
		Timeouts:             r.timeouts,
		Exceptions:           r.exceptions,
		Reconnects:           r.reconnects,
		AvgResponseTime:      time.Duration(r.avgResponseNanos),
		LastOperationAt:      lastOp,
	}
}

// Reset zeroes every counter. Callers use this on explicit operator reset or
// when a worker is rebuilt by ReloadWorker.
func (r *StatisticsRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalOperations = 0
	r.successful = 0
	r.failed = 0
	r.timeouts = 0
	r.exceptions = 0
	r.reconnects = 0
	r.avgResponseNanos = 0
	r.lastOperationAt.Store(0)
}
