package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/google/uuid"
)

const statusHistoryLen = 10

// BaseDeviceWorker is the generic per-device runtime. Concrete protocol
// workers under collector/drivers embed it and supply a ProtocolDriver;
// BaseDeviceWorker owns the poll loop, the changed-flag/deadband
// computation, batch sequencing, pipeline emission and the
// ReconnectController wiring, so every concrete worker only has to implement
// ProtocolDriver plus the transport-level EstablishProtocolConnection/
// CloseProtocolConnection hooks its embedded transport base calls.
type BaseDeviceWorker struct {
	info   *collector.DeviceInfo
	driver collector.ProtocolDriver

	pipeline collector.Pipeline
	status   collector.StatusPublisher
	metrics  *collector.ContextMetrics

	state      *stateHolder
	controller *ReconnectController
	connStats  *collector.StatisticsRecorder // connect/keep-alive ops, survives restarts

	pointsMu   sync.RWMutex
	points     map[string]*collector.DataPoint
	pointOrder []string
	lastValues map[string]collector.TimestampedValue

	ioMu sync.Mutex // serializes ReadValues/WriteValue against the driver

	settingsMu sync.RWMutex
	settings   collector.ReconnectionSettings

	boundConnector Connector
	boundKeepAlive collector.KeepAliver

	paused atomic.Bool
	seq    atomic.Uint64
	lifeMu sync.Mutex // serializes Start/Stop/Pause/Resume
	pollCh chan struct{}
	pollWG sync.WaitGroup

	sampleRunMu sync.Mutex // serializes sampleOnce between poll and push paths

	sampleMu   sync.Mutex
	sampleTime []time.Time
}

// NewBaseDeviceWorker builds a worker for one device against one driver
// instance and its initial data point set.
func NewBaseDeviceWorker(info *collector.DeviceInfo, driver collector.ProtocolDriver, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (*BaseDeviceWorker, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	w := &BaseDeviceWorker{
		info:       info,
		driver:     driver,
		pipeline:   pipeline,
		status:     status,
		metrics:    metrics,
		state:      newStateHolder(),
		connStats:  &collector.StatisticsRecorder{},
		points:     make(map[string]*collector.DataPoint, len(points)),
		lastValues: make(map[string]collector.TimestampedValue, len(points)),
		settings:   settings,
	}
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := w.points[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", collector.ErrDuplicatePoint, p.ID)
		}
		w.points[p.ID] = p
		w.pointOrder = append(w.pointOrder, p.ID)
	}
	return w, nil
}

// DeviceID implements collector.Worker.
func (w *BaseDeviceWorker) DeviceID() string { return w.info.DeviceID }

// State implements collector.Worker. A pause is layered on top of whatever
// state the ReconnectController is driving: the connection supervision
// keeps running while paused, only sampling stops.
func (w *BaseDeviceWorker) State() collector.WorkerState {
	s := w.state.Get()
	if w.paused.Load() && s == collector.StateRunning {
		return collector.StatePaused
	}
	return s
}

// SetState implements worker.StateSink for the embedded ReconnectController.
func (w *BaseDeviceWorker) SetState(s collector.WorkerState) { w.state.SetState(s) }

// Connect/Disconnect/CheckConnection implement worker.Connector by
// delegating to the protocol driver. Concrete workers that also own a
// transport base (TCP/Serial/UDP) instead construct the controller against
// that transport base directly; this implementation covers drivers with no
// separate transport layer (e.g. an HTTP polling driver).
func (w *BaseDeviceWorker) Connect() error         { return w.driver.Connect() }
func (w *BaseDeviceWorker) Disconnect() error      { return w.driver.Disconnect() }
func (w *BaseDeviceWorker) CheckConnection() error {
	if w.driver.IsConnected() {
		return nil
	}
	return collector.ErrNotRunning
}

// BindConnector lets a concrete worker substitute a different Connector
// (typically its embedded transport base) for the driver-only default above.
// It must be called before Start.
func (w *BaseDeviceWorker) BindConnector(c Connector, keepAlive collector.KeepAliver) {
	w.boundConnector = c
	w.boundKeepAlive = keepAlive
}

// Start implements collector.Worker. It initializes the driver, launches the
// ReconnectController and the poll loop, and returns a Future that resolves
// once the first connect attempt (success or failure) has settled.
func (w *BaseDeviceWorker) Start() collector.Future {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()

	cur := w.state.Get()
	if cur != collector.StateStopped && cur != collector.StateError {
		return collector.ResolvedFuture(collector.ErrAlreadyRunning)
	}

	if err := w.driver.Initialize(w.info); err != nil {
		w.state.SetState(collector.StateError)
		return collector.ResolvedFuture(err)
	}

	var conn Connector = w
	var ka collector.KeepAliver
	if w.boundConnector != nil {
		conn = w.boundConnector
		ka = w.boundKeepAlive
	} else if k, ok := w.driver.(collector.KeepAliver); ok {
		ka = k
	}

	w.controller = NewReconnectController(conn, ka, w, w.connStats, w.settingsSnapshot())
	w.controller.Start()

	w.pollCh = make(chan struct{})
	w.pollWG.Add(1)
	go w.pollLoop(w.pollCh)

	f, complete := collector.NewFuture()
	ctrl := w.controller
	go func() {
		<-ctrl.FirstSettle()
		complete(nil)
	}()
	return f
}

// Stop implements collector.Worker. It is idempotent and bounded by at most
// one IO timeout plus one retry interval: the poll loop is cancelled first,
// then the controller is stopped, which tears down the connection.
func (w *BaseDeviceWorker) Stop() collector.Future {
	w.lifeMu.Lock()
	if w.state.Get() == collector.StateStopped {
		w.lifeMu.Unlock()
		return collector.ResolvedFuture(nil)
	}

	f, complete := collector.NewFuture()
	pollCh := w.pollCh
	ctrl := w.controller
	go func() {
		defer w.lifeMu.Unlock()
		if pollCh != nil {
			close(pollCh)
			w.pollWG.Wait()
		}
		if ctrl != nil {
			ctrl.Stop()
		}
		complete(nil)
	}()
	return f
}

// Pause implements collector.Worker: sampling stops but the connection and
// keep-alive supervision continue running.
func (w *BaseDeviceWorker) Pause() collector.Future {
	w.paused.Store(true)
	return collector.ResolvedFuture(nil)
}

// Resume implements collector.Worker.
func (w *BaseDeviceWorker) Resume() collector.Future {
	w.paused.Store(false)
	return collector.ResolvedFuture(nil)
}

// ForceReconnect implements collector.Worker.
func (w *BaseDeviceWorker) ForceReconnect() {
	if w.controller != nil {
		w.controller.ForceReconnect()
	}
}

// UpdateReconnectionSettings implements collector.Worker.
func (w *BaseDeviceWorker) UpdateReconnectionSettings(s collector.ReconnectionSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	w.settingsMu.Lock()
	w.settings = s
	w.settingsMu.Unlock()
	if w.controller != nil {
		w.controller.UpdateSettings(s)
	}
	return nil
}

// ReconnectionSettings returns the currently active supervision policy.
func (w *BaseDeviceWorker) ReconnectionSettings() collector.ReconnectionSettings {
	return w.settingsSnapshot()
}

func (w *BaseDeviceWorker) settingsSnapshot() collector.ReconnectionSettings {
	w.settingsMu.RLock()
	defer w.settingsMu.RUnlock()
	return w.settings
}

// SeedLastValue primes the "last emitted value" slot for a point without
// emitting a sample, so the first real reading's changed flag is computed
// against a value hydrated from the current-value store rather than treated
// as always-changed. Must be called before Start; package factory is the
// only caller.
func (w *BaseDeviceWorker) SeedLastValue(pointID string, v collector.TimestampedValue) {
	w.pointsMu.Lock()
	defer w.pointsMu.Unlock()
	w.lastValues[pointID] = v
}

// AddDataPoint adds a point to the worker's set. Allowed only while the
// worker is stopped; a running worker's point set is read-only until a
// reload.
func (w *BaseDeviceWorker) AddDataPoint(p *collector.DataPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s := w.state.Get(); s != collector.StateStopped {
		return fmt.Errorf("%w: cannot add data point in state %s", collector.ErrAlreadyRunning, s)
	}
	w.pointsMu.Lock()
	defer w.pointsMu.Unlock()
	if _, dup := w.points[p.ID]; dup {
		return fmt.Errorf("%w: %s", collector.ErrDuplicatePoint, p.ID)
	}
	w.points[p.ID] = p
	w.pointOrder = append(w.pointOrder, p.ID)
	return nil
}

// WriteValue implements collector.Worker. Writes are serialized against the
// poll loop's reads through ioMu: the worker is the single serialization
// point for all calls into its driver instance.
func (w *BaseDeviceWorker) WriteValue(pointID string, value collector.Value) error {
	if !w.State().AllowsWrite() {
		return collector.ErrNotRunning
	}
	w.pointsMu.RLock()
	point, ok := w.points[pointID]
	w.pointsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", collector.ErrInvalidConfig, pointID)
	}
	if !point.Writable {
		return collector.ErrNotWritable
	}
	if value.Type != point.DataType {
		return collector.ErrWrongType
	}

	w.ioMu.Lock()
	defer w.ioMu.Unlock()
	err := w.driver.WriteValue(point, value)
	if w.metrics != nil {
		w.metrics.RecordEmission(err)
	}
	return err
}

// StatusSnapshot implements collector.Worker.
func (w *BaseDeviceWorker) StatusSnapshot() collector.StatusSnapshot {
	snap := collector.StatusSnapshot{
		DeviceID:    w.info.DeviceID,
		State:       w.State(),
		Connected:   w.driver.IsConnected(),
		DriverStats: w.driver.GetStatistics(),
		LastError:   w.driver.GetLastError(),
	}
	// Reconnect accounting lives with the controller, not the driver; fold
	// it into the driver-stats view the snapshot exposes.
	snap.DriverStats.Reconnects += w.connStats.Snapshot().Reconnects
	if w.controller != nil {
		snap.ReconnectStats = w.controller.Statistics()
		if ctrlErr := w.controller.LastError(); ctrlErr.OccurredAt.After(snap.LastError.OccurredAt) {
			snap.LastError = ctrlErr
		}
	}
	w.sampleMu.Lock()
	snap.LastSampleTimes = make([]int64, len(w.sampleTime))
	for i, t := range w.sampleTime {
		snap.LastSampleTimes[i] = t.UnixMilli()
	}
	w.sampleMu.Unlock()
	return snap
}

// GetStatusJson returns the JSON-serializable status snapshot the control
// plane publishes on the status channel.
func (w *BaseDeviceWorker) GetStatusJson() collector.StatusSnapshot {
	return w.StatusSnapshot()
}

func (w *BaseDeviceWorker) pollLoop(stop chan struct{}) {
	defer w.pollWG.Done()
	ticker := time.NewTicker(w.info.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if w.paused.Load() || w.state.Get() != collector.StateRunning {
				continue
			}
			w.sampleOnce()
		}
	}
}

// NotifyDataArrival triggers an immediate sample cycle outside the polling
// cadence. Subscription-style drivers (the MQTT driver) call it from their
// message callbacks so samples are posted when data arrives rather than on
// the next heartbeat tick; the regular poll interval then only provides
// liveness.
func (w *BaseDeviceWorker) NotifyDataArrival() {
	if w.paused.Load() || w.state.Get() != collector.StateRunning {
		return
	}
	w.sampleOnce()
}

func (w *BaseDeviceWorker) sampleOnce() {
	w.sampleRunMu.Lock()
	defer w.sampleRunMu.Unlock()

	w.pointsMu.RLock()
	points := make([]*collector.DataPoint, len(w.pointOrder))
	for i, id := range w.pointOrder {
		points[i] = w.points[id]
	}
	w.pointsMu.RUnlock()
	if len(points) == 0 {
		return
	}

	w.ioMu.Lock()
	values, err := w.driver.ReadValues(points)
	w.ioMu.Unlock()

	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordEmission(err)
		}
		// A transport-level failure hands the connection back to the
		// controller; a transient protocol error keeps the connection and
		// emits the interval's samples with comm_failure quality instead.
		if !w.driver.IsConnected() {
			if w.controller != nil {
				w.controller.ForceReconnect()
			}
			return
		}
		values = make([]collector.TimestampedValue, 0, len(points))
		now := time.Now()
		for _, p := range points {
			values = append(values, collector.TimestampedValue{
				PointID:    p.ID,
				Quality:    collector.QualityCommFailure,
				CapturedAt: now,
			})
		}
	}

	seq := w.seq.Add(1)
	out := make([]collector.TimestampedValue, 0, len(values))
	w.pointsMu.Lock()
	for _, v := range values {
		v.Sequence = seq
		if v.Quality == collector.QualityGood {
			point := w.points[v.PointID]
			if point != nil && v.Value.Type.IsNumeric() && point.EngRange.Max > point.EngRange.Min &&
				!point.EngRange.Contains(v.Value.Numeric()) {
				v.OutOfRange = true
			}
			v.Changed = w.computeChanged(point, v)
			w.lastValues[v.PointID] = v
		}
		out = append(out, v)
	}
	w.pointsMu.Unlock()

	batch := collector.Batch{
		DeviceID:      w.info.DeviceID,
		CorrelationID: uuid.NewString(),
		Sequence:      seq,
		Values:        out,
	}
	var sendErr error
	if w.pipeline != nil {
		sendErr = w.pipeline.Send(batch, collector.PriorityNormal)
	}
	if w.metrics != nil {
		w.metrics.RecordEmission(sendErr)
	}

	w.sampleMu.Lock()
	w.sampleTime = append(w.sampleTime, time.Now())
	if len(w.sampleTime) > statusHistoryLen {
		w.sampleTime = w.sampleTime[len(w.sampleTime)-statusHistoryLen:]
	}
	w.sampleMu.Unlock()

	if w.status != nil {
		w.status.Publish(w.StatusSnapshot())
	}
}

// computeChanged reports whether v differs from the last emitted value for
// its point, applying the point's deadband to numeric types. The first
// reading for a point is always changed.
func (w *BaseDeviceWorker) computeChanged(point *collector.DataPoint, v collector.TimestampedValue) bool {
	prev, ok := w.lastValues[v.PointID]
	if !ok {
		return true
	}
	if point == nil || !point.DataType.IsNumeric() || point.Deadband <= 0 {
		return !prev.Value.Equal(v.Value)
	}
	diff := v.Value.Numeric() - prev.Value.Numeric()
	if diff < 0 {
		diff = -diff
	}
	return diff > point.Deadband
}
