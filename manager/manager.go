// Package manager implements the worker manager: the process-wide
// registry of running workers, keyed by device id, that the control plane
// drives.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/factory"
	"github.com/fieldgrid/collector/repository"
)

// ErrNotFound is returned by per-device operations against an unregistered
// device id.
var ErrNotFound = errors.New("manager: device not found")

// ErrInvalidState is returned when a write or control operation targets a
// worker whose state does not allow writes (see WorkerState.AllowsWrite:
// RUNNING, MAINTENANCE or MANUAL_OVERRIDE).
var ErrInvalidState = errors.New("manager: worker not in a valid state for this operation")

// entry is one registry row.
type entry struct {
	worker       collector.Worker
	startCount   int64
	stopCount    int64
	registeredAt time.Time
}

// Stats is the manager-wide snapshot GetManagerStats returns.
type Stats struct {
	TotalWorkers int
	RunningCount int
	StoppedCount int
	ErrorCount   int
	FactoryStats factory.Statistics
}

// Manager is the process-wide worker registry. A single mutex guards the
// id→entry map itself (insert/erase); per-worker operations then run
// against the worker's own atomic state without holding it.
type Manager struct {
	factory *factory.Factory

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// New builds an empty Manager around a Factory.
func New(f *factory.Factory) *Manager {
	return &Manager{
		factory: f,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) get(deviceID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[deviceID]
	return e, ok
}

func (m *Manager) insert(deviceID string, w collector.Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.entries[deviceID]; !dup {
		m.order = append(m.order, deviceID)
	}
	m.entries[deviceID] = &entry{worker: w, registeredAt: time.Now()}
}

func (m *Manager) erase(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, deviceID)
	for i, id := range m.order {
		if id == deviceID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// ensureWorker returns the registered worker for deviceID, lazily building
// and registering it through the factory if it isn't present yet.
func (m *Manager) ensureWorker(ctx context.Context, deviceID string) (collector.Worker, error) {
	if e, ok := m.get(deviceID); ok {
		return e.worker, nil
	}
	w, err := m.factory.CreateWorkerById(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	m.insert(deviceID, w)
	return w, nil
}

// StartWorker finds or lazily creates the worker and starts it, reporting
// whether the start completed without error.
func (m *Manager) StartWorker(ctx context.Context, deviceID string) bool {
	w, err := m.ensureWorker(ctx, deviceID)
	if err != nil {
		return false
	}
	f := w.Start()
	<-f.Done()
	if e, ok := m.get(deviceID); ok {
		m.mu.Lock()
		e.startCount++
		m.mu.Unlock()
	}
	return f.Err() == nil
}

// StopWorker stops a registered worker, waiting for its controller to join.
func (m *Manager) StopWorker(deviceID string) bool {
	e, ok := m.get(deviceID)
	if !ok {
		return false
	}
	f := e.worker.Stop()
	<-f.Done()
	m.mu.Lock()
	e.stopCount++
	m.mu.Unlock()
	return f.Err() == nil
}

// PauseWorker suspends a registered worker's sampling without dropping its
// connection.
func (m *Manager) PauseWorker(deviceID string) bool {
	e, ok := m.get(deviceID)
	if !ok {
		return false
	}
	f := e.worker.Pause()
	<-f.Done()
	return f.Err() == nil
}

// ResumeWorker resumes sampling on a paused worker.
func (m *Manager) ResumeWorker(deviceID string) bool {
	e, ok := m.get(deviceID)
	if !ok {
		return false
	}
	f := e.worker.Resume()
	<-f.Done()
	return f.Err() == nil
}

// RestartWorker is stop then start on the same worker instance.
func (m *Manager) RestartWorker(ctx context.Context, deviceID string) bool {
	if _, ok := m.get(deviceID); ok {
		if !m.StopWorker(deviceID) {
			return false
		}
	}
	return m.StartWorker(ctx, deviceID)
}

// ReloadWorker is stop, discard, factory-recreate, start.
// The rebuilt worker's last-known-value cache comes fresh from
// CurrentValueRepository via the factory's hydration path rather than being
// carried over from the discarded instance (see DESIGN.md), so the rebuilt
// worker's first `changed` comparison is against the same data a cold start
// would see. ReloadWorker does not wait for the pipeline consumer: samples
// the stopped worker emitted that have not yet been written to the store
// are not part of that data.
func (m *Manager) ReloadWorker(ctx context.Context, deviceID string) bool {
	if e, ok := m.get(deviceID); ok {
		f := e.worker.Stop()
		<-f.Done()
		m.erase(deviceID)
	}
	return m.StartWorker(ctx, deviceID)
}

// StartAllActiveWorkers bulk-creates and starts every enabled device through
// the factory, returning the count of successful starts. Per-device
// failures are isolated and do not prevent the others from starting.
func (m *Manager) StartAllActiveWorkers(ctx context.Context, tenant string) int {
	results := m.factory.CreateAllActiveWorkers(ctx, tenant)
	started := 0
	for _, r := range results {
		if r.Err != nil || r.Worker == nil {
			continue
		}
		m.insert(r.DeviceID, r.Worker)
		f := r.Worker.Start()
		<-f.Done()
		m.mu.Lock()
		if e := m.entries[r.DeviceID]; e != nil {
			e.startCount++
		}
		m.mu.Unlock()
		if f.Err() == nil {
			started++
		}
	}
	return started
}

// StopAllWorkers stops every registered worker in deterministic insertion
// order, never holding the registry mutex across a blocking Stop().
func (m *Manager) StopAllWorkers() {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		m.StopWorker(id)
	}
}

// WriteDataPoint forwards a write to the worker's driver after checking the
// worker is in a state that allows writes.
func (m *Manager) WriteDataPoint(deviceID, pointID string, value collector.Value) error {
	e, ok := m.get(deviceID)
	if !ok {
		return ErrNotFound
	}
	if !e.worker.State().AllowsWrite() {
		return ErrInvalidState
	}
	return e.worker.WriteValue(pointID, value)
}

// ControlOutput is a boolean output write, expressed as
// the same WriteValue path with a bool Value — outputs are data points like
// any other from the worker's perspective.
func (m *Manager) ControlOutput(deviceID, outputID string, enable bool) error {
	return m.WriteDataPoint(deviceID, outputID, collector.Value{Type: collector.DataTypeBool, Bool: enable})
}

// GetWorkerStatus returns a worker's current status snapshot.
func (m *Manager) GetWorkerStatus(deviceID string) (collector.StatusSnapshot, error) {
	e, ok := m.get(deviceID)
	if !ok {
		return collector.StatusSnapshot{}, ErrNotFound
	}
	return e.worker.StatusSnapshot(), nil
}

// WorkerListEntry is one row of GetWorkerList's snapshot.
type WorkerListEntry struct {
	DeviceID   string
	State      collector.WorkerState
	StartCount int64
	StopCount  int64
}

// GetWorkerList snapshots every registry row, in registration order.
func (m *Manager) GetWorkerList() []WorkerListEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerListEntry, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, WorkerListEntry{
			DeviceID:   id,
			State:      e.worker.State(),
			StartCount: e.startCount,
			StopCount:  e.stopCount,
		})
	}
	return out
}

// GetManagerStats aggregates worker states and factory counters.
func (m *Manager) GetManagerStats() Stats {
	list := m.GetWorkerList()
	stats := Stats{TotalWorkers: len(list), FactoryStats: m.factory.Stats()}
	for _, e := range list {
		switch e.State {
		case collector.StateRunning:
			stats.RunningCount++
		case collector.StateStopped:
			stats.StoppedCount++
		case collector.StateError:
			stats.ErrorCount++
		}
	}
	return stats
}

// UpdateDeviceSettings applies a new reconnection policy to a registered
// worker, re-exposed here so the control plane doesn't need a direct handle
// to the worker.
func (m *Manager) UpdateDeviceSettings(deviceID string, settings repository.SettingsEntity) error {
	e, ok := m.get(deviceID)
	if !ok {
		return ErrNotFound
	}
	if err := e.worker.UpdateReconnectionSettings(settings.ToReconnectionSettings()); err != nil {
		return fmt.Errorf("manager: update settings for %s: %w", deviceID, err)
	}
	return nil
}
