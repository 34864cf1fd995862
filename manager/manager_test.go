package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/factory"
	"github.com/fieldgrid/collector/repository"
)

const testProtocol = collector.ProtocolType("manager_test_protocol")

type fakeWorker struct {
	mu    sync.Mutex
	id    string
	state collector.WorkerState
}

func (w *fakeWorker) Start() collector.Future {
	w.mu.Lock()
	w.state = collector.StateRunning
	w.mu.Unlock()
	return collector.ResolvedFuture(nil)
}

func (w *fakeWorker) Stop() collector.Future {
	w.mu.Lock()
	w.state = collector.StateStopped
	w.mu.Unlock()
	return collector.ResolvedFuture(nil)
}

func (w *fakeWorker) Pause() collector.Future {
	w.mu.Lock()
	w.state = collector.StatePaused
	w.mu.Unlock()
	return collector.ResolvedFuture(nil)
}

func (w *fakeWorker) Resume() collector.Future {
	w.mu.Lock()
	w.state = collector.StateRunning
	w.mu.Unlock()
	return collector.ResolvedFuture(nil)
}

func (w *fakeWorker) WriteValue(pointID string, v collector.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != collector.StateRunning {
		return collector.ErrNotRunning
	}
	return nil
}

func (w *fakeWorker) UpdateReconnectionSettings(collector.ReconnectionSettings) error { return nil }
func (w *fakeWorker) ForceReconnect()                                                {}

func (w *fakeWorker) State() collector.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) StatusSnapshot() collector.StatusSnapshot {
	return collector.StatusSnapshot{DeviceID: w.id, State: w.State()}
}

func (w *fakeWorker) DeviceID() string { return w.id }

var registerOnce sync.Once

func registerFakeProtocol() {
	registerOnce.Do(func() {
		collector.RegisterWorkerCreator(testProtocol, func(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
			return &fakeWorker{id: info.DeviceID, state: collector.StateStopped}, nil
		})
	})
}

func newTestManager(t *testing.T) (*Manager, *repository.MemoryDeviceRepository) {
	t.Helper()
	registerFakeProtocol()
	devices := repository.NewMemoryDeviceRepository()
	points := repository.NewMemoryDataPointRepository()
	current := repository.NewMemoryCurrentValueRepository()
	settings := repository.NewMemoryDeviceSettingsRepository()
	f := factory.New(collector.NewCollectorContext(nil, nil), devices, points, current, settings)
	return New(f), devices
}

func TestStartStopWorkerLifecycle(t *testing.T) {
	m, devices := newTestManager(t)
	devices.Put(repository.DeviceEntity{DeviceID: "d1", ProtocolType: string(testProtocol), Endpoint: "x:1", Enabled: true})

	if !m.StartWorker(context.Background(), "d1") {
		t.Fatal("StartWorker failed")
	}
	snap, err := m.GetWorkerStatus("d1")
	if err != nil {
		t.Fatalf("GetWorkerStatus: %v", err)
	}
	if snap.State != collector.StateRunning {
		t.Fatalf("state = %v, want RUNNING", snap.State)
	}

	if !m.StopWorker("d1") {
		t.Fatal("StopWorker failed")
	}
	snap, _ = m.GetWorkerStatus("d1")
	if snap.State != collector.StateStopped {
		t.Fatalf("state = %v, want STOPPED", snap.State)
	}

	// Stop is idempotent.
	if !m.StopWorker("d1") {
		t.Fatal("second StopWorker should also report success")
	}
}

func TestWriteDataPointRequiresRunning(t *testing.T) {
	m, devices := newTestManager(t)
	devices.Put(repository.DeviceEntity{DeviceID: "d2", ProtocolType: string(testProtocol), Endpoint: "x:1", Enabled: true})

	if _, err := m.ensureWorker(context.Background(), "d2"); err != nil {
		t.Fatalf("ensureWorker: %v", err)
	}
	err := m.WriteDataPoint("d2", "p1", collector.Value{Type: collector.DataTypeBool, Bool: true})
	if err != ErrInvalidState {
		t.Fatalf("WriteDataPoint before start = %v, want ErrInvalidState", err)
	}

	m.StartWorker(context.Background(), "d2")
	if err := m.WriteDataPoint("d2", "p1", collector.Value{Type: collector.DataTypeBool, Bool: true}); err != nil {
		t.Fatalf("WriteDataPoint after start: %v", err)
	}
}

func TestWriteDataPointUnknownDevice(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.WriteDataPoint("nope", "p1", collector.Value{}); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStartAllActiveWorkersAndStopAll(t *testing.T) {
	m, devices := newTestManager(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		devices.Put(repository.DeviceEntity{DeviceID: id, ProtocolType: string(testProtocol), Endpoint: "x:1", Enabled: true})
	}

	started := m.StartAllActiveWorkers(context.Background(), "")
	if started != 3 {
		t.Fatalf("started = %d, want 3", started)
	}
	if len(m.GetWorkerList()) != 3 {
		t.Fatalf("registry size = %d, want 3", len(m.GetWorkerList()))
	}

	m.StopAllWorkers()
	for _, e := range m.GetWorkerList() {
		if e.State != collector.StateStopped {
			t.Fatalf("device %s left in state %v after StopAllWorkers", e.DeviceID, e.State)
		}
	}
}

func TestReloadWorkerRebuildsEntry(t *testing.T) {
	m, devices := newTestManager(t)
	devices.Put(repository.DeviceEntity{DeviceID: "r1", ProtocolType: string(testProtocol), Endpoint: "x:1", Enabled: true})

	m.StartWorker(context.Background(), "r1")
	if !m.ReloadWorker(context.Background(), "r1") {
		t.Fatal("ReloadWorker failed")
	}
	snap, err := m.GetWorkerStatus("r1")
	if err != nil {
		t.Fatalf("GetWorkerStatus after reload: %v", err)
	}
	if snap.State != collector.StateRunning {
		t.Fatalf("state after reload = %v, want RUNNING", snap.State)
	}
}

func TestGetManagerStats(t *testing.T) {
	m, devices := newTestManager(t)
	devices.Put(repository.DeviceEntity{DeviceID: "s1", ProtocolType: string(testProtocol), Endpoint: "x:1", Enabled: true})
	m.StartWorker(context.Background(), "s1")

	stats := m.GetManagerStats()
	if stats.TotalWorkers != 1 || stats.RunningCount != 1 {
		t.Fatalf("stats = %+v, want 1 total/1 running", stats)
	}
}
