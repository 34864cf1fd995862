package factory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/repository"
)

const testProtocol = collector.ProtocolType("factory_test_protocol")

type fakeWorker struct {
	info     *collector.DeviceInfo
	points   []*collector.DataPoint
	seeded   map[string]collector.TimestampedValue
	settings collector.ReconnectionSettings
}

func (w *fakeWorker) Start() collector.Future                                     { return collector.ResolvedFuture(nil) }
func (w *fakeWorker) Stop() collector.Future                                      { return collector.ResolvedFuture(nil) }
func (w *fakeWorker) Pause() collector.Future                                     { return collector.ResolvedFuture(nil) }
func (w *fakeWorker) Resume() collector.Future                                    { return collector.ResolvedFuture(nil) }
func (w *fakeWorker) WriteValue(string, collector.Value) error                    { return nil }
func (w *fakeWorker) UpdateReconnectionSettings(collector.ReconnectionSettings) error { return nil }
func (w *fakeWorker) ForceReconnect()                                             {}
func (w *fakeWorker) State() collector.WorkerState                                { return collector.StateStopped }
func (w *fakeWorker) StatusSnapshot() collector.StatusSnapshot                    { return collector.StatusSnapshot{} }
func (w *fakeWorker) DeviceID() string                                            { return w.info.DeviceID }

func (w *fakeWorker) SeedLastValue(pointID string, v collector.TimestampedValue) {
	w.seeded[pointID] = v
}

var registerFakeProtocolOnce sync.Once

func registerFakeProtocol(t *testing.T) {
	t.Helper()
	registerFakeProtocolOnce.Do(func() {
		collector.RegisterWorkerCreator(testProtocol, func(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
			return &fakeWorker{info: info, points: points, seeded: make(map[string]collector.TimestampedValue), settings: settings}, nil
		})
	})
}

func newTestFactory() (*Factory, *repository.MemoryDeviceRepository, *repository.MemoryDataPointRepository, *repository.MemoryCurrentValueRepository) {
	devices := repository.NewMemoryDeviceRepository()
	points := repository.NewMemoryDataPointRepository()
	current := repository.NewMemoryCurrentValueRepository()
	settings := repository.NewMemoryDeviceSettingsRepository()
	f := New(collector.NewCollectorContext(nil, nil), devices, points, current, settings)
	return f, devices, points, current
}

func TestCreateWorkerAppliesDefaultsAndHydratesLastValue(t *testing.T) {
	registerFakeProtocol(t)
	f, devices, points, current := newTestFactory()

	devices.Put(repository.DeviceEntity{
		DeviceID:     "dev-1",
		Name:         "Test Device",
		ProtocolType: string(testProtocol),
		Endpoint:     "10.0.0.5:9999",
		Enabled:      true,
	})
	points.Put(repository.DataPointEntity{ID: "p1", DeviceID: "dev-1", DataType: "f32"})
	current.Put(repository.CurrentValueEntity{
		PointID:    "p1",
		Value:      collector.Value{Type: collector.DataTypeF32, Float: 42},
		CapturedAt: time.Now(),
	})

	w, err := f.CreateWorker(context.Background(), mustDevice(t, devices, "dev-1"))
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	fw := w.(*fakeWorker)
	if fw.info.PollingInterval != time.Second {
		t.Fatalf("PollingInterval = %v, want default 1s", fw.info.PollingInterval)
	}
	if fw.info.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want default 5s", fw.info.Timeout)
	}
	seeded, ok := fw.seeded["p1"]
	if !ok {
		t.Fatal("expected p1 to be seeded from current-value repository")
	}
	if seeded.Quality != collector.QualityLastKnown {
		t.Fatalf("seeded quality = %v, want last_known", seeded.Quality)
	}

	stats := f.Stats()
	if stats.WorkersCreated != 1 {
		t.Fatalf("WorkersCreated = %d, want 1", stats.WorkersCreated)
	}
}

func TestCreateWorkerAppliesStoredReconnectionSettings(t *testing.T) {
	registerFakeProtocol(t)
	devices := repository.NewMemoryDeviceRepository()
	points := repository.NewMemoryDataPointRepository()
	current := repository.NewMemoryCurrentValueRepository()
	settingsRepo := repository.NewMemoryDeviceSettingsRepository()
	f := New(collector.NewCollectorContext(nil, nil), devices, points, current, settingsRepo)

	devices.Put(repository.DeviceEntity{
		DeviceID:     "dev-settings",
		ProtocolType: string(testProtocol),
		Endpoint:     "10.0.0.5:9999",
		Enabled:      true,
	})
	settingsRepo.Put(repository.SettingsEntity{
		DeviceID:                "dev-settings",
		AutoReconnect:           true,
		RetryIntervalMs:         750,
		MaxRetriesPerCycle:      7,
		WaitTimeAfterMaxRetries: 9000,
		KeepAliveEnabled:        true,
		KeepAliveIntervalS:      15,
		ConnectionTimeoutS:      3,
	})

	w, err := f.CreateWorker(context.Background(), mustDevice(t, devices, "dev-settings"))
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	fw := w.(*fakeWorker)
	if fw.settings.RetryInterval != 750*time.Millisecond {
		t.Fatalf("RetryInterval = %v, want 750ms from DeviceSettingsRepository", fw.settings.RetryInterval)
	}
	if fw.settings.MaxRetriesPerCycle != 7 {
		t.Fatalf("MaxRetriesPerCycle = %d, want 7", fw.settings.MaxRetriesPerCycle)
	}
}

func TestCreateWorkerClampsOutOfRangeSettings(t *testing.T) {
	registerFakeProtocol(t)
	f, devices, _, _ := newTestFactory()

	devices.Put(repository.DeviceEntity{
		DeviceID:          "dev-clamp",
		ProtocolType:      string(testProtocol),
		Endpoint:          "10.0.0.5:9999",
		Enabled:           true,
		PollingIntervalMs: 999_999_999,
		TimeoutMs:         999_999_999,
	})

	w, err := f.CreateWorker(context.Background(), mustDevice(t, devices, "dev-clamp"))
	if err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}
	fw := w.(*fakeWorker)
	if fw.info.PollingInterval != maxPollingInterval {
		t.Fatalf("PollingInterval = %v, want clamped to %v", fw.info.PollingInterval, maxPollingInterval)
	}
	if fw.info.Timeout != maxTimeout {
		t.Fatalf("Timeout = %v, want clamped to %v", fw.info.Timeout, maxTimeout)
	}
}

func TestCreateWorkerUnsupportedProtocol(t *testing.T) {
	f, devices, _, _ := newTestFactory()
	devices.Put(repository.DeviceEntity{
		DeviceID:     "dev-bad",
		ProtocolType: "no_such_protocol",
		Endpoint:     "x",
		Enabled:      true,
	})

	_, err := f.CreateWorker(context.Background(), mustDevice(t, devices, "dev-bad"))
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}

	stats := f.Stats()
	if stats.CreationFailures != 1 {
		t.Fatalf("CreationFailures = %d, want 1", stats.CreationFailures)
	}
}

func TestCreateAllActiveWorkersIsolatesFailures(t *testing.T) {
	registerFakeProtocol(t)
	f, devices, _, _ := newTestFactory()

	devices.Put(repository.DeviceEntity{DeviceID: "ok-1", ProtocolType: string(testProtocol), Endpoint: "a:1", Enabled: true})
	devices.Put(repository.DeviceEntity{DeviceID: "ok-2", ProtocolType: string(testProtocol), Endpoint: "b:1", Enabled: true})
	devices.Put(repository.DeviceEntity{DeviceID: "bad-1", ProtocolType: "missing", Endpoint: "c:1", Enabled: true})
	devices.Put(repository.DeviceEntity{DeviceID: "disabled-1", ProtocolType: string(testProtocol), Endpoint: "d:1", Enabled: false})

	results := f.CreateAllActiveWorkers(context.Background(), "")
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 (disabled device excluded)", len(results))
	}
	var succeeded, failed int
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 2 || failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 2/1", succeeded, failed)
	}
}

func mustDevice(t *testing.T, devices *repository.MemoryDeviceRepository, id string) repository.DeviceEntity {
	t.Helper()
	d, err := devices.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%s): %v", id, err)
	}
	return d
}
