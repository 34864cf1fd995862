// Package factory implements the worker factory: it turns repository
// entities into running collector.Worker instances, applying protocol
// defaults, clamping settings, hydrating data points with their last known
// value, and picking a Creator from the global collector registry.
package factory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/repository"
)

const (
	minPollingInterval = time.Millisecond
	maxPollingInterval = 86_400_000 * time.Millisecond
	minTimeout         = time.Millisecond
	maxTimeout         = 300_000 * time.Millisecond
)

// defaultPorts supplies a protocol-specific default port when an endpoint
// carries none, e.g. 502 for Modbus TCP.
var defaultPorts = map[collector.ProtocolType]string{
	collector.ProtocolModbusTCP: "502",
	collector.ProtocolHTTPRest:  "80",
	collector.ProtocolMQTT:      "1883",
}

// Statistics accumulates the factory-wide creation counters.
type Statistics struct {
	WorkersCreated      int64
	CreationFailures    int64
	RegisteredProtocols []collector.ProtocolType
	TotalCreationTime   time.Duration
}

// Factory materializes workers from repository entities.
type Factory struct {
	devices  repository.DeviceRepository
	points   repository.DataPointRepository
	current  repository.CurrentValueRepository
	settings repository.DeviceSettingsRepository

	pipeline collector.Pipeline
	status   collector.StatusPublisher
	metrics  *collector.ContextMetrics

	statsMu sync.Mutex
	stats   Statistics
}

// New builds a Factory wired to one CollectorContext's shared collaborators
// and the four configuration-input repositories.
func New(ctx *collector.CollectorContext, devices repository.DeviceRepository, points repository.DataPointRepository, current repository.CurrentValueRepository, settings repository.DeviceSettingsRepository) *Factory {
	f := &Factory{
		devices:  devices,
		points:   points,
		current:  current,
		settings: settings,
	}
	if ctx != nil {
		f.pipeline = ctx.Pipeline
		f.status = ctx.Status
		f.metrics = ctx.Metrics
	}
	return f
}

// valueSeeder is implemented by worker.BaseDeviceWorker; workers that don't
// support hydration (none currently) are simply skipped.
type valueSeeder interface {
	SeedLastValue(pointID string, v collector.TimestampedValue)
}

// CreateWorker is the primary conversion: entity to
// DeviceInfo, creator lookup by protocol tag (case-insensitive), data-point
// hydration, and construction.
func (f *Factory) CreateWorker(ctx context.Context, entity repository.DeviceEntity) (collector.Worker, error) {
	started := time.Now()
	w, err := f.createWorker(ctx, entity)
	f.statsMu.Lock()
	f.stats.TotalCreationTime += time.Since(started)
	if err != nil {
		f.stats.CreationFailures++
	} else {
		f.stats.WorkersCreated++
	}
	f.statsMu.Unlock()
	return w, err
}

func (f *Factory) createWorker(ctx context.Context, entity repository.DeviceEntity) (collector.Worker, error) {
	info, err := f.convert(entity)
	if err != nil {
		return nil, err
	}

	tag := collector.ProtocolType(strings.ToLower(string(info.Protocol)))
	creator, ok := collector.LookupWorkerCreator(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s", collector.ErrUnsupportedProtocol, info.Protocol)
	}

	pointEntities, err := f.points.FindByDevice(ctx, entity.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("factory: load data points for %s: %w", entity.DeviceID, err)
	}
	points := make([]*collector.DataPoint, 0, len(pointEntities))
	for _, pe := range pointEntities {
		points = append(points, convertDataPoint(pe))
	}

	settings := collector.DefaultReconnectionSettings()
	if f.settings != nil {
		if se, err := f.settings.ForDevice(ctx, entity.DeviceID); err == nil {
			if rs := se.ToReconnectionSettings(); rs.Validate() == nil {
				settings = rs
			}
		}
	}

	worker, err := creator(info, points, f.pipeline, f.status, f.metrics, settings)
	if err != nil {
		return nil, err
	}

	if seeder, ok := worker.(valueSeeder); ok && f.current != nil {
		for _, p := range points {
			cv, err := f.current.Latest(ctx, p.ID)
			if err != nil {
				continue
			}
			seeder.SeedLastValue(p.ID, collector.TimestampedValue{
				PointID:    cv.PointID,
				Value:      cv.Value,
				Quality:    collector.QualityLastKnown,
				CapturedAt: cv.CapturedAt,
			})
		}
	}

	return worker, nil
}

// CreateWorkerById loads one device entity by id and builds its worker.
func (f *Factory) CreateWorkerById(ctx context.Context, deviceID string) (collector.Worker, error) {
	entity, err := f.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("factory: load device %s: %w", deviceID, err)
	}
	return f.CreateWorker(ctx, entity)
}

// WorkerResult pairs one device with the outcome of trying to build its
// worker, for CreateAllActiveWorkers' per-device failure isolation.
type WorkerResult struct {
	DeviceID string
	Worker   collector.Worker
	Err      error
}

// CreateAllActiveWorkers loads every enabled device (optionally filtered by
// tenant) and constructs each worker concurrently; a failure on one device
// never prevents the others from succeeding.
func (f *Factory) CreateAllActiveWorkers(ctx context.Context, tenant string) []WorkerResult {
	entities, err := f.devices.FindEnabled(ctx, tenant)
	if err != nil {
		return []WorkerResult{{Err: fmt.Errorf("factory: list enabled devices: %w", err)}}
	}

	results := make([]WorkerResult, len(entities))
	var wg sync.WaitGroup
	wg.Add(len(entities))
	for i, entity := range entities {
		go func(i int, entity repository.DeviceEntity) {
			defer wg.Done()
			w, err := f.CreateWorker(ctx, entity)
			results[i] = WorkerResult{DeviceID: entity.DeviceID, Worker: w, Err: err}
		}(i, entity)
	}
	wg.Wait()
	return results
}

// Stats returns a snapshot of the factory's accumulated counters, with
// RegisteredProtocols filled from the live global registry.
func (f *Factory) Stats() Statistics {
	f.statsMu.Lock()
	snap := f.stats
	f.statsMu.Unlock()
	snap.RegisteredProtocols = collector.RegisteredProtocols()
	return snap
}

// convert maps a DeviceEntity onto a validated DeviceInfo, applying
// protocol-specific defaults and clamping out-of-range settings.
func (f *Factory) convert(e repository.DeviceEntity) (*collector.DeviceInfo, error) {
	info := &collector.DeviceInfo{
		DeviceID:        e.DeviceID,
		DeviceKey:       e.DeviceKey,
		Name:            e.Name,
		Protocol:        collector.ProtocolType(e.ProtocolType),
		Endpoint:        e.Endpoint,
		Enabled:         e.Enabled,
		PollingInterval: time.Duration(e.PollingIntervalMs) * time.Millisecond,
		Timeout:         time.Duration(e.TimeoutMs) * time.Millisecond,
		Retry:           e.Retry,
		Properties:      e.Properties,
	}
	applyDefaultSettings(info)
	validateAndCorrectSettings(info)
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// applyDefaultSettings fills unset fields only.
func applyDefaultSettings(info *collector.DeviceInfo) {
	if info.PollingInterval == 0 {
		info.PollingInterval = time.Second
	}
	if info.Timeout == 0 {
		info.Timeout = 5 * time.Second
	}
	if port, ok := defaultPorts[info.Protocol]; ok && info.Endpoint != "" && !strings.Contains(info.Endpoint, ":") {
		info.Endpoint = info.Endpoint + ":" + port
	}
}

// validateAndCorrectSettings clamps polling_interval to [1, 86_400_000] ms
// and timeout to [1, 300_000] ms.
func validateAndCorrectSettings(info *collector.DeviceInfo) {
	info.PollingInterval = clamp(info.PollingInterval, minPollingInterval, maxPollingInterval)
	info.Timeout = clamp(info.Timeout, minTimeout, maxTimeout)
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func convertDataPoint(e repository.DataPointEntity) *collector.DataPoint {
	return &collector.DataPoint{
		ID:           e.ID,
		DeviceID:     e.DeviceID,
		Name:         e.Name,
		Address:      e.Address,
		DataType:     collector.DataType(e.DataType),
		Writable:     e.Writable,
		ScanInterval: time.Duration(e.ScanIntervalMs) * time.Millisecond,
		Scaling:      collector.Scaling{Factor: e.ScaleFactor, Offset: e.ScaleOffset},
		EngRange:     collector.Range{Min: e.RangeMin, Max: e.RangeMax},
		Deadband:     e.Deadband,
		Unit:         e.Unit,
		Properties:   e.Properties,
	}
}
