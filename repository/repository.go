// Package repository defines the configuration-input contracts (DeviceRepository, DataPointRepository, CurrentValueRepository,
// DeviceSettingsRepository) plus an in-memory implementation of each, so the
// whole runtime is exercisable without any external store. The relational
// field names these entities carry are opaque to the runtime; package
// factory is the only consumer that interprets them.
package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldgrid/collector"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("repository: not found")

// DeviceEntity is the relational shape a DeviceRepository hands back, before
// package factory converts it into a collector.DeviceInfo.
type DeviceEntity struct {
	DeviceID          string
	DeviceKey         int64
	Name              string
	TenantID          string
	ProtocolType      string
	Endpoint          string
	Enabled           bool
	PollingIntervalMs int64
	TimeoutMs         int64
	Retry             int
	Properties        map[string]string
}

// DataPointEntity is the relational shape a DataPointRepository hands back.
type DataPointEntity struct {
	ID             string
	DeviceID       string
	Name           string
	Address        string
	DataType       string
	Writable       bool
	ScanIntervalMs int64
	ScaleFactor    float64
	ScaleOffset    float64
	RangeMin       float64
	RangeMax       float64
	Deadband       float64
	Unit           string
	Properties     map[string]string
}

// CurrentValueEntity is the most recently persisted reading for one point,
// used at worker construction to seed the "last seen" slot.
type CurrentValueEntity struct {
	PointID    string
	Value      collector.Value
	CapturedAt time.Time
}

// SettingsEntity is the persisted form of collector.ReconnectionSettings.
type SettingsEntity struct {
	DeviceID                string
	AutoReconnect           bool
	RetryIntervalMs         int64
	MaxRetriesPerCycle      int
	WaitTimeAfterMaxRetries int64
	KeepAliveEnabled        bool
	KeepAliveIntervalS      int64
	ConnectionTimeoutS      int64
}

// ToReconnectionSettings converts the persisted millisecond/second fields
// into a collector.ReconnectionSettings.
func (s SettingsEntity) ToReconnectionSettings() collector.ReconnectionSettings {
	return collector.ReconnectionSettings{
		AutoReconnect:           s.AutoReconnect,
		RetryInterval:           time.Duration(s.RetryIntervalMs) * time.Millisecond,
		MaxRetriesPerCycle:      s.MaxRetriesPerCycle,
		WaitTimeAfterMaxRetries: time.Duration(s.WaitTimeAfterMaxRetries) * time.Millisecond,
		KeepAliveEnabled:        s.KeepAliveEnabled,
		KeepAliveInterval:       time.Duration(s.KeepAliveIntervalS) * time.Second,
		ConnectionTimeout:       time.Duration(s.ConnectionTimeoutS) * time.Second,
	}
}

// FromReconnectionSettings is the inverse of ToReconnectionSettings, used by
// DeviceSettingsRepository implementations that persist updates.
func FromReconnectionSettings(deviceID string, s collector.ReconnectionSettings) SettingsEntity {
	return SettingsEntity{
		DeviceID:                deviceID,
		AutoReconnect:           s.AutoReconnect,
		RetryIntervalMs:         s.RetryInterval.Milliseconds(),
		MaxRetriesPerCycle:      s.MaxRetriesPerCycle,
		WaitTimeAfterMaxRetries: s.WaitTimeAfterMaxRetries.Milliseconds(),
		KeepAliveEnabled:        s.KeepAliveEnabled,
		KeepAliveIntervalS:      int64(s.KeepAliveInterval / time.Second),
		ConnectionTimeoutS:      int64(s.ConnectionTimeout / time.Second),
	}
}

// DeviceRepository supplies device configuration entities.
type DeviceRepository interface {
	FindEnabled(ctx context.Context, tenant string) ([]DeviceEntity, error)
	FindByID(ctx context.Context, deviceID string) (DeviceEntity, error)
}

// DataPointRepository supplies the data points configured for a device.
type DataPointRepository interface {
	FindByDevice(ctx context.Context, deviceID string) ([]DataPointEntity, error)
}

// CurrentValueRepository supplies the last known value per point, read once
// at worker construction.
type CurrentValueRepository interface {
	Latest(ctx context.Context, pointID string) (CurrentValueEntity, error)
}

// DeviceSettingsRepository supplies the per-device reconnection policy.
type DeviceSettingsRepository interface {
	ForDevice(ctx context.Context, deviceID string) (SettingsEntity, error)
}

// MemoryDeviceRepository is an in-memory DeviceRepository, keyed by device
// id, guarded by a single RWMutex.
type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]DeviceEntity
}

// NewMemoryDeviceRepository builds an empty repository; Put seeds it.
func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[string]DeviceEntity)}
}

// Put inserts or replaces a device entity.
func (r *MemoryDeviceRepository) Put(d DeviceEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.DeviceID] = d
}

// FindEnabled implements DeviceRepository. An empty tenant matches every
// device regardless of TenantID.
func (r *MemoryDeviceRepository) FindEnabled(_ context.Context, tenant string) ([]DeviceEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceEntity, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.Enabled {
			continue
		}
		if tenant != "" && d.TenantID != tenant {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// FindByID implements DeviceRepository.
func (r *MemoryDeviceRepository) FindByID(_ context.Context, deviceID string) (DeviceEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return DeviceEntity{}, ErrNotFound
	}
	return d, nil
}

// MemoryDataPointRepository is an in-memory DataPointRepository keyed by
// device id.
type MemoryDataPointRepository struct {
	mu     sync.RWMutex
	points map[string][]DataPointEntity
}

// NewMemoryDataPointRepository builds an empty repository.
func NewMemoryDataPointRepository() *MemoryDataPointRepository {
	return &MemoryDataPointRepository{points: make(map[string][]DataPointEntity)}
}

// Put appends a data point entity under its owning device.
func (r *MemoryDataPointRepository) Put(p DataPointEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[p.DeviceID] = append(r.points[p.DeviceID], p)
}

// FindByDevice implements DataPointRepository.
func (r *MemoryDataPointRepository) FindByDevice(_ context.Context, deviceID string) ([]DataPointEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataPointEntity, len(r.points[deviceID]))
	copy(out, r.points[deviceID])
	return out, nil
}

// MemoryCurrentValueRepository is an in-memory CurrentValueRepository keyed
// by point id. The pipeline consumer writes the latest good sample per point
// through Put, so later restarts and reloads hydrate a realistic "last seen"
// value.
type MemoryCurrentValueRepository struct {
	mu     sync.RWMutex
	values map[string]CurrentValueEntity
}

// NewMemoryCurrentValueRepository builds an empty repository.
func NewMemoryCurrentValueRepository() *MemoryCurrentValueRepository {
	return &MemoryCurrentValueRepository{values: make(map[string]CurrentValueEntity)}
}

// Put records the latest known value for a point.
func (r *MemoryCurrentValueRepository) Put(v CurrentValueEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[v.PointID] = v
}

// Latest implements CurrentValueRepository.
func (r *MemoryCurrentValueRepository) Latest(_ context.Context, pointID string) (CurrentValueEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[pointID]
	if !ok {
		return CurrentValueEntity{}, ErrNotFound
	}
	return v, nil
}

// MemoryDeviceSettingsRepository is an in-memory DeviceSettingsRepository
// keyed by device id, falling back to collector.DefaultReconnectionSettings
// when a device has no stored override.
type MemoryDeviceSettingsRepository struct {
	mu       sync.RWMutex
	settings map[string]SettingsEntity
}

// NewMemoryDeviceSettingsRepository builds an empty repository.
func NewMemoryDeviceSettingsRepository() *MemoryDeviceSettingsRepository {
	return &MemoryDeviceSettingsRepository{settings: make(map[string]SettingsEntity)}
}

// Put stores an explicit settings override for a device.
func (r *MemoryDeviceSettingsRepository) Put(s SettingsEntity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[s.DeviceID] = s
}

// ForDevice implements DeviceSettingsRepository.
func (r *MemoryDeviceSettingsRepository) ForDevice(_ context.Context, deviceID string) (SettingsEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.settings[deviceID]; ok {
		return s, nil
	}
	return FromReconnectionSettings(deviceID, collector.DefaultReconnectionSettings()), nil
}
