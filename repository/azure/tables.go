// Package azure implements the DeviceRepository, DataPointRepository and
// DeviceSettingsRepository interfaces from package repository against
// Azure Table Storage, and CurrentValueRepository against Azure Blob
// Storage. Entities are small, so each row carries a single JSON "Payload"
// property instead of one column per field.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/repository"
)

// devicePartition is the single logical partition every device/data-point
// entity lives under. A multi-tenant deployment with enough scale to need
// partition fan-out would key this by tenant instead; this repository
// targets the same "hundreds of devices" scale as the rest of the core.
const devicePartition = "device"

func isNotFound(err error) bool {
	var re *azcore.ResponseError
	return err != nil && asResponseError(err, &re) && re.StatusCode == http.StatusNotFound
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	re, ok := err.(*azcore.ResponseError)
	if ok {
		*target = re
	}
	return ok
}

// entityPayload is the generic envelope stored under one aztables row: the
// odata housekeeping fields aztables needs, a queryable Enabled flag, and a
// single JSON-encoded Payload property carrying the full Go struct.
type entityPayload struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Enabled      bool   `json:"Enabled"`
	TenantID     string `json:"TenantID"`
	Payload      string `json:"Payload"`
}

func marshalEntity(partitionKey, rowKey string, enabled bool, tenant string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entityPayload{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Enabled:      enabled,
		TenantID:     tenant,
		Payload:      string(payload),
	})
}

func unmarshalEntity(raw []byte, v any) error {
	var e entityPayload
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	return json.Unmarshal([]byte(e.Payload), v)
}

// DeviceRepository implements repository.DeviceRepository against one
// aztables table.
type DeviceRepository struct {
	client *aztables.Client
}

// NewDeviceRepository wraps an already-constructed aztables client. Client
// construction (credentials, SAS, endpoint resolution) is the caller's job.
func NewDeviceRepository(client *aztables.Client) *DeviceRepository {
	return &DeviceRepository{client: client}
}

// Put inserts or replaces a device entity. aztables' AddEntity fails on a
// duplicate key, so a replace is a delete-then-add.
func (r *DeviceRepository) Put(ctx context.Context, d repository.DeviceEntity) error {
	data, err := marshalEntity(devicePartition, d.DeviceID, d.Enabled, d.TenantID, d)
	if err != nil {
		return err
	}
	_, _ = r.client.DeleteEntity(ctx, devicePartition, d.DeviceID, nil)
	_, err = r.client.AddEntity(ctx, data, nil)
	return err
}

// FindEnabled implements repository.DeviceRepository.
func (r *DeviceRepository) FindEnabled(ctx context.Context, tenant string) ([]repository.DeviceEntity, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Enabled eq true", devicePartition)
	if tenant != "" {
		filter += fmt.Sprintf(" and TenantID eq '%s'", tenant)
	}
	pager := r.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []repository.DeviceEntity
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list devices: %w", err)
		}
		for _, raw := range page.Entities {
			var d repository.DeviceEntity
			if err := unmarshalEntity(raw, &d); err != nil {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// FindByID implements repository.DeviceRepository.
func (r *DeviceRepository) FindByID(ctx context.Context, deviceID string) (repository.DeviceEntity, error) {
	resp, err := r.client.GetEntity(ctx, devicePartition, deviceID, nil)
	if err != nil {
		if isNotFound(err) {
			return repository.DeviceEntity{}, repository.ErrNotFound
		}
		return repository.DeviceEntity{}, err
	}
	var d repository.DeviceEntity
	if err := unmarshalEntity(resp.Value, &d); err != nil {
		return repository.DeviceEntity{}, err
	}
	return d, nil
}

// DataPointRepository implements repository.DataPointRepository against one
// aztables table, partitioned by owning device id so FindByDevice is a
// single-partition query.
type DataPointRepository struct {
	client *aztables.Client
}

// NewDataPointRepository wraps an already-constructed aztables client.
func NewDataPointRepository(client *aztables.Client) *DataPointRepository {
	return &DataPointRepository{client: client}
}

// Put inserts or replaces a data-point entity.
func (r *DataPointRepository) Put(ctx context.Context, p repository.DataPointEntity) error {
	data, err := marshalEntity(p.DeviceID, p.ID, true, "", p)
	if err != nil {
		return err
	}
	_, _ = r.client.DeleteEntity(ctx, p.DeviceID, p.ID, nil)
	_, err = r.client.AddEntity(ctx, data, nil)
	return err
}

// FindByDevice implements repository.DataPointRepository.
func (r *DataPointRepository) FindByDevice(ctx context.Context, deviceID string) ([]repository.DataPointEntity, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", deviceID)
	pager := r.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []repository.DataPointEntity
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list data points: %w", err)
		}
		for _, raw := range page.Entities {
			var p repository.DataPointEntity
			if err := unmarshalEntity(raw, &p); err != nil {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// SettingsRepository implements repository.DeviceSettingsRepository against
// one aztables table, one row per device.
type SettingsRepository struct {
	client *aztables.Client
}

// NewSettingsRepository wraps an already-constructed aztables client.
func NewSettingsRepository(client *aztables.Client) *SettingsRepository {
	return &SettingsRepository{client: client}
}

// Put inserts or replaces a device's reconnection settings override.
func (r *SettingsRepository) Put(ctx context.Context, s repository.SettingsEntity) error {
	data, err := marshalEntity(devicePartition, s.DeviceID, true, "", s)
	if err != nil {
		return err
	}
	_, _ = r.client.DeleteEntity(ctx, devicePartition, s.DeviceID, nil)
	_, err = r.client.AddEntity(ctx, data, nil)
	return err
}

// ForDevice implements repository.DeviceSettingsRepository, falling back to
// the package default when the device has no stored override.
func (r *SettingsRepository) ForDevice(ctx context.Context, deviceID string) (repository.SettingsEntity, error) {
	resp, err := r.client.GetEntity(ctx, devicePartition, deviceID, nil)
	if err != nil {
		if isNotFound(err) {
			return repository.FromReconnectionSettings(deviceID, collector.DefaultReconnectionSettings()), nil
		}
		return repository.SettingsEntity{}, err
	}
	var s repository.SettingsEntity
	if err := unmarshalEntity(resp.Value, &s); err != nil {
		return repository.SettingsEntity{}, err
	}
	return s, nil
}
