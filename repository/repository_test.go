package repository

import (
	"context"
	"testing"

	"github.com/fieldgrid/collector"
)

func TestMemoryDeviceRepositoryFindEnabled(t *testing.T) {
	repo := NewMemoryDeviceRepository()
	repo.Put(DeviceEntity{DeviceID: "d1", Enabled: true, TenantID: "acme"})
	repo.Put(DeviceEntity{DeviceID: "d2", Enabled: false, TenantID: "acme"})
	repo.Put(DeviceEntity{DeviceID: "d3", Enabled: true, TenantID: "other"})

	ctx := context.Background()
	all, err := repo.FindEnabled(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("FindEnabled(\"\") = %v, %v; want 2 enabled devices", all, err)
	}
	acme, err := repo.FindEnabled(ctx, "acme")
	if err != nil || len(acme) != 1 || acme[0].DeviceID != "d1" {
		t.Fatalf("FindEnabled(acme) = %v, %v; want [d1]", acme, err)
	}

	if _, err := repo.FindByID(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("FindByID(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryDataPointRepository(t *testing.T) {
	repo := NewMemoryDataPointRepository()
	repo.Put(DataPointEntity{ID: "p1", DeviceID: "d1"})
	repo.Put(DataPointEntity{ID: "p2", DeviceID: "d1"})
	repo.Put(DataPointEntity{ID: "p3", DeviceID: "d2"})

	pts, err := repo.FindByDevice(context.Background(), "d1")
	if err != nil || len(pts) != 2 {
		t.Fatalf("FindByDevice(d1) = %v, %v; want 2 points", pts, err)
	}
}

func TestMemoryDeviceSettingsRepositoryFallsBackToDefault(t *testing.T) {
	repo := NewMemoryDeviceSettingsRepository()
	got, err := repo.ForDevice(context.Background(), "unseen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := FromReconnectionSettings("unseen", collector.DefaultReconnectionSettings())
	if got.RetryIntervalMs != want.RetryIntervalMs || got.MaxRetriesPerCycle != want.MaxRetriesPerCycle {
		t.Fatalf("got %+v, want default-derived %+v", got, want)
	}
}

func TestSettingsEntityRoundTrip(t *testing.T) {
	s := collector.ReconnectionSettings{
		AutoReconnect:           true,
		RetryInterval:           500 * 1000000, // 500ms in time.Duration nanoseconds
		MaxRetriesPerCycle:      3,
		WaitTimeAfterMaxRetries: 5000 * 1000000,
		KeepAliveEnabled:        true,
		KeepAliveInterval:       30 * 1000000000,
		ConnectionTimeout:       5 * 1000000000,
	}
	entity := FromReconnectionSettings("d1", s)
	back := entity.ToReconnectionSettings()
	if back != s {
		t.Fatalf("round trip mismatch: got %+v, want %+v", back, s)
	}
}

func TestMemoryCurrentValueRepository(t *testing.T) {
	repo := NewMemoryCurrentValueRepository()
	if _, err := repo.Latest(context.Background(), "p1"); err != ErrNotFound {
		t.Fatalf("Latest(unseen) err = %v, want ErrNotFound", err)
	}
	repo.Put(CurrentValueEntity{PointID: "p1", Value: collector.Value{Type: collector.DataTypeU16, Uint: 42}})
	v, err := repo.Latest(context.Background(), "p1")
	if err != nil || v.Value.Uint != 42 {
		t.Fatalf("Latest(p1) = %+v, %v; want Uint=42", v, err)
	}
}
