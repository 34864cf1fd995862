package collector

import (
	"testing"
	"time"
)

func TestDeviceInfoValidate(t *testing.T) {
	cases := []struct {
		name    string
		info    DeviceInfo
		wantErr bool
	}{
		{"valid", DeviceInfo{DeviceID: "d1", PollingInterval: time.Second, Timeout: time.Second, Retry: 3}, false},
		{"empty id", DeviceInfo{PollingInterval: time.Second, Timeout: time.Second}, true},
		{"zero polling", DeviceInfo{DeviceID: "d1", Timeout: time.Second}, true},
		{"zero timeout", DeviceInfo{DeviceID: "d1", PollingInterval: time.Second}, true},
		{"negative retry", DeviceInfo{DeviceID: "d1", PollingInterval: time.Second, Timeout: time.Second, Retry: -1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.info.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestDataPointValidate(t *testing.T) {
	p := DataPoint{ID: "p1", EngRange: Range{Min: 0, Max: 100}}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := DataPoint{ID: "p1", EngRange: Range{Min: 10, Max: 5}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for max < min")
	}
}

func TestValueEqual(t *testing.T) {
	a := Value{Type: DataTypeU16, Uint: 4660}
	b := Value{Type: DataTypeU16, Uint: 4660}
	c := Value{Type: DataTypeU16, Uint: 1}
	if !a.Equal(b) {
		t.Fatal("expected equal values to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing values to compare unequal")
	}
	if a.Equal(Value{Type: DataTypeI16, Int: 4660}) {
		t.Fatal("values of different types must never be equal")
	}
}

func TestScalingApply(t *testing.T) {
	s := Scaling{Factor: 0.1, Offset: 5}
	if got := s.Apply(100); got != 15 {
		t.Fatalf("Apply(100) = %v, want 15", got)
	}
	zero := Scaling{}
	if got := zero.Apply(42); got != 42 {
		t.Fatalf("zero-value Scaling must behave as identity, got %v", got)
	}

	if !zero.IsIdentity() || !(Scaling{Factor: 1}).IsIdentity() {
		t.Fatal("zero-value and factor-1 scalings are identities")
	}
	if (Scaling{Factor: 0.1}).IsIdentity() || (Scaling{Offset: 5}).IsIdentity() {
		t.Fatal("non-trivial scalings must not report identity")
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Min: -5, Max: 10}
	if !r.Contains(-5) || !r.Contains(0) || !r.Contains(10) {
		t.Fatal("bounds are inclusive")
	}
	if r.Contains(-5.1) || r.Contains(10.1) {
		t.Fatal("values outside the range must not be contained")
	}
}

func TestReconnectionSettingsValidate(t *testing.T) {
	good := DefaultReconnectionSettings()
	if err := good.Validate(); err != nil {
		t.Fatalf("default settings must validate: %v", err)
	}
	bad := good
	bad.RetryInterval = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero retry interval")
	}
	bad = good
	bad.MaxRetriesPerCycle = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero max retries")
	}
	bad = good
	bad.KeepAliveEnabled = true
	bad.KeepAliveInterval = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero keep-alive interval when enabled")
	}
}
