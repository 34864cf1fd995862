package collector

import (
	"errors"
	"testing"
	"time"
)

func TestStatisticsRecorder(t *testing.T) {
	var r StatisticsRecorder
	r.RecordOperation(10*time.Millisecond, nil, false)
	r.RecordOperation(20*time.Millisecond, errors.New("boom"), true)
	r.IncrementReconnects()

	snap := r.Snapshot()
	if snap.TotalOperations != 2 {
		t.Fatalf("TotalOperations = %d, want 2", snap.TotalOperations)
	}
	if snap.SuccessfulOperations != 1 || snap.FailedOperations != 1 {
		t.Fatalf("success/fail = %d/%d, want 1/1", snap.SuccessfulOperations, snap.FailedOperations)
	}
	if snap.Timeouts != 1 {
		t.Fatalf("Timeouts = %d, want 1", snap.Timeouts)
	}
	if snap.Reconnects != 1 {
		t.Fatalf("Reconnects = %d, want 1", snap.Reconnects)
	}
	if snap.LastOperationAt.IsZero() {
		t.Fatal("LastOperationAt must be set after a recorded operation")
	}

	r.Reset()
	snap = r.Snapshot()
	if snap.TotalOperations != 0 || snap.Reconnects != 0 {
		t.Fatalf("Reset() left nonzero counters: %+v", snap)
	}
}

func TestDriverStatusString(t *testing.T) {
	cases := map[DriverStatus]string{
		DriverUninitialized: "UNINITIALIZED",
		DriverInitialized:   "INITIALIZED",
		DriverRunning:       "RUNNING",
		DriverStopped:       "STOPPED",
		DriverError:         "ERROR",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("DriverStatus(%d).String() = %q, want %q", status, got, want)
		}
	}
}
