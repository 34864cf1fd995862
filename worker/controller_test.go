package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldgrid/collector"
)

type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	connectN   atomic.Int32
	connected  bool
	checkErr   error
}

func (c *fakeConnector) Connect() error {
	c.connectN.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConnector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeConnector) CheckConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkErr
}

type fakeSink struct {
	mu     sync.Mutex
	states []collector.WorkerState
}

func (s *fakeSink) SetState(st collector.WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *fakeSink) last() collector.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return collector.StateUnknown
	}
	return s.states[len(s.states)-1]
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !fn() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconnectControllerReachesRunning(t *testing.T) {
	conn := &fakeConnector{}
	sink := &fakeSink{}
	settings := testSettings()
	c := NewReconnectController(conn, nil, sink, nil, settings)
	c.Start()
	<-c.FirstSettle()
	waitFor(t, func() bool { return sink.last() == collector.StateRunning })
	c.Stop()
	waitFor(t, func() bool { return sink.last() == collector.StateStopped })
}

func TestReconnectControllerEntersWaitCycleAfterMaxRetries(t *testing.T) {
	conn := &fakeConnector{connectErr: errors.New("refused")}
	sink := &fakeSink{}
	settings := testSettings()
	c := NewReconnectController(conn, nil, sink, nil, settings)
	c.Start()
	<-c.FirstSettle()

	waitFor(t, func() bool { return conn.connectN.Load() >= int32(settings.MaxRetriesPerCycle) })
	waitFor(t, func() bool { return sink.last() == collector.StateWaitingRetry })

	stats := c.Statistics()
	if stats.TotalConnections < int64(settings.MaxRetriesPerCycle) {
		t.Fatalf("TotalConnections = %d, want >= %d", stats.TotalConnections, settings.MaxRetriesPerCycle)
	}
	if stats.FailedConnections != stats.TotalConnections {
		t.Fatalf("FailedConnections = %d, want %d", stats.FailedConnections, stats.TotalConnections)
	}
	if stats.ReconnectionCycles < 1 {
		t.Fatalf("ReconnectionCycles = %d, want >= 1", stats.ReconnectionCycles)
	}

	// The wait cycle ends back in STARTING with a cleared counter.
	waitFor(t, func() bool { return conn.connectN.Load() > int32(settings.MaxRetriesPerCycle) })
	c.Stop()
}

func TestReconnectControllerHoldsWhenAutoReconnectOff(t *testing.T) {
	conn := &fakeConnector{connectErr: errors.New("refused")}
	sink := &fakeSink{}
	settings := testSettings()
	settings.AutoReconnect = false
	c := NewReconnectController(conn, nil, sink, nil, settings)
	c.Start()
	<-c.FirstSettle()

	waitFor(t, func() bool { return sink.last() == collector.StateMaxRetriesExceeded })
	n := conn.connectN.Load()
	time.Sleep(3 * settings.RetryInterval)
	if conn.connectN.Load() != n {
		t.Fatalf("connector dialed %d more times while parked", conn.connectN.Load()-n)
	}
	c.Stop()
	waitFor(t, func() bool { return sink.last() == collector.StateStopped })
}

func TestReconnectControllerForceReconnect(t *testing.T) {
	conn := &fakeConnector{}
	sink := &fakeSink{}
	settings := testSettings()
	c := NewReconnectController(conn, nil, sink, nil, settings)
	c.Start()
	<-c.FirstSettle()
	waitFor(t, func() bool { return sink.last() == collector.StateRunning })

	before := conn.connectN.Load()
	c.ForceReconnect()
	waitFor(t, func() bool { return conn.connectN.Load() > before })
	c.Stop()
}
