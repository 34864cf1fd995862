// Package worker implements the generic device-worker runtime:
// ReconnectController drives the connect/retry/keep-alive state
// machine, and BaseDeviceWorker layers the public Start/Stop/Pause/Resume/
// poll-loop contract on top of it. Concrete protocol workers under
// collector/drivers embed BaseDeviceWorker and supply a ProtocolDriver.
package worker

import (
	"sync"
	"time"

	"github.com/fieldgrid/collector"
)

// Connector is the minimal set of primitives ReconnectController drives. A
// BaseDeviceWorker satisfies it by delegating to its ProtocolDriver (and,
// transitively, to whichever transport base the concrete worker embeds).
type Connector interface {
	Connect() error
	Disconnect() error
	CheckConnection() error
}

// StateSink receives every state transition the controller makes, so the
// owning BaseDeviceWorker can keep its own state holder in sync without the
// controller knowing about the worker.
type StateSink interface {
	SetState(collector.WorkerState)
}

// ReconnectController owns a worker's connect/retry/keep-alive supervision
// loop. It runs on its own goroutine from Start until Stop, reacting to
// ForceReconnect and to settings changes applied mid-flight via
// UpdateSettings.
type ReconnectController struct {
	connector Connector
	keepAlive collector.KeepAliver // nil when the driver doesn't support one
	sink      StateSink
	stats     *collector.StatisticsRecorder

	mu       sync.RWMutex
	settings collector.ReconnectionSettings

	stopCh  chan struct{}
	forceCh chan struct{}
	doneCh  chan struct{}

	firstSettle     chan struct{}
	firstSettleOnce sync.Once

	lastErrMu sync.Mutex
	lastErr   collector.LastError

	rstatsMu        sync.Mutex
	rstats          collector.ReconnectStatistics
	lastConnectedAt time.Time
}

// avgConnAlpha weights the exponentially-weighted mean of connection
// durations.
const avgConnAlpha = 0.2

// NewReconnectController builds a controller bound to one connector. The
// keepAlive argument may be nil.
func NewReconnectController(connector Connector, keepAlive collector.KeepAliver, sink StateSink, stats *collector.StatisticsRecorder, settings collector.ReconnectionSettings) *ReconnectController {
	return &ReconnectController{
		connector: connector,
		keepAlive: keepAlive,
		sink:      sink,
		stats:     stats,
		settings:  settings,
	}
}

// UpdateSettings swaps the active ReconnectionSettings. Retry and wait-cycle
// changes take effect at the next connect failure; keep-alive changes take
// effect the next time the controller enters RUNNING. They never interrupt
// an in-flight connection attempt.
func (c *ReconnectController) UpdateSettings(s collector.ReconnectionSettings) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

func (c *ReconnectController) settingsSnapshot() collector.ReconnectionSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Statistics returns a snapshot of the supervision counters.
func (c *ReconnectController) Statistics() collector.ReconnectStatistics {
	c.rstatsMu.Lock()
	defer c.rstatsMu.Unlock()
	return c.rstats
}

func (c *ReconnectController) recordConnectAttempt(err error) {
	c.rstatsMu.Lock()
	defer c.rstatsMu.Unlock()
	c.rstats.TotalConnections++
	if err == nil {
		c.rstats.SuccessfulConnections++
		c.lastConnectedAt = time.Now()
	} else {
		c.rstats.FailedConnections++
	}
}

func (c *ReconnectController) recordWaitCycle() {
	c.rstatsMu.Lock()
	c.rstats.ReconnectionCycles++
	c.rstatsMu.Unlock()
}

func (c *ReconnectController) recordKeepAlive(err error) {
	c.rstatsMu.Lock()
	defer c.rstatsMu.Unlock()
	if err == nil {
		c.rstats.KeepAliveSent++
	} else {
		c.rstats.KeepAliveFailed++
	}
}

// recordDisconnect folds (disconnect_time − last_successful_connection) into
// the exponentially-weighted mean connection duration.
func (c *ReconnectController) recordDisconnect() {
	c.rstatsMu.Lock()
	defer c.rstatsMu.Unlock()
	if c.lastConnectedAt.IsZero() {
		return
	}
	dur := time.Since(c.lastConnectedAt).Seconds()
	c.lastConnectedAt = time.Time{}
	if c.rstats.AvgConnectionDuration == 0 {
		c.rstats.AvgConnectionDuration = dur
		return
	}
	c.rstats.AvgConnectionDuration = avgConnAlpha*dur + (1-avgConnAlpha)*c.rstats.AvgConnectionDuration
}

// LastError returns the most recently recorded connection/keep-alive error.
func (c *ReconnectController) LastError() collector.LastError {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

func (c *ReconnectController) recordError(code, msg string) {
	c.lastErrMu.Lock()
	c.lastErr = collector.LastError{Code: code, Message: msg, OccurredAt: time.Now()}
	c.lastErrMu.Unlock()
}

// Start launches the controller's run loop. It returns immediately; the loop
// runs until Stop is called.
func (c *ReconnectController) Start() {
	c.stopCh = make(chan struct{})
	c.forceCh = make(chan struct{}, 1)
	c.doneCh = make(chan struct{})
	c.firstSettle = make(chan struct{})
	go c.run()
}

// FirstSettle returns a channel closed once the controller's very first
// connect attempt has resolved, success or failure — what Start()'s
// returned Future waits on: Start completes once the worker has left its
// initial STARTING attempt, not once it is RUNNING.
func (c *ReconnectController) FirstSettle() <-chan struct{} {
	return c.firstSettle
}

func (c *ReconnectController) markSettled() {
	c.firstSettleOnce.Do(func() { close(c.firstSettle) })
}

// Stop requests the run loop to exit. It blocks until the loop has actually
// torn down the connection and returned — bounded by at most one IO timeout
// plus one retry interval.
func (c *ReconnectController) Stop() {
	select {
	case <-c.stopCh:
		// already stopped
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

// ForceReconnect requests an immediate disconnect-and-retry cycle, even when
// currently RUNNING and otherwise healthy.
func (c *ReconnectController) ForceReconnect() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

func (c *ReconnectController) setState(s collector.WorkerState) {
	if c.sink != nil {
		c.sink.SetState(s)
	}
}

// run implements the state machine: STARTING attempts Connect; success moves
// to RUNNING and holds there until a keep-alive/check failure, a
// ForceReconnect, or Stop; failure enters a bounded retry cycle
// (RECONNECTING between attempts) that parks in WAITING_RETRY for
// WaitTimeAfterMaxRetries once MaxRetriesPerCycle is exhausted, then starts
// a fresh cycle with a cleared counter. With AutoReconnect off
// an exhausted cycle ends in MAX_RETRIES_EXCEEDED instead, holding there
// until Stop or a manual ForceReconnect.
func (c *ReconnectController) run() {
	defer close(c.doneCh)
	defer c.markSettled()

	attempt := 0
	for {
		if c.stopRequested() {
			c.teardown()
			return
		}

		c.setState(collector.StateStarting)
		start := time.Now()
		err := c.connector.Connect()
		c.recordConnectAttempt(err)
		if err != nil {
			c.recordError("CONNECT_FAILED", err.Error())
			if c.stats != nil {
				c.stats.RecordOperation(time.Since(start), err, false)
				c.stats.IncrementReconnects()
			}
			attempt++
			settings := c.settingsSnapshot()
			if attempt >= settings.MaxRetriesPerCycle {
				attempt = 0
				c.recordWaitCycle()
				if !settings.AutoReconnect {
					c.setState(collector.StateMaxRetriesExceeded)
					c.markSettled()
					if c.holdUntilWake() == wakeStop {
						c.teardown()
						return
					}
					continue
				}
				c.setState(collector.StateWaitingRetry)
				c.markSettled()
				if c.sleepOrWake(settings.WaitTimeAfterMaxRetries) == wakeStop {
					c.teardown()
					return
				}
			} else {
				c.setState(collector.StateReconnecting)
				c.markSettled()
				if c.sleepOrWake(settings.RetryInterval) == wakeStop {
					c.teardown()
					return
				}
			}
			continue
		}

		if c.stats != nil {
			c.stats.RecordOperation(time.Since(start), nil, false)
		}
		attempt = 0
		c.setState(collector.StateRunning)
		c.markSettled()

		reason := c.monitor()
		c.recordDisconnect()
		switch reason {
		case wakeStop:
			c.teardown()
			return
		case wakeCommError:
			c.setState(collector.StateCommunicationError)
			c.connector.Disconnect()
		case wakeForce:
			c.connector.Disconnect()
		}
	}
}

// holdUntilWake parks indefinitely (MAX_RETRIES_EXCEEDED with auto-reconnect
// off), leaving only Stop or an operator ForceReconnect as ways out.
func (c *ReconnectController) holdUntilWake() wakeReason {
	select {
	case <-c.stopCh:
		return wakeStop
	case <-c.forceCh:
		return wakeForce
	}
}

type wakeReason int

const (
	wakeNone wakeReason = iota
	wakeStop
	wakeForce
	wakeCommError
)

// monitor holds RUNNING, periodically checking the connection and sending
// keep-alives, until something knocks the worker out of RUNNING.
func (c *ReconnectController) monitor() wakeReason {
	settings := c.settingsSnapshot()
	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if settings.KeepAliveEnabled && settings.KeepAliveInterval > 0 {
		ticker = time.NewTicker(settings.KeepAliveInterval)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-c.stopCh:
			return wakeStop
		case <-c.forceCh:
			return wakeForce
		case <-tickCh:
			if err := c.sendKeepAlive(); err != nil {
				c.recordError("KEEPALIVE_FAILED", err.Error())
				return wakeCommError
			}
		}
	}
}

func (c *ReconnectController) sendKeepAlive() error {
	var err error
	if c.keepAlive != nil {
		err = c.keepAlive.SendKeepAlive()
	} else {
		err = c.connector.CheckConnection()
	}
	c.recordKeepAlive(err)
	if err != nil && c.stats != nil {
		c.stats.RecordOperation(0, err, false)
	}
	return err
}

func (c *ReconnectController) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// sleepOrWake sleeps for d, waking early on Stop or ForceReconnect.
func (c *ReconnectController) sleepOrWake(d time.Duration) wakeReason {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stopCh:
		return wakeStop
	case <-c.forceCh:
		return wakeForce
	case <-timer.C:
		return wakeNone
	}
}

func (c *ReconnectController) teardown() {
	c.setState(collector.StateStopping)
	c.connector.Disconnect()
	c.setState(collector.StateStopped)
}
