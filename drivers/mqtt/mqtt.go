// Package mqtt implements the subscription-style MQTT ProtocolDriver,
// wrapping github.com/eclipse/paho.mqtt.golang. Unlike the polling
// protocols, a read here never goes over the wire: each DataPoint's
// Address is the topic it's subscribed to, and ReadValues simply drains the
// most recent cached message per point, timestamped when it arrived.
package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/worker"
)

func init() {
	collector.RegisterWorkerCreator(collector.ProtocolMQTT, NewWorker)
}

type cachedSample struct {
	value   collector.Value
	quality collector.Quality
	at      time.Time
	set     bool
}

type driver struct {
	client paho.Client
	notify func() // BaseDeviceWorker.NotifyDataArrival, set at construction

	cacheMu sync.RWMutex
	cache   map[string]cachedSample // keyed by DataPoint.ID
	topicOf map[string]string       // DataPoint.ID -> topic

	connected atomic.Bool
	status    atomic.Int32
	stats     collector.StatisticsRecorder

	lastErrMu sync.Mutex
	lastErr   collector.LastError

	info *collector.DeviceInfo
}

// NewWorker builds an MQTT worker for the given broker endpoint
// ("tcp://host:1883") and data points, each of which must carry its topic
// in Address.
func NewWorker(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
	d := &driver{
		cache:   make(map[string]cachedSample, len(points)),
		topicOf: make(map[string]string, len(points)),
	}
	for _, p := range points {
		d.topicOf[p.ID] = p.Address
	}
	w, err := worker.NewBaseDeviceWorker(info, d, points, pipeline, status, metrics, settings)
	if err != nil {
		return nil, err
	}
	d.notify = w.NotifyDataArrival
	return w, nil
}

func (d *driver) Initialize(info *collector.DeviceInfo) error {
	d.info = info
	d.status.Store(int32(collector.DriverInitialized))
	return nil
}

func (d *driver) Connect() error {
	qos := byte(0)
	if q := d.info.Property("qos", ""); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 0 && n <= 2 {
			qos = byte(n)
		}
	}

	opts := paho.NewClientOptions().AddBroker(d.info.Endpoint)
	if id := d.info.Property("client_id", ""); id != "" {
		opts.SetClientID(id)
	} else {
		opts.SetClientID(fmt.Sprintf("collector-%s", d.info.DeviceID))
	}
	opts.SetAutoReconnect(false) // the ReconnectController owns reconnection, not the library
	opts.SetConnectTimeout(d.info.Timeout)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		d.connected.Store(false)
		d.recordErr("CONNECTION_LOST", err)
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		for pointID, topic := range d.topicOf {
			pid := pointID
			if token := c.Subscribe(topic, qos, d.onMessage(pid)); token.WaitTimeout(d.info.Timeout) && token.Error() != nil {
				d.recordErr("SUBSCRIBE", token.Error())
			}
		}
	})

	d.client = paho.NewClient(opts)
	token := d.client.Connect()
	if !token.WaitTimeout(d.info.Timeout) {
		return fmt.Errorf("mqtt: connect timed out after %s", d.info.Timeout)
	}
	if err := token.Error(); err != nil {
		d.recordErr("CONNECT", err)
		return err
	}
	d.connected.Store(true)
	d.status.Store(int32(collector.DriverRunning))
	return nil
}

func (d *driver) onMessage(pointID string) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		d.cacheMu.Lock()
		d.cache[pointID] = cachedSample{
			value:   collector.Value{Type: collector.DataTypeBytes, Bytes: m.Payload(), String: string(m.Payload())},
			quality: collector.QualityGood,
			at:      time.Now(),
			set:     true,
		}
		d.cacheMu.Unlock()
		if d.notify != nil {
			d.notify()
		}
	}
}

func (d *driver) Disconnect() error {
	d.connected.Store(false)
	d.status.Store(int32(collector.DriverStopped))
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	return nil
}

func (d *driver) IsConnected() bool {
	return d.connected.Load() && d.client != nil && d.client.IsConnected()
}

// SendKeepAlive implements collector.KeepAliver: the paho client's own PINGREQ
// loop handles link-level keep-alive, so here it's just a liveness check.
func (d *driver) SendKeepAlive() error {
	if !d.IsConnected() {
		return fmt.Errorf("mqtt: client reports disconnected")
	}
	return nil
}

// ReadValues drains the cache only — no network I/O — so it keys off the
// connected flag alone rather than the stricter IsConnected, which also
// interrogates the live client.
func (d *driver) ReadValues(points []*collector.DataPoint) ([]collector.TimestampedValue, error) {
	if !d.connected.Load() {
		return nil, collector.ErrNotRunning
	}
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	out := make([]collector.TimestampedValue, 0, len(points))
	for _, p := range points {
		sample, ok := d.cache[p.ID]
		if !ok || !sample.set {
			out = append(out, collector.TimestampedValue{
				PointID:    p.ID,
				Quality:    collector.QualityUncertain,
				CapturedAt: time.Now(),
			})
			continue
		}
		out = append(out, collector.TimestampedValue{
			PointID:    p.ID,
			Value:      sample.value,
			Quality:    sample.quality,
			CapturedAt: sample.at,
		})
	}
	d.stats.RecordOperation(0, nil, false)
	return out, nil
}

func (d *driver) WriteValue(p *collector.DataPoint, v collector.Value) error {
	if !d.IsConnected() {
		return collector.ErrNotRunning
	}
	qos := byte(0)
	payload := v.String
	if v.Type == collector.DataTypeBytes {
		payload = string(v.Bytes)
	}
	token := d.client.Publish(d.topicOf[p.ID], qos, false, payload)
	start := time.Now()
	token.WaitTimeout(d.info.Timeout)
	d.stats.RecordOperation(time.Since(start), token.Error(), false)
	if err := token.Error(); err != nil {
		d.recordErr("PUBLISH", err)
		return err
	}
	return nil
}

func (d *driver) GetProtocolType() collector.ProtocolType   { return collector.ProtocolMQTT }
func (d *driver) GetStatus() collector.DriverStatus         { return collector.DriverStatus(d.status.Load()) }
func (d *driver) GetStatistics() collector.DriverStatistics { return d.stats.Snapshot() }

func (d *driver) GetLastError() collector.LastError {
	d.lastErrMu.Lock()
	defer d.lastErrMu.Unlock()
	return d.lastErr
}

func (d *driver) recordErr(code string, err error) {
	d.lastErrMu.Lock()
	d.lastErr = collector.LastError{Code: code, Message: err.Error(), OccurredAt: time.Now()}
	d.lastErrMu.Unlock()
	slog.Default().Warn("mqtt driver error", "code", code, "err", err)
}
