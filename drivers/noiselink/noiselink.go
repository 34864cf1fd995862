// Package noiselink implements the NoiseLink ProtocolDriver, bound to
// collector.ProtocolCustom: a Noise-secured framed request/response link to
// an industrial gateway that has no public wire spec of its own. It rides collector/transport.TCPBase for the raw socket and
// performs a Noise NN handshake (anonymous, no static keys — the gateway is
// reached over a private network, not the public internet) before
// exchanging any application data.
package noiselink

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/transport"
	"github.com/fieldgrid/collector/worker"
)

func init() {
	collector.RegisterWorkerCreator(collector.ProtocolCustom, NewWorker)
}

type driver struct {
	tcp *transport.TCPBase

	mu   sync.Mutex
	sess *session

	connected atomic.Bool
	status    atomic.Int32
	stats     collector.StatisticsRecorder

	lastErrMu sync.Mutex
	lastErr   collector.LastError

	info *collector.DeviceInfo
}

// NewWorker builds a NoiseLink worker. info.Endpoint is the gateway's
// "host:port"; each DataPoint's Address is the opaque tag name the gateway
// uses to identify the signal on its side of the link.
func NewWorker(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
	d := &driver{}
	return worker.NewBaseDeviceWorker(info, d, points, pipeline, status, metrics, settings)
}

func (d *driver) Initialize(info *collector.DeviceInfo) error {
	d.info = info
	tcp, err := transport.NewTCPBase(info.Endpoint, info.Timeout, info.Timeout, d)
	if err != nil {
		return err
	}
	tcp.NoDelay = true
	d.tcp = tcp
	d.status.Store(int32(collector.DriverInitialized))
	return nil
}

// EstablishProtocolConnection implements transport.ProtocolConnector: once
// TCPBase has the raw socket open, run the Noise handshake over it before
// the connection is considered usable.
func (d *driver) EstablishProtocolConnection() error {
	sess, err := handshake(d.tcp.Conn(), time.Now().Add(d.info.Timeout))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.sess = sess
	d.mu.Unlock()
	return nil
}

// CloseProtocolConnection implements transport.ProtocolConnector.
func (d *driver) CloseProtocolConnection() error {
	d.mu.Lock()
	d.sess = nil
	d.mu.Unlock()
	return nil
}

func (d *driver) Connect() error {
	if d.tcp == nil {
		return fmt.Errorf("%w: noiselink driver not initialized", collector.ErrInvalidConfig)
	}
	if err := d.tcp.EstablishConnection(); err != nil {
		d.recordErr("CONNECT", err)
		return err
	}
	d.connected.Store(true)
	d.status.Store(int32(collector.DriverRunning))
	return nil
}

func (d *driver) Disconnect() error {
	d.connected.Store(false)
	d.status.Store(int32(collector.DriverStopped))
	if d.tcp == nil {
		return nil
	}
	return d.tcp.CloseConnection()
}

func (d *driver) IsConnected() bool { return d.connected.Load() }

// markDown flags the link as lost after a frame-level I/O failure, so the
// worker hands the connection back to its reconnect controller. Decode
// errors and gateway rejections are transient and do not come through here.
func (d *driver) markDown() {
	d.connected.Store(false)
	d.status.Store(int32(collector.DriverError))
}

func (d *driver) currentSession() *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

// SendKeepAlive implements collector.KeepAliver: a ping frame with an
// expected ack, distinct from a full ReadValues round trip.
func (d *driver) SendKeepAlive() error {
	sess := d.currentSession()
	if sess == nil {
		return collector.ErrNotRunning
	}
	if err := sess.sendFrame(framePing, nil); err != nil {
		d.recordErr("KEEPALIVE", err)
		d.markDown()
		return err
	}
	ftype, _, err := sess.recvFrame()
	if err != nil {
		d.recordErr("KEEPALIVE", err)
		d.markDown()
		return err
	}
	if ftype != frameAck {
		err := fmt.Errorf("noiselink: unexpected keep-alive reply frame %d", ftype)
		d.recordErr("KEEPALIVE", err)
		return err
	}
	return nil
}

type readRequest struct {
	Tags []string `json:"tags"`
}

type wireSample struct {
	Tag     string          `json:"tag"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
	Quality string          `json:"quality,omitempty"`
}

type readResponse struct {
	Samples []wireSample `json:"samples"`
}

func (d *driver) ReadValues(points []*collector.DataPoint) ([]collector.TimestampedValue, error) {
	sess := d.currentSession()
	if sess == nil {
		return nil, collector.ErrNotRunning
	}
	start := time.Now()

	tags := make([]string, len(points))
	for i, p := range points {
		tags[i] = p.Address
	}
	reqBody, err := json.Marshal(readRequest{Tags: tags})
	if err != nil {
		return nil, err
	}
	if err := sess.sendFrame(frameData, reqBody); err != nil {
		d.recordErr("READ", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		d.markDown()
		return nil, err
	}
	ftype, payload, err := sess.recvFrame()
	if err != nil {
		d.recordErr("READ", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		d.markDown()
		return nil, err
	}
	if ftype != frameData {
		err := fmt.Errorf("noiselink: unexpected read reply frame %d", ftype)
		d.recordErr("READ", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		return nil, err
	}

	var resp readResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.recordErr("READ_DECODE", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		return nil, err
	}
	byTag := make(map[string]wireSample, len(resp.Samples))
	for _, s := range resp.Samples {
		byTag[s.Tag] = s
	}

	now := time.Now()
	out := make([]collector.TimestampedValue, 0, len(points))
	for _, p := range points {
		ws, ok := byTag[p.Address]
		if !ok {
			out = append(out, collector.TimestampedValue{PointID: p.ID, Quality: collector.QualityBad, CapturedAt: now})
			continue
		}
		v, err := decodeWireValue(ws, p.DataType)
		if err != nil {
			out = append(out, collector.TimestampedValue{PointID: p.ID, Quality: collector.QualityBad, CapturedAt: now})
			continue
		}
		q := collector.QualityGood
		if ws.Quality != "" {
			q = collector.Quality(ws.Quality)
		}
		out = append(out, collector.TimestampedValue{PointID: p.ID, Value: v, Quality: q, CapturedAt: now})
	}
	d.stats.RecordOperation(time.Since(start), nil, false)
	return out, nil
}

type writeRequest struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value"`
}

type writeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (d *driver) WriteValue(p *collector.DataPoint, v collector.Value) error {
	sess := d.currentSession()
	if sess == nil {
		return collector.ErrNotRunning
	}
	start := time.Now()

	raw, err := json.Marshal(valueToAny(v))
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(writeRequest{Tag: p.Address, Value: raw})
	if err != nil {
		return err
	}
	if err := sess.sendFrame(frameWrite, reqBody); err != nil {
		d.recordErr("WRITE", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		d.markDown()
		return err
	}
	ftype, payload, err := sess.recvFrame()
	if err != nil {
		d.recordErr("WRITE", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		d.markDown()
		return err
	}
	if ftype != frameAck {
		err := fmt.Errorf("noiselink: unexpected write reply frame %d", ftype)
		d.recordErr("WRITE", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		return err
	}
	var resp writeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		d.recordErr("WRITE_DECODE", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		return err
	}
	if !resp.OK {
		err := fmt.Errorf("noiselink: gateway rejected write: %s", resp.Error)
		d.recordErr("WRITE_REJECTED", err)
		d.stats.RecordOperation(time.Since(start), err, false)
		return err
	}
	d.stats.RecordOperation(time.Since(start), nil, false)
	return nil
}

func valueToAny(v collector.Value) any {
	switch v.Type {
	case collector.DataTypeBool:
		return v.Bool
	case collector.DataTypeString:
		return v.String
	case collector.DataTypeI8, collector.DataTypeI16, collector.DataTypeI32:
		return v.Int
	case collector.DataTypeU8, collector.DataTypeU16, collector.DataTypeU32:
		return v.Uint
	case collector.DataTypeF32, collector.DataTypeF64:
		return v.Float
	default:
		return v.String
	}
}

func decodeWireValue(ws wireSample, dt collector.DataType) (collector.Value, error) {
	switch dt {
	case collector.DataTypeBool:
		var b bool
		if err := json.Unmarshal(ws.Value, &b); err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: dt, Bool: b}, nil
	case collector.DataTypeString:
		var s string
		if err := json.Unmarshal(ws.Value, &s); err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: dt, String: s}, nil
	case collector.DataTypeI8, collector.DataTypeI16, collector.DataTypeI32:
		var n int64
		if err := json.Unmarshal(ws.Value, &n); err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: dt, Int: n}, nil
	case collector.DataTypeU8, collector.DataTypeU16, collector.DataTypeU32:
		var n uint64
		if err := json.Unmarshal(ws.Value, &n); err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: dt, Uint: n}, nil
	case collector.DataTypeF32, collector.DataTypeF64:
		var f float64
		if err := json.Unmarshal(ws.Value, &f); err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: dt, Float: f}, nil
	default:
		return collector.Value{}, fmt.Errorf("%w: unsupported noiselink data type %q", collector.ErrInvalidConfig, dt)
	}
}

func (d *driver) GetProtocolType() collector.ProtocolType   { return collector.ProtocolCustom }
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
}
