// Package httprest implements a JSON HTTP polling ProtocolDriver. Each
// DataPoint's Address is a JSON field path ("a.b.c") resolved against the
// GET response body fetched from info.Endpoint. This is the one
// driver with no separate transport layer to speak of: net/http already
// owns connection pooling, so there's no socket-level primitive for a
// transport base to add.
package httprest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/worker"
)

func init() {
	collector.RegisterWorkerCreator(collector.ProtocolHTTPRest, NewWorker)
}

type driver struct {
	http *http.Client

	status atomic.Int32
	up     atomic.Bool
	stats  collector.StatisticsRecorder

	lastErrMu sync.Mutex
	lastErr   collector.LastError

	info *collector.DeviceInfo
}

// NewWorker builds an HTTP polling worker. info.Endpoint is the full URL
// polled on every cycle; each point's Address is a dotted JSON field path
// into the decoded response body.
func NewWorker(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
	d := &driver{}
	return worker.NewBaseDeviceWorker(info, d, points, pipeline, status, metrics, settings)
}

func (d *driver) Initialize(info *collector.DeviceInfo) error {
	d.info = info
	d.http = &http.Client{Timeout: info.Timeout}
	d.status.Store(int32(collector.DriverInitialized))
	return nil
}

// Connect performs one GET as a liveness/reachability check; the driver
// otherwise issues a fresh request per ReadValues call, matching how a REST
// endpoint is normally polled rather than held open.
func (d *driver) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.info.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.info.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		d.recordErr("CONNECT", err)
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("httprest: probe returned status %d", resp.StatusCode)
		d.recordErr("CONNECT", err)
		return err
	}
	d.up.Store(true)
	d.status.Store(int32(collector.DriverRunning))
	return nil
}

func (d *driver) Disconnect() error {
	d.up.Store(false)
	d.status.Store(int32(collector.DriverStopped))
	return nil
}

func (d *driver) IsConnected() bool { return d.up.Load() }

func (d *driver) ReadValues(points []*collector.DataPoint) ([]collector.TimestampedValue, error) {
	start := time.Now()
	body, err := d.fetch()
	if err != nil {
		d.up.Store(false)
		d.stats.RecordOperation(time.Since(start), err, false)
		d.recordErr("FETCH", err)
		return nil, err
	}
	d.stats.RecordOperation(time.Since(start), nil, false)

	out := make([]collector.TimestampedValue, 0, len(points))
	now := time.Now()
	for _, p := range points {
		v, err := extractField(body, p.Address, p.DataType)
		if err != nil {
			out = append(out, collector.TimestampedValue{PointID: p.ID, Quality: collector.QualityBad, CapturedAt: now})
			continue
		}
		out = append(out, collector.TimestampedValue{PointID: p.ID, Value: v, Quality: collector.QualityGood, CapturedAt: now})
	}
	return out, nil
}

func (d *driver) fetch() (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.info.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.info.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("httprest: status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("httprest: decode response: %w", err)
	}
	return body, nil
}

// WriteValue implements collector.Worker's write path by POSTing a single
// {"path": value} JSON body to info.Endpoint. REST device APIs vary too
// much for a generic PUT/PATCH body shape; this covers the common "set one
// field" case.
func (d *driver) WriteValue(p *collector.DataPoint, v collector.Value) error {
	payload := map[string]any{p.Address: valueToJSON(v)}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.info.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.info.Endpoint, strings.NewReader(string(buf)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := d.http.Do(req)
	d.stats.RecordOperation(time.Since(start), err, false)
	if err != nil {
		d.recordErr("WRITE", err)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("httprest: write returned status %d", resp.StatusCode)
		d.recordErr("WRITE", err)
		return err
	}
	return nil
}

func valueToJSON(v collector.Value) any {
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

// extractField walks a dotted field path through a decoded JSON object and
// coerces the leaf into the requested data type.
func extractField(body map[string]any, path string, dt collector.DataType) (collector.Value, error) {
	var cur any = body
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return collector.Value{}, fmt.Errorf("%w: path %q does not resolve", collector.ErrInvalidConfig, path)
		}
		v, ok := m[seg]
		if !ok {
			return collector.Value{}, fmt.Errorf("%w: field %q not present", collector.ErrInvalidConfig, seg)
		}
		cur = v
	}
	return coerce(cur, dt)
}

func coerce(v any, dt collector.DataType) (collector.Value, error) {
	switch dt {
	case collector.DataTypeBool:
		b, ok := v.(bool)
		if !ok {
			return collector.Value{}, fmt.Errorf("httprest: expected bool, got %T", v)
		}
		return collector.Value{Type: dt, Bool: b}, nil
	case collector.DataTypeString:
		s, ok := v.(string)
		if !ok {
			return collector.Value{}, fmt.Errorf("httprest: expected string, got %T", v)
		}
		return collector.Value{Type: dt, String: s}, nil
	case collector.DataTypeI8, collector.DataTypeI16, collector.DataTypeI32:
		f, ok := v.(float64)
		if !ok {
			return collector.Value{}, fmt.Errorf("httprest: expected number, got %T", v)
		}
		return collector.Value{Type: dt, Int: int64(f)}, nil
	case collector.DataTypeU8, collector.DataTypeU16, collector.DataTypeU32:
		f, ok := v.(float64)
		if !ok {
			return collector.Value{}, fmt.Errorf("httprest: expected number, got %T", v)
		}
		return collector.Value{Type: dt, Uint: uint64(f)}, nil
	case collector.DataTypeF32, collector.DataTypeF64:
		f, ok := v.(float64)
		if !ok {
			return collector.Value{}, fmt.Errorf("httprest: expected number, got %T", v)
		}
		return collector.Value{Type: dt, Float: f}, nil
	default:
		return collector.Value{}, fmt.Errorf("%w: unsupported data type %q", collector.ErrInvalidConfig, dt)
	}
}

func (d *driver) GetProtocolType() collector.ProtocolType   { return collector.ProtocolHTTPRest }
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
	slog.Default().Warn("httprest driver error", "code", code, "err", err)
}
