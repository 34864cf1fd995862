// Package modbus implements the Modbus TCP and Modbus RTU ProtocolDriver
// variants, wrapping github.com/goburrow/modbus. Both variants share one
// driver implementation; only how the underlying
// modbus.Client is built (TCP socket vs. serial line) differs.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/transport"
	"github.com/fieldgrid/collector/worker"
)

func init() {
	collector.RegisterWorkerCreator(collector.ProtocolModbusTCP, NewWorker)
	collector.RegisterWorkerCreator(collector.ProtocolModbusRTU, NewWorker)
}

// area is the Modbus register space a point's Address resolves into.
type area string

const (
	areaCoil     area = "coil"
	areaDiscrete area = "discrete"
	areaHolding  area = "holding"
	areaInput    area = "input"
)

// pointAddr is a parsed DataPoint.Address of the form "<area>:<register>",
// e.g. "holding:40001".
type pointAddr struct {
	area     area
	register uint16
}

func parseAddress(raw string) (pointAddr, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return pointAddr{}, fmt.Errorf("%w: modbus address must be area:register, got %q", collector.ErrInvalidConfig, raw)
	}
	reg, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return pointAddr{}, fmt.Errorf("%w: invalid modbus register in %q", collector.ErrInvalidConfig, raw)
	}
	a := area(strings.ToLower(parts[0]))
	switch a {
	case areaCoil, areaDiscrete, areaHolding, areaInput:
	default:
		return pointAddr{}, fmt.Errorf("%w: unknown modbus area %q", collector.ErrInvalidConfig, parts[0])
	}
	return pointAddr{area: a, register: uint16(reg)}, nil
}

// registerWidth reports how many 16-bit registers a data type occupies.
func registerWidth(t collector.DataType) uint16 {
	switch t {
	case collector.DataTypeI32, collector.DataTypeU32, collector.DataTypeF32:
		return 2
	default:
		return 1
	}
}

type client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

type handler interface {
	Connect() error
	Close() error
}

// driver is the shared ProtocolDriver implementation for both TCP and RTU
// Modbus variants; only the build function (buildTCPHandler or
// buildRTUHandler) differs between them.
type driver struct {
	protocol collector.ProtocolType
	build    func(info *collector.DeviceInfo) (handler, client, error)

	mu   sync.Mutex
	h    handler
	c    client
	info *collector.DeviceInfo

	connected atomic.Bool
	status    atomic.Int32
	stats     collector.StatisticsRecorder

	lastErrMu sync.Mutex
	lastErr   collector.LastError
}

func (d *driver) Initialize(info *collector.DeviceInfo) error {
	d.info = info
	d.status.Store(int32(collector.DriverInitialized))
	return nil
}

func (d *driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, c, err := d.build(d.info)
	if err != nil {
		d.recordErr("BUILD_HANDLER", err)
		return err
	}
	if err := h.Connect(); err != nil {
		d.recordErr("CONNECT", err)
		return err
	}
	d.h, d.c = h, c
	d.connected.Store(true)
	d.status.Store(int32(collector.DriverRunning))
	return nil
}

func (d *driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected.Store(false)
	d.status.Store(int32(collector.DriverStopped))
	if d.h == nil {
		return nil
	}
	err := d.h.Close()
	d.h, d.c = nil, nil
	return err
}

func (d *driver) IsConnected() bool { return d.connected.Load() }

func (d *driver) ReadValues(points []*collector.DataPoint) ([]collector.TimestampedValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return nil, collector.ErrNotRunning
	}
	out := make([]collector.TimestampedValue, 0, len(points))
	start := time.Now()
	for _, p := range points {
		addr, err := parseAddress(p.Address)
		if err != nil {
			d.recordErr("BAD_ADDRESS", err)
			return nil, err
		}
		v, err := d.readOne(addr, p)
		if err != nil {
			d.recordErr("READ", err)
			d.stats.RecordOperation(time.Since(start), err, isTimeoutErr(err))
			d.classifyIOError(err)
			return nil, err
		}
		out = append(out, collector.TimestampedValue{
			PointID:    p.ID,
			Value:      v,
			Quality:    collector.QualityGood,
			CapturedAt: time.Now(),
		})
	}
	d.stats.RecordOperation(time.Since(start), nil, false)
	return out, nil
}

func (d *driver) readOne(addr pointAddr, p *collector.DataPoint) (collector.Value, error) {
	switch addr.area {
	case areaCoil:
		b, err := d.c.ReadCoils(addr.register, 1)
		if err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: collector.DataTypeBool, Bool: b[0]&0x01 != 0}, nil
	case areaDiscrete:
		b, err := d.c.ReadDiscreteInputs(addr.register, 1)
		if err != nil {
			return collector.Value{}, err
		}
		return collector.Value{Type: collector.DataTypeBool, Bool: b[0]&0x01 != 0}, nil
	case areaHolding, areaInput:
		width := registerWidth(p.DataType)
		var b []byte
		var err error
		if addr.area == areaHolding {
			b, err = d.c.ReadHoldingRegisters(addr.register, width)
		} else {
			b, err = d.c.ReadInputRegisters(addr.register, width)
		}
		if err != nil {
			return collector.Value{}, err
		}
		return decodeRegisters(b, p.DataType, p.Scaling)
	}
	return collector.Value{}, fmt.Errorf("%w: unhandled modbus area %q", collector.ErrInvalidConfig, addr.area)
}

// decodeRegisters turns raw register bytes into an engineering-unit Value.
// Scaling applies to every numeric type. An identity scale keeps the point's
// declared integer storage; any other factor/offset yields fractional
// engineering units in general, so the scaled value rides as f64.
func decodeRegisters(b []byte, t collector.DataType, scaling collector.Scaling) (collector.Value, error) {
	var raw float64
	switch t {
	case collector.DataTypeU16:
		raw = float64(binary.BigEndian.Uint16(b))
	case collector.DataTypeI16:
		raw = float64(int16(binary.BigEndian.Uint16(b)))
	case collector.DataTypeU32:
		raw = float64(binary.BigEndian.Uint32(b))
	case collector.DataTypeI32:
		raw = float64(int32(binary.BigEndian.Uint32(b)))
	case collector.DataTypeF32:
		f := float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
		return collector.Value{Type: t, Float: scaling.Apply(f)}, nil
	default:
		return collector.Value{}, fmt.Errorf("%w: unsupported modbus data type %q", collector.ErrInvalidConfig, t)
	}
	if scaling.IsIdentity() {
		switch t {
		case collector.DataTypeU16, collector.DataTypeU32:
			return collector.Value{Type: t, Uint: uint64(raw)}, nil
		default:
			return collector.Value{Type: t, Int: int64(raw)}, nil
		}
	}
	return collector.Value{Type: collector.DataTypeF64, Float: scaling.Apply(raw)}, nil
}

func (d *driver) WriteValue(p *collector.DataPoint, v collector.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return collector.ErrNotRunning
	}
	addr, err := parseAddress(p.Address)
	if err != nil {
		return err
	}
	start := time.Now()
	switch addr.area {
	case areaCoil:
		val := uint16(0)
		if v.Bool {
			val = 0xFF00
		}
		_, err = d.c.WriteSingleCoil(addr.register, val)
	case areaHolding:
		switch v.Type {
		case collector.DataTypeU16, collector.DataTypeI16:
			_, err = d.c.WriteSingleRegister(addr.register, uint16(v.Numeric()))
		case collector.DataTypeU32, collector.DataTypeI32, collector.DataTypeF32:
			buf := make([]byte, 4)
			if v.Type == collector.DataTypeF32 {
				binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v.Float)))
			} else {
				binary.BigEndian.PutUint32(buf, uint32(v.Numeric()))
			}
			_, err = d.c.WriteMultipleRegisters(addr.register, 2, buf)
		default:
			err = collector.ErrWrongType
		}
	default:
		err = fmt.Errorf("%w: area %q is not writable", collector.ErrNotWritable, addr.area)
	}
	d.stats.RecordOperation(time.Since(start), err, isTimeoutErr(err))
	if err != nil {
		d.recordErr("WRITE", err)
		d.classifyIOError(err)
	}
	return err
}

// classifyIOError distinguishes protocol-level Modbus exceptions and plain
// timeouts (transport still up, error is transient) from transport failures,
// which mark the driver disconnected so the worker hands the connection back
// to its reconnect controller.
func (d *driver) classifyIOError(err error) {
	var me *gomodbus.ModbusError
	if errors.As(err, &me) || isTimeoutErr(err) {
		return
	}
	d.connected.Store(false)
	d.status.Store(int32(collector.DriverError))
}

func (d *driver) GetProtocolType() collector.ProtocolType { return d.protocol }
func (d *driver) GetStatus() collector.DriverStatus       { return collector.DriverStatus(d.status.Load()) }
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
	slog.Default().Warn("modbus driver error", "code", code, "err", err)
}

func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// NewWorker builds a Modbus TCP or RTU worker, chosen by info.Protocol.
// pipeline/status/metrics may be nil; settings must pass
// ReconnectionSettings.Validate (the zero value does not), otherwise the
// worker is not built and the validation error is returned.
func NewWorker(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
	d := &driver{protocol: info.Protocol}
	switch info.Protocol {
	case collector.ProtocolModbusTCP:
		d.build = buildTCPHandler
	case collector.ProtocolModbusRTU:
		d.build = buildRTUHandler
	default:
		return nil, fmt.Errorf("%w: %s", collector.ErrUnsupportedProtocol, info.Protocol)
	}
	return worker.NewBaseDeviceWorker(info, d, points, pipeline, status, metrics, settings)
}

func buildTCPHandler(info *collector.DeviceInfo) (handler, client, error) {
	h := gomodbus.NewTCPClientHandler(info.Endpoint)
	h.Timeout = info.Timeout
	if slave := info.Property("slave_id", ""); slave != "" {
		id, err := strconv.Atoi(slave)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid slave_id %q", collector.ErrInvalidConfig, slave)
		}
		h.SlaveId = byte(id)
	}
	return h, gomodbus.NewClient(h), nil
}

// buildRTUHandler runs the RTU wire conversation over transport.SerialBase's
// raw-mode descriptor: the base owns the port (open, termios setup, restore
// on close), rtuTransport moves ADUs across it, and the library handler
// contributes only the RTU framing (Packager) via NewClient2.
func buildRTUHandler(info *collector.DeviceInfo) (handler, client, error) {
	base, err := transport.NewSerialBase(info.Endpoint, info.Timeout, info.Timeout, nil)
	if err != nil {
		return nil, nil, err
	}
	h := gomodbus.NewRTUClientHandler(base.Config.Device)
	h.Timeout = info.Timeout
	if slave := info.Property("slave_id", "1"); slave != "" {
		id, err := strconv.Atoi(slave)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid slave_id %q", collector.ErrInvalidConfig, slave)
		}
		h.SlaveId = byte(id)
	}
	return &serialHandler{base: base}, gomodbus.NewClient2(h, &rtuTransport{base: base, timeout: info.Timeout}), nil
}

// serialHandler adapts transport.SerialBase to the handler interface the
// driver opens and tears connections down through.
type serialHandler struct{ base *transport.SerialBase }

func (s *serialHandler) Connect() error { return s.base.EstablishConnection() }
func (s *serialHandler) Close() error   { return s.base.CloseConnection() }

// rtuMaxADU is the largest RTU application data unit on the wire.
const rtuMaxADU = 256

// rtuTransport implements gomodbus.Transporter over the serial transport
// base, so the line is owned by one descriptor instead of a second,
// library-internal port handle.
type rtuTransport struct {
	base    *transport.SerialBase
	timeout time.Duration
}

func (t *rtuTransport) Send(aduRequest []byte) ([]byte, error) {
	f := t.base.File()
	if f == nil {
		return nil, transport.ErrNotConnected
	}
	if _, err := f.Write(aduRequest); err != nil {
		return nil, err
	}
	f.SetReadDeadline(time.Now().Add(t.timeout))
	defer f.SetReadDeadline(time.Time{})

	buf := make([]byte, rtuMaxADU)
	if _, err := io.ReadFull(f, buf[:2]); err != nil {
		return nil, err
	}
	read := 2
	if needsByteCount(buf[1]) {
		if _, err := io.ReadFull(f, buf[2:3]); err != nil {
			return nil, err
		}
		read = 3
	}
	total := rtuADULength(buf[1], buf[2])
	if total > rtuMaxADU {
		return nil, fmt.Errorf("modbus: rtu response length %d exceeds %d", total, rtuMaxADU)
	}
	if _, err := io.ReadFull(f, buf[read:total]); err != nil {
		return nil, err
	}
	return buf[:total], nil
}

// needsByteCount reports whether a response for the function code carries a
// leading byte count (the read functions) rather than a fixed-size echo.
func needsByteCount(fn byte) bool {
	return fn&0x80 == 0 && fn >= 1 && fn <= 4
}

// rtuADULength computes a response ADU's total size from its function code
// and, for read responses, the byte count that follows it.
func rtuADULength(fn, byteCount byte) int {
	switch {
	case fn&0x80 != 0:
		return 5 // address, function, exception code, crc
	case needsByteCount(fn):
		return 5 + int(byteCount) // address, function, count, data, crc
	default:
		return 8 // fixed-size write echo
	}
}
