// Package bacnetip implements a minimal BACnet/IP ProtocolDriver: unicast
// ReadProperty/WriteProperty of an object's present-value, over the
// BVLL/NPDU/APDU framing from ASHRAE 135. The codec is written directly
// against collector/transport.UDPBase; see DESIGN.md for why the wire
// encoding has no third-party substitute here.
package bacnetip

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/transport"
	"github.com/fieldgrid/collector/worker"
)

func init() {
	collector.RegisterWorkerCreator(collector.ProtocolBacnetIP, NewWorker)
}

// objectType codes from ASHRAE 135 clause 21.
var objectTypes = map[string]uint32{
	"analog-input":  0,
	"analog-output": 1,
	"analog-value":  2,
	"binary-input":  3,
	"binary-output": 4,
	"binary-value":  5,
	"device":        8,
}

const propertyPresentValue = 85

type objectRef struct {
	objType  uint32
	instance uint32
}

func parseObjectRef(addr string) (objectRef, error) {
	parts := strings.Split(addr, ":")
	if len(parts) < 2 {
		return objectRef{}, fmt.Errorf("%w: bacnet address must be object-type:instance, got %q", collector.ErrInvalidConfig, addr)
	}
	ot, ok := objectTypes[strings.ToLower(parts[0])]
	if !ok {
		return objectRef{}, fmt.Errorf("%w: unknown bacnet object type %q", collector.ErrInvalidConfig, parts[0])
	}
	inst, err := strconv.ParseUint(parts[1], 10, 22)
	if err != nil {
		return objectRef{}, fmt.Errorf("%w: invalid bacnet instance in %q", collector.ErrInvalidConfig, addr)
	}
	return objectRef{objType: ot, instance: uint32(inst)}, nil
}

type driver struct {
	udp *transport.UDPBase

	invokeID atomic.Uint32
	status   atomic.Int32
	stats    collector.StatisticsRecorder

	lastErrMu sync.Mutex
	lastErr   collector.LastError

	info *collector.DeviceInfo
}

// NewWorker builds a BACnet/IP worker. info.Endpoint is the device's
// "host:port" (standard port 47808).
func NewWorker(info *collector.DeviceInfo, points []*collector.DataPoint, pipeline collector.Pipeline, status collector.StatusPublisher, metrics *collector.ContextMetrics, settings collector.ReconnectionSettings) (collector.Worker, error) {
	d := &driver{}
	w, err := worker.NewBaseDeviceWorker(info, d, points, pipeline, status, metrics, settings)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (d *driver) Initialize(info *collector.DeviceInfo) error {
	d.info = info
	d.status.Store(int32(collector.DriverInitialized))
	udp, err := transport.NewUDPBase(info.Endpoint, info.Timeout, false, "", bvlcHook{d})
	if err != nil {
		return err
	}
	d.udp = udp
	return nil
}

// bvlcHook satisfies transport.ProtocolConnector with no-op hooks: BACnet/IP
// has no session handshake above UDP, so the protocol-level connect/close
// steps are trivial.
type bvlcHook struct{ d *driver }

func (bvlcHook) EstablishProtocolConnection() error { return nil }
func (bvlcHook) CloseProtocolConnection() error     { return nil }

func (d *driver) Connect() error {
	err := d.udp.EstablishConnection()
	if err == nil {
		d.status.Store(int32(collector.DriverRunning))
	} else {
		d.recordErr("CONNECT", err)
	}
	return err
}

func (d *driver) Disconnect() error {
	d.status.Store(int32(collector.DriverStopped))
	return d.udp.CloseConnection()
}

func (d *driver) IsConnected() bool { return d.udp != nil && d.udp.IsUDPSocketOpen() }

func (d *driver) ReadValues(points []*collector.DataPoint) ([]collector.TimestampedValue, error) {
	out := make([]collector.TimestampedValue, 0, len(points))
	for _, p := range points {
		obj, err := parseObjectRef(p.Address)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		v, err := d.readProperty(obj, p.DataType)
		d.stats.RecordOperation(time.Since(start), err, isDeadlineErr(err))
		if err != nil {
			d.recordErr("READ_PROPERTY", err)
			return nil, err
		}
		out = append(out, collector.TimestampedValue{PointID: p.ID, Value: v, Quality: collector.QualityGood, CapturedAt: time.Now()})
	}
	return out, nil
}

func (d *driver) WriteValue(p *collector.DataPoint, v collector.Value) error {
	obj, err := parseObjectRef(p.Address)
	if err != nil {
		return err
	}
	start := time.Now()
	err = d.writeProperty(obj, v)
	d.stats.RecordOperation(time.Since(start), err, isDeadlineErr(err))
	if err != nil {
		d.recordErr("WRITE_PROPERTY", err)
	}
	return err
}

func (d *driver) GetProtocolType() collector.ProtocolType   { return collector.ProtocolBacnetIP }
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
	slog.Default().Warn("bacnetip driver error", "code", code, "err", err)
}

func isDeadlineErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// readProperty sends a confirmed ReadProperty request for present-value and
// decodes the complex-ack's application-tagged value. Datagrams arrive via
// the transport's receive queue; stray frames for other invoke ids are
// discarded until the deadline runs out.
func (d *driver) readProperty(obj objectRef, dt collector.DataType) (collector.Value, error) {
	id := uint8(d.invokeID.Add(1))
	req := encodeReadPropertyRequest(id, obj, propertyPresentValue)
	if err := d.udp.Send(req); err != nil {
		return collector.Value{}, err
	}
	frame, err := d.awaitResponse(id)
	if err != nil {
		return collector.Value{}, err
	}
	return decodeReadPropertyAck(frame, dt)
}

func (d *driver) writeProperty(obj objectRef, v collector.Value) error {
	id := uint8(d.invokeID.Add(1))
	req, err := encodeWritePropertyRequest(id, obj, propertyPresentValue, v)
	if err != nil {
		return err
	}
	if err := d.udp.Send(req); err != nil {
		return err
	}
	frame, err := d.awaitResponse(id)
	if err != nil {
		return err
	}
	if t := pduType(frame); t == 0x5 || t == 0x6 || t == 0x7 {
		return fmt.Errorf("bacnetip: write rejected (pdu type %#x)", t)
	}
	return nil
}

func pduType(frame []byte) byte {
	if len(frame) < 7 {
		return 0xF
	}
	return frame[6] >> 4
}

// awaitResponse pops frames off the transport's receive queue until one
// carries the expected invoke id or the device timeout elapses.
func (d *driver) awaitResponse(invokeID uint8) ([]byte, error) {
	deadline := time.Now().Add(d.info.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrReceiveTimeout
		}
		frame, _, err := d.udp.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if id, ok := ackInvokeID(frame); ok && id == invokeID {
			return frame, nil
		}
	}
}

// ackInvokeID extracts the invoke id from a BVLL-wrapped ack APDU.
func ackInvokeID(frame []byte) (uint8, bool) {
	if len(frame) < 4 || frame[0] != 0x81 {
		return 0, false
	}
	apdu := frame[4:]
	if len(apdu) < 2 {
		return 0, false
	}
	apdu = apdu[2:] // skip NPDU version + control
	if len(apdu) < 2 {
		return 0, false
	}
	switch apdu[0] >> 4 {
	case 0x2, 0x3: // simple-ack, complex-ack: invoke id directly follows
		return apdu[1], true
	case 0x5, 0x6, 0x7: // error, reject, abort
		return apdu[1], true
	}
	return 0, false
}

// --- BVLL/NPDU/APDU encoding -------------------------------------------------

func bvlcWrap(npdu []byte) []byte {
	out := make([]byte, 4, 4+len(npdu))
	out[0] = 0x81 // BVLL type: BACnet/IP
	out[1] = 0x0A // Original-Unicast-NPDU
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(npdu)))
	return append(out, npdu...)
}

func npduWrap(apdu []byte) []byte {
	return append([]byte{0x01, 0x04}, apdu...) // version 1, control: expecting reply
}

func encodeObjectIdentifier(contextTag byte, obj objectRef) []byte {
	val := (obj.objType << 22) | (obj.instance & 0x3FFFFF)
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, val)
	return append([]byte{contextTag<<4 | 4 | 0x08}, b...) // context tag number, context-specific class bit, length 4
}

func encodeContextUnsigned(contextTag byte, v uint32) []byte {
	switch {
	case v <= 0xFF:
		return []byte{contextTag<<4 | 1 | 0x08, byte(v)}
	default:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return append([]byte{contextTag<<4 | 2 | 0x08}, b...)
	}
}

func encodeReadPropertyRequest(invokeID uint8, obj objectRef, property uint32) []byte {
	apdu := []byte{
		0x00,      // PDU type 0 = confirmed-request, no segmentation
		0x05,      // max segments/max apdu (arbitrary small value)
		invokeID,  // invoke id
		12,        // service choice: readProperty
	}
	apdu = append(apdu, encodeObjectIdentifier(0, obj)...)
	apdu = append(apdu, encodeContextUnsigned(1, property)...)
	return bvlcWrap(npduWrap(apdu))
}

func encodeWritePropertyRequest(invokeID uint8, obj objectRef, property uint32, v collector.Value) ([]byte, error) {
	apdu := []byte{0x00, 0x05, invokeID, 15} // service choice: writeProperty
	apdu = append(apdu, encodeObjectIdentifier(0, obj)...)
	apdu = append(apdu, encodeContextUnsigned(1, property)...)

	value, err := encodeApplicationValue(v)
	if err != nil {
		return nil, err
	}
	apdu = append(apdu, 0x3E) // opening tag 3 (property value)
	apdu = append(apdu, value...)
	apdu = append(apdu, 0x3F) // closing tag 3
	return bvlcWrap(npduWrap(apdu)), nil
}

func encodeApplicationValue(v collector.Value) ([]byte, error) {
	switch v.Type {
	case collector.DataTypeBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{0x91, b}, nil // application tag 9 (enumerated), length 1 -- boolean encoded as enumerated 0/1 here
	case collector.DataTypeF32, collector.DataTypeF64:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v.Numeric())))
		return append([]byte{0x44}, b...), nil // application tag 4 (real), length 4
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v.Numeric()))
		return append([]byte{0x24}, b...), nil // application tag 2 (unsigned), length 4
	}
}

// decodeReadPropertyAck extracts the property-value application tag from a
// complex-ack response, trusting the declared data type to interpret it.
func decodeReadPropertyAck(frame []byte, dt collector.DataType) (collector.Value, error) {
	if len(frame) < 4 || frame[0] != 0x81 {
		return collector.Value{}, fmt.Errorf("bacnetip: malformed BVLL frame")
	}
	npdu := frame[4:]
	if len(npdu) < 2 {
		return collector.Value{}, fmt.Errorf("bacnetip: short NPDU")
	}
	apdu := npdu[2:]
	if len(apdu) < 1 || apdu[0]>>4 != 0x3 { // complex-ack PDU type is 3
		return collector.Value{}, fmt.Errorf("bacnetip: expected complex-ack response")
	}
	// Walk the APDU looking for the opening tag (context tag 3) that wraps
	// the property value, then decode the application-tagged primitive
	// inside it.
	for i := 0; i < len(apdu)-1; i++ {
		if apdu[i] == 0x3E { // opening tag 3
			return decodeApplicationValue(apdu[i+1:], dt)
		}
	}
	return collector.Value{}, fmt.Errorf("bacnetip: property value tag not found")
}

func decodeApplicationValue(b []byte, dt collector.DataType) (collector.Value, error) {
	if len(b) < 1 {
		return collector.Value{}, fmt.Errorf("bacnetip: empty application value")
	}
	tag := b[0] >> 4
	length := int(b[0] & 0x0F)
	if len(b) < 1+length {
		return collector.Value{}, fmt.Errorf("bacnetip: truncated application value")
	}
	payload := b[1 : 1+length]
	switch tag {
	case 1: // boolean
		return collector.Value{Type: collector.DataTypeBool, Bool: length > 0 && payload[0] != 0}, nil
	case 2: // unsigned integer
		return collector.Value{Type: dt, Uint: beUint(payload)}, nil
	case 3: // signed integer
		return collector.Value{Type: dt, Int: beInt(payload)}, nil
	case 4: // real (32-bit float)
		if length != 4 {
			return collector.Value{}, fmt.Errorf("bacnetip: real value must be 4 bytes")
		}
		return collector.Value{Type: collector.DataTypeF32, Float: float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))}, nil
	case 9: // enumerated
		return collector.Value{Type: collector.DataTypeBool, Bool: beUint(payload) != 0}, nil
	default:
		return collector.Value{}, fmt.Errorf("bacnetip: unsupported application tag %d", tag)
	}
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beInt(b []byte) int64 {
	v := beUint(b)
	bits := uint(len(b) * 8)
	if bits < 64 && v&(1<<(bits-1)) != 0 {
		return int64(v) - (1 << bits)
	}
	return int64(v)
}
