package collector

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ProtocolType enumerates the wire disciplines a worker may be bound to.
type ProtocolType string

const (
	ProtocolModbusTCP ProtocolType = "modbus_tcp"
	ProtocolModbusRTU ProtocolType = "modbus_rtu"
	ProtocolMQTT      ProtocolType = "mqtt"
	ProtocolBacnetIP  ProtocolType = "bacnet_ip"
	ProtocolOPCUA     ProtocolType = "opc_ua"
	ProtocolBLE       ProtocolType = "ble"
	ProtocolHTTPRest  ProtocolType = "http_rest"
	ProtocolCustom    ProtocolType = "custom"
)

// DataType enumerates the semantic type a DataPoint's value carries.
type DataType string

const (
	DataTypeBool   DataType = "bool"
	DataTypeI8     DataType = "i8"
	DataTypeI16    DataType = "i16"
	DataTypeI32    DataType = "i32"
	DataTypeU8     DataType = "u8"
	DataTypeU16    DataType = "u16"
	DataTypeU32    DataType = "u32"
	DataTypeF32    DataType = "f32"
	DataTypeF64    DataType = "f64"
	DataTypeString DataType = "string"
	DataTypeBytes  DataType = "bytes"
)

// IsNumeric reports whether the data type supports scaling and deadband math.
func (t DataType) IsNumeric() bool {
	switch t {
	case DataTypeI8, DataTypeI16, DataTypeI32, DataTypeU8, DataTypeU16, DataTypeU32, DataTypeF32, DataTypeF64:
		return true
	}
	return false
}

var (
	// ErrInvalidConfig is returned when a DeviceInfo or DataPoint fails its invariants.
	ErrInvalidConfig = errors.New("collector: invalid configuration")
	// ErrDuplicatePoint is returned by AddDataPoint for an id already present.
	ErrDuplicatePoint = errors.New("collector: duplicate data point id")
	// ErrAlreadyRunning is returned by Start on a worker that is not stopped or errored.
	ErrAlreadyRunning = errors.New("collector: worker already running")
	// ErrNotWritable is returned by WriteValue against a read-only point.
	ErrNotWritable = errors.New("collector: data point is not writable")
	// ErrWrongType is returned when a written value does not fit the point's data type.
	ErrWrongType = errors.New("collector: value does not match data point type")
	// ErrNotRunning is returned by operations that require the RUNNING state.
	ErrNotRunning = errors.New("collector: worker is not running")
	// ErrUnsupportedProtocol is returned by a factory when no creator is registered for a tag.
	ErrUnsupportedProtocol = errors.New("collector: unsupported protocol")
)

// DeviceInfo is the configuration snapshot a worker runs against.
type DeviceInfo struct {
	DeviceID        string
	DeviceKey       int64
	Name            string
	Protocol        ProtocolType
	Endpoint        string
	Enabled         bool
	PollingInterval time.Duration
	Timeout         time.Duration
	Retry           int
	Properties      map[string]string
}

// Validate enforces the DeviceInfo invariants.
func (d *DeviceInfo) Validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidConfig)
	}
	if d.PollingInterval < time.Millisecond {
		return fmt.Errorf("%w: polling_interval must be >= 1ms", ErrInvalidConfig)
	}
	if d.Timeout < time.Millisecond {
		return fmt.Errorf("%w: timeout must be >= 1ms", ErrInvalidConfig)
	}
	if d.Retry < 0 {
		return fmt.Errorf("%w: retry must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Property returns a protocol-specific tuning value, or the given default if unset.
func (d *DeviceInfo) Property(key, def string) string {
	if d.Properties == nil {
		return def
	}
	if v, ok := d.Properties[key]; ok {
		return v
	}
	return def
}

// Scaling is the linear transform applied to a raw numeric reading.
type Scaling struct {
	Factor float64
	Offset float64
}

// Apply converts a raw numeric reading into engineering units.
func (s Scaling) Apply(raw float64) float64 {
	factor := s.Factor
	if factor == 0 {
		factor = 1
	}
	return raw*factor + s.Offset
}

// IsIdentity reports whether the transform leaves readings unchanged.
func (s Scaling) IsIdentity() bool {
	return (s.Factor == 0 || s.Factor == 1) && s.Offset == 0
}

// Range is the valid engineering range for a numeric DataPoint. The zero
// value (Min == Max == 0) means no range is configured.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether x lies within the range, inclusive.
func (r Range) Contains(x float64) bool { return x >= r.Min && x <= r.Max }

// DataPoint is a single logical readable/writable signal on a device.
type DataPoint struct {
	ID           string
	DeviceID     string
	Name         string
	Address      string
	DataType     DataType
	Writable     bool
	ScanInterval time.Duration
	Scaling      Scaling
	EngRange     Range
	Deadband     float64
	Unit         string
	Properties   map[string]string
}

// Validate enforces the DataPoint invariants.
func (p *DataPoint) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty data point id", ErrInvalidConfig)
	}
	if p.EngRange.Max < p.EngRange.Min {
		return fmt.Errorf("%w: max < min for point %s", ErrInvalidConfig, p.ID)
	}
	return nil
}

// Quality tags the trustworthiness of a TimestampedValue.
type Quality string

const (
	QualityGood        Quality = "good"
	QualityUncertain   Quality = "uncertain"
	QualityBad         Quality = "bad"
	QualityCommFailure Quality = "comm_failure"
	QualityLastKnown   Quality = "last_known"
)

// Value is a tagged union over the data types a DataPoint can carry.
type Value struct {
	Type   DataType
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64
	String string
	Bytes  []byte
}

// Equal reports whether two values are identical in both type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case DataTypeBool:
		return v.Bool == o.Bool
	case DataTypeI8, DataTypeI16, DataTypeI32:
		return v.Int == o.Int
	case DataTypeU8, DataTypeU16, DataTypeU32:
		return v.Uint == o.Uint
	case DataTypeF32, DataTypeF64:
		return v.Float == o.Float
	case DataTypeString:
		return v.String == o.String
	case DataTypeBytes:
		return string(v.Bytes) == string(o.Bytes)
	}
	return false
}

// Numeric returns the value as a float64 for scaling/deadband arithmetic.
// It panics if called on a non-numeric type; callers must check IsNumeric first.
func (v Value) Numeric() float64 {
	switch v.Type {
	case DataTypeI8, DataTypeI16, DataTypeI32:
		return float64(v.Int)
	case DataTypeU8, DataTypeU16, DataTypeU32:
		return float64(v.Uint)
	case DataTypeF32, DataTypeF64:
		return v.Float
	}
	panic("collector: Numeric called on non-numeric value")
}

// ParseValue decodes a string-encoded value per the target data type — the
// conversion the control plane's write callback performs before handing a
// value to a worker.
func ParseValue(dt DataType, raw string) (Value, error) {
	switch dt {
	case DataTypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a bool", ErrWrongType, raw)
		}
		return Value{Type: dt, Bool: b}, nil
	case DataTypeI8, DataTypeI16, DataTypeI32:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an integer", ErrWrongType, raw)
		}
		return Value{Type: dt, Int: n}, nil
	case DataTypeU8, DataTypeU16, DataTypeU32:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an unsigned integer", ErrWrongType, raw)
		}
		return Value{Type: dt, Uint: n}, nil
	case DataTypeF32, DataTypeF64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a number", ErrWrongType, raw)
		}
		return Value{Type: dt, Float: f}, nil
	case DataTypeString:
		return Value{Type: dt, String: raw}, nil
	case DataTypeBytes:
		return Value{Type: dt, Bytes: []byte(raw)}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown data type %q", ErrInvalidConfig, dt)
	}
}

// TimestampedValue is the emission quantum. OutOfRange marks a good reading
// that fell outside its point's engineering range.
type TimestampedValue struct {
	PointID    string
	Value      Value
	Quality    Quality
	Sequence   uint64
	CapturedAt time.Time
	Changed    bool
	OutOfRange bool
}

// ReconnectionSettings is the per-worker supervision policy.
type ReconnectionSettings struct {
	AutoReconnect           bool
	RetryInterval           time.Duration
	MaxRetriesPerCycle      int
	WaitTimeAfterMaxRetries time.Duration
	KeepAliveEnabled        bool
	KeepAliveInterval       time.Duration
	ConnectionTimeout       time.Duration
}

// Validate rejects zero or negative intervals.
func (s ReconnectionSettings) Validate() error {
	if s.RetryInterval <= 0 {
		return fmt.Errorf("%w: retry_interval must be > 0", ErrInvalidConfig)
	}
	if s.WaitTimeAfterMaxRetries <= 0 {
		return fmt.Errorf("%w: wait_time_after_max_retries must be > 0", ErrInvalidConfig)
	}
	if s.MaxRetriesPerCycle < 1 {
		return fmt.Errorf("%w: max_retries_per_cycle must be >= 1", ErrInvalidConfig)
	}
	if s.KeepAliveEnabled && s.KeepAliveInterval <= 0 {
		return fmt.Errorf("%w: keep_alive_interval must be > 0 when keep-alive is enabled", ErrInvalidConfig)
	}
	return nil
}

// DefaultReconnectionSettings returns a conservative, always-valid policy.
func DefaultReconnectionSettings() ReconnectionSettings {
	return ReconnectionSettings{
		AutoReconnect:           true,
		RetryInterval:           2 * time.Second,
		MaxRetriesPerCycle:      5,
		WaitTimeAfterMaxRetries: 30 * time.Second,
		KeepAliveEnabled:        true,
		KeepAliveInterval:       30 * time.Second,
		ConnectionTimeout:       5 * time.Second,
	}
}
