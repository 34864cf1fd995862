package transport

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ValidBaudRates is the whitelist SerialBase enforces; anything else is
// rejected at endpoint parse time.
var ValidBaudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// SerialConfig is the parsed form of a serial endpoint string, formatted as
// "device@baud,dataBits,parity,stopBits", e.g. "/dev/ttyUSB0@9600,8,N,1".
type SerialConfig struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   byte // 'N', 'E', 'O'
	StopBits int
}

// ParseSerialEndpoint parses a SerialConfig out of an endpoint string,
// defaulting to 8 data bits, no parity and 1 stop bit when the optional
// suffix is omitted.
func ParseSerialEndpoint(endpoint string) (SerialConfig, error) {
	cfg := SerialConfig{DataBits: 8, Parity: 'N', StopBits: 1}
	at := strings.SplitN(endpoint, "@", 2)
	cfg.Device = at[0]
	if cfg.Device == "" {
		return cfg, fmt.Errorf("%w: empty serial device path", ErrInvalidEndpoint)
	}
	if len(at) == 1 {
		return cfg, fmt.Errorf("%w: missing baud rate in %q", ErrInvalidEndpoint, endpoint)
	}
	parts := strings.Split(at[1], ",")
	baud, err := strconv.Atoi(parts[0])
	if err != nil {
		return cfg, fmt.Errorf("%w: invalid baud rate in %q", ErrInvalidEndpoint, endpoint)
	}
	if _, ok := ValidBaudRates[baud]; !ok {
		return cfg, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidEndpoint, baud)
	}
	cfg.BaudRate = baud
	if len(parts) > 1 {
		db, err := strconv.Atoi(parts[1])
		if err != nil || (db != 5 && db != 6 && db != 7 && db != 8) {
			return cfg, fmt.Errorf("%w: invalid data bits in %q", ErrInvalidEndpoint, endpoint)
		}
		cfg.DataBits = db
	}
	if len(parts) > 2 && parts[2] != "" {
		p := strings.ToUpper(parts[2])[0]
		if p != 'N' && p != 'E' && p != 'O' {
			return cfg, fmt.Errorf("%w: invalid parity in %q", ErrInvalidEndpoint, endpoint)
		}
		cfg.Parity = p
	}
	if len(parts) > 3 {
		sb, err := strconv.Atoi(parts[3])
		if err != nil || (sb != 1 && sb != 2) {
			return cfg, fmt.Errorf("%w: invalid stop bits in %q", ErrInvalidEndpoint, endpoint)
		}
		cfg.StopBits = sb
	}
	return cfg, nil
}

// SerialBase owns a raw serial port file descriptor, configured into raw
// mode via termios. It tracks the port's original attributes
// so Close restores them, leaving the device node usable by the next opener.
type SerialBase struct {
	Config         SerialConfig
	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	hook ProtocolConnector

	mu       sync.Mutex
	file     *os.File
	original *unix.Termios
}

// NewSerialBase builds a SerialBase for the given endpoint string.
func NewSerialBase(endpoint string, connectTimeout, ioTimeout time.Duration, hook ProtocolConnector) (*SerialBase, error) {
	cfg, err := ParseSerialEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &SerialBase{Config: cfg, ConnectTimeout: connectTimeout, IOTimeout: ioTimeout, hook: hook}, nil
}

// EstablishConnection opens the device node, switches it into raw mode at
// the configured baud rate, and then runs the protocol-level hook.
func (s *SerialBase) EstablishConnection() error {
	f, err := os.OpenFile(s.Config.Device, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}

	fd := int(f.Fd())
	orig, err := unix.IoctlGetTermios(fd, ioctlTermiosGet)
	if err != nil {
		f.Close()
		return fmt.Errorf("serial: get termios: %w", err)
	}
	raw := *orig
	configureRawMode(&raw, s.Config)
	if err := unix.IoctlSetTermios(fd, ioctlTermiosSet, &raw); err != nil {
		f.Close()
		return fmt.Errorf("serial: set termios: %w", err)
	}

	s.mu.Lock()
	s.file = f
	s.original = orig
	s.mu.Unlock()

	if s.hook != nil {
		if err := s.hook.EstablishProtocolConnection(); err != nil {
			s.mu.Lock()
			s.closeLocked()
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// CloseConnection closes the protocol session, restores the port's original
// termios settings, then closes the file descriptor.
func (s *SerialBase) CloseConnection() error {
	var protoErr error
	if s.hook != nil {
		protoErr = s.hook.CloseProtocolConnection()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil && protoErr == nil {
		return err
	}
	return protoErr
}

func (s *SerialBase) closeLocked() error {
	if s.file == nil {
		return nil
	}
	if s.original != nil {
		unix.IoctlSetTermios(int(s.file.Fd()), ioctlTermiosSet, s.original)
	}
	err := s.file.Close()
	s.file = nil
	s.original = nil
	return err
}

// CheckConnection stats the open file descriptor; ENXIO/EIO surface the
// device having been unplugged.
func (s *SerialBase) CheckConnection() error {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return ErrNotConnected
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), ioctlTermiosGet)
	return err
}

// IsSerialPortOpen reports whether the transport currently owns an open
// file descriptor — correlated by the controller against the driver's own
// IsConnected.
func (s *SerialBase) IsSerialPortOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// File returns the underlying serial file for the protocol layer's reads and
// writes. Returns nil when not connected.
func (s *SerialBase) File() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func configureRawMode(t *unix.Termios, cfg SerialConfig) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}
	if cfg.Parity != 'N' {
		t.Cflag |= unix.PARENB
		if cfg.Parity == 'O' {
			t.Cflag |= unix.PARODD
		}
	}
	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	t.Cflag |= unix.CREAD | unix.CLOCAL
	baud := ValidBaudRates[cfg.BaudRate]
	setTermiosSpeed(t, baud)
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 10
}
