// Package transport hosts the three transport-specialized worker bases:
// TCPBase, SerialBase and UDPBase. Each owns the raw endpoint
// (socket, serial port, or UDP binding) and delegates protocol-level steps
// to a ProtocolConnector implemented by the concrete worker that embeds it:
// the transport step runs first, then delegates.
package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// ProtocolConnector is implemented by the concrete worker embedding a
// transport base. The base calls EstablishProtocolConnection after its own
// transport step succeeds, and CloseProtocolConnection before tearing down
// the transport.
type ProtocolConnector interface {
	EstablishProtocolConnection() error
	CloseProtocolConnection() error
}

var (
	// ErrInvalidEndpoint is returned when an endpoint string cannot be parsed
	// for the transport in question.
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
	// ErrNotConnected is returned by operations that require an open transport.
	ErrNotConnected = errors.New("transport: not connected")
)

// TCPBase parses host:port from a device endpoint and owns a non-blocking
// TCP socket with configurable connect/IO timeouts.
type TCPBase struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	NoDelay        bool
	OSKeepAlive    time.Duration // 0 disables OS-level keep-alive

	hook ProtocolConnector

	mu   sync.Mutex
	conn *net.TCPConn
}

// ParseTCPEndpoint splits a "host:port" endpoint, requiring a port in
// [1,65535].
func ParseTCPEndpoint(endpoint string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, endpoint, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil || portNum < 1 || portNum > 65535 {
		return "", 0, fmt.Errorf("%w: port out of range [1,65535]: %s", ErrInvalidEndpoint, endpoint)
	}
	return h, portNum, nil
}

// NewTCPBase builds a TCPBase for the given endpoint. hook receives the
// protocol-level connect/close callbacks once the socket is established.
func NewTCPBase(endpoint string, connectTimeout, ioTimeout time.Duration, hook ProtocolConnector) (*TCPBase, error) {
	host, port, err := ParseTCPEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &TCPBase{
		Host:           host,
		Port:           port,
		ConnectTimeout: connectTimeout,
		IOTimeout:      ioTimeout,
		hook:           hook,
	}, nil
}

// EstablishConnection opens the TCP socket, applies socket options, and then
// delegates to the concrete worker's EstablishProtocolConnection. On any
// protocol-level failure the socket is closed before returning, so a retry
// never leaks a file descriptor.
func (t *TCPBase) EstablishConnection() error {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	d := net.Dialer{Timeout: t.ConnectTimeout}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return fmt.Errorf("transport: dialed connection is not a TCP connection")
	}
	if err := applySocketOptions(tc, t.NoDelay, t.OSKeepAlive); err != nil {
		tc.Close()
		return err
	}

	t.mu.Lock()
	t.conn = tc
	t.mu.Unlock()

	if t.hook != nil {
		if err := t.hook.EstablishProtocolConnection(); err != nil {
			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			tc.Close()
			return err
		}
	}
	return nil
}

// CloseConnection closes the protocol session first, then the socket — the
// strict reverse of acquisition order.
func (t *TCPBase) CloseConnection() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var protoErr error
	if t.hook != nil {
		protoErr = t.hook.CloseProtocolConnection()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && protoErr == nil {
			return err
		}
	}
	return protoErr
}

// CheckConnection performs a zero-byte write probe. Any error other than a
// timeout (which only means "no data pending") marks the transport down.
func (t *TCPBase) CheckConnection() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.IOTimeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write(nil)
	if isTimeout(err) {
		return nil
	}
	return err
}

// IsTCPSocketConnected reports whether the transport currently owns an open
// socket — one of the two sources of truth the controller correlates
// against the driver's own IsConnected.
func (t *TCPBase) IsTCPSocketConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Conn returns the underlying net.Conn for the concrete worker's protocol
// layer to read/write against. It returns nil when not connected.
func (t *TCPBase) Conn() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func applySocketOptions(tc *net.TCPConn, noDelay bool, keepAlive time.Duration) error {
	if err := tc.SetNoDelay(noDelay); err != nil {
		return err
	}
	if keepAlive > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tc.SetKeepAlivePeriod(keepAlive); err != nil {
			return err
		}
	} else {
		if err := tc.SetKeepAlive(false); err != nil {
			return err
		}
	}
	return setReuseAddr(tc)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
