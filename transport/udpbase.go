package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/fieldgrid/collector"
)

// PacketSink is the concrete worker's hook for subscription-style UDP
// protocols: when set, every datagram the receive goroutine drains is handed
// to ProcessReceivedPacket instead of being queued for Receive.
type PacketSink interface {
	ProcessReceivedPacket(data []byte, from *net.UDPAddr)
}

// udpRecvQueueLen bounds the receive queue; the receive goroutine drops the
// oldest datagram rather than blocking when the consumer falls behind.
const udpRecvQueueLen = 64

type packet struct {
	data []byte
	from *net.UDPAddr
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: receive timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// ErrReceiveTimeout is returned by Receive when no datagram arrives within
// the timeout. It satisfies net.Error's Timeout().
var ErrReceiveTimeout error = timeoutError{}

// UDPBase owns a connectionless UDP socket, optionally joined to a
// multicast group or enabled for broadcast, for protocols like BACnet/IP
// discovery. Because UDP has no handshake, "connected" means
// "socket is bound and, if configured, has confirmed group membership"
// rather than any peer-level acknowledgement. A dedicated receive goroutine
// is the socket's only reader; it drains datagrams into a bounded queue (or
// straight into the PacketSink when one is set), and request/response
// drivers pop the queue through Receive.
type UDPBase struct {
	Host           string
	Port           int
	Multicast      bool
	MulticastIface string
	Broadcast      bool
	IOTimeout      time.Duration

	hook ProtocolConnector
	sink PacketSink

	mu      sync.Mutex
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	remote  *net.UDPAddr
	recvCh  chan packet
	stopCh  chan struct{}

	recvWG sync.WaitGroup
}

// ParseUDPEndpoint splits a "host:port" endpoint for UDP targets, reusing
// the same port-range validation as TCP.
func ParseUDPEndpoint(endpoint string) (host string, port int, err error) {
	return ParseTCPEndpoint(endpoint)
}

// NewUDPBase builds a UDPBase for the given endpoint.
func NewUDPBase(endpoint string, ioTimeout time.Duration, multicast bool, iface string, hook ProtocolConnector) (*UDPBase, error) {
	host, port, err := ParseUDPEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &UDPBase{Host: host, Port: port, Multicast: multicast, MulticastIface: iface, IOTimeout: ioTimeout, hook: hook}, nil
}

// SetPacketSink routes received datagrams to the given hook instead of the
// Receive queue. Must be called before EstablishConnection.
func (u *UDPBase) SetPacketSink(s PacketSink) { u.sink = s }

// EstablishConnection binds a local UDP socket, records the remote address
// values are sent to, and launches the receive goroutine. When Multicast is
// set, the socket joins the group on MulticastIface (or the default
// interface when empty) via golang.org/x/net/ipv4, matching how BACnet/IP
// discovery broadcasts are received. Broadcast keeps the socket unconnected
// so WriteToUDP can target broadcast addresses.
func (u *UDPBase) EstablishConnection() error {
	remote, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(u.Host, strconv.Itoa(u.Port)))
	if err != nil {
		return err
	}

	var conn *net.UDPConn
	var pc *ipv4.PacketConn
	if u.Multicast || u.Broadcast {
		listenPort := 0
		if u.Multicast {
			listenPort = u.Port
		}
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: listenPort})
		if err != nil {
			return err
		}
		if u.Multicast {
			pc = ipv4.NewPacketConn(conn)
			var iface *net.Interface
			if u.MulticastIface != "" {
				iface, err = net.InterfaceByName(u.MulticastIface)
				if err != nil {
					conn.Close()
					return fmt.Errorf("udp: resolve multicast interface %q: %w", u.MulticastIface, err)
				}
			}
			if err := pc.JoinGroup(iface, &net.UDPAddr{IP: remote.IP}); err != nil {
				conn.Close()
				return fmt.Errorf("udp: join multicast group: %w", err)
			}
		}
	} else {
		conn, err = net.DialUDP("udp4", nil, remote)
		if err != nil {
			return err
		}
	}

	recvCh := make(chan packet, udpRecvQueueLen)
	stopCh := make(chan struct{})

	u.mu.Lock()
	u.conn = conn
	u.pktConn = pc
	u.remote = remote
	u.recvCh = recvCh
	u.stopCh = stopCh
	u.mu.Unlock()

	u.recvWG.Add(1)
	go u.recvLoop(conn, recvCh, stopCh)

	if u.hook != nil {
		if err := u.hook.EstablishProtocolConnection(); err != nil {
			u.closeTransport()
			return err
		}
	}
	return nil
}

// recvLoop is the socket's sole reader. It copies each datagram out of the
// shared buffer and either hands it to the PacketSink or queues it,
// dropping the oldest queued datagram on overflow. The read deadline adapts:
// short while traffic is flowing so the stop signal is noticed promptly,
// stretching towards its steady interval when the socket goes quiet.
func (u *UDPBase) recvLoop(conn *net.UDPConn, recvCh chan packet, stopCh chan struct{}) {
	defer u.recvWG.Done()
	buf := make([]byte, 2048)
	pacer := collector.NewAdaptivePoll(50*time.Millisecond, 500*time.Millisecond)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(pacer.Next()))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		pacer.Reset()
		data := make([]byte, n)
		copy(data, buf[:n])
		if u.sink != nil {
			u.sink.ProcessReceivedPacket(data, from)
			continue
		}
		select {
		case recvCh <- packet{data: data, from: from}:
		default:
			select {
			case <-recvCh:
			default:
			}
			select {
			case recvCh <- packet{data: data, from: from}:
			default:
			}
		}
	}
}

// Send writes one datagram to the configured remote address; callers are the
// poll and keep-alive paths, never the receive goroutine.
func (u *UDPBase) Send(b []byte) error {
	u.mu.Lock()
	conn, remote := u.conn, u.remote
	u.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(u.IOTimeout))
	var err error
	if u.Multicast || u.Broadcast {
		_, err = conn.WriteToUDP(b, remote)
	} else {
		_, err = conn.Write(b)
	}
	return err
}

// Receive pops the next datagram from the bounded receive queue, waiting up
// to timeout. Not meaningful when a PacketSink is installed.
func (u *UDPBase) Receive(timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	u.mu.Lock()
	ch, stopCh := u.recvCh, u.stopCh
	u.mu.Unlock()
	if ch == nil {
		return nil, nil, ErrNotConnected
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p.data, p.from, nil
	case <-stopCh:
		return nil, nil, ErrNotConnected
	case <-timer.C:
		return nil, nil, ErrReceiveTimeout
	}
}

// CloseConnection closes the protocol session, stops the receive goroutine,
// leaves the multicast group (if joined), then closes the socket.
func (u *UDPBase) CloseConnection() error {
	var protoErr error
	if u.hook != nil {
		protoErr = u.hook.CloseProtocolConnection()
	}
	if err := u.closeTransport(); err != nil && protoErr == nil {
		return err
	}
	return protoErr
}

func (u *UDPBase) closeTransport() error {
	u.mu.Lock()
	conn, pc, stopCh := u.conn, u.pktConn, u.stopCh
	u.conn, u.pktConn, u.remote, u.recvCh, u.stopCh = nil, nil, nil, nil, nil
	u.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if pc != nil {
		pc.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	u.recvWG.Wait()
	return err
}

// CheckConnection reports ErrNotConnected when the socket has been closed;
// UDP otherwise offers no cheaper liveness probe than the protocol layer's
// own request/response traffic.
func (u *UDPBase) CheckConnection() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// IsUDPSocketOpen reports whether the transport currently owns a bound
// socket.
func (u *UDPBase) IsUDPSocketOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil
}

// RemoteAddr returns the resolved remote address, or nil when not connected.
func (u *UDPBase) RemoteAddr() *net.UDPAddr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remote
}
