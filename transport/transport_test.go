package transport

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestParseTCPEndpoint(t *testing.T) {
	host, port, err := ParseTCPEndpoint("10.0.0.5:502")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "10.0.0.5" || port != 502 {
		t.Fatalf("got host=%q port=%d", host, port)
	}

	if _, _, err := ParseTCPEndpoint("10.0.0.5:0"); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, _, err := ParseTCPEndpoint("10.0.0.5:70000"); err == nil {
		t.Fatal("expected error for port above 65535")
	}
	if _, _, err := ParseTCPEndpoint("not-an-endpoint"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestParseSerialEndpoint(t *testing.T) {
	cfg, err := ParseSerialEndpoint("/dev/ttyUSB0@9600,8,N,1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := SerialConfig{Device: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, Parity: 'N', StopBits: 1}
	if cfg != want {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}

	defaulted, err := ParseSerialEndpoint("/dev/ttyUSB0@19200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defaulted.DataBits != 8 || defaulted.Parity != 'N' || defaulted.StopBits != 1 {
		t.Fatalf("expected 8N1 defaults, got %+v", defaulted)
	}

	if _, err := ParseSerialEndpoint("/dev/ttyUSB0@31337"); err == nil {
		t.Fatal("expected error for unsupported baud rate")
	}
	if _, err := ParseSerialEndpoint("/dev/ttyUSB0"); err == nil {
		t.Fatal("expected error for missing baud rate")
	}
	if _, err := ParseSerialEndpoint("@9600"); err == nil {
		t.Fatal("expected error for empty device path")
	}
}

// udpEcho binds a loopback UDP peer that echoes every datagram back.
func udpEcho(t *testing.T) (addr string, stop func()) {
	t.Helper()
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pc.WriteToUDP(buf[:n], from)
		}
	}()
	return pc.LocalAddr().String(), func() {
		pc.Close()
		<-done
	}
}

func TestUDPBaseSendReceive(t *testing.T) {
	addr, stop := udpEcho(t)
	defer stop()

	u, err := NewUDPBase(addr, time.Second, false, "", nil)
	if err != nil {
		t.Fatalf("NewUDPBase: %v", err)
	}
	if err := u.EstablishConnection(); err != nil {
		t.Fatalf("EstablishConnection: %v", err)
	}
	defer u.CloseConnection()

	if err := u.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	data, _, err := u.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("Receive = %q, want %q", data, "ping")
	}

	if _, _, err := u.Receive(50 * time.Millisecond); err != ErrReceiveTimeout {
		t.Fatalf("Receive on empty queue err = %v, want ErrReceiveTimeout", err)
	}
}

type collectSink struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (s *collectSink) ProcessReceivedPacket(data []byte, _ *net.UDPAddr) {
	s.mu.Lock()
	s.pkts = append(s.pkts, data)
	s.mu.Unlock()
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func TestUDPBasePacketSinkBypassesQueue(t *testing.T) {
	addr, stop := udpEcho(t)
	defer stop()

	u, err := NewUDPBase(addr, time.Second, false, "", nil)
	if err != nil {
		t.Fatalf("NewUDPBase: %v", err)
	}
	sink := &collectSink{}
	u.SetPacketSink(sink)
	if err := u.EstablishConnection(); err != nil {
		t.Fatalf("EstablishConnection: %v", err)
	}
	defer u.CloseConnection()

	for i := 0; i < 3; i++ {
		if err := u.Send([]byte(fmt.Sprintf("pkt-%d", i))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for sink.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("sink received %d packets, want 3", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
