package noiselink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
)

// frame types carried inside the encrypted payload.
const (
	frameData  byte = 0x00 // read request / read response
	frameWrite byte = 0x01 // write request
	frameAck   byte = 0x02 // write/ping acknowledgement
	framePing  byte = 0x03 // keep-alive probe
)

var (
	errHandshakeFailed = errors.New("noiselink: handshake failed")
	errShortFrame       = errors.New("noiselink: truncated frame")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// session wraps one Noise NN handshake plus the symmetric framed transport
// that rides on top of it once the handshake completes. The worker always
// dials out to the gateway, so session is always the initiator side of the
// handshake.
type session struct {
	conn net.Conn
	tx   *noise.CipherState
	rx   *noise.CipherState
}

// handshake performs the two-message Noise NN exchange (no static keys,
// anonymous channel) as the initiator and returns a session ready to
// exchange encrypted frames.
func handshake(conn net.Conn, deadline time.Time) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}

	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}
	if err := writeChunk(conn, msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}

	msg2, err := readChunk(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("%w: handshake did not complete in two messages", errHandshakeFailed)
	}
	return &session{conn: conn, tx: cs1, rx: cs2}, nil
}

// sendFrame encrypts one [type][payload] frame and writes it as a
// length-prefixed ciphertext chunk.
func (s *session) sendFrame(ftype byte, payload []byte) error {
	plain := make([]byte, 1+len(payload))
	plain[0] = ftype
	copy(plain[1:], payload)
	ct, err := s.tx.Encrypt(nil, nil, plain)
	if err != nil {
		return err
	}
	return writeChunk(s.conn, ct)
}

// recvFrame reads one length-prefixed ciphertext chunk and decrypts it back
// into a [type][payload] frame.
func (s *session) recvFrame() (byte, []byte, error) {
	ct, err := readChunk(s.conn)
	if err != nil {
		return 0, nil, err
	}
	plain, err := s.rx.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, nil, err
	}
	if len(plain) < 1 {
		return 0, nil, errShortFrame
	}
	return plain[0], plain[1:], nil
}

func writeChunk(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	const maxChunk = 1 << 20
	if n > maxChunk {
		return nil, fmt.Errorf("noiselink: chunk too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
