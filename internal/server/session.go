package server

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loghaven/loghaven/internal/crypto"
	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
)

// Frames larger than this are dropped with the connection; a single
// bulk log frame stays well under it.
const maxFrameSize = 8 * 1024 * 1024

const sessionIDLen = 16

// Session is one live connection. Reads are driven by Run on the
// accepting goroutine; writes may come from the handler and are
// serialized by a mutex so a response is never interleaved.
type Session struct {
	conn     net.Conn
	registry *lease.Registry
	id       string

	writeMu sync.Mutex

	mu       sync.Mutex
	clientID string
}

// NewSession wraps a connection and registers it as live.
func NewSession(conn net.Conn, registry *lease.Registry) (*Session, error) {
	id, err := lease.RandomID(sessionIDLen)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	registry.Join(id)
	return &Session{conn: conn, registry: registry, id: id}, nil
}

// ID returns the session's random identity.
func (s *Session) ID() string { return s.id }

// IP returns the peer address without the port.
func (s *Session) IP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// ClientID returns the client identity bound to this session, if any.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SetClientID binds a client identity to this session after a
// successful handshake step.
func (s *Session) SetClientID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = id
}

// Run reads delimited frames and feeds them to the handler until the
// peer disconnects or a frame overflows the buffer.
func (s *Session) Run(handler Handler) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	scanner.Split(splitFrames)
	for scanner.Scan() {
		frame := scanner.Bytes()
		s.registry.AddBytesReceived(len(frame) + len(protocol.Delimiter))
		data := make([]byte, len(frame))
		copy(data, frame)
		handler.Handle(protocol.RawRequest{
			Data:     data,
			IP:       s.IP(),
			Received: time.Now().UTC().Unix(),
		}, s)
	}
}

// Close unregisters the session and closes the connection.
func (s *Session) Close() error {
	s.registry.Leave(s.id)
	return s.conn.Close()
}

// Write sends one delimited frame.
func (s *Session) Write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	framed := append(append([]byte{}, data...), protocol.Delimiter...)
	n, err := s.conn.Write(framed)
	s.registry.AddBytesSent(n)
	return err
}

// WriteAES encrypts the frame with the given session key before
// sending. The wire form is "<iv>:<base64>".
func (s *Session) WriteAES(data []byte, hexKey string) error {
	out, err := crypto.EncryptAES(data, hexKey)
	if err != nil {
		return fmt.Errorf("encrypt response: %w", err)
	}
	return s.Write([]byte(out))
}

// WriteRSA encrypts the frame with the client's registered public key
// before sending.
func (s *Session) WriteRSA(data []byte, publicKeyPEM string) error {
	pub, err := crypto.LoadPublicKey([]byte(publicKeyPEM))
	if err != nil {
		return fmt.Errorf("client public key: %w", err)
	}
	out, err := crypto.EncryptRSA(data, pub)
	if err != nil {
		return fmt.Errorf("encrypt response: %w", err)
	}
	return s.Write([]byte(out))
}

// WriteStatus sends the minimal status response.
func (s *Session) WriteStatus(status int, errorText string) error {
	return s.Write(protocol.MarshalResponse(protocol.StatusResponse{
		Status:    status,
		ErrorText: errorText,
	}))
}

// splitFrames is the bufio.SplitFunc for delimiter-terminated frames.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(protocol.Delimiter)); i >= 0 {
		return i + len(protocol.Delimiter), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
