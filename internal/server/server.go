// Package server runs the TCP listeners. Each listener owns one port
// and hands delimited frames to its handler; handlers decide what the
// frames mean.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/loghaven/loghaven/internal/lease"
	"github.com/loghaven/loghaven/internal/protocol"
)

// Handler processes one decoded frame on a session. Implementations
// write their own responses through the session.
type Handler interface {
	Handle(raw protocol.RawRequest, session *Session)
}

// Config carries everything a listener needs.
type Config struct {
	Name     string
	Addr     string
	Handler  Handler
	Registry *lease.Registry
}

// Server accepts connections on one port and runs a session per
// connection until the peer disconnects or the server closes.
type Server struct {
	config   Config
	listener net.Listener
	closed   bool
	mu       sync.Mutex
}

func NewServer(config Config) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("server address required")
	}
	if config.Handler == nil {
		return nil, errors.New("server handler required")
	}
	if config.Registry == nil {
		return nil, errors.New("server registry required")
	}
	if config.Name == "" {
		config.Name = config.Addr
	}
	return &Server{config: config}, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	log.Printf("%s server listening on %s", s.config.Name, listener.Addr())
	go s.serve()
	return nil
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			log.Printf("%s accept error: %v", s.config.Name, err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleConn(conn net.Conn) {
	session, err := NewSession(conn, s.config.Registry)
	if err != nil {
		log.Printf("%s session setup failed: %v", s.config.Name, err)
		conn.Close()
		return
	}
	defer session.Close()
	session.Run(s.config.Handler)
}
