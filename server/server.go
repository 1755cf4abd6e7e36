// Package server implements the inbound connection listener described in
// §6: accepts TCP connections, performs reserved-byte capability detection
// by reading the remote's handshake record, and hands off to a new peer
// session.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/wire"
)

// Handler is invoked for each accepted connection once the remote's
// handshake has been read; it completes the handshake and runs the
// session.
type Handler func(addr string, conn net.Conn, remote wire.Handshake)

// Server listens for inbound peer connections on one port.
type Server struct {
	listener net.Listener
	handler  Handler
	timeout  time.Duration
	log      zerolog.Logger
	quit     chan struct{}
}

// Listen binds a TCP listener on port (0 for an ephemeral port).
func Listen(port int, timeout time.Duration, handler Handler, log zerolog.Logger) (*Server, error) {
	l, err := net.Listen("tcp4", portAddr(port))
	if err != nil {
		return nil, err
	}
	return &Server{listener: l, handler: handler, timeout: timeout, log: log, quit: make(chan struct{})}, nil
}

func portAddr(port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", port)
}

// Port returns the bound port, useful when constructed with port 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until Close is called. Each connection's
// handshake is read here, so the handler can route or reject by info_hash
// before any session exists; the handler completes the handshake and takes
// over.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handshakeAndDispatch(conn)
	}
}

func (s *Server) handshakeAndDispatch(conn net.Conn) {
	w := wire.New(conn, s.timeout)
	h, err := w.ReadHandshake()
	if err != nil {
		s.log.Warn().Err(err).Msg("inbound handshake failed")
		conn.Close()
		return
	}
	addr := conn.RemoteAddr().String()
	s.handler(addr, conn, h)
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	close(s.quit)
	return s.listener.Close()
}
