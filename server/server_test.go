package server

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/wire"
)

func TestListenOnEphemeralPortReportsRealPort(t *testing.T) {
	s, err := Listen(0, time.Second, func(addr string, conn net.Conn, remote wire.Handshake) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	if s.Port() == 0 {
		t.Fatalf("expected a concrete ephemeral port, got 0")
	}
}

func TestServeDispatchesHandshakeToHandler(t *testing.T) {
	dispatched := make(chan wire.Handshake, 1)
	s, err := Listen(0, time.Second, func(addr string, conn net.Conn, remote wire.Handshake) {
		dispatched <- remote
		conn.Close()
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	defer s.Close()

	conn, err := net.Dial("tcp4", s.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	w := wire.New(conn, time.Second)
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB
	if err := w.SendHandshake(infoHash, peerID, false, false); err != nil {
		t.Fatalf("SendHandshake: %v", err)
	}

	select {
	case h := <-dispatched:
		if h.InfoHash != infoHash {
			t.Fatalf("handler received unexpected info_hash: %x", h.InfoHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}
}

func TestCloseStopsServeLoop(t *testing.T) {
	s, err := Listen(0, time.Second, func(addr string, conn net.Conn, remote wire.Handshake) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after Close")
	}
}
