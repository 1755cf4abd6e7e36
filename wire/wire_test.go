package wire

import (
	"net"
	"testing"
	"time"
)

func pipe() (Wire, Wire) {
	a, b := net.Pipe()
	return New(a, 5*time.Second), New(b, 5*time.Second)
}

func TestHandshakeRoundTripWithFastBit(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	done := make(chan struct{})
	go func() {
		client.SendHandshake(infoHash, peerID, true, false)
		close(done)
	}()

	h, err := server.ReadHandshake()
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	<-done
	if !h.FastSupported() {
		t.Fatalf("expected FAST bit set")
	}
	if h.ExtendedSupported() {
		t.Fatalf("did not expect extended bit set")
	}
	if h.InfoHash != infoHash || h.PeerID != peerID {
		t.Fatalf("handshake fields mismatch: %+v", h)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendRequest(3, 16384, 16384)

	m, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != Request || m.Index != 3 || m.Begin != 16384 || m.Length != 16384 {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestPieceRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("some block data")
	go client.SendPiece(2, 4096, payload)

	m, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != Piece || m.Index != 2 || m.Begin != 4096 || string(m.Data) != string(payload) {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestFastExtensionOpcodes(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.SendHaveAll()
	}()
	m, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != HaveAll {
		t.Fatalf("got id %d, want HaveAll", m.ID)
	}

	go client.SendAllowedFast(7)
	m, err = server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != AllowedFast || m.Index != 7 {
		t.Fatalf("unexpected allowed_fast message: %+v", m)
	}

	go client.SendReject(1, 0, 16384)
	m, err = server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != RejectRequest || m.Index != 1 || m.Length != 16384 {
		t.Fatalf("unexpected reject message: %+v", m)
	}
}

func TestBitfieldRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	bf := []byte{0xff, 0x00, 0x80}
	go client.SendBitfield(bf)

	m, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != Bitfield || string(m.Data) != string(bf) {
		t.Fatalf("unexpected bitfield message: %+v", m)
	}
}

func TestKeepAliveYieldsZeroMessage(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendKeepAlive()
	m, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != 0 {
		t.Fatalf("expected zero-value keep-alive message, got %+v", m)
	}
}
