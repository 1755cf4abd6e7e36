// Package tracker implements the announce client (component N): a real
// HTTP tracker path modeled on the teacher's queryHTTPTracker, with
// UDP/DHT left as unimplemented stubs.
package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// Event is the announce event, per the BitTorrent tracker protocol.
type Event int

const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// ErrNotSupported is returned by announce paths this repository doesn't
// implement (UDP, DHT).
var ErrNotSupported = errors.New("tracker: protocol not supported")

// PeerAddr is one peer returned by the tracker's compact peer list.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string { return fmt.Sprintf("%s:%d", p.IP.String(), p.Port) }

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// Client is the announce(info_hash, uploaded, downloaded, left, event) →
// peer list interface the announce loop in cmd/peerengine consumes.
type Client interface {
	Announce(announceURL string, infoHash [20]byte, peerID [20]byte, port int, uploaded, downloaded, left int64, event Event) ([]PeerAddr, error)
}

// HTTPClient announces over plain HTTP, per §4.N.
type HTTPClient struct{}

// NewHTTP builds an HTTP tracker client.
func NewHTTP() *HTTPClient { return &HTTPClient{} }

// Announce performs one HTTP tracker round trip and decodes the compact
// peer list.
func (c *HTTPClient) Announce(announceURL string, infoHash [20]byte, peerID [20]byte, port int, uploaded, downloaded, left int64, event Event) ([]PeerAddr, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: parse announce url")
	}
	if !u.IsAbs() {
		return nil, errors.New("tracker: announce url not absolute")
	}

	q := u.Query()
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("port", strconv.Itoa(port))
	q.Set("compact", "1")
	if s := event.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request")
	}
	defer resp.Body.Close()

	var ar announceResponse
	if err := bencode.Unmarshal(resp.Body, &ar); err != nil {
		return nil, errors.Wrap(err, "tracker: decode announce response")
	}
	if ar.FailureReason != "" {
		return nil, errors.Errorf("tracker: %s", ar.FailureReason)
	}

	return decodeCompactPeers([]byte(ar.Peers))
}

func decodeCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, errors.Errorf("tracker: compact peer list length %d not a multiple of 6", len(raw))
	}
	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

// UDPClient is an unimplemented stub for UDP tracker announce (BEP 15).
type UDPClient struct{}

// NewUDP builds a stub UDP tracker client.
func NewUDP() *UDPClient { return &UDPClient{} }

// Announce always returns ErrNotSupported; UDP announce is out of scope.
func (c *UDPClient) Announce(announceURL string, infoHash [20]byte, peerID [20]byte, port int, uploaded, downloaded, left int64, event Event) ([]PeerAddr, error) {
	return nil, ErrNotSupported
}
