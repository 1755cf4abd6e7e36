// Package wire implements the BitTorrent peer wire protocol framing
// (component F's codec half): the 68-byte handshake, the length-prefixed
// message format, and the FAST extension opcodes.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Message opcodes, per §4.F.
const (
	Choke         uint8 = 0
	Unchoke       uint8 = 1
	Interested    uint8 = 2
	NotInterested uint8 = 3
	Have          uint8 = 4
	Bitfield      uint8 = 5
	Request       uint8 = 6
	Piece         uint8 = 7
	Cancel        uint8 = 8
	Port          uint8 = 9
	Suggest       uint8 = 13
	HaveAll       uint8 = 14
	HaveNone      uint8 = 15
	RejectRequest uint8 = 16
	AllowedFast   uint8 = 17
	Extended      uint8 = 20
)

const (
	protocolString = "BitTorrent protocol"
	pstrlen        = uint8(len(protocolString))
	handshakeLen   = 49 + len(protocolString)

	// FastExtensionBit is bit 2 (the 0x04 bit) of reserved byte 7.
	FastExtensionBit = 0x04
	// ExtendedMessagingBit is bit 4 (0x10) of reserved byte 5, the BEP-10
	// convention this codebase follows for negotiating opcode 20.
	ExtendedMessagingBit = 0x10
)

// Handshake is the decoded 68-byte handshake record.
type Handshake struct {
	Protocol string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// FastSupported reports whether the FAST extension bit is set.
func (h Handshake) FastSupported() bool {
	return h.Reserved[7]&FastExtensionBit != 0
}

// ExtendedSupported reports whether the BEP-10 extended-messaging bit is set.
func (h Handshake) ExtendedSupported() bool {
	return h.Reserved[5]&ExtendedMessagingBit != 0
}

// Message is a single decoded, non-handshake wire message.
type Message struct {
	ID     uint8
	Index  uint32
	Begin  uint32
	Length uint32
	Data   []byte // Bitfield payload, Piece block data, or raw Extended payload
}

// Wire is a framed connection to one peer.
type Wire interface {
	SendHandshake(infoHash [20]byte, peerID [20]byte, fastSupported, extendedSupported bool) error
	ReadHandshake() (Handshake, error)

	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(piece int) error
	SendBitfield(bitfield []byte) error
	SendRequest(piece int, offset, length int64) error
	SendPiece(piece int, offset int64, data []byte) error
	SendCancel(piece int, offset, length int64) error
	SendSuggest(piece int) error
	SendHaveAll() error
	SendHaveNone() error
	SendReject(piece int, offset, length int64) error
	SendAllowedFast(piece int) error
	SendExtendedHandshake() error

	ReadMessage() (Message, error)

	Close() error
}

type wire struct {
	conn    net.Conn
	timeout time.Duration
}

// New wraps conn as a Wire with read/write deadlines of timeout.
func New(conn net.Conn, timeout time.Duration) Wire {
	return &wire{conn: conn, timeout: timeout}
}

func (w *wire) Close() error { return w.conn.Close() }

func (w *wire) SendHandshake(infoHash [20]byte, peerID [20]byte, fastSupported, extendedSupported bool) error {
	var reserved [8]byte
	if fastSupported {
		reserved[7] |= FastExtensionBit
	}
	if extendedSupported {
		reserved[5] |= ExtendedMessagingBit
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(pstrlen)
	buf.WriteString(protocolString)
	buf.Write(reserved[:])
	buf.Write(infoHash[:])
	buf.Write(peerID[:])
	return w.writeRaw(buf.Bytes())
}

func (w *wire) ReadHandshake() (Handshake, error) {
	if err := w.conn.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
		return Handshake{}, err
	}
	data := make([]byte, handshakeLen)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return Handshake{}, errors.Wrap(err, "wire: read handshake")
	}
	if data[0] != pstrlen {
		return Handshake{}, errors.Errorf("wire: bad pstrlen %d", data[0])
	}
	if string(data[1:1+len(protocolString)]) != protocolString {
		return Handshake{}, errors.New("wire: bad protocol string")
	}
	var h Handshake
	off := 1 + len(protocolString)
	copy(h.Reserved[:], data[off:off+8])
	off += 8
	copy(h.InfoHash[:], data[off:off+20])
	off += 20
	copy(h.PeerID[:], data[off:off+20])
	h.Protocol = protocolString
	return h, nil
}

func (w *wire) SendKeepAlive() error {
	return w.writeRaw(encodeLength(0))
}

func (w *wire) SendChoke() error         { return w.sendSimple(Choke) }
func (w *wire) SendUnchoke() error       { return w.sendSimple(Unchoke) }
func (w *wire) SendInterested() error    { return w.sendSimple(Interested) }
func (w *wire) SendNotInterested() error { return w.sendSimple(NotInterested) }
func (w *wire) SendHaveAll() error       { return w.sendSimple(HaveAll) }
func (w *wire) SendHaveNone() error      { return w.sendSimple(HaveNone) }

func (w *wire) sendSimple(id uint8) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(1))
	buf.WriteByte(id)
	return w.writeRaw(buf.Bytes())
}

func (w *wire) SendHave(piece int) error {
	return w.sendWithIndex(Have, piece)
}

func (w *wire) SendSuggest(piece int) error {
	return w.sendWithIndex(Suggest, piece)
}

func (w *wire) SendAllowedFast(piece int) error {
	return w.sendWithIndex(AllowedFast, piece)
}

func (w *wire) sendWithIndex(id uint8, piece int) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(5))
	buf.WriteByte(id)
	binary.Write(buf, binary.BigEndian, uint32(piece))
	return w.writeRaw(buf.Bytes())
}

func (w *wire) SendBitfield(bitfield []byte) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(1+len(bitfield)))
	buf.WriteByte(Bitfield)
	buf.Write(bitfield)
	return w.writeRaw(buf.Bytes())
}

func (w *wire) SendRequest(piece int, offset, length int64) error {
	return w.sendTriple(Request, piece, offset, length)
}

func (w *wire) SendCancel(piece int, offset, length int64) error {
	return w.sendTriple(Cancel, piece, offset, length)
}

func (w *wire) SendReject(piece int, offset, length int64) error {
	return w.sendTriple(RejectRequest, piece, offset, length)
}

func (w *wire) sendTriple(id uint8, piece int, offset, length int64) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(13))
	buf.WriteByte(id)
	binary.Write(buf, binary.BigEndian, uint32(piece))
	binary.Write(buf, binary.BigEndian, uint32(offset))
	binary.Write(buf, binary.BigEndian, uint32(length))
	return w.writeRaw(buf.Bytes())
}

func (w *wire) SendPiece(piece int, offset int64, data []byte) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(9+len(data)))
	buf.WriteByte(Piece)
	binary.Write(buf, binary.BigEndian, uint32(piece))
	binary.Write(buf, binary.BigEndian, uint32(offset))
	buf.Write(data)
	return w.writeRaw(buf.Bytes())
}

func (w *wire) SendExtendedHandshake() error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(2))
	buf.WriteByte(Extended)
	buf.WriteByte(0) // sub-message id 0: handshake; empty bencoded dict omitted
	return w.writeRaw(buf.Bytes())
}

func (w *wire) ReadMessage() (Message, error) {
	if err := w.conn.SetReadDeadline(time.Now().Add(w.timeout)); err != nil {
		return Message{}, err
	}
	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return Message{}, errors.Wrap(err, "wire: read length prefix")
	}
	if length == 0 {
		return Message{}, nil // keep-alive
	}
	if length < 0 {
		return Message{}, errors.Errorf("wire: negative length %d", length)
	}
	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return Message{}, errors.Wrap(err, "wire: read message id")
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return Message{}, errors.Wrap(err, "wire: read payload")
	}
	return decodePayload(id, payload)
}

func decodePayload(id uint8, payload []byte) (Message, error) {
	m := Message{ID: id}
	r := bytes.NewReader(payload)
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		// no payload
	case Have, Suggest, AllowedFast:
		if err := readUint32(r, &m.Index); err != nil {
			return Message{}, err
		}
	case Bitfield:
		m.Data = payload
	case Request, Cancel, RejectRequest:
		if err := readUint32(r, &m.Index); err != nil {
			return Message{}, err
		}
		if err := readUint32(r, &m.Begin); err != nil {
			return Message{}, err
		}
		if err := readUint32(r, &m.Length); err != nil {
			return Message{}, err
		}
	case Piece:
		if err := readUint32(r, &m.Index); err != nil {
			return Message{}, err
		}
		if err := readUint32(r, &m.Begin); err != nil {
			return Message{}, err
		}
		rest, err := io.ReadAll(r)
		if err != nil {
			return Message{}, err
		}
		m.Data = rest
	case Port:
		// ignored per §4.F; retain raw payload for completeness
		m.Data = payload
	case Extended:
		m.Data = payload
	default:
		return Message{}, errors.Errorf("wire: unknown opcode %d", id)
	}
	return m, nil
}

func readUint32(r *bytes.Reader, out *uint32) error {
	return binary.Read(r, binary.BigEndian, out)
}

func encodeLength(n int32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, n)
	return buf.Bytes()
}

func (w *wire) writeRaw(b []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	_, err := w.conn.Write(b)
	if err != nil {
		return errors.Wrap(err, "wire: write")
	}
	return nil
}
