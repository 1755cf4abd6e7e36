// Package peer implements the peer wire protocol state machine (component
// F): handshake negotiation, post-handshake setup, message dispatch, the
// request-queue discipline, and failure/teardown semantics.
package peer

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/chunkregistry"
	"github.com/kvashee/peerengine/pieceset"
	"github.com/kvashee/peerengine/wire"
)

// DefaultHighWatermark and DefaultLowWatermark bound the in-flight request
// queue, per §4.F's request queue discipline, when Deps leaves them unset.
const (
	DefaultHighWatermark = 30
	DefaultLowWatermark  = 5
)

// Registry is the chunk-scheduler surface a session needs.
type Registry interface {
	RequestChunks(peerID string, peerPieces *pieceset.Set, num int) ([]chunkregistry.ChunkID, chunkregistry.RequestStatus)
	MarkFetched(peerID string, piece int, offset, length int64) (bool, []chunkregistry.CancelEvent)
	MarkStored(piece int, offset, length int64) (complete bool, ok bool)
	MarkDropped(peerID string, piece int, offset, length int64)
	MarkAllDropped(peerID string)
	ObservePieceAvailable(piece int)
	ObservePieceUnavailable(piece int)
	ObserveBitfield(set *pieceset.Set)
}

// Store serves outgoing piece data to a requesting peer and persists
// incoming piece data to durable storage.
type Store interface {
	ReadChunk(piece int, offset, length int64) ([]byte, error)
	WriteChunk(piece int, offset int64, data []byte) error
}

// Coordinator is the torrent coordinator (4.H) surface a session drives:
// the verify-and-commit pipeline once a piece's chunks are all stored, and
// the downloaded/uploaded byte counters the tracker announce loop reads.
type Coordinator interface {
	PieceComplete(piece int) error
	AddDownloaded(n int64)
	AddUploaded(n int64)
}

// ChokePolicy is notified of interest changes so the rate-based scheduler
// (4.O) can react.
type ChokePolicy interface {
	PeerInterested(peerID string, interested bool)
}

// Registrar is the peer registry (4.G) surface a session uses on teardown
// and to route an endgame CANCEL to a specific sibling peer.
type Registrar interface {
	RemoveSession(peerID string)
	MarkBad(addr string)
	SendCancel(peerID string, piece int, offset, length int64)
}

// Session is one peer's protocol state machine.
type Session struct {
	id      string // "ip:port", used as a map key and a log field
	conn    wire.Wire
	infoHash [20]byte
	peerID  [20]byte

	numPieces int
	ourBitfield func() *pieceset.Set

	registry    Registry
	store       Store
	choke       ChokePolicy
	registrar   Registrar
	coordinator Coordinator

	fastNegotiated     bool
	extendedNegotiated bool

	remoteChoked     bool // we-are-choked
	localChoking     bool // peer-is-choked, set by choke policy
	localInterested  bool
	remoteInterested bool

	peerPieces  *pieceset.Set
	piecesKnown bool

	inFlight map[chunkregistry.ChunkID]bool

	lowWatermark  int
	highWatermark int

	closed bool

	log zerolog.Logger
}

// Deps bundles the collaborators a Session needs, grounded the same way the
// teacher's NewPeer constructor takes its manager/storage/stats arguments.
type Deps struct {
	NumPieces   int
	OurBitfield func() *pieceset.Set
	Registry    Registry
	Store       Store
	Choke       ChokePolicy
	Registrar   Registrar
	Coordinator Coordinator

	// LowWatermark/HighWatermark override DefaultLowWatermark/
	// DefaultHighWatermark when non-zero; populated from config.Config.
	LowWatermark  int
	HighWatermark int

	Log zerolog.Logger
}

// New wraps an already-connected wire.Wire as a Session. Direction
// (incoming/outgoing) only affects who speaks the handshake first; both
// call Run after the handshake completes.
func New(id string, conn wire.Wire, infoHash [20]byte, peerID [20]byte, d Deps) *Session {
	low, high := d.LowWatermark, d.HighWatermark
	if low <= 0 {
		low = DefaultLowWatermark
	}
	if high <= 0 {
		high = DefaultHighWatermark
	}
	return &Session{
		id:            id,
		conn:          conn,
		infoHash:      infoHash,
		peerID:        peerID,
		numPieces:     d.NumPieces,
		ourBitfield:   d.OurBitfield,
		registry:      d.Registry,
		store:         d.Store,
		choke:         d.Choke,
		registrar:     d.Registrar,
		coordinator:   d.Coordinator,
		remoteChoked:  true,
		localChoking:  true,
		inFlight:      make(map[chunkregistry.ChunkID]bool),
		lowWatermark:  low,
		highWatermark: high,
		log:           d.Log.With().Str("peer", id).Logger(),
	}
}

// Outbound dials addr, performs the handshake as the initiator, and returns
// the Session without starting it. The caller is expected to call Run in
// its own goroutine.
func Outbound(addr string, infoHash [20]byte, localPeerID [20]byte, handshakeTimeout time.Duration, d Deps) (*Session, error) {
	conn, err := net.DialTimeout("tcp4", addr, handshakeTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "peer: dial %s", addr)
	}
	w := wire.New(conn, handshakeTimeout)
	if err := w.SendHandshake(infoHash, localPeerID, true, false); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "peer: send handshake")
	}
	h, err := w.ReadHandshake()
	if err != nil {
		w.Close()
		return nil, errors.Wrap(err, "peer: read handshake")
	}
	if h.InfoHash != infoHash {
		w.Close()
		return nil, errors.New("peer: info_hash mismatch")
	}
	s := New(addr, w, infoHash, h.PeerID, d)
	s.fastNegotiated = h.FastSupported()
	s.extendedNegotiated = h.ExtendedSupported()
	return s, nil
}

// Inbound completes a handshake already partially consumed by the listener
// (which read the remote's record to route by info_hash) by sending our own
// record back.
func Inbound(addr string, conn net.Conn, handshakeTimeout time.Duration, remote wire.Handshake, localPeerID [20]byte, d Deps) (*Session, error) {
	w := wire.New(conn, handshakeTimeout)
	if err := w.SendHandshake(remote.InfoHash, localPeerID, true, false); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "peer: send handshake")
	}
	s := New(addr, w, remote.InfoHash, remote.PeerID, d)
	s.fastNegotiated = remote.FastSupported()
	s.extendedNegotiated = remote.ExtendedSupported()
	return s, nil
}

// Run sends the post-handshake setup (bitfield or HAVE_ALL/HAVE_NONE, and
// the extended handshake if negotiated) and then services the connection
// until it fails or Close is called.
func (s *Session) Run() {
	if err := s.postHandshakeSetup(); err != nil {
		s.fail(err)
		return
	}
	for {
		m, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		if m.ID == 0 && m.Index == 0 && m.Begin == 0 && m.Length == 0 && m.Data == nil {
			continue // keep-alive
		}
		if err := s.handle(m); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) postHandshakeSetup() error {
	bf := s.ourBitfield()
	var err error
	switch {
	case s.fastNegotiated && bf.Full():
		err = s.conn.SendHaveAll()
	case s.fastNegotiated && bf.Empty():
		err = s.conn.SendHaveNone()
	default:
		err = s.conn.SendBitfield(bf.Serialize())
	}
	if err != nil {
		return err
	}
	if s.extendedNegotiated {
		return s.conn.SendExtendedHandshake()
	}
	return nil
}

func (s *Session) handle(m wire.Message) error {
	switch m.ID {
	case wire.Choke:
		return s.onChoke()
	case wire.Unchoke:
		return s.onUnchoke()
	case wire.Interested:
		s.remoteInterested = true
		s.choke.PeerInterested(s.id, true)
		return nil
	case wire.NotInterested:
		s.remoteInterested = false
		s.choke.PeerInterested(s.id, false)
		return nil
	case wire.Have:
		return s.onHave(int(m.Index))
	case wire.Bitfield:
		return s.onBitfield(m.Data)
	case wire.HaveAll:
		return s.onHaveAll()
	case wire.HaveNone:
		return s.onHaveNone()
	case wire.Request:
		return s.onRequest(int(m.Index), int64(m.Begin), int64(m.Length))
	case wire.Cancel:
		return nil // send-side queue not modeled beyond in-flight tracking
	case wire.Piece:
		return s.onPiece(int(m.Index), int64(m.Begin), m.Data)
	case wire.Suggest:
		return nil // advisory, safe to ignore
	case wire.RejectRequest:
		return s.onReject(int(m.Index), int64(m.Begin), int64(m.Length))
	case wire.AllowedFast:
		return nil // advisory, safe to ignore
	case wire.Port:
		return nil // DHT not implemented
	case wire.Extended:
		if !s.extendedNegotiated {
			return errors.New("peer: extended message without negotiation")
		}
		return nil
	default:
		return errors.Errorf("peer: unknown opcode %d", m.ID)
	}
}

func (s *Session) onChoke() error {
	if s.remoteChoked {
		return nil
	}
	s.remoteChoked = true
	s.log.Info().Msg("remote choked us")
	if !s.fastNegotiated {
		s.registry.MarkAllDropped(s.id)
		s.inFlight = make(map[chunkregistry.ChunkID]bool)
	}
	return nil
}

func (s *Session) onUnchoke() error {
	s.remoteChoked = false
	s.log.Info().Msg("remote unchoked us")
	return s.fillRequestQueue()
}

func (s *Session) onHave(piece int) error {
	if !s.piecesKnown {
		s.peerPieces = pieceset.New(s.numPieces)
		s.piecesKnown = true
	}
	if piece < 0 || piece >= s.numPieces {
		return errors.Errorf("peer: have(%d) out of range [0,%d)", piece, s.numPieces)
	}
	s.peerPieces.Insert(piece)
	s.registry.ObservePieceAvailable(piece)
	if !s.ourBitfield().Contains(piece) && !s.localInterested {
		if err := s.becomeInterested(); err != nil {
			return err
		}
	}
	return s.fillRequestQueue()
}

func (s *Session) onBitfield(data []byte) error {
	if s.piecesKnown {
		return errors.New("peer: bitfield received after piece-set already known")
	}
	set, err := pieceset.Parse(data, s.numPieces)
	if err != nil {
		return errors.Wrap(err, "peer: parse bitfield")
	}
	s.peerPieces = set
	s.piecesKnown = true
	s.registry.ObserveBitfield(set)
	diff := set.Difference(s.ourBitfield())
	if !diff.Empty() && !s.localInterested {
		if err := s.becomeInterested(); err != nil {
			return err
		}
	}
	return s.fillRequestQueue()
}

func (s *Session) onHaveAll() error {
	if !s.fastNegotiated || s.piecesKnown {
		return errors.New("peer: have_all invalid (no FAST or piece-set already known)")
	}
	s.peerPieces = pieceset.New(s.numPieces)
	s.peerPieces.FillAll()
	s.piecesKnown = true
	s.registry.ObserveBitfield(s.peerPieces)
	if !s.ourBitfield().Full() {
		if err := s.becomeInterested(); err != nil {
			return err
		}
	}
	return s.fillRequestQueue()
}

func (s *Session) onHaveNone() error {
	if !s.fastNegotiated || s.piecesKnown {
		return errors.New("peer: have_none invalid (no FAST or piece-set already known)")
	}
	s.peerPieces = pieceset.New(s.numPieces)
	s.piecesKnown = true
	return nil
}

func (s *Session) becomeInterested() error {
	s.localInterested = true
	s.log.Debug().Msg("client interested")
	return s.conn.SendInterested()
}

func (s *Session) becomeNotInterested() error {
	s.localInterested = false
	return s.conn.SendNotInterested()
}

func (s *Session) onRequest(piece int, offset, length int64) error {
	if s.localChoking || !s.remoteInterested {
		if s.fastNegotiated {
			return s.conn.SendReject(piece, offset, length)
		}
		return nil
	}
	data, err := s.store.ReadChunk(piece, offset, length)
	if err != nil {
		s.log.Error().Err(err).Int("piece", piece).Msg("failed to serve request")
		if s.fastNegotiated {
			return s.conn.SendReject(piece, offset, length)
		}
		return nil
	}
	if err := s.conn.SendPiece(piece, offset, data); err != nil {
		return err
	}
	s.coordinator.AddUploaded(int64(len(data)))
	return nil
}

// onPiece handles an arriving PIECE message: it is §4.D's mark_fetched
// event followed by the write-through and §4.E piece_complete once every
// chunk of the piece is durably stored.
func (s *Session) onPiece(piece int, offset int64, data []byte) error {
	id := chunkregistry.ChunkID{Piece: piece, Offset: offset, Length: int64(len(data))}
	if !s.inFlight[id] {
		return nil // stray, per §7's Stray error kind: dropped silently
	}
	delete(s.inFlight, id)
	ok, cancels := s.registry.MarkFetched(s.id, piece, offset, int64(len(data)))
	if !ok {
		return nil
	}
	s.coordinator.AddDownloaded(int64(len(data)))
	for _, c := range cancels {
		s.registrar.SendCancel(c.Peer, c.Chunk.Piece, c.Chunk.Offset, c.Chunk.Length)
	}

	if err := s.store.WriteChunk(piece, offset, data); err != nil {
		return errors.Wrapf(err, "peer: write chunk piece %d offset %d", piece, offset)
	}
	complete, stored := s.registry.MarkStored(piece, offset, int64(len(data)))
	if stored && complete {
		if err := s.coordinator.PieceComplete(piece); err != nil {
			return errors.Wrapf(err, "peer: commit piece %d", piece)
		}
	}
	return s.fillRequestQueue()
}

func (s *Session) onReject(piece int, offset, length int64) error {
	id := chunkregistry.ChunkID{Piece: piece, Offset: offset, Length: length}
	if !s.inFlight[id] {
		return nil
	}
	delete(s.inFlight, id)
	s.registry.MarkDropped(s.id, piece, offset, length)
	return s.fillRequestQueue()
}

// fillRequestQueue implements §4.F's request queue discipline.
func (s *Session) fillRequestQueue() error {
	if s.remoteChoked || !s.piecesKnown {
		return nil
	}
	if len(s.inFlight) > s.lowWatermark {
		return nil
	}
	want := s.highWatermark - len(s.inFlight)
	chunks, status := s.registry.RequestChunks(s.id, s.peerPieces, want)
	switch status {
	case chunkregistry.NotInterested:
		if s.localInterested {
			return s.becomeNotInterested()
		}
		return nil
	case chunkregistry.NoneAvailable:
		return nil
	}
	for _, c := range chunks {
		s.inFlight[c] = true
		if err := s.conn.SendRequest(c.Piece, c.Offset, c.Length); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastHave is called by the peer registry (4.G) when a local piece
// completes. Per the HAVE-broadcast suppression rule, it sends nothing if the
// remote already has piece p and instead deletes p from the tracked peer
// piece-set.
func (s *Session) BroadcastHave(piece int) error {
	if s.piecesKnown && s.peerPieces.Contains(piece) {
		s.peerPieces.Delete(piece)
		return nil
	}
	return s.conn.SendHave(piece)
}

// SendCancel delivers a wire CANCEL, called by the peer registry (4.G) when
// this session lost an endgame duplicate-assignment race to a sibling.
func (s *Session) SendCancel(piece int, offset, length int64) error {
	return s.conn.SendCancel(piece, offset, length)
}

// SetChoking sets whether we are choking the remote, driven externally by
// the choke policy (4.O).
func (s *Session) SetChoking(choking bool) error {
	if s.localChoking == choking {
		return nil
	}
	s.localChoking = choking
	if choking {
		return s.conn.SendChoke()
	}
	return s.conn.SendUnchoke()
}

// PeerID returns the remote's 20-byte peer id from the handshake.
func (s *Session) PeerID() [20]byte { return s.peerID }

// ID returns the session's registry key, typically "ip:port".
func (s *Session) ID() string { return s.id }

// IsSeeder reports whether the remote has advertised every piece.
func (s *Session) IsSeeder() bool { return s.piecesKnown && s.peerPieces.Full() }

// RemoteInterested reports whether the remote has told us it is interested
// in our pieces; consulted by the choke policy (4.O).
func (s *Session) RemoteInterested() bool { return s.remoteInterested }

func (s *Session) fail(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.log.Warn().Err(err).Msg("session terminated")
	s.registry.MarkAllDropped(s.id)
	s.conn.Close()
	s.registrar.RemoveSession(s.id)
	s.registrar.MarkBad(s.id)
}

// Close tears the session down cleanly, e.g. on coordinator shutdown.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.registry.MarkAllDropped(s.id)
	s.conn.Close()
}
