// Package peerset implements the per-torrent peer registry (component G):
// session indexing, dedup, HAVE broadcast, and the bad-peer hint set.
package peerset

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"
)

// Session is the subset of a peer session the registry needs to drive
// broadcast and teardown.
type Session interface {
	ID() string
	PeerID() [20]byte
	BroadcastHave(piece int) error
	SendCancel(piece int, offset, length int64) error
	Close()
}

// Registry indexes live sessions for one torrent by peer id and by
// (ip,port), and tracks a bad-peer hint set for an external reconnection
// policy to consult.
type Registry struct {
	mu sync.RWMutex

	infoHash [20]byte

	byPeerID map[[20]byte]Session
	byAddr   map[string]Session

	bad mapset.Set // addr strings

	log zerolog.Logger
}

// New builds a registry for the torrent identified by infoHash.
func New(infoHash [20]byte, log zerolog.Logger) *Registry {
	return &Registry{
		infoHash: infoHash,
		byPeerID: make(map[[20]byte]Session),
		byAddr:   make(map[string]Session),
		bad:      mapset.NewSet(),
		log:      log,
	}
}

// ErrDuplicateConnection is returned by AddSession when a second connection
// for the same (info_hash, peer_id) arrives; the caller must close it.
type ErrDuplicateConnection struct{}

func (ErrDuplicateConnection) Error() string { return "peerset: duplicate connection for peer_id" }

// AddSession registers a newly handshaken session. A second connection for
// the same peer id is rejected; the caller is responsible for closing it.
func (r *Registry) AddSession(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byPeerID[s.PeerID()]; dup {
		return ErrDuplicateConnection{}
	}
	r.byPeerID[s.PeerID()] = s
	r.byAddr[s.ID()] = s
	r.log.Info().Str("peer", s.ID()).Msg("peer session added")
	return nil
}

// RemoveSession drops a session from both indexes, by address id.
func (r *Registry) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddr[id]
	if !ok {
		return
	}
	delete(r.byAddr, id)
	delete(r.byPeerID, s.PeerID())
}

// MarkBad records addr as a hint for external reconnection policy to avoid.
func (r *Registry) MarkBad(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bad.Add(addr)
}

// IsBad reports whether addr has been hinted bad.
func (r *Registry) IsBad(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bad.Contains(addr)
}

// BroadcastHave delivers HAVE(piece) to every live session; per §4.F each
// session independently suppresses the send if the remote already has it.
func (r *Registry) BroadcastHave(piece int) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.byAddr))
	for _, s := range r.byAddr {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if err := s.BroadcastHave(piece); err != nil {
			r.log.Warn().Err(err).Str("peer", s.ID()).Int("piece", piece).Msg("have broadcast failed")
		}
	}
}

// SendCancel delivers a wire CANCEL to the specific peer named by peerID,
// used for endgame sibling cancellation (4.D/4.G) when another session's
// MarkFetched wins the same chunk. Errors are logged, not returned: the
// caller is a different peer's session with no useful recovery action.
func (r *Registry) SendCancel(peerID string, piece int, offset, length int64) {
	r.mu.RLock()
	s, ok := r.byAddr[peerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.SendCancel(piece, offset, length); err != nil {
		r.log.Warn().Err(err).Str("peer", peerID).Int("piece", piece).Msg("cancel send failed")
	}
}

// Sessions returns a snapshot of the currently registered sessions.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byAddr))
	for _, s := range r.byAddr {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// CloseAll tears down every session, e.g. on coordinator shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		s.Close()
	}
}
