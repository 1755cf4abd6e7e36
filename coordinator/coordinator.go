// Package coordinator implements the torrent coordinator (component H): the
// authoritative local bitfield, progress counters, and the glue between the
// chunk registry, the piece committer, and the peer registry for one
// torrent.
package coordinator

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/chunkregistry"
	"github.com/kvashee/peerengine/committer"
	"github.com/kvashee/peerengine/pieceset"
	"github.com/kvashee/peerengine/torrent"
)

// Broadcaster delivers a completed piece's HAVE to every connected peer;
// satisfied by *peerset.Registry.
type Broadcaster interface {
	BroadcastHave(piece int)
}

// Coordinator is the per-torrent singleton that owns progress state.
type Coordinator struct {
	mu sync.RWMutex

	t *torrent.Torrent

	bitfield *pieceset.Set
	registry *chunkregistry.Registry
	commit   *committer.Committer
	peers    Broadcaster

	downloaded int64
	uploaded   int64

	wasEndgame bool

	log zerolog.Logger
}

// New builds a Coordinator for t. haveAlready pre-seeds the bitfield for a
// resumed download (pass pieceset.New(t.NumPieces) for a fresh start).
func New(t *torrent.Torrent, haveAlready *pieceset.Set, registry *chunkregistry.Registry, commit *committer.Committer, peers Broadcaster, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		t:        t,
		bitfield: haveAlready,
		registry: registry,
		commit:   commit,
		peers:    peers,
		log:      log,
	}
}

// NumPieces returns the torrent's piece count.
func (c *Coordinator) NumPieces() int { return c.t.NumPieces }

// IsSeeding reports whether every piece has been verified and committed.
func (c *Coordinator) IsSeeding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bitfield.Full()
}

// Bitfield returns a consistent snapshot of the local piece-set. Readers
// must not mutate it; only the committer mutates the coordinator's copy.
func (c *Coordinator) Bitfield() *pieceset.Set {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bitfield.Clone()
}

// CheckInterest reports whether peerPieces contains any piece we lack.
func (c *Coordinator) CheckInterest(peerPieces *pieceset.Set) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !peerPieces.Difference(c.bitfield).Empty()
}

// Left returns the number of bytes remaining to download, for tracker
// announce deltas.
func (c *Coordinator) Left() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	left := int64(0)
	for p := 0; p < c.t.NumPieces; p++ {
		if !c.bitfield.Contains(p) {
			left += c.t.PieceLength(p)
		}
	}
	return left
}

// Downloaded and Uploaded report cumulative byte counters for tracker
// announce deltas.
func (c *Coordinator) Downloaded() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.downloaded
}

func (c *Coordinator) Uploaded() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uploaded
}

// AddDownloaded and AddUploaded accumulate the byte counters; called by peer
// sessions as chunks and served requests complete.
func (c *Coordinator) AddDownloaded(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloaded += n
}

func (c *Coordinator) AddUploaded(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploaded += n
}

// PieceComplete runs the verify-and-commit pipeline for piece, then
// broadcasts HAVE on success. It also tracks the in_endgame transition so
// lifecycle milestones land in the log exactly once per edge.
func (c *Coordinator) PieceComplete(piece int) error {
	if err := c.commit.Complete(piece); err != nil {
		return err
	}
	c.checkEndgameTransition()
	return nil
}

func (c *Coordinator) checkEndgameTransition() {
	now := c.registry.InEndgame()
	c.mu.Lock()
	was := c.wasEndgame
	c.wasEndgame = now
	c.mu.Unlock()
	if now && !was {
		c.log.Info().Msg("entering endgame")
	} else if was && !now {
		c.log.Info().Msg("exiting endgame")
	}
}

// BroadcastHave fans a completed piece out through the peer registry.
func (c *Coordinator) BroadcastHave(piece int) {
	c.peers.BroadcastHave(piece)
}
