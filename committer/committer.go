// Package committer implements the verify-and-commit pipeline (component
// E): assembling a completed piece's bytes, SHA-1 verifying it against the
// metainfo hash, and persisting or rejecting it.
package committer

import (
	"bytes"
	"crypto/sha1"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kvashee/peerengine/chunkregistry"
	"github.com/kvashee/peerengine/filemap"
	"github.com/kvashee/peerengine/pieceset"
)

// Store is the subset of the file-directory the committer needs: reading a
// span to assemble a piece and writing the verified piece back out.
type Store interface {
	ReadSpan(sp filemap.Span) ([]byte, error)
	WriteSpan(sp filemap.Span, data []byte) error
}

// PieceHasher supplies the expected SHA-1 for a piece index.
type PieceHasher func(piece int) [20]byte

// Broadcaster is notified once a piece is verified and committed, so the
// peer registry can broadcast HAVE.
type Broadcaster interface {
	BroadcastHave(piece int)
}

// Committer serializes verification and persistence for one torrent: only
// one piece is assembled/hashed/written at a time, so "piece Fetched"
// becomes atomically observable to the rest of the system.
type Committer struct {
	mu sync.Mutex

	pm          *filemap.PieceMap
	store       Store
	expectedSum PieceHasher
	registry    *chunkregistry.Registry
	bitfield    *pieceset.Set
	broadcaster Broadcaster
	log         zerolog.Logger
}

// New builds a Committer for one torrent.
func New(pm *filemap.PieceMap, store Store, expectedSum PieceHasher, registry *chunkregistry.Registry, bitfield *pieceset.Set, broadcaster Broadcaster, log zerolog.Logger) *Committer {
	return &Committer{
		pm:          pm,
		store:       store,
		expectedSum: expectedSum,
		registry:    registry,
		bitfield:    bitfield,
		broadcaster: broadcaster,
		log:         log,
	}
}

// Complete handles the piece_complete(p) event: assemble, hash, verify, and
// either commit or roll back. Calls are serialized by the committer's own
// mutex, so one piece is processed at a time.
func (c *Committer) Complete(piece int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.assemble(piece)
	if err != nil {
		c.log.Error().Err(err).Int("piece", piece).Msg("assemble failed, piece left dirty")
		c.registry.CompletePiece(piece, false)
		return errors.Wrapf(err, "committer: assemble piece %d", piece)
	}

	expected := c.expectedSum(piece)
	actual := sha1.Sum(data)
	if !bytes.Equal(expected[:], actual[:]) {
		c.log.Warn().Int("piece", piece).Msg("piece hash mismatch, re-requesting")
		c.registry.CompletePiece(piece, false)
		return nil
	}

	if err := c.persist(piece, data); err != nil {
		c.log.Error().Err(err).Int("piece", piece).Msg("persist failed, piece left dirty")
		c.registry.CompletePiece(piece, false)
		return errors.Wrapf(err, "committer: persist piece %d", piece)
	}

	c.registry.CompletePiece(piece, true)
	c.bitfield.Insert(piece)
	c.log.Info().Int("piece", piece).Msg("piece verified and committed")
	c.broadcaster.BroadcastHave(piece)
	return nil
}

func (c *Committer) assemble(piece int) ([]byte, error) {
	spans := c.pm.SpansForPiece(piece)
	buf := &bytes.Buffer{}
	for _, sp := range spans {
		data, err := c.store.ReadSpan(sp)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (c *Committer) persist(piece int, data []byte) error {
	spans := c.pm.SpansForPiece(piece)
	pos := int64(0)
	for _, sp := range spans {
		if err := c.store.WriteSpan(sp, data[pos:pos+sp.Length]); err != nil {
			return err
		}
		pos += sp.Length
	}
	return nil
}
