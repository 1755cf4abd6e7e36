package chunkregistry

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/kvashee/peerengine/pieceset"
)

// DefaultChunkSize is the default BitTorrent request unit, 16 KiB.
const DefaultChunkSize int64 = 16384

// EndgameChunksPerPiece is the small constant multiplied by the remaining
// piece count to derive the endgame threshold.
const EndgameChunksPerPiece = 4

type chunkEntry struct {
	offset   int64
	length   int64
	state    ChunkState
	assigned mapset.Set // peer ids currently holding an Assigned tag
}

type pieceEntry struct {
	state          PieceState
	chunks         []chunkEntry
	completeSignal bool // piece_complete already emitted for this piece's current chunk generation
}

// PieceLengthFunc returns the length of piece i, accounting for a short
// final piece. Registry takes this as a dependency instead of the torrent
// package directly so it stays decoupled from metainfo parsing.
type PieceLengthFunc func(piece int) int64

// Registry is the per-torrent chunk scheduler (component D).
type Registry struct {
	mu sync.Mutex

	numPieces   int
	pieceLength PieceLengthFunc
	chunkSize   int64

	pieces []pieceEntry

	remainingPieces int
	unfetchedChunks int

	inEndgame bool

	pieceFrequency []int
	peerChunks     map[string]mapset.Set // peer -> set of chunkKey they hold Assigned
}

type chunkKey struct {
	piece int
	idx   int
}

// New builds a chunk registry for a torrent with numPieces pieces, each
// piece's length given by pieceLength, requested in chunkSize units.
func New(numPieces int, pieceLength PieceLengthFunc, chunkSize int64) *Registry {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	r := &Registry{
		numPieces:       numPieces,
		pieceLength:     pieceLength,
		chunkSize:       chunkSize,
		pieces:          make([]pieceEntry, numPieces),
		remainingPieces: numPieces,
		pieceFrequency:  make([]int, numPieces),
		peerChunks:      make(map[string]mapset.Set),
	}
	for p := 0; p < numPieces; p++ {
		r.unfetchedChunks += r.numChunksForPiece(p)
	}
	r.recomputeEndgame()
	return r
}

func (r *Registry) numChunksForPiece(p int) int {
	length := r.pieceLength(p)
	return int((length + r.chunkSize - 1) / r.chunkSize)
}

func (r *Registry) populateChunks(p int) {
	n := r.numChunksForPiece(p)
	length := r.pieceLength(p)
	chunks := make([]chunkEntry, n)
	for i := 0; i < n; i++ {
		off := int64(i) * r.chunkSize
		l := r.chunkSize
		if off+l > length {
			l = length - off
		}
		chunks[i] = chunkEntry{offset: off, length: l, state: NotRequested, assigned: mapset.NewThreadUnsafeSet()}
	}
	r.pieces[p].chunks = chunks
}

// ObservePieceAvailable increments the rarity counter for piece p, called
// when any peer is seen to have it (HAVE, bitfield, HAVE_ALL).
func (r *Registry) ObservePieceAvailable(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pieceFrequency[p]++
}

// ObservePieceUnavailable decrements the rarity counter for piece p, never
// below zero. Peer session teardown does not call it.
func (r *Registry) ObservePieceUnavailable(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pieceFrequency[p] > 0 {
		r.pieceFrequency[p]--
	}
}

// ObserveBitfield bumps the rarity counter for every piece set has.
func (r *Registry) ObserveBitfield(set *pieceset.Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := 0; p < r.numPieces; p++ {
		if set.Contains(p) {
			r.pieceFrequency[p]++
		}
	}
}

// InEndgame reports whether the registry currently believes the torrent is
// in its endgame phase.
func (r *Registry) InEndgame() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inEndgame
}

func (r *Registry) recomputeEndgame() {
	threshold := r.remainingPieces * EndgameChunksPerPiece
	if r.unfetchedChunks < threshold {
		r.inEndgame = true
	} else {
		r.inEndgame = false
	}
}

// RequestChunks selects up to num chunks the caller (peerID) may request,
// restricted to pieces in peerPieces. See §4.D for the selection policy:
// already-Chunked pieces first, then rarest-first among the rest.
func (r *Registry) RequestChunks(peerID string, peerPieces *pieceset.Set, num int) ([]ChunkID, RequestStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chunkedCandidates, notFetchedCandidates []int
	for p := 0; p < r.numPieces; p++ {
		if !peerPieces.Contains(p) {
			continue
		}
		switch r.pieces[p].state {
		case Chunked:
			chunkedCandidates = append(chunkedCandidates, p)
		case NotFetched:
			notFetchedCandidates = append(notFetchedCandidates, p)
		}
	}

	if len(chunkedCandidates) == 0 && len(notFetchedCandidates) == 0 {
		for p := 0; p < r.numPieces; p++ {
			if peerPieces.Contains(p) && r.pieces[p].state != PieceFetched {
				return nil, NoneAvailable
			}
		}
		return nil, NotInterested
	}

	sort.Slice(notFetchedCandidates, func(i, j int) bool {
		return r.pieceFrequency[notFetchedCandidates[i]] < r.pieceFrequency[notFetchedCandidates[j]]
	})

	candidates := append(append([]int{}, chunkedCandidates...), notFetchedCandidates...)

	var out []ChunkID
	for _, p := range candidates {
		if len(out) >= num {
			break
		}
		if r.pieces[p].state == NotFetched {
			r.populateChunks(p)
			r.pieces[p].state = Chunked
		}
		for idx := range r.pieces[p].chunks {
			if len(out) >= num {
				break
			}
			c := &r.pieces[p].chunks[idx]
			switch c.state {
			case NotRequested:
				c.state = Assigned
				c.assigned.Add(peerID)
				r.trackAssignment(peerID, p, idx)
				out = append(out, ChunkID{Piece: p, Offset: c.offset, Length: c.length})
			case Assigned:
				if r.inEndgame && !c.assigned.Contains(peerID) {
					c.assigned.Add(peerID)
					r.trackAssignment(peerID, p, idx)
					out = append(out, ChunkID{Piece: p, Offset: c.offset, Length: c.length})
				}
			}
		}
	}

	if len(out) == 0 {
		return nil, NoneAvailable
	}
	return out, OK
}

func (r *Registry) trackAssignment(peerID string, piece, idx int) {
	set, ok := r.peerChunks[peerID]
	if !ok {
		set = mapset.NewThreadUnsafeSet()
		r.peerChunks[peerID] = set
	}
	set.Add(chunkKey{piece: piece, idx: idx})
}

func (r *Registry) untrackAssignment(peerID string, piece, idx int) {
	if set, ok := r.peerChunks[peerID]; ok {
		set.Remove(chunkKey{piece: piece, idx: idx})
	}
}

func (r *Registry) findChunk(piece int, offset, length int64) (int, bool) {
	if piece < 0 || piece >= r.numPieces || r.pieces[piece].state != Chunked {
		return 0, false
	}
	for idx := range r.pieces[piece].chunks {
		c := &r.pieces[piece].chunks[idx]
		if c.offset == offset && c.length == length {
			return idx, true
		}
	}
	return 0, false
}

// MarkFetched transitions a chunk Assigned(peerID) -> Fetched. A chunk not
// currently Assigned is a stray and is dropped silently (ok=false). In
// endgame, any sibling peer still holding the chunk Assigned is reported
// back as a CancelEvent so the caller can send CANCEL on their behalf.
func (r *Registry) MarkFetched(peerID string, piece int, offset, length int64) (ok bool, cancels []CancelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.findChunk(piece, offset, length)
	if !found {
		return false, nil
	}
	c := &r.pieces[piece].chunks[idx]
	if c.state != Assigned || !c.assigned.Contains(peerID) {
		return false, nil
	}

	for _, other := range c.assigned.ToSlice() {
		otherPeer := other.(string)
		if otherPeer == peerID {
			continue
		}
		cancels = append(cancels, CancelEvent{Peer: otherPeer, Chunk: ChunkID{Piece: piece, Offset: offset, Length: length}})
		r.untrackAssignment(otherPeer, piece, idx)
	}
	c.assigned = mapset.NewThreadUnsafeSet()
	c.assigned.Add(peerID)
	c.state = Fetched
	r.untrackAssignment(peerID, piece, idx)

	r.unfetchedChunks--
	r.recomputeEndgame()
	return true, cancels
}

// MarkStored transitions a chunk Fetched -> Stored, recording a durable
// write. When every chunk of the piece is Stored, it returns complete=true
// exactly once per completion.
func (r *Registry) MarkStored(piece int, offset, length int64) (complete bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, found := r.findChunk(piece, offset, length)
	if !found {
		return false, false
	}
	c := &r.pieces[piece].chunks[idx]
	if c.state == Stored {
		return false, true // idempotent
	}
	if c.state != Fetched {
		return false, false
	}
	c.state = Stored

	for i := range r.pieces[piece].chunks {
		if r.pieces[piece].chunks[i].state != Stored {
			return false, true
		}
	}
	if r.pieces[piece].completeSignal {
		return false, true
	}
	r.pieces[piece].completeSignal = true
	return true, true
}

// CompletePiece is called by the piece committer once it has verified (or
// failed to verify) a piece's hash. success=true sets the piece Fetched and
// releases its chunk bookkeeping; success=false resets every chunk to
// NotRequested so the piece is re-requested.
func (r *Registry) CompletePiece(piece int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if success {
		r.pieces[piece].state = PieceFetched
		r.pieces[piece].chunks = nil
		r.remainingPieces--
		r.recomputeEndgame()
		return
	}

	n := r.numChunksForPiece(piece)
	r.populateChunks(piece)
	r.pieces[piece].state = Chunked
	r.pieces[piece].completeSignal = false
	r.unfetchedChunks += n
	r.recomputeEndgame()
}

// MarkDropped transitions a chunk Assigned(peer) -> NotRequested (or, in
// endgame, simply removes peer's Assigned tag if siblings remain).
func (r *Registry) MarkDropped(peerID string, piece int, offset, length int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(peerID, piece, offset, length)
}

func (r *Registry) dropLocked(peerID string, piece int, offset, length int64) {
	idx, found := r.findChunk(piece, offset, length)
	if !found {
		return
	}
	c := &r.pieces[piece].chunks[idx]
	if c.state != Assigned || !c.assigned.Contains(peerID) {
		return
	}
	c.assigned.Remove(peerID)
	r.untrackAssignment(peerID, piece, idx)
	if c.assigned.Cardinality() == 0 {
		c.state = NotRequested
	}
}

// MarkAllDropped drops every chunk currently Assigned to peerID, across all
// pieces. Used on peer disconnect or on choke without the FAST extension.
func (r *Registry) MarkAllDropped(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.peerChunks[peerID]
	if !ok {
		return
	}
	for _, key := range set.ToSlice() {
		k := key.(chunkKey)
		c := &r.pieces[k.piece].chunks[k.idx]
		c.assigned.Remove(peerID)
		if c.assigned.Cardinality() == 0 && c.state == Assigned {
			c.state = NotRequested
		}
	}
	delete(r.peerChunks, peerID)
}

// RemainingPieces returns the count of pieces not yet Fetched.
func (r *Registry) RemainingPieces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingPieces
}
