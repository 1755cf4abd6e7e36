// Package chunkregistry implements the chunk scheduler (component D): the
// per-torrent, global registry of chunk assignment, drop, completion, and
// endgame state.
package chunkregistry

// ChunkState is the lifecycle state of one chunk.
type ChunkState int

const (
	NotRequested ChunkState = iota
	Assigned
	Fetched
	Stored
)

func (s ChunkState) String() string {
	switch s {
	case NotRequested:
		return "NotRequested"
	case Assigned:
		return "Assigned"
	case Fetched:
		return "Fetched"
	case Stored:
		return "Stored"
	default:
		return "Unknown"
	}
}

// PieceState is the lifecycle state of one piece.
type PieceState int

const (
	NotFetched PieceState = iota
	Chunked
	PieceFetched
	Invalid
)

func (s PieceState) String() string {
	switch s {
	case NotFetched:
		return "NotFetched"
	case Chunked:
		return "Chunked"
	case PieceFetched:
		return "Fetched"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// ChunkID names a chunk on the wire: a sub-range of a piece.
type ChunkID struct {
	Piece  int
	Offset int64
	Length int64
}

// RequestStatus is the outcome of RequestChunks when no chunks are handed
// out.
type RequestStatus int

const (
	// OK means at least one chunk was returned.
	OK RequestStatus = iota
	// NotInterested means the peer has nothing outside what we already
	// hold (Fetched).
	NotInterested
	// NoneAvailable means the peer has pieces we still need, but nothing
	// is available to hand out right now (all Assigned and not in
	// endgame).
	NoneAvailable
)

// CancelEvent is emitted by MarkFetched in endgame mode: it instructs the
// caller to send CANCEL on behalf of every sibling peer that was also
// Assigned the same chunk.
type CancelEvent struct {
	Peer  string
	Chunk ChunkID
}
