package chunkregistry

import (
	"testing"

	"github.com/kvashee/peerengine/pieceset"
)

func fixedLength(n int64) PieceLengthFunc {
	return func(int) int64 { return n }
}

func fullPeerPieces(n int) *pieceset.Set {
	s := pieceset.New(n)
	s.FillAll()
	return s
}

func TestSingleAssignmentNonEndgame(t *testing.T) {
	r := New(4, fixedLength(64), 16)
	peers := fullPeerPieces(4)

	a, status := r.RequestChunks("peerA", peers, 10)
	if status != OK || len(a) == 0 {
		t.Fatalf("peerA request failed: status=%v", status)
	}
	b, status := r.RequestChunks("peerB", peers, 10)
	if status != OK {
		t.Fatalf("peerB request failed: status=%v", status)
	}

	seen := map[ChunkID]string{}
	for _, c := range a {
		seen[c] = "peerA"
	}
	for _, c := range b {
		if owner, ok := seen[c]; ok {
			t.Fatalf("chunk %+v double-assigned to %s and peerB outside endgame", c, owner)
		}
	}
}

func TestDropOnChokeWithoutFAST(t *testing.T) {
	r := New(1, fixedLength(32), 16)
	peers := fullPeerPieces(1)

	chunks, status := r.RequestChunks("peerA", peers, 10)
	if status != OK || len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d status=%v", len(chunks), status)
	}

	r.MarkAllDropped("peerA")

	// Re-requesting must hand out the same chunks again since they're back
	// to NotRequested.
	again, status := r.RequestChunks("peerB", peers, 10)
	if status != OK || len(again) != 2 {
		t.Fatalf("expected chunks back to NotRequested, got %d status=%v", len(again), status)
	}
}

func TestPreservationOnChokeWithFAST(t *testing.T) {
	// 4 chunks in 1 piece is not below the endgame threshold (1*4).
	r := New(1, fixedLength(64), 16)
	peers := fullPeerPieces(1)

	chunks, status := r.RequestChunks("peerA", peers, 10)
	if status != OK || len(chunks) != 4 {
		t.Fatalf("setup: expected 4 chunks")
	}

	// FAST-negotiated choke: the session does NOT call MarkAllDropped.
	// Confirm the registry still reports those chunks Assigned by
	// attempting a non-endgame duplicate request from another peer.
	_, status = r.RequestChunks("peerB", peers, 10)
	if status != NoneAvailable {
		t.Fatalf("status = %v, want NoneAvailable (chunks still Assigned to peerA)", status)
	}
}

func TestEndgameDuplicateAndCancel(t *testing.T) {
	r := New(1, fixedLength(16), 16) // exactly one chunk
	peers := fullPeerPieces(1)

	chunks, status := r.RequestChunks("peerX", peers, 10)
	if status != OK || len(chunks) != 1 {
		t.Fatalf("setup: expected 1 chunk, got %d", len(chunks))
	}
	if !r.InEndgame() {
		t.Fatalf("expected endgame with only 1 remaining chunk")
	}

	dup, status := r.RequestChunks("peerY", peers, 10)
	if status != OK || len(dup) != 1 {
		t.Fatalf("expected endgame duplicate assignment, got %d status=%v", len(dup), status)
	}

	c := chunks[0]
	ok, cancels := r.MarkFetched("peerY", c.Piece, c.Offset, c.Length)
	if !ok {
		t.Fatalf("MarkFetched(peerY) should have succeeded")
	}
	if len(cancels) != 1 || cancels[0].Peer != "peerX" {
		t.Fatalf("cancels = %+v, want one for peerX", cancels)
	}
}

func TestMarkFetchedStrayDroppedSilently(t *testing.T) {
	r := New(1, fixedLength(16), 16)
	ok, cancels := r.MarkFetched("ghost", 0, 0, 16)
	if ok || cancels != nil {
		t.Fatalf("stray mark_fetched should be a silent no-op")
	}
}

func TestExactlyOncePieceComplete(t *testing.T) {
	r := New(1, fixedLength(16), 16)
	peers := fullPeerPieces(1)

	chunks, _ := r.RequestChunks("peerA", peers, 10)
	c := chunks[0]

	ok, _ := r.MarkFetched("peerA", c.Piece, c.Offset, c.Length)
	if !ok {
		t.Fatalf("MarkFetched failed")
	}
	complete, ok := r.MarkStored(c.Piece, c.Offset, c.Length)
	if !ok || !complete {
		t.Fatalf("expected first MarkStored to report completion")
	}

	// Duplicate MarkStored call for the same chunk must not re-signal.
	complete2, ok2 := r.MarkStored(c.Piece, c.Offset, c.Length)
	if !ok2 || complete2 {
		t.Fatalf("duplicate MarkStored should not re-signal completion")
	}
}

func TestCompletePieceFailureResetsChunks(t *testing.T) {
	r := New(1, fixedLength(16), 16)
	peers := fullPeerPieces(1)

	chunks, _ := r.RequestChunks("peerA", peers, 10)
	c := chunks[0]
	r.MarkFetched("peerA", c.Piece, c.Offset, c.Length)
	r.MarkStored(c.Piece, c.Offset, c.Length)

	r.CompletePiece(0, false)

	// Piece must be re-requestable from scratch.
	again, status := r.RequestChunks("peerB", peers, 10)
	if status != OK || len(again) != 1 {
		t.Fatalf("expected piece re-chunked after hash mismatch, got %d status=%v", len(again), status)
	}
}

func TestRequestChunksNotInterested(t *testing.T) {
	r := New(1, fixedLength(16), 16)
	peers := fullPeerPieces(1)

	chunks, _ := r.RequestChunks("peerA", peers, 10)
	c := chunks[0]
	r.MarkFetched("peerA", c.Piece, c.Offset, c.Length)
	r.MarkStored(c.Piece, c.Offset, c.Length)
	r.CompletePiece(0, true)

	_, status := r.RequestChunks("peerB", peers, 10)
	if status != NotInterested {
		t.Fatalf("status = %v, want NotInterested once the only piece is Fetched", status)
	}
}
