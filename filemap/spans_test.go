package filemap

import "testing"

func TestBuildCoversTotalSize(t *testing.T) {
	sizes := []int64{3, 5}
	pm, err := Build(4, sizes)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pm.NumPieces() != 2 {
		t.Fatalf("NumPieces = %d, want 2", pm.NumPieces())
	}

	var total int64
	for p := 0; p < pm.NumPieces(); p++ {
		var sum int64
		for _, sp := range pm.SpansForPiece(p) {
			sum += sp.Length
		}
		if sum != pm.PieceLength(p) {
			t.Fatalf("piece %d spans sum %d, want %d", p, sum, pm.PieceLength(p))
		}
		total += sum
	}
	if total != 8 {
		t.Fatalf("total spans sum %d, want 8", total)
	}
}

func TestBuildExactSpec(t *testing.T) {
	// a.dat size 3, b.dat size 5, piece_length 4.
	// piece 0: spans [(a,0,3),(b,0,1)]; piece 1: span [(b,1,4)].
	pm, err := Build(4, []int64{3, 5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p0 := pm.SpansForPiece(0)
	if len(p0) != 2 || p0[0] != (Span{File: 0, Offset: 0, Length: 3}) || p0[1] != (Span{File: 1, Offset: 0, Length: 1}) {
		t.Fatalf("piece 0 spans = %+v", p0)
	}
	p1 := pm.SpansForPiece(1)
	if len(p1) != 1 || p1[0] != (Span{File: 1, Offset: 1, Length: 4}) {
		t.Fatalf("piece 1 spans = %+v", p1)
	}
}

func TestLastPieceShort(t *testing.T) {
	pm, err := Build(4, []int64{9})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pm.NumPieces() != 3 {
		t.Fatalf("NumPieces = %d, want 3", pm.NumPieces())
	}
	if pm.PieceLength(2) != 1 {
		t.Fatalf("last piece length = %d, want 1", pm.PieceLength(2))
	}
}

func TestLastPieceExactMultiple(t *testing.T) {
	pm, err := Build(4, []int64{8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pm.NumPieces() != 2 {
		t.Fatalf("NumPieces = %d, want 2", pm.NumPieces())
	}
	if pm.PieceLength(1) != 4 {
		t.Fatalf("last piece length = %d, want 4 (divisible case)", pm.PieceLength(1))
	}
}

func TestChunkSpansWithinPiece(t *testing.T) {
	pm, err := Build(4, []int64{3, 5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// piece 0 spans: (a,0,3),(b,0,1); request offset=2 length=2 should
	// yield (a,2,1) and (b,0,1).
	spans, err := pm.ChunkSpans(0, 2, 2)
	if err != nil {
		t.Fatalf("ChunkSpans: %v", err)
	}
	if len(spans) != 2 || spans[0] != (Span{File: 0, Offset: 2, Length: 1}) || spans[1] != (Span{File: 1, Offset: 0, Length: 1}) {
		t.Fatalf("spans = %+v", spans)
	}
	var sum int64
	for _, sp := range spans {
		sum += sp.Length
	}
	if sum != 2 {
		t.Fatalf("sum = %d, want 2", sum)
	}
}

func TestChunkSpansOutOfBounds(t *testing.T) {
	pm, err := Build(4, []int64{8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := pm.ChunkSpans(0, 2, 4); err == nil {
		t.Fatalf("expected error for chunk exceeding piece bounds")
	}
}

func TestBuildSkipsZeroLengthFiles(t *testing.T) {
	pm, err := Build(4, []int64{0, 8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pm.NumPieces() != 2 {
		t.Fatalf("NumPieces = %d, want 2", pm.NumPieces())
	}
	for p := 0; p < 2; p++ {
		for _, sp := range pm.SpansForPiece(p) {
			if sp.File == 0 {
				t.Fatalf("zero-length file should contribute no spans: %+v", sp)
			}
		}
	}
}
