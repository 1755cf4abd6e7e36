// Package filemap maps piece and chunk coordinates onto (file, offset,
// length) spans over an ordered file list, and owns the open-file-handle
// LRU used to bound concurrent file descriptors (component B).
package filemap

import "github.com/pkg/errors"

// Span is a contiguous run of bytes within a single file.
type Span struct {
	File   int
	Offset int64
	Length int64
}

// PieceMap precomputes, for every piece index, the list of spans across the
// file list that make up that piece.
type PieceMap struct {
	pieceLength     int64
	lastPieceLength int64
	numPieces       int
	spans           [][]Span
}

// Build sweeps fileSizes sequentially and assigns spans to each piece of
// pieceLength bytes, per the fill-cursor algorithm: a piece's remaining
// bytes are taken from the current file until either the piece is full or
// the file is exhausted, in which case the sweep advances to the next file.
func Build(pieceLength int64, fileSizes []int64) (*PieceMap, error) {
	if pieceLength <= 0 {
		return nil, errors.New("filemap: piece length must be positive")
	}
	var total int64
	for _, sz := range fileSizes {
		if sz < 0 {
			return nil, errors.New("filemap: negative file size")
		}
		total += sz
	}
	if total == 0 {
		return &PieceMap{pieceLength: pieceLength}, nil
	}

	numPieces := int((total + pieceLength - 1) / pieceLength)
	last := total - int64(numPieces-1)*pieceLength
	if last == 0 {
		last = pieceLength
	}

	pm := &PieceMap{
		pieceLength:     pieceLength,
		lastPieceLength: last,
		numPieces:       numPieces,
		spans:           make([][]Span, numPieces),
	}

	fileIdx := 0
	fileOff := int64(0)
	for p := 0; p < numPieces; p++ {
		remaining := pieceLength
		if p == numPieces-1 {
			remaining = last
		}
		var spans []Span
		for remaining > 0 {
			for fileIdx < len(fileSizes) && fileOff >= fileSizes[fileIdx] {
				fileIdx++
				fileOff = 0
			}
			if fileIdx >= len(fileSizes) {
				return nil, errors.Errorf("filemap: file list exhausted building piece %d", p)
			}
			avail := fileSizes[fileIdx] - fileOff
			take := remaining
			if take > avail {
				take = avail
			}
			spans = append(spans, Span{File: fileIdx, Offset: fileOff, Length: take})
			fileOff += take
			remaining -= take
		}
		pm.spans[p] = spans
	}
	return pm, nil
}

// NumPieces returns the number of pieces this map covers.
func (pm *PieceMap) NumPieces() int { return pm.numPieces }

// PieceLength returns the length of piece i, accounting for a short final
// piece.
func (pm *PieceMap) PieceLength(i int) int64 {
	if i == pm.numPieces-1 {
		return pm.lastPieceLength
	}
	return pm.pieceLength
}

// SpansForPiece returns the full span list for piece index i.
func (pm *PieceMap) SpansForPiece(i int) []Span {
	return pm.spans[i]
}

// ChunkSpans resolves a (offset, length) sub-range of piece i's bytes to
// the spans covering it, walking the piece's full span list and skipping
// spans until offset is consumed, then truncating the first and last
// emitted spans as needed.
func (pm *PieceMap) ChunkSpans(piece int, offset, length int64) ([]Span, error) {
	if piece < 0 || piece >= pm.numPieces {
		return nil, errors.Errorf("filemap: piece %d out of range", piece)
	}
	full := pm.spans[piece]
	var out []Span
	o := offset
	remain := length
	for _, sp := range full {
		if o >= sp.Length {
			o -= sp.Length
			continue
		}
		start := sp.Offset + o
		avail := sp.Length - o
		take := remain
		if take > avail {
			take = avail
		}
		out = append(out, Span{File: sp.File, Offset: start, Length: take})
		remain -= take
		o = 0
		if remain <= 0 {
			break
		}
	}
	if remain > 0 {
		return nil, errors.Errorf("filemap: chunk (piece=%d offset=%d length=%d) exceeds piece bounds", piece, offset, length)
	}
	return out, nil
}
