// Package torrent holds the metainfo parser and the immutable description
// of a torrent: its files, piece length and piece hashes.
package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// File is a single entry in a multi-file torrent's file list.
type File struct {
	Length int64
	Md5sum string
	Path   []string
}

// Info is the bencoded "info" dictionary, hashed verbatim to produce InfoHash.
type Info struct {
	PieceLength int64 `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int64
	Md5sum      string
	Files       []File
}

// MetaInfo is the full decoded .torrent file.
type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

// Torrent is the derived, query-friendly view of a MetaInfo used by the
// rest of the peer engine: piece count, total length, info hash.
type Torrent struct {
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	Length    int64
	NumPieces int
}

// PieceHash returns the expected SHA-1 of piece index i.
func (t *Torrent) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], t.MetaInfo.Info.Pieces[20*i:20*(i+1)])
	return h
}

// PieceLength returns the length of piece index i, accounting for a short
// final piece.
func (t *Torrent) PieceLength(i int) int64 {
	if i == t.NumPieces-1 {
		last := t.Length - int64(t.NumPieces-1)*t.MetaInfo.Info.PieceLength
		if last > 0 {
			return last
		}
		return t.MetaInfo.Info.PieceLength
	}
	return t.MetaInfo.Info.PieceLength
}

// IsMultiFile reports whether this torrent describes more than one file.
func (t *Torrent) IsMultiFile() bool {
	return len(t.MetaInfo.Info.Files) > 0
}

// Files returns the (path, length) list in download order. For single-file
// torrents this synthesizes a one-element list from Info.Name/Info.Length.
func (t *Torrent) Files() []File {
	if t.IsMultiFile() {
		return t.MetaInfo.Info.Files
	}
	return []File{{Length: t.MetaInfo.Info.Length, Path: []string{t.MetaInfo.Info.Name}}}
}

// New decodes a .torrent file from r and derives the Torrent summary.
func New(r io.ReadSeeker) (*Torrent, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, err
	}
	rootMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("torrent: malformed metainfo: root is not a dictionary")
	}
	infoMap, ok := rootMap["info"]
	if !ok {
		return nil, fmt.Errorf("torrent: malformed metainfo: missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(infoBencode.Bytes())

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	t := &Torrent{InfoHash: infoHash}
	if err := bencode.Unmarshal(r, &t.MetaInfo); err != nil {
		return nil, err
	}
	if len(t.MetaInfo.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("torrent: malformed metainfo: pieces length %d not a multiple of 20", len(t.MetaInfo.Info.Pieces))
	}
	t.NumPieces = len(t.MetaInfo.Info.Pieces) / 20

	if t.IsMultiFile() {
		for _, f := range t.MetaInfo.Info.Files {
			t.Length += f.Length
		}
	} else {
		t.Length = t.MetaInfo.Info.Length
	}
	return t, nil
}
