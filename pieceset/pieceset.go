// Package pieceset implements the compact piece-index set used both for the
// client's own bitfield and for the piece-set a remote peer has advertised.
// It wraps github.com/boljen/go-bitmap for membership storage and owns the
// wire-format (de)serialization rules the bitmap library itself doesn't
// know about.
package pieceset

import (
	"fmt"

	bitmap "github.com/boljen/go-bitmap"
)

// Set is a mutable subset of {0, ..., N-1}.
type Set struct {
	n  int
	bm bitmap.Bitmap
}

// New returns an empty set over {0, ..., n-1}.
func New(n int) *Set {
	return &Set{n: n, bm: bitmap.New(n)}
}

// Len returns N, the universe size this set was created with.
func (s *Set) Len() int { return s.n }

// Insert adds i to the set. It panics if i is out of range, matching the
// invariant that callers validate piece indices before touching the set.
func (s *Set) Insert(i int) {
	s.mustInRange(i)
	s.bm.Set(i, true)
}

// Delete removes i from the set.
func (s *Set) Delete(i int) {
	s.mustInRange(i)
	s.bm.Set(i, false)
}

// Contains reports whether i is a member.
func (s *Set) Contains(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.bm.Get(i)
}

func (s *Set) mustInRange(i int) {
	if i < 0 || i >= s.n {
		panic(fmt.Sprintf("pieceset: index %d out of range [0,%d)", i, s.n))
	}
}

// Size returns the number of members.
func (s *Set) Size() int {
	count := 0
	for i := 0; i < s.n; i++ {
		if s.bm.Get(i) {
			count++
		}
	}
	return count
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool { return s.Size() == 0 }

// Full reports whether every index in [0,n) is a member.
func (s *Set) Full() bool { return s.Size() == s.n }

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	c := New(s.n)
	for i := 0; i < s.n; i++ {
		if s.bm.Get(i) {
			c.bm.Set(i, true)
		}
	}
	return c
}

// FillAll sets every index, used after HAVE_ALL.
func (s *Set) FillAll() {
	for i := 0; i < s.n; i++ {
		s.bm.Set(i, true)
	}
}

// Difference returns the set of indices present in s but not in other:
// "pieces remote has that we don't" when called as other.Difference(us).
func (s *Set) Difference(other *Set) *Set {
	out := New(s.n)
	for i := 0; i < s.n; i++ {
		if s.Contains(i) && !other.Contains(i) {
			out.bm.Set(i, true)
		}
	}
	return out
}

// Intersection returns indices present in both sets.
func (s *Set) Intersection(other *Set) *Set {
	out := New(s.n)
	for i := 0; i < s.n; i++ {
		if s.Contains(i) && other.Contains(i) {
			out.bm.Set(i, true)
		}
	}
	return out
}

// Union returns indices present in either set.
func (s *Set) Union(other *Set) *Set {
	out := New(s.n)
	for i := 0; i < s.n; i++ {
		if s.Contains(i) || other.Contains(i) {
			out.bm.Set(i, true)
		}
	}
	return out
}

// ErrMalformedBitfield is returned by Parse when the trailing pad bits of a
// wire bitfield are non-zero.
var ErrMalformedBitfield = fmt.Errorf("pieceset: malformed bitfield: non-zero pad bits")

// Serialize encodes the set as a BitTorrent wire bitfield: ceil(n/8) bytes,
// big-endian within each byte (bit 7 of byte 0 is index 0). Bits beyond n in
// the final byte are always zero.
func (s *Set) Serialize() []byte {
	out := make([]byte, (s.n+7)/8)
	for i := 0; i < s.n; i++ {
		if s.bm.Get(i) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// Parse decodes a wire bitfield of exactly ceil(n/8) bytes into a Set. It
// rejects a non-zero pad bit beyond index n-1 in the final byte.
func Parse(data []byte, n int) (*Set, error) {
	want := (n + 7) / 8
	if len(data) != want {
		return nil, fmt.Errorf("pieceset: bitfield length %d, want %d for n=%d", len(data), want, n)
	}
	s := New(n)
	for i := 0; i < n; i++ {
		if data[i/8]&(1<<uint(7-i%8)) != 0 {
			s.bm.Set(i, true)
		}
	}
	if n%8 != 0 {
		last := data[len(data)-1]
		padMask := byte(0xFF >> uint(n%8))
		if last&padMask != 0 {
			return nil, ErrMalformedBitfield
		}
	}
	return s, nil
}
