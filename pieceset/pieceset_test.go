package pieceset

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for n := 1; n <= 20; n++ {
		s := New(n)
		for i := 0; i < n; i += 3 {
			s.Insert(i)
		}
		data := s.Serialize()
		got, err := Parse(data, n)
		if err != nil {
			t.Fatalf("n=%d: Parse: %v", n, err)
		}
		for i := 0; i < n; i++ {
			if got.Contains(i) != s.Contains(i) {
				t.Fatalf("n=%d: index %d round-trip mismatch", n, i)
			}
		}
	}
}

func TestSerializePadBitsZero(t *testing.T) {
	s := New(5)
	s.FillAll()
	data := s.Serialize()
	if len(data) != 1 {
		t.Fatalf("len = %d, want 1", len(data))
	}
	// bits 5,6,7 of the single byte must be zero pad bits.
	if data[0]&0x07 != 0 {
		t.Fatalf("pad bits not zero: %08b", data[0])
	}
	if data[0]&0xF8 != 0xF8 {
		t.Fatalf("set bits wrong: %08b", data[0])
	}
}

func TestParseRejectsNonZeroPad(t *testing.T) {
	_, err := Parse([]byte{0x01}, 5)
	if err != ErrMalformedBitfield {
		t.Fatalf("err = %v, want ErrMalformedBitfield", err)
	}
}

func TestDifference(t *testing.T) {
	a := New(4)
	a.Insert(0)
	a.Insert(1)
	b := New(4)
	b.Insert(1)
	d := a.Difference(b)
	if !d.Contains(0) || d.Contains(1) {
		t.Fatalf("difference wrong")
	}
}

func TestUnionIntersection(t *testing.T) {
	a := New(4)
	a.Insert(0)
	b := New(4)
	b.Insert(1)
	u := a.Union(b)
	if u.Size() != 2 {
		t.Fatalf("union size = %d, want 2", u.Size())
	}
	i := a.Intersection(b)
	if i.Size() != 0 {
		t.Fatalf("intersection size = %d, want 0", i.Size())
	}
}

func TestFullEmpty(t *testing.T) {
	s := New(3)
	if !s.Empty() {
		t.Fatalf("new set not empty")
	}
	s.FillAll()
	if !s.Full() {
		t.Fatalf("filled set not full")
	}
}

func TestParseLengthMismatch(t *testing.T) {
	_, err := Parse(bytes.Repeat([]byte{0}, 3), 8)
	if err == nil {
		t.Fatalf("expected error on length mismatch")
	}
}
