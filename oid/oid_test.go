package oid

import (
	"errors"
	"strings"
	"testing"
)

func TestStringParseRoundTrip(t *testing.T) {
	o := FromContent(KindSegment, []byte("some segment bytes"))
	s := o.String()
	if !strings.HasPrefix(s, "seg-") {
		t.Fatalf("segment id lacks its tag: %s", s)
	}

	got, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(o) {
		t.Fatalf("round trip mismatch: %s != %s", got.String(), s)
	}
	if got.Kind() != KindSegment {
		t.Fatalf("wrong kind after parse: %v", got.Kind())
	}
}

func TestKindsSeparateKeySpace(t *testing.T) {
	content := []byte("/repo")
	seg := FromContent(KindSegment, content)
	node := FromContent(KindNode, content)
	if seg.Equal(node) {
		t.Fatal("ids of different kinds collided")
	}
	if seg.Digest() == node.Digest() {
		t.Fatal("kind must be folded into the digest, not only the tag")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"", ErrMalformed},
		{"seg", ErrMalformed},
		{"blob-" + strings.Repeat("00", SumLen), ErrUnknownKind},
		{"seg-zzzz", ErrMalformed},
		{"seg-00", ErrMalformed},
	}
	for _, c := range cases {
		if _, err := Parse(c.in); !errors.Is(err, c.want) {
			t.Fatalf("Parse(%q): want %v, got %v", c.in, c.want, err)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	o := FromContent(KindManifest, []byte("manifest"))
	raw, err := o.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1+SumLen {
		t.Fatalf("binary form is %d bytes", len(raw))
	}

	var got Oid
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatal(err)
	}
	if !got.Equal(o) {
		t.Fatal("binary round trip mismatch")
	}

	raw[0] = 0xFF
	if err := got.UnmarshalBinary(raw); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
	if err := got.UnmarshalBinary(raw[:10]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("want ErrMalformed, got %v", err)
	}
}

func TestDeterministicDerivation(t *testing.T) {
	a := FromContent(KindSegment, []byte("same bytes"))
	b := FromContent(KindSegment, []byte("same bytes"))
	if !a.Equal(b) {
		t.Fatal("same kind and content must derive the same id")
	}
	c := FromContent(KindSegment, []byte("other bytes"))
	if a.Equal(c) {
		t.Fatal("different content must derive a different id")
	}
}
