package name

import (
	"errors"
	"testing"
)

func TestURIRoundTrip(t *testing.T) {
	cases := []string{
		"/",
		"/repo",
		"/repo/data/hello.txt",
		"/repo/data/hello.txt/seg=0",
		"/repo/data/hello.txt/seg=17",
		"/a%2Fb/c",
	}
	for _, uri := range cases {
		n, err := FromURI(uri)
		if err != nil {
			t.Fatalf("FromURI(%q): %v", uri, err)
		}
		if got := n.String(); got != uri {
			t.Fatalf("round trip of %q produced %q", uri, got)
		}
	}
}

func TestFromURIRejectsEmptyComponent(t *testing.T) {
	if _, err := FromURI("/repo//file"); !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("expected ErrInvalidURI, got %v", err)
	}
}

func TestSegmentComponent(t *testing.T) {
	for _, idx := range []uint64{0, 1, 255, 256, 1 << 32, 1<<64 - 1} {
		c := SegmentComponent(idx)
		if !c.IsSegment() {
			t.Fatalf("SegmentComponent(%d) is not a segment component", idx)
		}
		got, err := c.Segment()
		if err != nil {
			t.Fatalf("Segment() for index %d: %v", idx, err)
		}
		if got != idx {
			t.Fatalf("segment index round trip: want %d, got %d", idx, got)
		}
	}
}

func TestSegmentOnGenericComponent(t *testing.T) {
	c := GenericComponent([]byte("file"))
	if _, err := c.Segment(); !errors.Is(err, ErrNotSegment) {
		t.Fatalf("expected ErrNotSegment, got %v", err)
	}
}

func TestPrefixRelation(t *testing.T) {
	root := MustFromURI("/repo")
	file := MustFromURI("/repo/data/file")
	seg := file.AppendSegment(3)

	if !root.IsPrefixOf(file) || !root.IsPrefixOf(seg) {
		t.Fatal("/repo should be a prefix of its descendants")
	}
	if !file.IsPrefixOf(file) {
		t.Fatal("a name should be a prefix of itself")
	}
	if file.IsPrefixOf(root) {
		t.Fatal("a longer name must not be a prefix of a shorter one")
	}
	if MustFromURI("/other").IsPrefixOf(file) {
		t.Fatal("sibling names must not be prefixes")
	}
}

func TestAppendDoesNotMutate(t *testing.T) {
	base := MustFromURI("/repo/data")
	a := base.AppendGeneric("a")
	b := base.AppendGeneric("b")
	if a.Equal(b) {
		t.Fatal("appends from the same base must be independent")
	}
	if base.Size() != 2 {
		t.Fatalf("base mutated, size %d", base.Size())
	}
	if a.String() != "/repo/data/a" || b.String() != "/repo/data/b" {
		t.Fatalf("unexpected append results %s, %s", a, b)
	}
}

func TestPrefixTruncation(t *testing.T) {
	n := MustFromURI("/repo/data/file").AppendSegment(5)
	p := n.Prefix(3)
	if p.String() != "/repo/data/file" {
		t.Fatalf("Prefix(3) = %s", p)
	}
}
