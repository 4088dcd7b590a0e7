// Package oid names every stored artifact by what it is and what it
// hashes to. An id is a kind tag plus the SHA-256 of the content, with
// the kind folded into the digest so a segment, a manifest and a node
// identity derived from the same bytes occupy disjoint key space.
package oid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Kind tags the artifact class an id refers to. The zero value is not a
// valid kind, so an uninitialized Oid never parses or round trips.
type Kind uint8

const (
	KindSegment  Kind = 1 // signed segment record
	KindManifest Kind = 2 // stored manifest record
	KindNode     Kind = 3 // node identity, derived from its prefix
)

// SumLen is the digest length in bytes.
const SumLen = sha256.Size

var ErrMalformed = errors.New("malformed object id")
var ErrUnknownKind = errors.New("unknown object id kind")

var kindTags = map[Kind]string{
	KindSegment:  "seg",
	KindManifest: "man",
	KindNode:     "node",
}

var kindsByTag = map[string]Kind{
	"seg":  KindSegment,
	"man":  KindManifest,
	"node": KindNode,
}

func (k Kind) String() string {
	return kindTags[k]
}

// Oid is a typed content address. The text form is <tag>-<hex digest>,
// so ids of one kind sort together and the digest orders them within
// their arc of the ring.
type Oid struct {
	kind Kind
	sum  [SumLen]byte
}

// FromContent derives the id of a piece of content. The kind byte is
// hashed ahead of the content itself.
func FromContent(k Kind, content []byte) *Oid {
	h := sha256.New()
	h.Write([]byte{byte(k)})
	h.Write(content)
	o := &Oid{kind: k}
	h.Sum(o.sum[:0])
	return o
}

// Parse reads the <tag>-<hex digest> text form back into an id.
func Parse(s string) (*Oid, error) {
	tag, digest, ok := strings.Cut(s, "-")
	if !ok {
		return nil, ErrMalformed
	}
	k, ok := kindsByTag[tag]
	if !ok {
		return nil, ErrUnknownKind
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != SumLen {
		return nil, ErrMalformed
	}
	o := &Oid{kind: k}
	copy(o.sum[:], raw)
	return o, nil
}

func (o *Oid) Kind() Kind {
	return o.kind
}

func (o *Oid) String() string {
	return kindTags[o.kind] + "-" + hex.EncodeToString(o.sum[:])
}

// Digest returns the hex digest without the kind tag, for callers that
// bucket ids by hash alone.
func (o *Oid) Digest() string {
	return hex.EncodeToString(o.sum[:])
}

func (o *Oid) Equal(other *Oid) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.kind == other.kind && o.sum == other.sum
}

// MarshalBinary encodes the id as the kind byte followed by the digest,
// the form carried inside CBOR records.
func (o *Oid) MarshalBinary() ([]byte, error) {
	return append([]byte{byte(o.kind)}, o.sum[:]...), nil
}

func (o *Oid) UnmarshalBinary(data []byte) error {
	if len(data) != 1+SumLen {
		return ErrMalformed
	}
	k := Kind(data[0])
	if _, ok := kindTags[k]; !ok {
		return ErrUnknownKind
	}
	o.kind = k
	copy(o.sum[:], data[1:])
	return nil
}
