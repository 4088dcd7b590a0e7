// Package packet defines the request/response records exchanged over the
// wire substrate, and the frame envelope that carries them on a transport.
package packet

import (
	"time"

	"difs/ndn/name"
)

type SignatureType uint8

const (
	SignatureNone      SignatureType = 0
	SignatureDigest    SignatureType = 1 // SHA-256 digest of the record
	SignatureIdentity  SignatureType = 2 // Ed25519 over the signed portion
	SignatureHashChain SignatureType = 3 // signature value carries the next chain hash
)

type ContentType uint8

const (
	ContentTypeBlob ContentType = 0
	// ContentTypeHashChain marks content whose leading 32 bytes are the
	// digest of the successor segment's content.
	ContentTypeHashChain ContentType = 1
)

// Request is a named pull request. Exactly one of reply, nack or timeout
// terminates it at the requester.
type Request struct {
	Name           name.Name     `cbor:"1,keyasint"`
	CanBePrefix    bool          `cbor:"2,keyasint,omitempty"`
	MustBeFresh    bool          `cbor:"3,keyasint,omitempty"`
	Nonce          uint64        `cbor:"4,keyasint,omitempty"`
	Lifetime       time.Duration `cbor:"5,keyasint,omitempty"`
	ForwardingHint *name.Name    `cbor:"6,keyasint,omitempty"`
}

// Matches reports whether a response with the given name satisfies the
// request: exact name match, or prefix match when CanBePrefix is set.
func (r *Request) Matches(n name.Name) bool {
	if r.CanBePrefix {
		return r.Name.IsPrefixOf(n)
	}
	return r.Name.Equal(n)
}

// Response is a named, signed payload satisfying exactly one request.
type Response struct {
	Name        name.Name     `cbor:"1,keyasint"`
	Content     []byte        `cbor:"2,keyasint,omitempty"`
	ContentType ContentType   `cbor:"3,keyasint,omitempty"`
	Freshness   time.Duration `cbor:"4,keyasint,omitempty"`

	// FinalBlock is present iff this is the last segment of a stream,
	// carrying the final segment index.
	FinalBlock *uint64 `cbor:"5,keyasint,omitempty"`

	SignatureType  SignatureType `cbor:"6,keyasint,omitempty"`
	SignatureValue []byte        `cbor:"7,keyasint,omitempty"`
	KeyLocator     *name.Name    `cbor:"8,keyasint,omitempty"`
}

// SignedPortion returns the bytes covered by the response signature:
// name URI, content type, content and final block marker.
func (d *Response) SignedPortion() []byte {
	buf := []byte(d.Name.String())
	buf = append(buf, byte(d.ContentType))
	buf = append(buf, d.Content...)
	if d.FinalBlock != nil {
		var fb [8]byte
		for i := 0; i < 8; i++ {
			fb[i] = byte(*d.FinalBlock >> (8 * (7 - i)))
		}
		buf = append(buf, fb[:]...)
	}
	return buf
}

// Nack is a negative acknowledgement for a request, distinct from timeout.
type Nack struct {
	Name   name.Name `cbor:"1,keyasint"`
	Nonce  uint64    `cbor:"2,keyasint,omitempty"`
	Reason string    `cbor:"3,keyasint,omitempty"`
}

// Frame is the transport envelope. Exactly one field is set.
type Frame struct {
	Register *name.Name `cbor:"1,keyasint,omitempty"`
	Request  *Request   `cbor:"2,keyasint,omitempty"`
	Response *Response  `cbor:"3,keyasint,omitempty"`
	Nack     *Nack      `cbor:"4,keyasint,omitempty"`
}
