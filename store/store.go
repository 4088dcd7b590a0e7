// Package store defines the repository node's persistence model: signed
// segment records held as content-addressed blocks, and an index mapping
// file names to their records and segment OIDs.
package store

import (
	"errors"
	"time"

	"difs/oid"
)

var ErrNotFound = errors.New("not found in store")

// Block is one content-addressed unit. The OID is the digest of Data; the
// length is carried so callers can size summaries without reading blocks.
type Block struct {
	_      struct{} `cbor:",toarray"`
	Oid    oid.Oid
	Length uint64
	Data   []byte
}

// NewBlock wraps raw bytes as a segment-typed block.
func NewBlock(data []byte) *Block {
	return &Block{
		Oid:    *oid.FromContent(oid.KindSegment, data),
		Length: uint64(len(data)),
		Data:   data,
	}
}

// FileRecord tracks one stored file and the progress of its insert.
type FileRecord struct {
	Name       string    `cbor:"1,keyasint"`
	Segments   uint64    `cbor:"2,keyasint,omitempty"`
	Inserted   uint64    `cbor:"3,keyasint,omitempty"`
	ProcessID  uint64    `cbor:"4,keyasint,omitempty"`
	UpdateTime time.Time `cbor:"5,keyasint,omitempty"`
}

// BlockStore stores raw blocks keyed by OID.
type BlockStore interface {
	Get(*oid.Oid) (*Block, error)
	Has(*oid.Oid) (bool, error)
	Put(*Block) (*oid.Oid, error)
	Delete(*oid.Oid) error

	// Enumerate lists the OIDs of every stored block.
	Enumerate() ([]*oid.Oid, error)

	Close() error
}

// Index maps file names to their records and segment indices to block OIDs.
// Lookups for unknown keys return ErrNotFound.
type Index interface {
	PutFile(*FileRecord) error
	GetFile(name string) (*FileRecord, error)
	DeleteFile(name string) error
	Files() ([]*FileRecord, error)

	PutSegment(file string, index uint64, o oid.Oid) error
	GetSegment(file string, index uint64) (oid.Oid, error)

	// Segments lists the stored segment OIDs of a file, keyed by segment
	// index.
	Segments(file string) (map[uint64]oid.Oid, error)

	// DeleteSegments drops every segment entry of a file.
	DeleteSegments(file string) error

	Close() error
}
