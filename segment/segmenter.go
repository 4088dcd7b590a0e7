// Package segment slices an input byte stream into fixed-size blocks,
// computes the backward hash chain and produces signed segment records on
// demand for the publisher's serving path.
package segment

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"difs/keychain"
	"difs/ndn/name"
	"difs/ndn/packet"

	"golang.org/x/crypto/blake2s"
)

const (
	DefaultBlockSize = 1000
	DefaultPreSign   = 11
	DefaultFreshness = 10 * time.Second
)

var ErrBlockSizeTooSmall = errors.New("block size must exceed the hash size")
var ErrNotProduced = errors.New("segment was never produced")
var ErrOutOfRange = errors.New("segment index out of range")

// Options tune a put. The zero value means: 1000-byte blocks, no hash
// chain, identity signing, SHA-256 chain digest.
type Options struct {
	BlockSize uint64
	Freshness time.Duration
	PreSign   uint64

	// HashChain prepends each segment's content with the digest of its
	// successor and chain-signs segments past the first.
	HashChain bool

	// Blake2s selects BLAKE2s instead of SHA-256 for the chain digest.
	Blake2s bool

	// Digest replaces the identity signature with a bare SHA-256 digest.
	Digest bool

	// DataIdentity names the signing identity; empty means the keychain
	// default.
	DataIdentity string
}

// Segmenter owns the input stream for the duration of a put. Segments are
// stored in ascending index order even though chain hashes are computed
// from the tail; nothing is discarded until the put completes.
type Segmenter struct {
	kc     *keychain.KeyChain
	prefix name.Name
	input  io.ReadSeeker
	opts   Options

	size    uint64 // input length B
	payload uint64 // payload bytes per segment
	count   uint64 // total segments N

	hashes [][keychain.HashSize]byte // chain mode: digest of each full segment content
	cache  map[uint64]*packet.Response
	next   uint64 // lowest index not yet produced
}

func New(kc *keychain.KeyChain, prefix name.Name, input io.ReadSeeker, opts Options) (*Segmenter, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.PreSign == 0 {
		opts.PreSign = DefaultPreSign
	}
	if opts.Freshness == 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.HashChain && opts.BlockSize <= keychain.HashSize {
		return nil, ErrBlockSizeTooSmall
	}

	end, err := input.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to size input: %w", err)
	}
	if _, err := input.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	s := &Segmenter{
		kc:     kc,
		prefix: prefix,
		input:  input,
		opts:   opts,
		size:   uint64(end),
		cache:  make(map[uint64]*packet.Response),
	}

	s.payload = opts.BlockSize
	if opts.HashChain {
		s.payload = opts.BlockSize - keychain.HashSize
	}
	s.count = (s.size + s.payload - 1) / s.payload
	if s.count == 0 {
		s.count = 1
	}

	if opts.HashChain {
		if err := s.buildChain(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Count returns the total number of segments N.
func (s *Segmenter) Count() uint64 {
	return s.count
}

// Size returns the input length in bytes.
func (s *Segmenter) Size() uint64 {
	return s.size
}

// FinalSegment returns the index of the last segment, N-1.
func (s *Segmenter) FinalSegment() uint64 {
	return s.count - 1
}

func (s *Segmenter) digest(b []byte) [keychain.HashSize]byte {
	if s.opts.Blake2s {
		return blake2s.Sum256(b)
	}
	return sha256.Sum256(b)
}

// buildChain walks the input from the tail and caches the digest of every
// full segment content before anything is signed or served, so the serving
// path is amortised O(1) per segment.
func (s *Segmenter) buildChain() error {
	s.hashes = make([][keychain.HashSize]byte, s.count)

	var slot [keychain.HashSize]byte // zero sentinel for the last segment
	for i := s.count; i > 0; i-- {
		idx := i - 1
		if idx < s.count-1 {
			slot = s.hashes[idx+1]
		}
		payload, err := s.readPayload(idx)
		if err != nil {
			return err
		}
		content := append(append([]byte(nil), slot[:]...), payload...)
		s.hashes[idx] = s.digest(content)
	}
	return nil
}

// readPayload reads the payload slice for segment idx. Offsets run forward
// from the head of the stream.
func (s *Segmenter) readPayload(idx uint64) ([]byte, error) {
	if idx >= s.count {
		return nil, ErrOutOfRange
	}
	offset := idx * s.payload
	length := s.payload
	if offset+length > s.size {
		length = s.size - offset
	}
	if _, err := s.input.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to segment %d: %w", idx, err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.input, buf); err != nil {
		return nil, fmt.Errorf("read segment %d: %w", idx, err)
	}
	return buf, nil
}

// EnsureWindow produces and signs segments [r, r+preSign], clamped to the
// end of the stream. Produced segments are kept for retransmission.
func (s *Segmenter) EnsureWindow(r uint64) error {
	if r >= s.count {
		return ErrOutOfRange
	}
	top := r + s.opts.PreSign
	if top > s.count-1 {
		top = s.count - 1
	}
	for s.next <= top {
		if err := s.produce(s.next); err != nil {
			return err
		}
		s.next++
	}
	return nil
}

// Segment returns the cached record for idx. The record must have been
// produced by a prior EnsureWindow.
func (s *Segmenter) Segment(idx uint64) (*packet.Response, error) {
	if idx >= s.count {
		return nil, ErrOutOfRange
	}
	d, ok := s.cache[idx]
	if !ok {
		return nil, ErrNotProduced
	}
	return d, nil
}

func (s *Segmenter) produce(idx uint64) error {
	payload, err := s.readPayload(idx)
	if err != nil {
		return err
	}

	d := &packet.Response{
		Name:      s.prefix.AppendSegment(idx),
		Freshness: s.opts.Freshness,
	}
	if idx == s.count-1 {
		final := s.count - 1
		d.FinalBlock = &final
	}

	if s.opts.HashChain {
		var slot [keychain.HashSize]byte
		if idx < s.count-1 {
			slot = s.hashes[idx+1]
		}
		d.ContentType = packet.ContentTypeHashChain
		d.Content = append(append([]byte(nil), slot[:]...), payload...)

		// The chain is traversed from segment 0 forward during
		// verification, so segment 0 carries the identity signature and
		// every later segment is a chain link.
		if idx == 0 {
			if err := s.signAnchor(d); err != nil {
				return err
			}
		} else {
			s.kc.SignChainLink(d, slot[:])
		}
	} else {
		d.Content = payload
		if err := s.signAnchor(d); err != nil {
			return err
		}
	}

	s.cache[idx] = d
	return nil
}

func (s *Segmenter) signAnchor(d *packet.Response) error {
	if s.opts.Digest {
		s.kc.SignDigest(d)
		return nil
	}
	return s.kc.SignIdentity(d, s.opts.DataIdentity)
}
