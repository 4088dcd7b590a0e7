// Package get orchestrates a file retrieval: resolve the name to a
// manifest, fetch segments from the owning shards in fixed pipelined
// windows, reassemble the stream in index order and emit it to the sink.
package get

import (
	"errors"
	"fmt"
	"io"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
	"difs/repo/command"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultWindow   = 100
	DefaultMaxRetry = 3
)

var ErrNoShard = errors.New("no shard owns the segment")

type state int

const (
	stateInit state = iota
	stateManifest
	stateFetching
	stateDone
	stateFailed
)

// Options tune a get.
type Options struct {
	// Window is the number of pipelined segment requests per batch.
	Window uint64

	// Lifetime is the per-request lifetime for segment requests.
	Lifetime time.Duration

	// MaxRetry bounds retransmissions of a single segment request.
	MaxRetry int
}

type shard struct {
	prefix name.Name
	start  uint64
	end    uint64
}

// Fetcher runs one get to completion, writing reconstructed bytes to out.
// All fields are touched only on the endpoint's dispatcher.
type Fetcher struct {
	ep       wire.Endpoint
	client   *command.Client
	fileName string
	out      io.Writer
	opts     Options

	state   state
	shards  []shard
	end     uint64 // highest segment index across all shards
	final   *uint64
	buffer  map[uint64][]byte
	retries map[uint64]int
	total   uint64
	started time.Time
	err     error
}

func New(ep wire.Endpoint, client *command.Client, fileName string, out io.Writer, opts Options) *Fetcher {
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxRetry == 0 {
		opts.MaxRetry = DefaultMaxRetry
	}
	return &Fetcher{
		ep:       ep,
		client:   client,
		fileName: fileName,
		out:      out,
		opts:     opts,
		buffer:   make(map[uint64][]byte),
		retries:  make(map[uint64]int),
	}
}

// Run resolves the manifest and drives the event loop until the file has
// been written to the sink or the fetch has failed.
func (f *Fetcher) Run() error {
	f.started = time.Now()
	f.state = stateManifest

	f.client.Get(f.fileName, func(m *manifest.Manifest, err error) {
		if f.state != stateManifest {
			return
		}
		if err != nil {
			if errors.Is(err, command.ErrNotFound) {
				log.Infof("get: %s not found", f.fileName)
			}
			f.fail(err)
			return
		}
		f.startFetch(m)
	})

	if err := f.ep.RunEvents(); err != nil {
		return err
	}
	return f.err
}

func (f *Fetcher) startFetch(m *manifest.Manifest) {
	fileURI, err := name.FromURI(m.Name)
	if err != nil {
		f.fail(fmt.Errorf("bad manifest name %q: %w", m.Name, err))
		return
	}

	for _, r := range m.Shards() {
		prefix, err := name.FromURI(r.Name)
		if err != nil {
			f.fail(fmt.Errorf("bad shard name %q: %w", r.Name, err))
			return
		}
		prefix = prefix.AppendGeneric("data").AppendName(fileURI)
		f.shards = append(f.shards, shard{prefix: prefix, start: r.Start, end: r.End})
		if r.End > f.end {
			f.end = r.End
		}
	}

	f.state = stateFetching
	log.Debugf("get: %s spans %d shard(s), segments 0..%d", f.fileName, len(f.shards), f.end)
	for _, s := range f.shards {
		top := s.start + f.opts.Window - 1
		if top > s.end {
			top = s.end
		}
		f.requestRange(s.start, top)
	}
}

func (f *Fetcher) shardFor(idx uint64) *shard {
	for i := range f.shards {
		if idx >= f.shards[i].start && idx <= f.shards[i].end {
			return &f.shards[i]
		}
	}
	return nil
}

func (f *Fetcher) requestRange(from, to uint64) {
	for idx := from; idx <= to; idx++ {
		f.requestSegment(idx)
	}
}

func (f *Fetcher) requestSegment(idx uint64) {
	s := f.shardFor(idx)
	if s == nil {
		f.fail(fmt.Errorf("%w: %d", ErrNoShard, idx))
		return
	}
	req := &packet.Request{
		Name:        s.prefix.AppendSegment(idx),
		MustBeFresh: true,
		Lifetime:    f.opts.Lifetime,
	}
	f.ep.ExpressRequest(req,
		func(_ *packet.Request, d *packet.Response) { f.onSegment(idx, d) },
		func(_ *packet.Request, nack *packet.Nack) { f.onSegmentLost(idx, fmt.Sprintf("nack: %s", nack.Reason)) },
		func(*packet.Request) { f.onSegmentLost(idx, "timeout") })
}

// onSegmentLost retries a lost segment request until its budget is spent;
// exhaustion aborts the whole fetch, since reassembly can never complete
// without the missing index.
func (f *Fetcher) onSegmentLost(idx uint64, cause string) {
	if f.state != stateFetching {
		return
	}
	if f.retries[idx] < f.opts.MaxRetry {
		f.retries[idx]++
		log.Infof("get: segment %d lost (%s), retry %d/%d", idx, cause, f.retries[idx], f.opts.MaxRetry)
		f.requestSegment(idx)
		return
	}
	log.Errorf("get: segment %d unreachable after %d retries, aborting", idx, f.opts.MaxRetry)
	f.fail(fmt.Errorf("segment %d: %w", idx, command.ErrRetryExhausted))
}

func (f *Fetcher) onSegment(idx uint64, d *packet.Response) {
	if f.state != stateFetching {
		return
	}
	if _, dup := f.buffer[idx]; dup {
		return
	}

	payload := d.Content
	if d.ContentType == packet.ContentTypeHashChain {
		if len(payload) < keychain.HashSize {
			f.fail(fmt.Errorf("segment %d: chained content shorter than the hash slot", idx))
			return
		}
		payload = payload[keychain.HashSize:]
	}
	f.buffer[idx] = payload
	f.total += uint64(len(payload))

	if d.FinalBlock != nil {
		final := *d.FinalBlock
		f.final = &final
	}

	// Crossing a window boundary opens the next batch at the following
	// contiguous index.
	if idx%f.opts.Window == f.opts.Window-1 && idx < f.end {
		top := idx + f.opts.Window
		if top > f.end {
			top = f.end
		}
		f.requestRange(idx+1, top)
	}

	if f.final != nil && uint64(len(f.buffer)) == *f.final+1 {
		f.drain()
	}
}

// drain writes the reassembled stream to the sink in ascending index order.
func (f *Fetcher) drain() {
	for idx := uint64(0); idx <= *f.final; idx++ {
		if _, err := f.out.Write(f.buffer[idx]); err != nil {
			f.fail(fmt.Errorf("write segment %d: %w", idx, err))
			return
		}
	}
	f.state = stateDone
	log.Infof("get: %s complete, %d segments (%d bytes) in %v",
		f.fileName, *f.final+1, f.total, time.Since(f.started).Round(time.Millisecond))
	f.ep.StopEvents()
}

func (f *Fetcher) fail(err error) {
	f.state = stateFailed
	f.err = err
	log.Errorf("get: %v", err)
	f.ep.StopEvents()
}
