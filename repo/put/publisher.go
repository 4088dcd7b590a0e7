// Package put orchestrates the publishing side of a file insert: it
// registers the data prefix, serves the manifest and segment records on
// demand, and drives the insert then check handshake until the repository
// has accepted every segment.
package put

import (
	"errors"
	"fmt"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
	"difs/repo/command"
	"difs/segment"

	log "github.com/sirupsen/logrus"
)

const DefaultCheckPeriod = time.Second

var ErrTimeout = errors.New("put timed out")

type state int

const (
	stateInit state = iota
	stateRegistered
	stateInsertSent
	stateChecking
	stateDone
	stateFailed
)

// Options tune a put beyond the segmenter's own knobs.
type Options struct {
	// CheckPeriod is the insert check polling interval.
	CheckPeriod time.Duration

	// Timeout, when positive, stops the event loop unconditionally after
	// the given duration.
	Timeout time.Duration

	// NodePrefix optionally pins the insert to one repository node.
	NodePrefix string

	Freshness    time.Duration
	Digest       bool
	DataIdentity string
}

// Publisher runs one put to completion. All fields are touched only on the
// endpoint's dispatcher.
type Publisher struct {
	ep     wire.Endpoint
	kc     *keychain.KeyChain
	client *command.Client
	seg    *segment.Segmenter
	prefix name.Name
	opts   Options

	state     state
	processID uint64
	started   time.Time
	err       error
}

func New(ep wire.Endpoint, kc *keychain.KeyChain, client *command.Client, seg *segment.Segmenter, prefix name.Name, opts Options) *Publisher {
	if opts.CheckPeriod == 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	if opts.Freshness == 0 {
		opts.Freshness = segment.DefaultFreshness
	}
	return &Publisher{ep: ep, kc: kc, client: client, seg: seg, prefix: prefix, opts: opts}
}

// Run registers the data prefix, kicks off the insert handshake and drives
// the event loop until the put finishes one way or the other.
func (p *Publisher) Run() error {
	p.started = time.Now()

	p.ep.RegisterPrefix(p.prefix, p.serve,
		func(name.Name) {
			p.state = stateRegistered
			log.Debugf("put: registered prefix %s", p.prefix)
			p.sendInsert()
		},
		func(prefix name.Name, err error) {
			p.fail(fmt.Errorf("failed to register prefix %s: %w", prefix, err))
		})

	if p.opts.Timeout > 0 {
		p.ep.ScheduleAfter(p.opts.Timeout, func() {
			if p.state != stateDone && p.state != stateFailed {
				p.fail(ErrTimeout)
			}
		})
	}

	if err := p.ep.RunEvents(); err != nil {
		return err
	}
	return p.err
}

func (p *Publisher) sendInsert() {
	p.state = stateInsertSent
	p.client.Insert(p.prefix.String(), p.opts.NodePrefix, func(resp *command.Response, err error) {
		if p.state != stateInsertSent {
			return
		}
		if err != nil {
			p.fail(fmt.Errorf("insert: %w", err))
			return
		}
		p.processID = resp.ProcessID
		p.state = stateChecking
		log.Debugf("put: insert accepted, process id %d", p.processID)
		p.ep.ScheduleAfter(p.opts.CheckPeriod, p.check)
	})
}

func (p *Publisher) check() {
	if p.state != stateChecking {
		return
	}
	p.client.InsertCheck(p.prefix.String(), p.processID, func(resp *command.Response, err error) {
		if p.state != stateChecking {
			return
		}
		if err != nil {
			p.fail(fmt.Errorf("insert check: %w", err))
			return
		}
		if resp.InsertNum >= p.seg.Count() {
			p.state = stateDone
			log.Infof("put: %s inserted, %d segments (%d bytes) in %v",
				p.prefix, p.seg.Count(), p.seg.Size(), time.Since(p.started).Round(time.Millisecond))
			p.ep.StopEvents()
			return
		}
		log.Debugf("put: %d/%d segments inserted", resp.InsertNum, p.seg.Count())
		p.ep.ScheduleAfter(p.opts.CheckPeriod, p.check)
	})
}

// serve answers data requests while the insert is in flight. The bare
// prefix returns the manifest; one extra segment component returns the
// cached segment, growing the pre-sign window when the request runs ahead.
func (p *Publisher) serve(_ name.Name, req *packet.Request) {
	switch {
	case req.Name.Equal(p.prefix):
		p.serveManifest(req)

	case req.Name.Size() == p.prefix.Size()+1:
		idx, err := req.Name.At(p.prefix.Size()).Segment()
		if err != nil {
			p.ep.PutNack(req, "not a segment")
			return
		}
		p.serveSegment(req, idx)

	default:
		p.ep.PutNack(req, "no such record")
	}
}

func (p *Publisher) serveManifest(req *packet.Request) {
	m := manifest.New(p.prefix.String(), 0, p.seg.FinalSegment())
	body, err := m.ToJSON()
	if err != nil {
		p.ep.PutNack(req, "manifest encoding failed")
		return
	}
	d := &packet.Response{
		Name:      p.prefix,
		Content:   body,
		Freshness: p.opts.Freshness,
	}
	if p.opts.Digest {
		p.kc.SignDigest(d)
	} else if err := p.kc.SignIdentity(d, p.opts.DataIdentity); err != nil {
		p.fail(fmt.Errorf("sign manifest: %w", err))
		return
	}
	p.ep.PutResponse(d)
}

func (p *Publisher) serveSegment(req *packet.Request, idx uint64) {
	if err := p.seg.EnsureWindow(idx); err != nil {
		if errors.Is(err, segment.ErrOutOfRange) {
			p.ep.PutNack(req, "segment out of range")
			return
		}
		p.fail(fmt.Errorf("produce segment %d: %w", idx, err))
		return
	}
	d, err := p.seg.Segment(idx)
	if err != nil {
		p.ep.PutNack(req, "segment not produced")
		return
	}
	p.ep.PutResponse(d)
}

func (p *Publisher) fail(err error) {
	p.state = stateFailed
	p.err = err
	log.Errorf("put: %v", err)
	p.ep.StopEvents()
}
