// Package node implements a repository node: it answers the command verbs
// under its prefix, pulls published files into its block store, serves
// stored segments under the data namespace and announces itself on the
// ring.
package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
	"difs/net/mcast"
	"difs/oid"
	"difs/repo/command"
	"difs/store"

	"github.com/fxamacker/cbor/v2"
	"github.com/lthibault/jitterbug"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPullWindow     = 100
	DefaultAnnouncePeriod = 10 * time.Second
)

// Options tune a repository node.
type Options struct {
	Freshness      time.Duration
	PullLifetime   time.Duration
	PullWindow     uint64
	MaxRetry       int
	AnnouncePeriod time.Duration
}

// Node is a single repository process. Handlers run on the endpoint's
// dispatcher; only the insert dedup goroutines live outside it.
type Node struct {
	ep     wire.Endpoint
	kc     *keychain.KeyChain
	prefix name.Name
	id     oid.Oid
	blocks store.BlockStore
	index  store.Index
	ann    *mcast.Announcer
	ring   *Ring
	opts   Options

	flight     singleflight.Group
	jobsByName map[string]*insertJob
	jobsByPid  map[uint64]*insertJob
	nextPid    uint64
}

func New(ep wire.Endpoint, kc *keychain.KeyChain, prefix name.Name, id oid.Oid, blocks store.BlockStore, index store.Index, ann *mcast.Announcer, opts Options) *Node {
	if opts.Freshness == 0 {
		opts.Freshness = 10 * time.Second
	}
	if opts.PullWindow == 0 {
		opts.PullWindow = DefaultPullWindow
	}
	if opts.MaxRetry == 0 {
		opts.MaxRetry = command.DefaultMaxRetry
	}
	if opts.AnnouncePeriod == 0 {
		opts.AnnouncePeriod = DefaultAnnouncePeriod
	}
	return &Node{
		ep:         ep,
		kc:         kc,
		prefix:     prefix,
		id:         id,
		blocks:     blocks,
		index:      index,
		ann:        ann,
		ring:       NewRing(3 * opts.AnnouncePeriod),
		opts:       opts,
		jobsByName: make(map[string]*insertJob),
		jobsByPid:  make(map[uint64]*insertJob),
		nextPid:    uint64(time.Now().UnixNano()),
	}
}

// Serve registers the node prefix and runs the dispatcher, the ring
// listener and the announcement ticker until the context is cancelled.
func (n *Node) Serve(ctx context.Context) error {
	n.ep.RegisterPrefix(n.prefix, n.handle,
		func(p name.Name) { log.Infof("node: serving prefix %s", p) },
		func(p name.Name, err error) { log.Errorf("node: failed to register %s: %v", p, err) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(n.ep.RunEvents)
	g.Go(func() error {
		<-ctx.Done()
		n.ep.StopEvents()
		return ctx.Err()
	})

	if n.ann != nil {
		n.ann.Register(n.ring.Update)
		g.Go(func() error { return n.ann.Listen(ctx) })
		g.Go(func() error { return n.announceLoop(ctx) })
	}

	return g.Wait()
}

// announceLoop publishes presence on a jittered period so a fleet of
// nodes sharing a configured interval spreads out on the wire.
func (n *Node) announceLoop(ctx context.Context) error {
	tick := jitterbug.New(n.opts.AnnouncePeriod, &jitterbug.Norm{Stdev: n.opts.AnnouncePeriod / 10})
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := n.announce(); err != nil {
				log.Errorf("node: announce failed: %v", err)
				return err
			}
		}
	}
}

func (n *Node) announce() error {
	var segments uint64
	files, err := n.index.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		segments += f.Inserted
	}
	msg := &mcast.Announcement{
		NodeID:     n.id,
		DataPrefix: n.prefix.String(),
		Segments:   segments,
	}
	n.ring.Update(msg)
	return n.ann.Publish(msg)
}

// handle splits the node's namespace: <prefix>/data/... serves stored
// segments, everything else is a command verb.
func (n *Node) handle(_ name.Name, req *packet.Request) {
	if req.Name.Size() <= n.prefix.Size() {
		n.ep.PutNack(req, "no such record")
		return
	}
	if string(req.Name.At(n.prefix.Size()).Value) == "data" {
		n.serveData(req)
		return
	}
	n.serveCommand(req)
}

func (n *Node) serveCommand(req *packet.Request) {
	bare := keychain.CommandName(req.Name)
	if bare.Size() < n.prefix.Size()+1 {
		n.ep.PutNack(req, "malformed command")
		return
	}
	verb := string(bare.At(n.prefix.Size()).Value)

	var params *command.Parameters
	if bare.Size() > n.prefix.Size()+1 {
		var err error
		params, err = command.ParseParameters(bare.At(n.prefix.Size() + 1))
		if err != nil {
			log.Warnf("node: bad parameters for %s: %v", verb, err)
			n.ep.PutNack(req, "malformed parameters")
			return
		}
	}

	switch verb {
	case command.VerbInsert:
		n.handleInsert(req, params)
	case command.VerbInsertCheck:
		n.handleInsertCheck(req, params)
	case command.VerbDelete:
		n.handleDelete(req, params)
	case command.VerbDelNode:
		n.handleDelNode(req, params)
	case command.VerbGet:
		n.handleGet(req, params)
	case command.VerbInfo:
		n.handleInfo(req)
	case command.VerbRingInfo:
		n.handleRingInfo(req)
	default:
		n.ep.PutNack(req, "unknown verb")
	}
}

// respond emits a digest-signed reply to a command request.
func (n *Node) respond(req *packet.Request, content []byte) {
	d := &packet.Response{
		Name:      req.Name,
		Content:   content,
		Freshness: n.opts.Freshness,
	}
	n.kc.SignDigest(d)
	n.ep.PutResponse(d)
}

func (n *Node) respondStatus(req *packet.Request, resp *command.Response) {
	body, err := command.EncodeResponse(resp)
	if err != nil {
		log.Errorf("node: encode response: %v", err)
		n.ep.PutNack(req, "internal error")
		return
	}
	n.respond(req, body)
}

func (n *Node) handleInsert(req *packet.Request, params *command.Parameters) {
	if params == nil || params.Name == "" {
		n.respondStatus(req, &command.Response{Code: 400, Text: "missing name"})
		return
	}
	job := n.startInsert(params.Name)
	n.respondStatus(req, &command.Response{Code: 200, ProcessID: job.pid})
}

func (n *Node) handleInsertCheck(req *packet.Request, params *command.Parameters) {
	if params == nil {
		n.respondStatus(req, &command.Response{Code: 400, Text: "missing parameters"})
		return
	}
	if job, ok := n.jobsByPid[params.ProcessID]; ok {
		n.respondStatus(req, &command.Response{Code: 200, ProcessID: job.pid, InsertNum: job.inserted})
		return
	}
	rec, err := n.index.GetFile(params.Name)
	if err != nil {
		n.respondStatus(req, &command.Response{Code: command.StatusNotFound, Text: "unknown process"})
		return
	}
	n.respondStatus(req, &command.Response{Code: 200, ProcessID: rec.ProcessID, InsertNum: rec.Inserted})
}

func (n *Node) handleDelete(req *packet.Request, params *command.Parameters) {
	if params == nil || params.Name == "" {
		n.respondStatus(req, &command.Response{Code: 400, Text: "missing name"})
		return
	}
	if _, err := n.index.GetFile(params.Name); err != nil {
		n.respondStatus(req, &command.Response{Code: command.StatusNotFound, Text: "no such file"})
		return
	}
	segments, err := n.index.Segments(params.Name)
	if err != nil {
		n.respondStatus(req, &command.Response{Code: 500, Text: err.Error()})
		return
	}
	for _, o := range segments {
		if err := n.blocks.Delete(&o); err != nil {
			log.Warnf("node: delete block %s: %v", o.String(), err)
		}
	}
	if err := n.index.DeleteSegments(params.Name); err != nil {
		n.respondStatus(req, &command.Response{Code: 500, Text: err.Error()})
		return
	}
	if err := n.index.DeleteFile(params.Name); err != nil {
		n.respondStatus(req, &command.Response{Code: 500, Text: err.Error()})
		return
	}
	log.Infof("node: deleted %s (%d segments)", params.Name, len(segments))
	n.respondStatus(req, &command.Response{Code: 200})
}

// handleDelNode drops every block whose OID string falls in the requested
// key-space range, inclusive on both ends.
func (n *Node) handleDelNode(req *packet.Request, params *command.Parameters) {
	if params == nil || len(params.From) == 0 || len(params.To) == 0 {
		n.respondStatus(req, &command.Response{Code: 400, Text: "missing range"})
		return
	}
	oids, err := n.blocks.Enumerate()
	if err != nil {
		n.respondStatus(req, &command.Response{Code: 500, Text: err.Error()})
		return
	}
	removed := 0
	for _, o := range oids {
		key := []byte(o.String())
		if string(key) < string(params.From) || string(key) > string(params.To) {
			continue
		}
		if err := n.blocks.Delete(o); err != nil {
			log.Warnf("node: delete block %s: %v", o.String(), err)
			continue
		}
		removed++
	}
	log.Infof("node: del-node removed %d blocks", removed)
	n.respondStatus(req, &command.Response{Code: 200, InsertNum: uint64(removed)})
}

func (n *Node) handleGet(req *packet.Request, params *command.Parameters) {
	if params == nil || params.Name == "" {
		n.respond(req, nil)
		return
	}
	rec, err := n.index.GetFile(params.Name)
	if err != nil {
		// An empty payload tells the fetcher the name is unknown.
		n.respond(req, nil)
		return
	}
	end := uint64(0)
	if rec.Segments > 0 {
		end = rec.Segments - 1
	}
	m := &manifest.Manifest{
		Name:  rec.Name,
		Start: 0,
		End:   end,
		Repos: []manifest.Repo{{Name: n.prefix.String(), Start: 0, End: end}},
	}
	body, err := m.ToJSON()
	if err != nil {
		n.ep.PutNack(req, "internal error")
		return
	}
	n.respond(req, body)
}

func (n *Node) handleInfo(req *packet.Request) {
	files, err := n.index.Files()
	if err != nil {
		n.ep.PutNack(req, "internal error")
		return
	}
	oids, err := n.blocks.Enumerate()
	if err != nil {
		n.ep.PutNack(req, "internal error")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "node %s\n", n.id.String())
	fmt.Fprintf(&sb, "prefix %s\n", n.prefix.String())
	fmt.Fprintf(&sb, "files %d, blocks %d\n", len(files), len(oids))
	for _, f := range files {
		fmt.Fprintf(&sb, "  %s: %d/%d segments\n", f.Name, f.Inserted, f.Segments)
	}
	n.respond(req, []byte(sb.String()))
}

func (n *Node) handleRingInfo(req *packet.Request) {
	n.respond(req, []byte(n.ring.Render()))
}

// serveData answers <prefix>/data/<file-uri>/<segment> from the block
// store. The stored record is replayed under the request name.
func (n *Node) serveData(req *packet.Request) {
	if req.Name.Size() < n.prefix.Size()+3 {
		n.ep.PutNack(req, "malformed data name")
		return
	}
	last := req.Name.At(req.Name.Size() - 1)
	idx, err := last.Segment()
	if err != nil {
		n.ep.PutNack(req, "not a segment")
		return
	}
	fileURI := name.Name{
		Components: req.Name.Components[n.prefix.Size()+1 : req.Name.Size()-1],
	}.String()

	o, err := n.index.GetSegment(fileURI, idx)
	if err != nil {
		n.ep.PutNack(req, "not in store")
		return
	}
	b, err := n.blocks.Get(&o)
	if err != nil {
		log.Errorf("node: block %s missing for %s segment %d", o.String(), fileURI, idx)
		n.ep.PutNack(req, "not in store")
		return
	}
	d := &packet.Response{}
	if err := cbor.Unmarshal(b.Data, d); err != nil {
		log.Errorf("node: corrupt block %s: %v", o.String(), err)
		n.ep.PutNack(req, "corrupt block")
		return
	}
	d.Name = req.Name
	n.ep.PutResponse(d)
}
