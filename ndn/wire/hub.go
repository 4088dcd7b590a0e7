package wire

import (
	"sync"
	"time"

	"difs/ndn/name"
	"difs/ndn/packet"

	log "github.com/sirupsen/logrus"
)

// Hub is an in-process forwarder. Attached endpoints exchange frames
// through it; requests are routed to the port with the longest registered
// matching prefix, responses flow back to the ports still waiting on them.
type Hub struct {
	mu          sync.Mutex
	ports       []*hubPort
	outstanding []*outstanding
}

type outstanding struct {
	req     *packet.Request
	from    *hubPort
	expires time.Time
}

type hubPort struct {
	hub      *Hub
	sink     FrameSink
	prefixes []name.Name
	closed   bool
}

func NewHub() *Hub {
	return &Hub{}
}

// Attach connects a frame sink (normally a *Loop) to the hub and returns
// the transport the endpoint should send on.
func (h *Hub) Attach(sink FrameSink) Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	port := &hubPort{hub: h, sink: sink}
	h.ports = append(h.ports, port)
	return port
}

// AttachLoop creates a fresh event loop wired to the hub.
func (h *Hub) AttachLoop() *Loop {
	l := NewLoop(nil)
	l.transport = h.Attach(l)
	return l
}

func (p *hubPort) Send(f *packet.Frame) error {
	return p.hub.route(p, f)
}

func (p *hubPort) Close() error {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	p.closed = true
	return nil
}

func (h *Hub) route(from *hubPort, f *packet.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.prune()

	switch {
	case f.Register != nil:
		from.prefixes = append(from.prefixes, *f.Register)

	case f.Request != nil:
		target := h.match(from, f.Request.Name)
		if target == nil {
			log.Debugf("hub: no route for %s", f.Request.Name)
			from.sink.Dispatch(&packet.Frame{Nack: &packet.Nack{
				Name:   f.Request.Name,
				Nonce:  f.Request.Nonce,
				Reason: "no route",
			}})
			return nil
		}
		lifetime := f.Request.Lifetime
		if lifetime <= 0 {
			lifetime = DefaultRequestLifetime
		}
		h.outstanding = append(h.outstanding, &outstanding{
			req:     f.Request,
			from:    from,
			expires: time.Now().Add(lifetime),
		})
		target.sink.Dispatch(&packet.Frame{Request: f.Request})

	case f.Response != nil:
		kept := h.outstanding[:0]
		for _, o := range h.outstanding {
			if o.from != from && o.req.Matches(f.Response.Name) {
				o.from.sink.Dispatch(&packet.Frame{Response: f.Response})
				continue
			}
			kept = append(kept, o)
		}
		h.outstanding = kept

	case f.Nack != nil:
		kept := h.outstanding[:0]
		for _, o := range h.outstanding {
			if o.from != from && o.req.Nonce == f.Nack.Nonce && o.req.Name.Equal(f.Nack.Name) {
				o.from.sink.Dispatch(&packet.Frame{Nack: f.Nack})
				continue
			}
			kept = append(kept, o)
		}
		h.outstanding = kept
	}

	return nil
}

// match finds the port with the longest registered prefix matching n,
// excluding the sender.
func (h *Hub) match(from *hubPort, n name.Name) *hubPort {
	var best *hubPort
	bestLen := -1
	for _, port := range h.ports {
		if port == from || port.closed {
			continue
		}
		for _, prefix := range port.prefixes {
			if prefix.IsPrefixOf(n) && prefix.Size() > bestLen {
				best = port
				bestLen = prefix.Size()
			}
		}
	}
	return best
}

// prune drops expired outstanding entries. Timeouts fire at the
// requesting endpoint; the hub merely forgets.
func (h *Hub) prune() {
	now := time.Now()
	kept := h.outstanding[:0]
	for _, o := range h.outstanding {
		if now.Before(o.expires) {
			kept = append(kept, o)
		}
	}
	h.outstanding = kept
}
