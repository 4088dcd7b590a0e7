package wire

import (
	"errors"
	"sync"
	"time"

	"difs/ndn/name"
	"difs/ndn/packet"

	log "github.com/sirupsen/logrus"
)

const DefaultRequestLifetime = 4 * time.Second

var ErrStopped = errors.New("event loop stopped")

type pendingRequest struct {
	req       *packet.Request
	onReply   ReplyHandler
	onNack    NackHandler
	onTimeout TimeoutHandler
	timer     *time.Timer
}

type registration struct {
	prefix    name.Name
	onRequest RequestHandler
}

// Loop is the single-threaded event dispatcher implementing Endpoint.
// Inbound frames, expiry timers and scheduled tasks are queued and executed
// serially by RunEvents; the queue is unbounded so callbacks may freely
// express further requests without blocking the dispatcher.
type Loop struct {
	mu        sync.Mutex
	queue     []func()
	wake      chan struct{}
	stopped   bool
	transport Transport

	nonce         uint64
	pending       map[uint64]*pendingRequest
	registrations []*registration
}

func NewLoop(transport Transport) *Loop {
	return &Loop{
		wake:      make(chan struct{}, 1),
		transport: transport,
		pending:   make(map[uint64]*pendingRequest),
	}
}

// post enqueues an event for the dispatcher. Events posted after the loop
// stops are dropped.
func (l *Loop) post(ev func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) RunEvents() error {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		ev()
	}
}

func (l *Loop) StopEvents() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for _, p := range l.pending {
		p.timer.Stop()
	}
	l.pending = make(map[uint64]*pendingRequest)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) ExpressRequest(req *packet.Request, onReply ReplyHandler, onNack NackHandler, onTimeout TimeoutHandler) {
	l.post(func() {
		if req.Lifetime <= 0 {
			req.Lifetime = DefaultRequestLifetime
		}
		l.mu.Lock()
		l.nonce++
		req.Nonce = l.nonce
		p := &pendingRequest{req: req, onReply: onReply, onNack: onNack, onTimeout: onTimeout}
		l.pending[req.Nonce] = p
		l.mu.Unlock()

		if err := l.transport.Send(&packet.Frame{Request: req}); err != nil {
			log.Warnf("wire: failed to send request %s: %v", req.Name, err)
			l.abandon(req.Nonce)
			if onTimeout != nil {
				onTimeout(req)
			}
			return
		}

		p.timer = time.AfterFunc(req.Lifetime, func() {
			l.post(func() {
				if l.abandon(req.Nonce) && onTimeout != nil {
					onTimeout(req)
				}
			})
		})
	})
}

// abandon removes a pending request, reporting whether it was still live.
func (l *Loop) abandon(nonce uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[nonce]
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(l.pending, nonce)
	return true
}

func (l *Loop) RegisterPrefix(prefix name.Name, onRequest RequestHandler, onOK func(name.Name), onFail func(name.Name, error)) {
	l.post(func() {
		if err := l.transport.Send(&packet.Frame{Register: &prefix}); err != nil {
			if onFail != nil {
				onFail(prefix, err)
			}
			return
		}
		l.registrations = append(l.registrations, &registration{prefix: prefix, onRequest: onRequest})
		if onOK != nil {
			onOK(prefix)
		}
	})
}

func (l *Loop) PutResponse(d *packet.Response) {
	if err := l.transport.Send(&packet.Frame{Response: d}); err != nil {
		log.Warnf("wire: failed to send response %s: %v", d.Name, err)
	}
}

func (l *Loop) PutNack(req *packet.Request, reason string) {
	nack := &packet.Nack{Name: req.Name, Nonce: req.Nonce, Reason: reason}
	if err := l.transport.Send(&packet.Frame{Nack: nack}); err != nil {
		log.Warnf("wire: failed to send nack %s: %v", req.Name, err)
	}
}

func (l *Loop) ScheduleAfter(delay time.Duration, task func()) {
	time.AfterFunc(delay, func() {
		l.post(task)
	})
}

// Dispatch feeds an inbound frame to the dispatcher. Safe to call from
// transport reader goroutines.
func (l *Loop) Dispatch(f *packet.Frame) {
	l.post(func() {
		switch {
		case f.Request != nil:
			l.handleRequest(f.Request)
		case f.Response != nil:
			l.handleResponse(f.Response)
		case f.Nack != nil:
			l.handleNack(f.Nack)
		}
	})
}

func (l *Loop) handleRequest(req *packet.Request) {
	var best *registration
	for _, reg := range l.registrations {
		if !reg.prefix.IsPrefixOf(req.Name) {
			continue
		}
		if best == nil || reg.prefix.Size() > best.prefix.Size() {
			best = reg
		}
	}
	if best == nil {
		l.PutNack(req, "no route")
		return
	}
	best.onRequest(best.prefix, req)
}

func (l *Loop) handleResponse(d *packet.Response) {
	l.mu.Lock()
	var matched []*pendingRequest
	for nonce, p := range l.pending {
		if p.req.Matches(d.Name) {
			matched = append(matched, p)
			p.timer.Stop()
			delete(l.pending, nonce)
		}
	}
	l.mu.Unlock()

	if len(matched) == 0 {
		log.Debugf("wire: unsolicited response %s, discarding", d.Name)
		return
	}
	for _, p := range matched {
		if p.onReply != nil {
			p.onReply(p.req, d)
		}
	}
}

func (l *Loop) handleNack(nack *packet.Nack) {
	l.mu.Lock()
	p, ok := l.pending[nack.Nonce]
	if ok {
		p.timer.Stop()
		delete(l.pending, nack.Nonce)
	}
	l.mu.Unlock()

	if !ok {
		log.Debugf("wire: nack for unknown nonce %d (%s), discarding", nack.Nonce, nack.Name)
		return
	}
	if p.onNack != nil {
		p.onNack(p.req, nack)
	}
}
