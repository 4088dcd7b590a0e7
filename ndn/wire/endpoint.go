// Package wire provides the request/response substrate the engine runs on:
// a single-threaded event dispatcher over a pluggable frame transport, and
// an in-process hub that routes frames between attached endpoints.
package wire

import (
	"time"

	"difs/ndn/name"
	"difs/ndn/packet"

	log "github.com/sirupsen/logrus"
)

// RequestHandler is invoked for each incoming request matching a
// registered prefix.
type RequestHandler func(prefix name.Name, req *packet.Request)

// ReplyHandler, NackHandler and TimeoutHandler terminate an expressed
// request; exactly one of them fires, eventually, on the dispatcher.
type ReplyHandler func(req *packet.Request, d *packet.Response)
type NackHandler func(req *packet.Request, nack *packet.Nack)
type TimeoutHandler func(req *packet.Request)

// Endpoint is the wire contract the engine consumes. All callbacks are
// serialized on a single dispatcher; no callback may block it.
type Endpoint interface {
	// ExpressRequest sends a request. Exactly one of the three handlers
	// fires for it.
	ExpressRequest(req *packet.Request, onReply ReplyHandler, onNack NackHandler, onTimeout TimeoutHandler)

	// RegisterPrefix installs a responder. onRequest fires for each
	// matching incoming request after onOK.
	RegisterPrefix(prefix name.Name, onRequest RequestHandler, onOK func(name.Name), onFail func(name.Name, error))

	// PutResponse emits a reply to a pending incoming request.
	PutResponse(d *packet.Response)

	// PutNack emits a negative acknowledgement for an incoming request.
	PutNack(req *packet.Request, reason string)

	// ScheduleAfter runs task on the dispatcher after delay. Tasks are
	// dropped once the dispatcher stops.
	ScheduleAfter(delay time.Duration, task func())

	// RunEvents drives the dispatcher until StopEvents is called.
	RunEvents() error

	// StopEvents halts the dispatcher. Callbacks firing afterwards are
	// no-ops.
	StopEvents()
}

// Transport carries frames to the peer (or hub). Send may be called only
// from the dispatcher owning the endpoint.
type Transport interface {
	Send(f *packet.Frame) error
	Close() error
}

// FrameSink receives inbound frames from a transport. Implementations must
// not block.
type FrameSink interface {
	Dispatch(f *packet.Frame)
}

// TransportSink adapts a transport into a frame sink, forwarding every
// dispatched frame to Send. Used to bridge two transports back to back.
func TransportSink(t Transport) FrameSink {
	return &transportSink{t: t}
}

type transportSink struct {
	t Transport
}

func (s *transportSink) Dispatch(f *packet.Frame) {
	if err := s.t.Send(f); err != nil {
		log.Debugf("wire: failed to forward frame: %v", err)
	}
}
