// Package wiretcp carries wire frames over a TCP connection as a CBOR
// stream. Either side may originate requests; the peer's registrations
// decide what it is willing to answer.
package wiretcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"difs/ndn/packet"
	"difs/ndn/wire"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var ErrShutdown = errors.New("connection is shut down")

// Conn is a frame transport over a single TCP connection.
type Conn struct {
	conn    net.Conn
	mu      sync.Mutex // serializes writes and guards closing
	enc     *cbor.Encoder
	closing bool
}

// Dial connects to a forwarder or repository node and starts delivering
// inbound frames to sink.
func Dial(network, address string, sink wire.FrameSink) (*Conn, error) {
	c, err := Connect(network, address)
	if err != nil {
		return nil, err
	}
	c.Start(sink)
	return c, nil
}

// Connect opens the connection without starting the reader, for callers
// that need the transport before the sink exists. Start must follow.
func Connect(network, address string) (*Conn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

// Start begins delivering inbound frames to sink.
func (c *Conn) Start(sink wire.FrameSink) {
	c.start(sink)
}

func newConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		enc:  cbor.NewEncoder(conn),
	}
}

func (c *Conn) start(sink wire.FrameSink) {
	go c.input(sink)
}

func (c *Conn) input(sink wire.FrameSink) {
	decoder := cbor.NewDecoder(c.conn)
	for {
		f := &packet.Frame{}
		if err := decoder.Decode(f); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("wiretcp: connection %s closed: %v", c.conn.RemoteAddr(), err)
			} else {
				log.Errorf("wiretcp: error decoding frame from %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
		sink.Dispatch(f)
	}
}

func (c *Conn) Send(f *packet.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrShutdown
	}
	return c.enc.Encode(f)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.closing = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Server accepts connections and hands each one to onConn, which returns
// the frame sink (normally a fresh event loop) for that connection.
type Server struct {
	listener net.Listener
	onConn   func(t wire.Transport) wire.FrameSink
}

func NewServer(listener net.Listener, onConn func(t wire.Transport) wire.FrameSink) *Server {
	return &Server{listener: listener, onConn: onConn}
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := srv.listener.Close(); err != nil {
			log.Warnf("wiretcp.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("wiretcp.Server: shutting down listener %s", srv.listener.Addr())
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("wiretcp.Server: accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("wiretcp.Server: critical accept error on %s: %v", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Infof("wiretcp.Server: accepted connection from %s", conn.RemoteAddr())
		c := newConn(conn)
		sink := srv.onConn(c)
		c.start(sink)
	}
}
