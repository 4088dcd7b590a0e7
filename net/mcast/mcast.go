// Package mcast implements ring membership announcements over UDP
// multicast. Publish sends a CBOR-encoded announcement to the group;
// Listen receives announcements and hands them to a registered handler.
package mcast

import (
	"bytes"
	"context"
	"net"

	"difs/oid"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const maxDatagram = 1024

// Announcement advertises a repository node and its key-space position.
type Announcement struct {
	NodeID     oid.Oid  `cbor:"1,keyasint"`
	DataPrefix string   `cbor:"2,keyasint,omitempty"`
	Addresses  []string `cbor:"3,keyasint,omitempty"`
	Segments   uint64   `cbor:"4,keyasint,omitempty"`
}

type Handler func(msg *Announcement)

type Announcer struct {
	rc      *net.UDPConn
	wc      *net.UDPConn
	handler Handler
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *Announcer {
	return &Announcer{rc: rconn, wc: wconn}
}

// Open joins the multicast group at addr for both reading and writing.
func Open(addr string) (*Announcer, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	rc, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	wc, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return New(rc, wc), nil
}

func (a *Announcer) Register(handler Handler) {
	a.handler = handler
}

func (a *Announcer) Publish(msg *Announcement) error {
	buf := new(bytes.Buffer)
	if err := cbor.NewEncoder(buf).Encode(msg); err != nil {
		return err
	}
	_, err := a.wc.Write(buf.Bytes())
	return err
}

// Listen receives announcements until the context is cancelled.
func (a *Announcer) Listen(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.rc.Close()
	}()

	buf := make([]byte, maxDatagram)
	a.rc.SetReadBuffer(maxDatagram)
	for {
		n, _, err := a.rc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			log.Errorf("mcast: failed to read announcement: %v", err)
			continue
		}

		msg := &Announcement{}
		if err := cbor.Unmarshal(buf[:n], msg); err != nil {
			log.Errorf("mcast: failed to unmarshal announcement: %v", err)
			continue
		}

		if a.handler != nil {
			a.handler(msg)
		}
	}
}

func (a *Announcer) Close() error {
	a.rc.Close()
	return a.wc.Close()
}
