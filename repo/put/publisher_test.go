package put

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"difs/keychain"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
	"difs/repo/command"
	"difs/segment"
)

// fakeRepo answers the command side of the insert handshake so the
// publisher's state machine can be driven without a real node.
type fakeRepo struct {
	t         *testing.T
	loop      *wire.Loop
	prefix    name.Name
	insert    func(req *packet.Request)
	insertNum atomic.Uint64
}

func startFakeRepo(t *testing.T, hub *wire.Hub, prefix string) *fakeRepo {
	t.Helper()
	r := &fakeRepo{t: t, loop: hub.AttachLoop(), prefix: name.MustFromURI(prefix)}
	go r.loop.RunEvents()
	t.Cleanup(r.loop.StopEvents)

	ok := make(chan struct{})
	r.loop.RegisterPrefix(r.prefix,
		func(_ name.Name, req *packet.Request) {
			cmd := keychain.CommandName(req.Name)
			switch string(cmd.At(r.prefix.Size()).Value) {
			case command.VerbInsert:
				r.insert(req)
			case command.VerbInsertCheck:
				r.reply(req, &command.Response{Code: 300, InsertNum: r.insertNum.Load()})
			default:
				r.t.Errorf("unexpected verb in %s", req.Name)
			}
		},
		func(name.Name) { close(ok) },
		func(_ name.Name, err error) { t.Errorf("register: %v", err) })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("fake repo registration did not complete")
	}
	return r
}

func (r *fakeRepo) reply(req *packet.Request, resp *command.Response) {
	content, err := command.EncodeResponse(resp)
	if err != nil {
		r.t.Errorf("encode reply: %v", err)
		return
	}
	r.loop.PutResponse(&packet.Response{Name: req.Name, Content: content})
}

func newPublisher(t *testing.T, hub *wire.Hub, repoPrefix, dataURI string, size int, opts Options) (*Publisher, *segment.Segmenter) {
	t.Helper()
	kc := keychain.New()
	if err := kc.Generate(t.TempDir(), "test"); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	dataName := name.MustFromURI(dataURI)
	seg, err := segment.New(kc, dataName, bytes.NewReader(data), segment.Options{BlockSize: 1000})
	if err != nil {
		t.Fatal(err)
	}

	loop := hub.AttachLoop()
	client := command.NewClient(loop, kc, name.MustFromURI(repoPrefix), command.Options{Lifetime: time.Second})
	return New(loop, kc, client, seg, dataName, opts), seg
}

func TestPutConvergesOnInsertCheck(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	pub, seg := newPublisher(t, hub, "/repo", "/data/file", 5000, Options{CheckPeriod: 10 * time.Millisecond})

	var checks atomic.Int64
	repo.insert = func(req *packet.Request) {
		repo.reply(req, &command.Response{Code: 100, ProcessID: 7})
		// Report progress in two steps so at least one check round trips
		// before completion.
		go func() {
			time.Sleep(25 * time.Millisecond)
			repo.insertNum.Store(seg.Count() / 2)
			time.Sleep(25 * time.Millisecond)
			checks.Store(1)
			repo.insertNum.Store(seg.Count())
		}()
	}

	if err := pub.Run(); err != nil {
		t.Fatalf("put: %v", err)
	}
	if checks.Load() != 1 {
		t.Fatal("put finished before the repository reported completion")
	}
}

func TestPutFailsOnRejectedInsert(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	pub, _ := newPublisher(t, hub, "/repo", "/data/file", 1000, Options{CheckPeriod: 10 * time.Millisecond})

	repo.insert = func(req *packet.Request) {
		repo.reply(req, &command.Response{Code: 403, Text: "signature rejected"})
	}

	err := pub.Run()
	var se *command.StatusError
	if !errors.As(err, &se) || se.Code != 403 {
		t.Fatalf("want StatusError 403, got %v", err)
	}
}

func TestPutTimesOut(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.insert = func(*packet.Request) {} // never answered
	pub, _ := newPublisher(t, hub, "/repo", "/data/file", 1000, Options{
		CheckPeriod: 10 * time.Millisecond,
		Timeout:     60 * time.Millisecond,
	})

	if err := pub.Run(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestPutServesManifestAndSegments(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	pub, seg := newPublisher(t, hub, "/repo", "/data/file", 5000, Options{CheckPeriod: 10 * time.Millisecond})

	inserted := make(chan struct{})
	repo.insert = func(req *packet.Request) {
		repo.reply(req, &command.Response{Code: 100, ProcessID: 7})
		close(inserted)
	}

	done := make(chan error, 1)
	go func() { done <- pub.Run() }()

	// The publisher sends insert only after its data prefix is registered,
	// so the data requests below are routable once insert has arrived.
	select {
	case <-inserted:
	case <-time.After(time.Second):
		t.Fatal("insert never arrived")
	}

	dataName := name.MustFromURI("/data/file")
	fetch := func(n name.Name) (*packet.Response, string) {
		resp := make(chan *packet.Response, 1)
		nack := make(chan string, 1)
		repo.loop.ExpressRequest(&packet.Request{Name: n, Lifetime: time.Second},
			func(_ *packet.Request, d *packet.Response) { resp <- d },
			func(_ *packet.Request, nk *packet.Nack) { nack <- nk.Reason },
			func(*packet.Request) { t.Errorf("timeout fetching %s", n) })
		select {
		case d := <-resp:
			return d, ""
		case reason := <-nack:
			return nil, reason
		case <-time.After(time.Second):
			t.Fatalf("no answer for %s", n)
			return nil, ""
		}
	}

	d, _ := fetch(dataName)
	if d == nil {
		t.Fatal("manifest request was nacked")
	}
	if d.SignatureType != packet.SignatureIdentity {
		t.Fatalf("manifest must be identity signed, got %d", d.SignatureType)
	}

	d, _ = fetch(dataName.AppendSegment(0))
	if d == nil {
		t.Fatal("segment request was nacked")
	}
	if d.Name.Equal(dataName) {
		t.Fatal("segment reply carries the wrong name")
	}

	if _, reason := fetch(dataName.AppendSegment(seg.Count() + 10)); reason != "segment out of range" {
		t.Fatalf("out-of-range segment: want nack, got %q", reason)
	}
	if _, reason := fetch(dataName.AppendGeneric("oops")); reason != "not a segment" {
		t.Fatalf("non-segment component: want nack, got %q", reason)
	}

	repo.insertNum.Store(seg.Count())
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("put never completed")
	}
}
