package command

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
)

type fakeRepo struct {
	t      *testing.T
	loop   *wire.Loop
	prefix name.Name

	// handle is invoked per command with the bare verb and parameters.
	handle func(verb string, params *Parameters, req *packet.Request)
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
			verb := string(cmd.At(r.prefix.Size()).Value)
			var params *Parameters
			if cmd.Size() > r.prefix.Size()+1 {
				p, err := ParseParameters(cmd.At(r.prefix.Size() + 1))
				if err != nil {
					t.Errorf("bad parameters: %v", err)
					return
				}
				params = p
			}
			r.handle(verb, params, req)
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

func (r *fakeRepo) reply(req *packet.Request, resp *Response) {
	content, err := EncodeResponse(resp)
	if err != nil {
		r.t.Errorf("encode reply: %v", err)
		return
	}
	r.loop.PutResponse(&packet.Response{Name: req.Name, Content: content})
}

func testClient(t *testing.T, hub *wire.Hub, prefix string, opts Options) (*Client, *wire.Loop) {
	t.Helper()
	kc := keychain.New()
	if err := kc.Generate(t.TempDir(), "test"); err != nil {
		t.Fatal(err)
	}
	loop := hub.AttachLoop()
	go loop.RunEvents()
	t.Cleanup(loop.StopEvents)
	return NewClient(loop, kc, name.MustFromURI(prefix), opts), loop
}

func TestInsertRoundTrip(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		if verb != VerbInsert {
			t.Errorf("wrong verb %q", verb)
		}
		if params.Name != "/data/file" || params.NodePrefix != "/repo/a" {
			t.Errorf("wrong parameters %+v", params)
		}
		repo.reply(req, &Response{Code: 100, ProcessID: 42})
	}
	client, _ := testClient(t, hub, "/repo", Options{Lifetime: time.Second})

	got := make(chan *Response, 1)
	client.Insert("/data/file", "/repo/a", func(resp *Response, err error) {
		if err != nil {
			t.Errorf("insert: %v", err)
		}
		got <- resp
	})
	select {
	case resp := <-got:
		if resp.ProcessID != 42 {
			t.Fatalf("wrong process id %d", resp.ProcessID)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestNotFoundSurfaces(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		repo.reply(req, &Response{Code: StatusNotFound, Text: "no such file"})
	}
	client, _ := testClient(t, hub, "/repo", Options{Lifetime: time.Second})

	got := make(chan error, 1)
	client.Delete("/data/missing", 0, func(_ *Response, err error) { got <- err })
	select {
	case err := <-got:
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestFailureCodeSurfaces(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		repo.reply(req, &Response{Code: 403, Text: "signature rejected"})
	}
	client, _ := testClient(t, hub, "/repo", Options{Lifetime: time.Second})

	got := make(chan error, 1)
	client.Insert("/data/file", "", func(_ *Response, err error) { got <- err })
	select {
	case err := <-got:
		var se *StatusError
		if !errors.As(err, &se) || se.Code != 403 {
			t.Fatalf("want StatusError 403, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestRetryBudgetThenExhausted(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	var requests atomic.Int64
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		requests.Add(1)
	}
	client, _ := testClient(t, hub, "/repo", Options{
		Lifetime: 30 * time.Millisecond,
		MaxRetry: 2,
	})

	got := make(chan error, 1)
	client.InsertCheck("/data/file", 1, func(_ *Response, err error) { got <- err })
	select {
	case err := <-got:
		if !errors.Is(err, ErrRetryExhausted) {
			t.Fatalf("want ErrRetryExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operation never terminated")
	}
	if n := requests.Load(); n != 3 {
		t.Fatalf("want 1 initial transmission plus 2 retries, saw %d requests", n)
	}
}

func TestGetManifest(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		if verb != VerbGet {
			t.Errorf("wrong verb %q", verb)
		}
		m := manifest.New(params.Name, 0, 9)
		m.Repos = []manifest.Repo{{Name: "/repo/a", Start: 0, End: 9}}
		body, err := m.ToJSON()
		if err != nil {
			t.Errorf("encode manifest: %v", err)
			return
		}
		repo.loop.PutResponse(&packet.Response{Name: req.Name, Content: body})
	}
	client, _ := testClient(t, hub, "/repo", Options{Lifetime: time.Second})

	got := make(chan *manifest.Manifest, 1)
	client.Get("/data/file", func(m *manifest.Manifest, err error) {
		if err != nil {
			t.Errorf("get: %v", err)
		}
		got <- m
	})
	select {
	case m := <-got:
		shards := m.Shards()
		if len(shards) != 1 || shards[0].Name != "/repo/a" || shards[0].End != 9 {
			t.Fatalf("wrong shards %+v", shards)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestGetUnknownNameIsNotFound(t *testing.T) {
	hub := wire.NewHub()
	repo := startFakeRepo(t, hub, "/repo")
	repo.handle = func(verb string, params *Parameters, req *packet.Request) {
		// An empty payload is the protocol's "no such file".
		repo.loop.PutResponse(&packet.Response{Name: req.Name})
	}
	client, _ := testClient(t, hub, "/repo", Options{Lifetime: time.Second})

	got := make(chan error, 1)
	client.Get("/data/missing", func(_ *manifest.Manifest, err error) { got <- err })
	select {
	case err := <-got:
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}
