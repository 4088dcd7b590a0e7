package get

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"
	"difs/repo/command"
)

// fakeShard serves the data namespace of one repository shard and records
// every segment request it sees.
type fakeShard struct {
	mu       sync.Mutex
	requests map[uint64]int
	drop     map[uint64]bool
	payload  func(idx uint64) []byte
	final    uint64
	chained  bool
}

func (s *fakeShard) seen(idx uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[idx]
}

func (s *fakeShard) totalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

func startShard(t *testing.T, loop *wire.Loop, prefix string, shard *fakeShard) {
	t.Helper()
	shard.requests = make(map[uint64]int)
	ok := make(chan struct{})
	loop.RegisterPrefix(name.MustFromURI(prefix),
		func(_ name.Name, req *packet.Request) {
			idx, err := req.Name.At(req.Name.Size() - 1).Segment()
			if err != nil {
				t.Errorf("non-segment data request %s", req.Name)
				return
			}
			shard.mu.Lock()
			shard.requests[idx]++
			dropped := shard.drop[idx]
			shard.mu.Unlock()
			if dropped {
				return
			}
			d := &packet.Response{Name: req.Name, Content: shard.payload(idx)}
			if shard.chained {
				d.ContentType = packet.ContentTypeHashChain
				d.Content = append(make([]byte, keychain.HashSize), d.Content...)
			}
			if idx == shard.final {
				final := shard.final
				d.FinalBlock = &final
			}
			loop.PutResponse(d)
		},
		func(name.Name) { close(ok) },
		func(_ name.Name, err error) { t.Errorf("register %s: %v", prefix, err) })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatalf("shard registration of %s did not complete", prefix)
	}
}

// startResolver answers the command side: a get verb resolved to the given
// manifest, or to an empty payload when m is nil.
func startResolver(t *testing.T, hub *wire.Hub, prefix string, m *manifest.Manifest) *wire.Loop {
	t.Helper()
	loop := hub.AttachLoop()
	go loop.RunEvents()
	t.Cleanup(loop.StopEvents)

	p := name.MustFromURI(prefix)
	ok := make(chan struct{})
	loop.RegisterPrefix(p,
		func(_ name.Name, req *packet.Request) {
			if m == nil {
				loop.PutResponse(&packet.Response{Name: req.Name})
				return
			}
			body, err := m.ToJSON()
			if err != nil {
				t.Errorf("encode manifest: %v", err)
				return
			}
			loop.PutResponse(&packet.Response{Name: req.Name, Content: body})
		},
		func(name.Name) { close(ok) },
		func(_ name.Name, err error) { t.Errorf("register: %v", err) })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("resolver registration did not complete")
	}
	return loop
}

func newFetcher(t *testing.T, hub *wire.Hub, repoPrefix, fileName string, out *bytes.Buffer, opts Options) *Fetcher {
	t.Helper()
	kc := keychain.New()
	if err := kc.Generate(t.TempDir(), "test"); err != nil {
		t.Fatal(err)
	}
	loop := hub.AttachLoop()
	client := command.NewClient(loop, kc, name.MustFromURI(repoPrefix), command.Options{Lifetime: time.Second})
	return New(loop, client, fileName, out, opts)
}

func segPayload(idx uint64) []byte {
	return []byte(fmt.Sprintf("segment-%03d|", idx))
}

func expected(count uint64) []byte {
	var b bytes.Buffer
	for i := uint64(0); i < count; i++ {
		b.Write(segPayload(i))
	}
	return b.Bytes()
}

func TestGetReassembles(t *testing.T) {
	hub := wire.NewHub()
	m := manifest.New("/data/file", 0, 5)
	m.Repos = []manifest.Repo{{Name: "/repo", Start: 0, End: 5}}
	resolver := startResolver(t, hub, "/repo", m)
	shard := &fakeShard{payload: segPayload, final: 5}
	startShard(t, resolver, "/repo/data", shard)

	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/file", &out, Options{Lifetime: time.Second})
	if err := f.Run(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), expected(6)) {
		t.Fatalf("reassembled stream is wrong: %q", out.Bytes())
	}
	for i := uint64(0); i <= 5; i++ {
		if shard.seen(i) != 1 {
			t.Fatalf("segment %d requested %d times", i, shard.seen(i))
		}
	}
}

func TestGetStripsChainSlot(t *testing.T) {
	hub := wire.NewHub()
	m := manifest.New("/data/file", 0, 2)
	resolver := startResolver(t, hub, "/repo", m)
	shard := &fakeShard{payload: segPayload, final: 2, chained: true}
	startShard(t, resolver, "/data/file/data", shard)

	// A manifest without an explicit shard list names itself as the only
	// shard, so the data prefix derives from the file name.
	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/file", &out, Options{Lifetime: time.Second})
	if err := f.Run(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), expected(3)) {
		t.Fatalf("hash slots were not stripped: %q", out.Bytes())
	}
}

func TestGetNotFoundRequestsNoSegments(t *testing.T) {
	hub := wire.NewHub()
	resolver := startResolver(t, hub, "/repo", nil)
	shard := &fakeShard{payload: segPayload, final: 0}
	startShard(t, resolver, "/repo/data", shard)

	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/missing", &out, Options{Lifetime: time.Second})
	err := f.Run()
	if !errors.Is(err, command.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatal("sink must stay empty for an unknown name")
	}
	if shard.totalRequests() != 0 {
		t.Fatalf("unknown name triggered %d segment requests", shard.totalRequests())
	}
}

func TestGetWindowedLargeFetch(t *testing.T) {
	const count = 250
	hub := wire.NewHub()
	m := manifest.New("/data/big", 0, count-1)
	m.Repos = []manifest.Repo{{Name: "/repo", Start: 0, End: count - 1}}
	resolver := startResolver(t, hub, "/repo", m)
	shard := &fakeShard{payload: segPayload, final: count - 1}
	startShard(t, resolver, "/repo/data", shard)

	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/big", &out, Options{Window: 100, Lifetime: time.Second})
	if err := f.Run(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), expected(count)) {
		t.Fatal("reassembled stream is wrong")
	}
	if shard.totalRequests() != count {
		t.Fatalf("want exactly %d segment requests, saw %d", count, shard.totalRequests())
	}
}

func TestGetRetriesThenAborts(t *testing.T) {
	hub := wire.NewHub()
	m := manifest.New("/data/file", 0, 4)
	m.Repos = []manifest.Repo{{Name: "/repo", Start: 0, End: 4}}
	resolver := startResolver(t, hub, "/repo", m)
	shard := &fakeShard{payload: segPayload, final: 4, drop: map[uint64]bool{3: true}}
	startShard(t, resolver, "/repo/data", shard)

	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/file", &out, Options{
		Lifetime: 30 * time.Millisecond,
		MaxRetry: 3,
	})
	err := f.Run()
	if !errors.Is(err, command.ErrRetryExhausted) {
		t.Fatalf("want ErrRetryExhausted, got %v", err)
	}
	if shard.seen(3) != 4 {
		t.Fatalf("want 1 transmission plus 3 retries for the lost segment, saw %d", shard.seen(3))
	}
}

func TestGetSpansShards(t *testing.T) {
	hub := wire.NewHub()
	m := manifest.New("/data/file", 0, 5)
	m.Repos = []manifest.Repo{
		{Name: "/repo/a", Start: 0, End: 2},
		{Name: "/repo/b", Start: 3, End: 5},
	}
	resolver := startResolver(t, hub, "/repo", m)
	a := &fakeShard{payload: segPayload, final: 5}
	b := &fakeShard{payload: segPayload, final: 5}
	startShard(t, resolver, "/repo/a/data", a)
	startShard(t, resolver, "/repo/b/data", b)

	var out bytes.Buffer
	f := newFetcher(t, hub, "/repo", "/data/file", &out, Options{Lifetime: time.Second})
	if err := f.Run(); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(out.Bytes(), expected(6)) {
		t.Fatal("reassembled stream is wrong")
	}
	if a.totalRequests() != 3 || b.totalRequests() != 6-3 {
		t.Fatalf("shard request split wrong: a=%d b=%d", a.totalRequests(), b.totalRequests())
	}
}
