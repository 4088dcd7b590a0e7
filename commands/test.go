package commands

import (
	"bytes"
	"context"
	"os"
	"time"

	"difs/config"
	"difs/keychain"
	"difs/ndn/name"
	"difs/ndn/wire"
	"difs/oid"
	"difs/repo/command"
	"difs/repo/get"
	"difs/repo/node"
	"difs/repo/put"
	"difs/segment"
	"difs/store/flatfs"
	"difs/store/leveldb"
)

// RunTest exercises a complete put and get round trip against a
// throwaway repository wired over an in-process hub. Useful as a smoke
// test of a build without any network setup.
func RunTest(ctx context.Context, cfg *config.Config) {
	dir, err := os.MkdirTemp("", "difs-test-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	kc := keychain.New()
	if err := kc.Generate(dir, DefaultIdentity); err != nil {
		log.Fatalf("Failed to generate identity: %v", err)
	}

	blocks, err := flatfs.New(dir + "/blocks")
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}
	index, err := leveldb.New(dir + "/index")
	if err != nil {
		log.Fatalf("Failed to open index: %v", err)
	}
	defer index.Close()

	prefix := name.MustFromURI(cfg.Repo.Prefix)
	hub := wire.NewHub()

	id := oid.FromContent(oid.KindNode, []byte(cfg.Repo.Prefix))
	n := node.New(hub.AttachLoop(), kc, prefix, *id, blocks, index, nil, node.Options{
		Freshness:    cfg.Freshness(),
		PullLifetime: cfg.Lifetime(),
		PullWindow:   cfg.Tunables.FetchWindow,
		MaxRetry:     cfg.Tunables.MaxRetry,
	})
	nodeCtx, stopNode := context.WithCancel(ctx)
	defer stopNode()
	go func() {
		if err := n.Serve(nodeCtx); err != nil && err != context.Canceled {
			log.Errorf("Test repository stopped: %v", err)
		}
	}()

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	dataName := name.MustFromURI("/difs/test/roundtrip")

	putLoop := hub.AttachLoop()
	putClient := command.NewClient(putLoop, kc, prefix, command.Options{
		Lifetime: cfg.Lifetime(),
		MaxRetry: cfg.Tunables.MaxRetry,
	})
	seg, err := segment.New(kc, dataName, bytes.NewReader(payload), segment.Options{
		BlockSize: cfg.Tunables.BlockSize,
		Freshness: cfg.Freshness(),
		PreSign:   cfg.Tunables.PreSign,
		HashChain: true,
	})
	if err != nil {
		log.Fatalf("Failed to segment payload: %v", err)
	}
	log.Infof("Publishing %d bytes in %d segments", seg.Size(), seg.Count())

	pub := put.New(putLoop, kc, putClient, seg, dataName, put.Options{
		CheckPeriod: cfg.CheckPeriod(),
		Timeout:     30 * time.Second,
		Freshness:   cfg.Freshness(),
	})
	if err := pub.Run(); err != nil {
		log.Fatalf("Put failed: %v", err)
	}
	log.Infof("Put complete")

	getLoop := hub.AttachLoop()
	getClient := command.NewClient(getLoop, kc, prefix, command.Options{
		Lifetime: cfg.Lifetime(),
		MaxRetry: cfg.Tunables.MaxRetry,
	})
	var out bytes.Buffer
	fetcher := get.New(getLoop, getClient, dataName.String(), &out, get.Options{
		Window:   cfg.Tunables.FetchWindow,
		Lifetime: cfg.Lifetime(),
		MaxRetry: cfg.Tunables.MaxRetry,
	})
	if err := fetcher.Run(); err != nil {
		log.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(out.Bytes(), payload) {
		log.Fatalf("Round trip mismatch: sent %d bytes, got %d back", len(payload), out.Len())
	}
	log.Infof("Round trip OK: %d bytes", out.Len())
}
