package commands

import (
	"context"
	"net"

	"difs/config"
	"difs/keychain"
	"difs/ndn/name"
	"difs/ndn/wire"
	"difs/net/mcast"
	"difs/net/wiretcp"
	"difs/oid"
	"difs/repo/node"
	"difs/store/flatfs"
	"difs/store/leveldb"

	"golang.org/x/sync/errgroup"
)

// RunServe starts a repository node: local stores, an in-process frame
// hub, and a TCP listener that bridges remote clients onto the hub.
func RunServe(ctx context.Context, cfg *config.Config) {
	kc, err := keychain.Load(cfg.Keys.Path)
	if err != nil {
		log.Fatalf("Failed to load keychain: %v", err)
	}

	prefix, err := name.FromURI(cfg.Node.Prefix)
	if err != nil {
		log.Fatalf("Invalid node prefix %q: %v", cfg.Node.Prefix, err)
	}

	blocks, err := flatfs.New(cfg.DataStore.BlockPath)
	if err != nil {
		log.Fatalf("Failed to open block store: %v", err)
	}

	index, err := leveldb.New(cfg.DataStore.IndexPath)
	if err != nil {
		log.Fatalf("Failed to open index: %v", err)
	}
	defer index.Close()

	var ann *mcast.Announcer
	if cfg.Node.Multicast != "" {
		ann, err = mcast.Open(cfg.Node.Multicast)
		if err != nil {
			log.Fatalf("Failed to join multicast group %s: %v", cfg.Node.Multicast, err)
		}
		defer ann.Close()
	}

	hub := wire.NewHub()
	loop := hub.AttachLoop()

	id := oid.FromContent(oid.KindNode, []byte(cfg.Node.Prefix))
	n := node.New(loop, kc, prefix, *id, blocks, index, ann, node.Options{
		Freshness:    cfg.Freshness(),
		PullLifetime: cfg.Lifetime(),
		PullWindow:   cfg.Tunables.FetchWindow,
		MaxRetry:     cfg.Tunables.MaxRetry,
	})

	listener, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Node.Listen, err)
	}
	srv := wiretcp.NewServer(listener, func(t wire.Transport) wire.FrameSink {
		port := hub.Attach(wire.TransportSink(t))
		return wire.TransportSink(port)
	})
	log.Infof("Repository %s listening on %s", cfg.Node.Prefix, srv.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Serve(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Repository stopped: %v", err)
	}
}
