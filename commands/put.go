package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"difs/config"
	"difs/ndn/name"
	"difs/repo/put"
	"difs/segment"
)

// PutOptions carries the put subcommand's flags.
type PutOptions struct {
	Name string
	File string // "-" reads stdin

	Digest    bool
	HashChain bool
	Blake2s   bool

	DataIdentity    string
	CommandIdentity string

	Freshness time.Duration
	Lifetime  time.Duration
	Timeout   time.Duration
	BlockSize uint64
}

// RunPut publishes a local file under the given name and drives the
// insert handshake until the repository has accepted every segment.
func RunPut(ctx context.Context, cfg *config.Config, opts PutOptions) {
	dataName, err := name.FromURI(opts.Name)
	if err != nil {
		log.Fatalf("Invalid name %q: %v", opts.Name, err)
	}

	input, cleanup, err := openInput(opts.File)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer cleanup()

	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = cfg.Tunables.BlockSize
	}
	freshness := opts.Freshness
	if freshness == 0 {
		freshness = cfg.Freshness()
	}
	dataIdentity := opts.DataIdentity
	if dataIdentity == "" {
		dataIdentity = cfg.Keys.DataIdentity
	}

	seg, err := segment.New(c.kc, dataName, input, segment.Options{
		BlockSize:    blockSize,
		Freshness:    freshness,
		PreSign:      cfg.Tunables.PreSign,
		HashChain:    opts.HashChain,
		Blake2s:      opts.Blake2s,
		Digest:       opts.Digest,
		DataIdentity: dataIdentity,
	})
	if err != nil {
		log.Fatalf("Failed to segment input: %v", err)
	}
	log.Infof("Publishing %s: %d bytes in %d segments", opts.Name, seg.Size(), seg.Count())

	pub := put.New(c.loop, c.kc, c.client, seg, dataName, put.Options{
		CheckPeriod:  cfg.CheckPeriod(),
		Timeout:      opts.Timeout,
		Freshness:    freshness,
		Digest:       opts.Digest,
		DataIdentity: dataIdentity,
	})
	if err := pub.Run(); err != nil {
		log.Fatalf("Put failed: %v", err)
	}
}

// openInput returns a seekable reader for path. Stdin is not seekable, so
// "-" is buffered in memory first.
func openInput(path string) (io.ReadSeeker, func(), error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, nil, err
		}
		return bytes.NewReader(data), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
