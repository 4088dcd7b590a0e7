package commands

import (
	"context"
	"io"
	"os"
	"time"

	"difs/config"
	"difs/repo/get"
)

// GetOptions carries the get subcommand's flags.
type GetOptions struct {
	Name   string
	Output string // "-" writes stdout

	CommandIdentity string
	Lifetime        time.Duration
}

// RunGet retrieves a stored file and writes it to the output sink.
func RunGet(ctx context.Context, cfg *config.Config, opts GetOptions) {
	out, cleanup, err := openOutput(opts.Output)
	if err != nil {
		log.Fatalf("Failed to open output: %v", err)
	}
	defer cleanup()

	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	lifetime := opts.Lifetime
	if lifetime == 0 {
		lifetime = cfg.Lifetime()
	}

	fetcher := get.New(c.loop, c.client, opts.Name, out, get.Options{
		Window:   cfg.Tunables.FetchWindow,
		Lifetime: lifetime,
		MaxRetry: cfg.Tunables.MaxRetry,
	})
	if err := fetcher.Run(); err != nil {
		log.Fatalf("Get failed: %v", err)
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
