package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"difs/config"
	"difs/oid"
	"difs/repo/command"
)

// ControlOptions carries the flags shared by the control subcommands
// (delete, delnode, info, ringinfo).
type ControlOptions struct {
	Name string
	From string
	To   string

	CommandIdentity string
	Lifetime        time.Duration
}

// RunDelete removes a stored file from the repository.
func RunDelete(ctx context.Context, cfg *config.Config, opts ControlOptions) {
	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	var result error
	c.client.Delete(opts.Name, 0, func(resp *command.Response, err error) {
		result = err
		c.loop.StopEvents()
	})
	if err := c.loop.RunEvents(); err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
	if errors.Is(result, command.ErrNotFound) {
		log.Warnf("No such file: %s", opts.Name)
		return
	}
	if result != nil {
		log.Fatalf("Delete failed: %v", result)
	}
	log.Infof("Deleted %s", opts.Name)
}

// RunDelNode removes every block whose id falls in the [from, to] key
// range, evacuating a node's slice of the ring.
func RunDelNode(ctx context.Context, cfg *config.Config, opts ControlOptions) {
	from, err := oid.Parse(opts.From)
	if err != nil {
		log.Fatalf("Invalid range start %q: %v", opts.From, err)
	}
	to, err := oid.Parse(opts.To)
	if err != nil {
		log.Fatalf("Invalid range end %q: %v", opts.To, err)
	}

	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	var result error
	var deleted uint64
	c.client.DeleteRange([]byte(from.String()), []byte(to.String()), func(resp *command.Response, err error) {
		result = err
		if resp != nil {
			deleted = resp.InsertNum
		}
		c.loop.StopEvents()
	})
	if err := c.loop.RunEvents(); err != nil {
		log.Fatalf("Delnode failed: %v", err)
	}
	if result != nil {
		log.Fatalf("Delnode failed: %v", result)
	}
	log.Infof("Deleted %d blocks in [%s, %s]", deleted, opts.From, opts.To)
}

// RunInfo prints the repository's store summary.
func RunInfo(ctx context.Context, cfg *config.Config, opts ControlOptions) {
	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	var text string
	var result error
	c.client.Info(func(s string, err error) {
		text, result = s, err
		c.loop.StopEvents()
	})
	if err := c.loop.RunEvents(); err != nil {
		log.Fatalf("Info failed: %v", err)
	}
	if result != nil {
		log.Fatalf("Info failed: %v", result)
	}
	fmt.Fprint(os.Stdout, text)
}

// RunRingInfo prints the repository's key-space ring layout.
func RunRingInfo(ctx context.Context, cfg *config.Config, opts ControlOptions) {
	c, err := dialRepo(cfg, opts.CommandIdentity, opts.Lifetime)
	if err != nil {
		log.Fatalf("Failed to reach repository: %v", err)
	}
	defer c.Close()

	var text string
	var result error
	c.client.RingInfo(func(s string, err error) {
		text, result = s, err
		c.loop.StopEvents()
	})
	if err := c.loop.RunEvents(); err != nil {
		log.Fatalf("Ringinfo failed: %v", err)
	}
	if result != nil {
		log.Fatalf("Ringinfo failed: %v", result)
	}
	fmt.Fprint(os.Stdout, text)
}
