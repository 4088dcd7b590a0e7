package command

import (
	"fmt"
	"time"

	"difs/keychain"
	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/ndn/wire"

	log "github.com/sirupsen/logrus"
)

const DefaultMaxRetry = 3

// Options tune the command client. The zero value means the default request
// lifetime, the keychain's default identity and 3 retries per operation.
type Options struct {
	Lifetime        time.Duration
	CommandIdentity string
	ForwardingHint  *name.Name
	MaxRetry        int
}

// Client builds, signs, sends and retries command requests against a single
// repository prefix. Every operation carries its own retry counter.
type Client struct {
	ep     wire.Endpoint
	kc     *keychain.KeyChain
	prefix name.Name
	opts   Options
}

func NewClient(ep wire.Endpoint, kc *keychain.KeyChain, prefix name.Name, opts Options) *Client {
	if opts.MaxRetry == 0 {
		opts.MaxRetry = DefaultMaxRetry
	}
	return &Client{ep: ep, kc: kc, prefix: prefix, opts: opts}
}

// invoke runs one logical command operation. Each transmission builds a
// fresh signed request (new timestamp and nonce); timeout and nack consume
// one retry each until the budget is spent.
func (c *Client) invoke(verb string, params *Parameters, mustBeFresh bool, done func(*packet.Response, error)) {
	cmd, err := CommandName(c.prefix, verb, params)
	if err != nil {
		done(nil, err)
		return
	}

	retries := 0
	var send func()
	send = func() {
		req, err := c.kc.MakeCommandRequest(cmd, c.opts.CommandIdentity, c.opts.Lifetime)
		if err != nil {
			done(nil, err)
			return
		}
		req.MustBeFresh = mustBeFresh
		req.ForwardingHint = c.opts.ForwardingHint

		c.ep.ExpressRequest(req,
			func(_ *packet.Request, d *packet.Response) {
				done(d, nil)
			},
			func(_ *packet.Request, nack *packet.Nack) {
				if retries < c.opts.MaxRetry {
					retries++
					log.Infof("command: %s nacked (%s), retry %d/%d", verb, nack.Reason, retries, c.opts.MaxRetry)
					send()
					return
				}
				done(nil, fmt.Errorf("%s: %w (last nack: %s)", verb, ErrRetryExhausted, nack.Reason))
			},
			func(*packet.Request) {
				if retries < c.opts.MaxRetry {
					retries++
					log.Infof("command: %s timed out, retry %d/%d", verb, retries, c.opts.MaxRetry)
					send()
					return
				}
				done(nil, fmt.Errorf("%s: %w (timeout)", verb, ErrRetryExhausted))
			})
	}
	send()
}

// invokeStatus is invoke plus reply decoding and failure-code mapping: 404
// maps to ErrNotFound, any other code of 400 and above to a StatusError.
func (c *Client) invokeStatus(verb string, params *Parameters, mustBeFresh bool, done func(*Response, error)) {
	c.invoke(verb, params, mustBeFresh, func(d *packet.Response, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		resp, err := ParseResponse(d.Content)
		if err != nil {
			done(nil, err)
			return
		}
		if resp.Code == StatusNotFound {
			done(resp, fmt.Errorf("%s %s: %w", verb, params.Name, ErrNotFound))
			return
		}
		if resp.Code >= 400 {
			done(resp, &StatusError{Code: resp.Code, Text: resp.Text})
			return
		}
		done(resp, nil)
	})
}

// Insert asks the repository to pull the named file from the publisher.
// The reply carries the process id for subsequent InsertCheck polls.
func (c *Client) Insert(fileName, nodePrefix string, done func(*Response, error)) {
	c.invokeStatus(VerbInsert, &Parameters{Name: fileName, NodePrefix: nodePrefix}, true, done)
}

// InsertCheck polls the progress of a running insert.
func (c *Client) InsertCheck(fileName string, processID uint64, done func(*Response, error)) {
	c.invokeStatus(VerbInsertCheck, &Parameters{Name: fileName, ProcessID: processID}, true, done)
}

// Delete removes the named file from the repository. ErrNotFound reports an
// unknown name.
func (c *Client) Delete(fileName string, processID uint64, done func(*Response, error)) {
	c.invokeStatus(VerbDelete, &Parameters{Name: fileName, ProcessID: processID}, true, done)
}

// DeleteRange removes every block whose key falls in [from, to].
func (c *Client) DeleteRange(from, to []byte, done func(*Response, error)) {
	c.invokeStatus(VerbDelNode, &Parameters{From: from, To: to}, true, done)
}

// Get resolves a file name to its manifest. An empty reply payload means
// the name is unknown and surfaces as ErrNotFound.
func (c *Client) Get(fileName string, done func(*manifest.Manifest, error)) {
	cmd, err := CommandName(c.prefix, VerbGet, &Parameters{Name: fileName})
	if err != nil {
		done(nil, err)
		return
	}

	retries := 0
	var send func()
	send = func() {
		req, err := c.kc.MakeCommandRequest(cmd, c.opts.CommandIdentity, c.opts.Lifetime)
		if err != nil {
			done(nil, err)
			return
		}
		req.MustBeFresh = true
		req.CanBePrefix = true
		req.ForwardingHint = c.opts.ForwardingHint

		c.ep.ExpressRequest(req,
			func(_ *packet.Request, d *packet.Response) {
				if len(d.Content) == 0 {
					done(nil, fmt.Errorf("get %s: %w", fileName, ErrNotFound))
					return
				}
				m, err := manifest.FromJSON(d.Content)
				if err != nil {
					done(nil, fmt.Errorf("get %s: %w", fileName, err))
					return
				}
				done(m, nil)
			},
			func(_ *packet.Request, nack *packet.Nack) {
				if retries < c.opts.MaxRetry {
					retries++
					log.Infof("command: get nacked (%s), retry %d/%d", nack.Reason, retries, c.opts.MaxRetry)
					send()
					return
				}
				done(nil, fmt.Errorf("get: %w (last nack: %s)", ErrRetryExhausted, nack.Reason))
			},
			func(*packet.Request) {
				if retries < c.opts.MaxRetry {
					retries++
					log.Infof("command: get timed out, retry %d/%d", retries, c.opts.MaxRetry)
					send()
					return
				}
				done(nil, fmt.Errorf("get: %w (timeout)", ErrRetryExhausted))
			})
	}
	send()
}

// Info requests the repository's human-readable store summary.
func (c *Client) Info(done func(string, error)) {
	c.invoke(VerbInfo, nil, false, func(d *packet.Response, err error) {
		if err != nil {
			done("", err)
			return
		}
		done(string(d.Content), nil)
	})
}

// RingInfo requests the repository's key-space ring layout.
func (c *Client) RingInfo(done func(string, error)) {
	c.invoke(VerbRingInfo, nil, false, func(d *packet.Response, err error) {
		if err != nil {
			done("", err)
			return
		}
		done(string(d.Content), nil)
	})
}
