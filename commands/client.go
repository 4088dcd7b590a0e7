package commands

import (
	"time"

	"difs/config"
	"difs/keychain"
	"difs/ndn/name"
	"difs/ndn/wire"
	"difs/net/wiretcp"
	"difs/repo/command"
)

// clientConn bundles what every client tool needs: a dialed endpoint, the
// keychain and a command client bound to the repo prefix.
type clientConn struct {
	loop   *wire.Loop
	conn   *wiretcp.Conn
	kc     *keychain.KeyChain
	client *command.Client
	prefix name.Name
}

func dialRepo(cfg *config.Config, commandIdentity string, lifetime time.Duration) (*clientConn, error) {
	kc, err := keychain.Load(cfg.Keys.Path)
	if err != nil {
		return nil, err
	}
	prefix, err := name.FromURI(cfg.Repo.Prefix)
	if err != nil {
		return nil, err
	}
	conn, err := wiretcp.Connect("tcp", cfg.Repo.Address)
	if err != nil {
		return nil, err
	}
	loop := wire.NewLoop(conn)
	conn.Start(loop)

	if lifetime == 0 {
		lifetime = cfg.Lifetime()
	}
	if commandIdentity == "" {
		commandIdentity = cfg.Keys.CommandIdentity
	}
	client := command.NewClient(loop, kc, prefix, command.Options{
		Lifetime:        lifetime,
		CommandIdentity: commandIdentity,
		MaxRetry:        cfg.Tunables.MaxRetry,
	})
	return &clientConn{loop: loop, conn: conn, kc: kc, client: client, prefix: prefix}, nil
}

func (c *clientConn) Close() {
	c.conn.Close()
}
