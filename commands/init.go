// Package commands implements the subcommand entry points of the difs
// binary.
package commands

import (
	"context"

	"difs/config"
	"difs/keychain"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// DefaultIdentity is the identity generated by init and used by the tools
// when the config does not name another one.
const DefaultIdentity = "difs"

// RunInit writes a default config file and generates the signing identity.
func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	kc := keychain.New()
	if err := kc.Generate(cfg.Keys.Path, DefaultIdentity); err != nil {
		log.Fatalf("Failed to generate identity: %v", err)
	}
	log.Infof("Generated identity %q under %s", DefaultIdentity, cfg.Keys.Path)
}
