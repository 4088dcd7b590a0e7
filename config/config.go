// Package config holds the JSON configuration shared by the client tools
// and the repository node.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config is the on-disk configuration. Durations are stored as
// milliseconds to keep the file human-editable.
type Config struct {
	configFile string

	// Repo points the client tools at the repository.
	Repo struct {
		Prefix  string `json:"prefix"`
		Address string `json:"address"`
	} `json:"repo"`

	// Node configures the serve subcommand.
	Node struct {
		Prefix    string `json:"prefix"`
		Listen    string `json:"listen"`
		Multicast string `json:"multicast"`
	} `json:"node"`

	DataStore struct {
		IndexPath string `json:"index"`
		BlockPath string `json:"blocks"`
	} `json:"datastore"`

	Keys struct {
		Path            string `json:"path"`
		DataIdentity    string `json:"dataIdentity"`
		CommandIdentity string `json:"commandIdentity"`
	} `json:"keys"`

	Tunables struct {
		BlockSize     uint64 `json:"blockSize"`
		LifetimeMs    int    `json:"interestLifetimeMs"`
		FreshnessMs   int    `json:"freshnessMs"`
		CheckPeriodMs int    `json:"checkPeriodMs"`
		PreSign       uint64 `json:"preSign"`
		FetchWindow   uint64 `json:"fetchWindow"`
		MaxRetry      int    `json:"maxRetry"`
	} `json:"tunables"`
}

// NewEmptyConfig generates a new configuration with default settings.
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Repo.Prefix = "/repo"
	cfg.Repo.Address = "127.0.0.1:7376"

	cfg.Node.Prefix = "/repo"
	cfg.Node.Listen = ":7376"
	cfg.Node.Multicast = "224.0.23.170:7377"

	cfg.DataStore.IndexPath = "/tmp/difs/index"
	cfg.DataStore.BlockPath = "/tmp/difs/blocks"

	cfg.Keys.Path = "/tmp/difs/keys"

	cfg.Tunables.BlockSize = 1000
	cfg.Tunables.LifetimeMs = 4000
	cfg.Tunables.FreshnessMs = 10000
	cfg.Tunables.CheckPeriodMs = 1000
	cfg.Tunables.PreSign = 11
	cfg.Tunables.FetchWindow = 100
	cfg.Tunables.MaxRetry = 3

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) Lifetime() time.Duration {
	return time.Duration(c.Tunables.LifetimeMs) * time.Millisecond
}

func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Tunables.FreshnessMs) * time.Millisecond
}

func (c *Config) CheckPeriod() time.Duration {
	return time.Duration(c.Tunables.CheckPeriodMs) * time.Millisecond
}
