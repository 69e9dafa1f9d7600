// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"gopkg.in/yaml.v3"
)

// ChainConfig declares one chain.  A zero Interval or nil FinalityDelay
// selects the default of the chain type.
type ChainConfig struct {
	Type          string
	Network       string
	Endpoint      string
	Enabled       bool
	Interval      uint64
	FinalityDelay *uint64
	PollInterval  time.Duration
	Timeout       time.Duration
	Kinds         []backend.EntityKind
}

// ID returns the chain id, <type>-<network>.
func (c *ChainConfig) ID() chain.ID {
	return chain.NewID(c.Type, c.Network)
}

// Config is the chains file.
type Config struct {
	Default chain.ID
	Chains  []ChainConfig
}

// yamlChain is the on disk form of ChainConfig.  Durations are strings
// understood by time.ParseDuration.
type yamlChain struct {
	Type          string   `yaml:"type"`
	Network       string   `yaml:"network"`
	Endpoint      string   `yaml:"endpoint"`
	Enabled       *bool    `yaml:"enabled"`
	Interval      uint64   `yaml:"interval"`
	FinalityDelay *uint64  `yaml:"finalitydelay"`
	PollInterval  string   `yaml:"pollinterval"`
	Timeout       string   `yaml:"timeout"`
	Kinds         []string `yaml:"kinds"`
}

type yamlConfig struct {
	Default string      `yaml:"default"`
	Chains  []yamlChain `yaml:"chains"`
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", s)
	}
	return d, nil
}

// LoadChains parses a chains file.  Chains are enabled unless they say
// otherwise.  The default chain is the first chain when not set.
func LoadChains(r io.Reader) (*Config, error) {
	var yc yamlConfig
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&yc); err != nil {
		return nil, fmt.Errorf("chains file: %v", err)
	}
	if len(yc.Chains) == 0 {
		return nil, fmt.Errorf("chains file: no chains")
	}

	cfg := &Config{Default: chain.ID(yc.Default)}
	seen := make(map[chain.ID]struct{})
	for i, y := range yc.Chains {
		cc := ChainConfig{
			Type:          y.Type,
			Network:       y.Network,
			Endpoint:      y.Endpoint,
			Enabled:       y.Enabled == nil || *y.Enabled,
			Interval:      y.Interval,
			FinalityDelay: y.FinalityDelay,
		}

		id := cc.ID()
		if !id.Valid() {
			return nil, fmt.Errorf("chain %v: invalid id %q", i, id)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("chain %v: duplicate", id)
		}
		seen[id] = struct{}{}

		var err error
		cc.PollInterval, err = parseDuration(y.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("chain %v: pollinterval: %v", id, err)
		}
		cc.Timeout, err = parseDuration(y.Timeout)
		if err != nil {
			return nil, fmt.Errorf("chain %v: timeout: %v", id, err)
		}
		for _, k := range y.Kinds {
			kind := backend.EntityKind(k)
			if !kind.Valid() {
				return nil, fmt.Errorf("chain %v: invalid kind %q",
					id, k)
			}
			cc.Kinds = append(cc.Kinds, kind)
		}
		cfg.Chains = append(cfg.Chains, cc)
	}

	if cfg.Default == "" {
		cfg.Default = cfg.Chains[0].ID()
	}
	if _, ok := seen[cfg.Default]; !ok {
		return nil, fmt.Errorf("default chain %v is not declared",
			cfg.Default)
	}
	return cfg, nil
}

// LoadChainsFile parses the chains file at path.
func LoadChainsFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadChains(f)
}
