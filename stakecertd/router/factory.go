// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/stakecertd/chain/cardano"
	"github.com/decred/stakecert/stakecertd/chain/ethereum"
)

// defaultTimeout is the wire client timeout when the chain does not set one.
const defaultTimeout = 30 * time.Second

// Builder constructs the observer of an enabled chain.
type Builder func(cc *ChainConfig) (chain.Observer, error)

// ChainType is a supported chain implementation with its timing defaults.
type ChainType struct {
	Build         Builder
	Interval      uint64
	FinalityDelay uint64
}

// Factory maps chain types to their implementation.
type Factory struct {
	types map[string]ChainType
}

// NewFactory returns a factory that knows ethereum and cardano.
func NewFactory() *Factory {
	return &Factory{
		types: map[string]ChainType{
			ethereum.ChainType: {
				Build:         buildEthereum,
				Interval:      ethereum.DefaultInterval,
				FinalityDelay: ethereum.DefaultFinalityDelay,
			},
			cardano.ChainType: {
				Build:         buildCardano,
				Interval:      cardano.DefaultInterval,
				FinalityDelay: cardano.DefaultFinalityDelay,
			},
		},
	}
}

// Register adds or replaces a chain type.
func (f *Factory) Register(name string, t ChainType) {
	f.types[name] = t
}

func timeout(cc *ChainConfig) time.Duration {
	if cc.Timeout > 0 {
		return cc.Timeout
	}
	return defaultTimeout
}

func buildEthereum(cc *ChainConfig) (chain.Observer, error) {
	if cc.Endpoint == "" {
		return nil, errors.New("no beacon endpoint")
	}
	return ethereum.NewObserver(ethereum.NewClient(cc.Endpoint,
		timeout(cc)), cc.Network)
}

func buildCardano(cc *ChainConfig) (chain.Observer, error) {
	if cc.Endpoint == "" {
		return nil, errors.New("no koios endpoint")
	}
	legacy := cardano.NewKoiosObserver(cc.Endpoint, timeout(cc))
	return cardano.NewAdapter(legacy, cc.Network), nil
}

// Build returns the route of cc.  Disabled chains get an Unsupported
// observer and are never built, so a disabled chain with a broken
// declaration does not prevent startup.
func (f *Factory) Build(cc ChainConfig) (*Route, error) {
	id := cc.ID()
	t, ok := f.types[cc.Type]
	if !ok {
		return nil, fmt.Errorf("%v: unknown chain type %q", id, cc.Type)
	}
	if cc.Interval == 0 {
		cc.Interval = t.Interval
	}
	if cc.FinalityDelay == nil {
		fd := t.FinalityDelay
		cc.FinalityDelay = &fd
	}

	r := &Route{Config: cc}
	if !cc.Enabled {
		r.Observer = chain.NewUnsupported(id)
		return r, nil
	}

	obs, err := t.Build(&cc)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", id, err)
	}
	if obs.ChainID() != id {
		return nil, fmt.Errorf("%v: observer reports chain %v", id,
			obs.ChainID())
	}
	r.Observer = obs
	return r, nil
}
