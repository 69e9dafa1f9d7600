// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ethereum implements a chain.Observer over an Ethereum consensus
// layer (beacon) node.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	ChainType = "ethereum"

	SlotsPerEpoch  = 32
	SecondsPerSlot = 12

	// Certification defaults: roughly 3 days of epochs and two epochs to
	// reach finality.
	DefaultInterval      = 675
	DefaultFinalityDelay = 2
)

// Networks lists the supported networks.
var Networks = []string{"mainnet", "holesky", "sepolia"}

var (
	_ chain.Observer = (*Observer)(nil)

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// ValidateNetwork returns an error for unsupported networks.
func ValidateNetwork(network string) error {
	for _, n := range Networks {
		if n == network {
			return nil
		}
	}
	return fmt.Errorf("unsupported ethereum network %q, expected one of %v",
		network, Networks)
}

// BeaconNode is the set of beacon API calls the observer needs.  It is
// satisfied by *Client.
type BeaconNode interface {
	Endpoint() string
	HeadHeader(ctx context.Context) (*BeaconHeader, error)
	Genesis(ctx context.Context) (*Genesis, error)
	Validators(ctx context.Context, slot uint64) ([]Validator, error)
	Validator(ctx context.Context, slot uint64, id string) (*Validator, error)
	Block(ctx context.Context, slot uint64) (*BeaconBlock, error)
}

// Observer translates beacon chain state into chain types.  Stake is the
// effective balance in gwei of active validators, keyed by pubkey.  The state
// commitment of an epoch is the execution state root of the last non-empty
// slot of that epoch.
type Observer struct {
	id      chain.ID
	network string
	node    BeaconNode
}

// NewObserver returns an observer for network backed by node.
func NewObserver(node BeaconNode, network string) (*Observer, error) {
	if err := ValidateNetwork(network); err != nil {
		return nil, err
	}
	return &Observer{
		id:      chain.NewID(ChainType, network),
		network: network,
		node:    node,
	}, nil
}

// wrap classifies a beacon client error.
func (o *Observer) wrap(kind chain.ErrorKind, err error) error {
	var (
		de *DecodeError
		se *StatusError
	)
	switch {
	case errors.As(err, &de):
		return chain.NewPermanentError(o.id, kind, err)
	case errors.As(err, &se):
		if se.Code >= http.StatusBadRequest &&
			se.Code < http.StatusInternalServerError {
			return chain.NewPermanentError(o.id, kind, err)
		}
		return chain.NewError(o.id, kind, err)
	case errors.Is(err, ErrNotFound):
		return chain.NewError(o.id, kind, err)
	}
	return chain.NewError(o.id, chain.ErrConnection, err)
}

// ChainID returns the observed chain.
func (o *Observer) ChainID() chain.ID {
	return o.id
}

// CurrentEpoch derives the epoch from the head slot.
func (o *Observer) CurrentEpoch(ctx context.Context) (*chain.EpochInfo, error) {
	head, err := o.node.HeadHeader(ctx)
	if err != nil {
		return nil, o.wrap(chain.ErrEpochQuery, err)
	}
	genesis, err := o.node.Genesis(ctx)
	if err != nil {
		return nil, o.wrap(chain.ErrEpochQuery, err)
	}

	epoch := uint64(head.Slot) / SlotsPerEpoch
	start := int64(genesis.GenesisTime) +
		int64(epoch*SlotsPerEpoch*SecondsPerSlot)
	end := start + SlotsPerEpoch*SecondsPerSlot

	return &chain.EpochInfo{
		ChainID:   o.id,
		Epoch:     epoch,
		StartTime: start,
		EndTime:   &end,
	}, nil
}

// StakeDistribution returns the active validator set at the first slot of
// epoch.
func (o *Observer) StakeDistribution(ctx context.Context, epoch uint64) (*chain.StakeDistribution, error) {
	validators, err := o.node.Validators(ctx, epoch*SlotsPerEpoch)
	if err != nil {
		return nil, o.wrap(chain.ErrStakeDistribution, err)
	}

	sd := chain.NewStakeDistribution(epoch)
	for i := range validators {
		v := &validators[i]
		if !v.Active() {
			continue
		}
		if v.Validator.Pubkey == "" {
			return nil, chain.NewPermanentError(o.id,
				chain.ErrStakeDistribution,
				fmt.Errorf("validator %v has no pubkey", v.Index))
		}
		err := sd.Add(chain.ValidatorID(v.Validator.Pubkey),
			uint64(v.Validator.EffectiveBalance))
		if err != nil {
			return nil, chain.NewPermanentError(o.id,
				chain.ErrStakeDistribution, err)
		}
	}
	if sd.TotalStake == 0 {
		return nil, chain.NewError(o.id, chain.ErrStakeDistribution,
			fmt.Errorf("no active stake at epoch %v", epoch))
	}

	log.Debugf("%v: epoch %v: %v active validators, %v gwei", o.id,
		epoch, len(sd.Stakes), sd.TotalStake)

	return sd, nil
}

// StateCommitment returns the execution state root at the end of epoch.
// Empty slots are skipped backwards until a block is found.
func (o *Observer) StateCommitment(ctx context.Context, epoch uint64) (*chain.StateCommitment, error) {
	first := epoch * SlotsPerEpoch
	last := (epoch+1)*SlotsPerEpoch - 1

	var block *BeaconBlock
	for slot := last; ; slot-- {
		b, err := o.node.Block(ctx, slot)
		if err == nil {
			block = b
			break
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, o.wrap(chain.ErrStateCommitment, err)
		}
		log.Tracef("%v: empty slot %v", o.id, slot)
		if slot == first {
			return nil, chain.NewError(o.id, chain.ErrStateCommitment,
				fmt.Errorf("no block in epoch %v", epoch))
		}
	}

	payload := block.Body.ExecutionPayload
	if payload == nil {
		return nil, chain.NewPermanentError(o.id,
			chain.ErrStateCommitment,
			fmt.Errorf("block at slot %v has no execution payload",
				block.Slot))
	}
	root, err := hexutil.Decode(payload.StateRoot)
	if err != nil {
		return nil, chain.NewPermanentError(o.id,
			chain.ErrStateCommitment,
			fmt.Errorf("state root %q: %w", payload.StateRoot, err))
	}

	return &chain.StateCommitment{
		ChainID:     o.id,
		Epoch:       epoch,
		Kind:        chain.CommitmentStateRoot,
		Value:       root,
		BlockNumber: uint64(payload.BlockNumber),
		Metadata: map[string]string{
			"slot":        strconv.FormatUint(uint64(block.Slot), 10),
			"block_hash":  payload.BlockHash,
			"parent_hash": payload.ParentHash,
			"beacon_root": block.StateRoot,
		},
	}, nil
}

// IsValidatorActive looks up the validator by pubkey at the first slot of
// epoch.  Unknown validators are inactive.
func (o *Observer) IsValidatorActive(ctx context.Context, v chain.ValidatorID, epoch uint64) (bool, error) {
	val, err := o.node.Validator(ctx, epoch*SlotsPerEpoch, string(v))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, o.wrap(chain.ErrValidatorNotFound, err)
	}
	return val.Active(), nil
}

// Metadata identifies the adapter.
func (o *Observer) Metadata() map[string]string {
	return map[string]string{
		"adapter_type":    "ethereum",
		"network":         o.network,
		"beacon_endpoint": o.node.Endpoint(),
		"slots_per_epoch": strconv.Itoa(SlotsPerEpoch),
	}
}
