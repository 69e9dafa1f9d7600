// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cardano adapts the single chain Cardano observer to the chain
// agnostic chain.Observer interface.
package cardano

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/chain"
)

const (
	ChainType = "cardano"

	DefaultInterval      = 1
	DefaultFinalityDelay = 1
)

var (
	_ chain.Observer = (*Adapter)(nil)

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// ChainPoint is a position on the Cardano chain.
type ChainPoint struct {
	SlotNumber  uint64
	BlockNumber uint64
	BlockHash   string
}

// LegacyObserver is the observer shape used by single chain deployments.  It
// only knows about the current epoch.  Nil results mean the node has no
// answer yet.
type LegacyObserver interface {
	GetCurrentEpoch(ctx context.Context) (*uint64, error)
	GetCurrentStakeDistribution(ctx context.Context) (map[string]uint64, error)
	GetCurrentChainPoint(ctx context.Context) (*ChainPoint, error)
}

// eraParams locate the first Shelley epoch in time.
type eraParams struct {
	shelleyEpoch uint64
	shelleyStart int64
	epochLength  int64
}

var networks = map[string]eraParams{
	"mainnet": {shelleyEpoch: 208, shelleyStart: 1596059091, epochLength: 432000},
	"preprod": {shelleyEpoch: 4, shelleyStart: 1655769600, epochLength: 432000},
	"preview": {shelleyEpoch: 0, shelleyStart: 1666656000, epochLength: 86400},
}

// Adapter wraps a LegacyObserver without changing its behavior.  The legacy
// observer only exposes the current stake distribution and chain point, so
// those are used for whatever epoch is requested.
type Adapter struct {
	id      chain.ID
	network string
	legacy  LegacyObserver
}

// NewAdapter wraps legacy for network.
func NewAdapter(legacy LegacyObserver, network string) *Adapter {
	return &Adapter{
		id:      chain.NewID(ChainType, network),
		network: network,
		legacy:  legacy,
	}
}

func (a *Adapter) wrap(kind chain.ErrorKind, err error) error {
	var (
		se *json.SyntaxError
		te *json.UnmarshalTypeError
	)
	if errors.As(err, &se) || errors.As(err, &te) {
		return chain.NewPermanentError(a.id, kind, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chain.NewError(a.id, chain.ErrConnection, err)
	}
	return chain.NewError(a.id, kind, err)
}

// ChainID returns the observed chain.
func (a *Adapter) ChainID() chain.ID {
	return a.id
}

// CurrentEpoch returns the legacy epoch with its start time when the network
// is known.
func (a *Adapter) CurrentEpoch(ctx context.Context) (*chain.EpochInfo, error) {
	epoch, err := a.legacy.GetCurrentEpoch(ctx)
	if err != nil {
		return nil, a.wrap(chain.ErrEpochQuery, err)
	}
	if epoch == nil {
		return nil, chain.NewError(a.id, chain.ErrEpochQuery,
			errors.New("no current epoch"))
	}

	ei := &chain.EpochInfo{ChainID: a.id, Epoch: *epoch}
	if p, ok := networks[a.network]; ok && *epoch >= p.shelleyEpoch {
		ei.StartTime = p.shelleyStart +
			int64(*epoch-p.shelleyEpoch)*p.epochLength
		end := ei.StartTime + p.epochLength
		ei.EndTime = &end
	}
	return ei, nil
}

// StakeDistribution returns the pool stake distribution.
func (a *Adapter) StakeDistribution(ctx context.Context, epoch uint64) (*chain.StakeDistribution, error) {
	stakes, err := a.legacy.GetCurrentStakeDistribution(ctx)
	if err != nil {
		return nil, a.wrap(chain.ErrStakeDistribution, err)
	}
	if len(stakes) == 0 {
		return nil, chain.NewError(a.id, chain.ErrStakeDistribution,
			errors.New("no stake distribution"))
	}

	sd := chain.NewStakeDistribution(epoch)
	for pool, stake := range stakes {
		if err := sd.Add(chain.ValidatorID(pool), stake); err != nil {
			return nil, chain.NewPermanentError(a.id,
				chain.ErrStakeDistribution, err)
		}
	}
	log.Debugf("%v: epoch %v: %v pools, %v lovelace", a.id, epoch,
		len(sd.Stakes), sd.TotalStake)
	return sd, nil
}

// StateCommitment commits to the current chain point.
func (a *Adapter) StateCommitment(ctx context.Context, epoch uint64) (*chain.StateCommitment, error) {
	cp, err := a.legacy.GetCurrentChainPoint(ctx)
	if err != nil {
		return nil, a.wrap(chain.ErrStateCommitment, err)
	}
	if cp == nil {
		return nil, chain.NewError(a.id, chain.ErrStateCommitment,
			errors.New("no chain point"))
	}
	hash, err := hex.DecodeString(cp.BlockHash)
	if err != nil {
		return nil, chain.NewPermanentError(a.id,
			chain.ErrStateCommitment,
			fmt.Errorf("block hash %q: %w", cp.BlockHash, err))
	}

	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], cp.SlotNumber)
	binary.BigEndian.PutUint64(b[8:], cp.BlockNumber)
	h := sha256.New()
	h.Write(hash)
	h.Write(b[:])

	return &chain.StateCommitment{
		ChainID:     a.id,
		Epoch:       epoch,
		Kind:        chain.CommitmentImmutableFileSet,
		Value:       h.Sum(nil),
		BlockNumber: cp.BlockNumber,
		Metadata: map[string]string{
			"slot":       strconv.FormatUint(cp.SlotNumber, 10),
			"block_hash": cp.BlockHash,
		},
	}, nil
}

// IsValidatorActive reports whether pool has stake.
func (a *Adapter) IsValidatorActive(ctx context.Context, v chain.ValidatorID, epoch uint64) (bool, error) {
	sd, err := a.StakeDistribution(ctx, epoch)
	if err != nil {
		return false, err
	}
	return sd.Active(v), nil
}

// Metadata identifies the adapter.
func (a *Adapter) Metadata() map[string]string {
	return map[string]string{
		"adapter_type": "cardano_legacy",
		"network":      a.network,
	}
}
