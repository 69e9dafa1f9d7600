// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaintest provides a scriptable in-memory chain.Observer.
package chaintest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"

	"github.com/decred/stakecert/stakecertd/chain"
)

var _ chain.Observer = (*Observer)(nil)

// Observer is a chain.Observer whose answers are set by the caller.  It is
// safe for concurrent use.
type Observer struct {
	sync.Mutex

	id     chain.ID
	epoch  uint64
	stakes map[chain.ValidatorID]uint64
	err    error // Returned by every query when set
	calls  int   // Number of queries served
	block  chan struct{}
}

// New returns an observer for id reporting epoch with stakes.
func New(id chain.ID, epoch uint64, stakes map[chain.ValidatorID]uint64) *Observer {
	s := make(map[chain.ValidatorID]uint64, len(stakes))
	for k, v := range stakes {
		s[k] = v
	}
	return &Observer{id: id, epoch: epoch, stakes: s}
}

// SetEpoch changes the current epoch.
func (o *Observer) SetEpoch(epoch uint64) {
	o.Lock()
	o.epoch = epoch
	o.Unlock()
}

// SetError makes every query fail with err until it is reset with nil.
func (o *Observer) SetError(err error) {
	o.Lock()
	o.err = err
	o.Unlock()
}

// Block makes queries wait until ctx is done.  Unblock releases them.
func (o *Observer) Block() {
	o.Lock()
	o.block = make(chan struct{})
	o.Unlock()
}

// Unblock releases blocked queries.
func (o *Observer) Unblock() {
	o.Lock()
	if o.block != nil {
		close(o.block)
		o.block = nil
	}
	o.Unlock()
}

// Calls returns the number of queries served.
func (o *Observer) Calls() int {
	o.Lock()
	defer o.Unlock()
	return o.calls
}

func (o *Observer) enter(ctx context.Context) error {
	o.Lock()
	o.calls++
	block := o.block
	err := o.err
	o.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return chain.NewError(o.id, chain.ErrConnection, ctx.Err())
		}
	}
	return err
}

// Commitment returns the commitment value the observer reports for epoch.
func Commitment(id chain.ID, epoch uint64) []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("%v/%v", id, epoch)))
	return h[:]
}

// ChainID returns the observed chain.
func (o *Observer) ChainID() chain.ID { return o.id }

// CurrentEpoch returns the configured epoch.
func (o *Observer) CurrentEpoch(ctx context.Context) (*chain.EpochInfo, error) {
	if err := o.enter(ctx); err != nil {
		return nil, err
	}
	o.Lock()
	defer o.Unlock()
	return &chain.EpochInfo{ChainID: o.id, Epoch: o.epoch}, nil
}

// StakeDistribution returns the configured stakes for any epoch.
func (o *Observer) StakeDistribution(ctx context.Context, epoch uint64) (*chain.StakeDistribution, error) {
	if err := o.enter(ctx); err != nil {
		return nil, err
	}
	o.Lock()
	defer o.Unlock()
	sd := chain.NewStakeDistribution(epoch)
	for k, v := range o.stakes {
		if err := sd.Add(k, v); err != nil {
			return nil, chain.NewPermanentError(o.id,
				chain.ErrStakeDistribution, err)
		}
	}
	return sd, nil
}

// StateCommitment returns a deterministic state root for epoch.
func (o *Observer) StateCommitment(ctx context.Context, epoch uint64) (*chain.StateCommitment, error) {
	if err := o.enter(ctx); err != nil {
		return nil, err
	}
	return &chain.StateCommitment{
		ChainID:     o.id,
		Epoch:       epoch,
		Kind:        chain.CommitmentStateRoot,
		Value:       Commitment(o.id, epoch),
		BlockNumber: epoch * 32,
		Metadata:    map[string]string{"epoch": strconv.FormatUint(epoch, 10)},
	}, nil
}

// IsValidatorActive reports whether v has positive stake.
func (o *Observer) IsValidatorActive(ctx context.Context, v chain.ValidatorID, epoch uint64) (bool, error) {
	if err := o.enter(ctx); err != nil {
		return false, err
	}
	o.Lock()
	defer o.Unlock()
	return o.stakes[v] > 0, nil
}

// Metadata identifies the adapter.
func (o *Observer) Metadata() map[string]string {
	return map[string]string{"adapter_type": "test"}
}
