// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
)

// Observer is the uniform query surface over one blockchain.  Implementations
// are stateless adapters; every method performs network I/O and must honor
// ctx for cancellation and deadlines.
type Observer interface {
	// ChainID returns the chain this observer queries.
	ChainID() ID

	// CurrentEpoch returns the epoch the chain is currently in.
	CurrentEpoch(ctx context.Context) (*EpochInfo, error)

	// StakeDistribution returns the stake snapshot for epoch.
	StakeDistribution(ctx context.Context, epoch uint64) (*StakeDistribution, error)

	// StateCommitment returns the state commitment for epoch.
	StateCommitment(ctx context.Context, epoch uint64) (*StateCommitment, error)

	// IsValidatorActive returns true when validator is active in epoch.
	IsValidatorActive(ctx context.Context, v ValidatorID, epoch uint64) (bool, error)

	// Metadata returns static information about the adapter.
	Metadata() map[string]string
}

var _ Observer = (*Unsupported)(nil)

// ErrUnsupported is returned by every method of an Unsupported observer.
var ErrUnsupported = errors.New("chain not supported by this deployment")

// Unsupported is the observer handed out for chains that are not enabled.  All
// queries fail with a permanent error.
type Unsupported struct {
	id ID
}

// NewUnsupported returns a no-op observer for id.
func NewUnsupported(id ID) *Unsupported {
	return &Unsupported{id: id}
}

func (u *Unsupported) fail(kind ErrorKind) error {
	return &ObserverError{
		Chain:     u.id,
		Kind:      kind,
		Permanent: true,
		Err:       ErrUnsupported,
	}
}

// ChainID returns the chain the observer stands in for.
func (u *Unsupported) ChainID() ID { return u.id }

// CurrentEpoch always fails.
func (u *Unsupported) CurrentEpoch(context.Context) (*EpochInfo, error) {
	return nil, u.fail(ErrEpochQuery)
}

// StakeDistribution always fails.
func (u *Unsupported) StakeDistribution(context.Context, uint64) (*StakeDistribution, error) {
	return nil, u.fail(ErrStakeDistribution)
}

// StateCommitment always fails.
func (u *Unsupported) StateCommitment(context.Context, uint64) (*StateCommitment, error) {
	return nil, u.fail(ErrStateCommitment)
}

// IsValidatorActive always reports false.
func (u *Unsupported) IsValidatorActive(context.Context, ValidatorID, uint64) (bool, error) {
	return false, nil
}

// Metadata identifies the adapter.
func (u *Unsupported) Metadata() map[string]string {
	return map[string]string{
		"adapter_type": "unsupported",
		"chain_id":     fmt.Sprint(u.id),
	}
}
