// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the chain agnostic view of a proof-of-stake blockchain
// that the certification pipeline operates on.  Every chain specific adapter
// translates its native epoch, validator and state model into these types.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"regexp"
	"sort"
	"strings"
)

// ErrStakeOverflow is returned when the total stake of a distribution does not
// fit in 64 bits.
var ErrStakeOverflow = errors.New("total stake overflows")

var validID = regexp.MustCompile("^[a-z0-9][a-z0-9-]{0,63}$")

// ID identifies a blockchain and network, e.g. "ethereum-holesky".  It is the
// partition key for every piece of certification state.
type ID string

// NewID returns the identifier of the provided chain type on network.
func NewID(chainType, network string) ID {
	return ID(strings.ToLower(chainType) + "-" + strings.ToLower(network))
}

// String returns the identifier as a string.
func (id ID) String() string {
	return string(id)
}

// Valid returns true if the identifier is usable as a partition key and as a
// path element.
func (id ID) Valid() bool {
	return validID.MatchString(string(id))
}

// ValidatorID identifies a validator, pool or signing party on a chain.
type ValidatorID string

// EpochInfo describes a chain epoch as reported by an Observer.
type EpochInfo struct {
	ChainID   ID     // Chain the epoch belongs to
	Epoch     uint64 // Monotonic epoch number
	StartTime int64  // Unix start time
	EndTime   *int64 // Unix end time, nil when unknown
}

// StakeDistribution is an immutable snapshot of validator stake for an epoch.
// TotalStake always equals the sum of Stakes.
type StakeDistribution struct {
	Epoch      uint64                 `json:"epoch"`
	Stakes     map[ValidatorID]uint64 `json:"stakes"`
	TotalStake uint64                 `json:"totalstake"`
}

// NewStakeDistribution returns an empty distribution for epoch.
func NewStakeDistribution(epoch uint64) *StakeDistribution {
	return &StakeDistribution{
		Epoch:  epoch,
		Stakes: make(map[ValidatorID]uint64),
	}
}

// Add records stake for validator.  Adding an existing validator replaces its
// stake.  It is meant to be used while building a snapshot.  The distribution
// is left unchanged and ErrStakeOverflow is returned when the total would no
// longer fit in 64 bits.
func (sd *StakeDistribution) Add(v ValidatorID, stake uint64) error {
	total := sd.TotalStake
	if old, ok := sd.Stakes[v]; ok {
		total -= old
	}
	total, carry := bits.Add64(total, stake, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %v %v", ErrStakeOverflow, v, stake)
	}
	sd.Stakes[v] = stake
	sd.TotalStake = total
	return nil
}

// Stake returns the stake of validator and whether it is present.
func (sd *StakeDistribution) Stake(v ValidatorID) (uint64, bool) {
	stake, ok := sd.Stakes[v]
	return stake, ok
}

// Active returns true if validator is present with positive stake.
func (sd *StakeDistribution) Active(v ValidatorID) bool {
	stake, ok := sd.Stakes[v]
	return ok && stake > 0
}

// Validators returns the validator ids in lexicographic order.
func (sd *StakeDistribution) Validators() []ValidatorID {
	ids := make([]ValidatorID, 0, len(sd.Stakes))
	for id := range sd.Stakes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the distribution.
func (sd *StakeDistribution) Clone() *StakeDistribution {
	c := NewStakeDistribution(sd.Epoch)
	for k, v := range sd.Stakes {
		c.Stakes[k] = v
	}
	c.TotalStake = sd.TotalStake
	return c
}

// String renders the distribution deterministically.  The result is used as a
// protocol message part.
func (sd *StakeDistribution) String() string {
	var b strings.Builder
	for i, id := range sd.Validators() {
		if i != 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%v:%v", id, sd.Stakes[id])
	}
	return b.String()
}

// CommitmentKind tags the kind of digest a StateCommitment carries.
type CommitmentKind string

const (
	CommitmentStateRoot        CommitmentKind = "StateRoot"
	CommitmentAccountsHash     CommitmentKind = "AccountsHash"
	CommitmentImmutableFileSet CommitmentKind = "ImmutableFileSet"
	CommitmentParachainHead    CommitmentKind = "ParachainHead"
)

// CustomCommitment returns a chain specific commitment kind.
func CustomCommitment(name string) CommitmentKind {
	return CommitmentKind("Custom(" + name + ")")
}

// StateCommitment is the chain state that gets certified for an epoch.
type StateCommitment struct {
	ChainID     ID                `json:"chainid"`
	Epoch       uint64            `json:"epoch"`
	Kind        CommitmentKind    `json:"kind"`
	Value       []byte            `json:"value"`
	BlockNumber uint64            `json:"blocknumber"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ValueHex returns the hex encoded commitment value.
func (sc *StateCommitment) ValueHex() string {
	return hex.EncodeToString(sc.Value)
}
