// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/decred/stakecert/merkle"
	"github.com/decred/stakecert/stakecertd/chain"
)

// PartKey names a protocol message part.
type PartKey string

const (
	PartChainID           PartKey = "chain_id"
	PartEpoch             PartKey = "epoch"
	PartCommitmentKind    PartKey = "commitment_kind"
	PartCommitment        PartKey = "commitment"
	PartBlockNumber       PartKey = "block_number"
	PartStakeDistribution PartKey = "stake_distribution"
)

// ProtocolMessage is the set of named values signers sign.  The signed bytes
// are the merkle root over sha256("key=value") of every part.
type ProtocolMessage struct {
	Parts map[PartKey]string `json:"parts"`
}

// NewProtocolMessage returns an empty message.
func NewProtocolMessage() ProtocolMessage {
	return ProtocolMessage{Parts: make(map[PartKey]string)}
}

// Set sets a part.
func (pm *ProtocolMessage) Set(k PartKey, v string) {
	if pm.Parts == nil {
		pm.Parts = make(map[PartKey]string)
	}
	pm.Parts[k] = v
}

// Get returns a part.
func (pm ProtocolMessage) Get(k PartKey) (string, bool) {
	v, ok := pm.Parts[k]
	return v, ok
}

// Clone returns a copy.
func (pm ProtocolMessage) Clone() ProtocolMessage {
	c := NewProtocolMessage()
	for k, v := range pm.Parts {
		c.Parts[k] = v
	}
	return c
}

// PartLeaf returns the merkle leaf of a part.
func PartLeaf(k PartKey, v string) [sha256.Size]byte {
	return sha256.Sum256([]byte(string(k) + "=" + v))
}

func (pm ProtocolMessage) leaves() []*[sha256.Size]byte {
	keys := make([]string, 0, len(pm.Parts))
	for k := range pm.Parts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	leaves := make([]*[sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		leaf := PartLeaf(PartKey(k), pm.Parts[PartKey(k)])
		leaves = append(leaves, &leaf)
	}
	return leaves
}

// Digest returns the bytes signers sign.
func (pm ProtocolMessage) Digest() [sha256.Size]byte {
	root := merkle.Root(pm.leaves())
	if root == nil {
		return sha256.Sum256(nil)
	}
	return *root
}

// Proof returns the authentication path of part k, nil if it is not set.
func (pm ProtocolMessage) Proof(k PartKey) *merkle.Branch {
	v, ok := pm.Parts[k]
	if !ok {
		return nil
	}
	leaf := PartLeaf(k, v)
	return merkle.AuthPath(pm.leaves(), &leaf)
}

// VerifyPart checks that branch proves k=v under digest.
func VerifyPart(digest [sha256.Size]byte, k PartKey, v string, branch *merkle.Branch) bool {
	if branch == nil || len(branch.Hashes) == 0 {
		return false
	}
	if branch.Leaf() != PartLeaf(k, v) {
		return false
	}
	root, err := merkle.VerifyAuthPath(branch)
	if err != nil {
		return false
	}
	return *root == digest
}

// StateRootMessage returns the protocol message certifying sc.
func StateRootMessage(sc *chain.StateCommitment) ProtocolMessage {
	pm := NewProtocolMessage()
	pm.Set(PartChainID, sc.ChainID.String())
	pm.Set(PartEpoch, strconv.FormatUint(sc.Epoch, 10))
	pm.Set(PartCommitmentKind, string(sc.Kind))
	pm.Set(PartCommitment, sc.ValueHex())
	pm.Set(PartBlockNumber, strconv.FormatUint(sc.BlockNumber, 10))
	return pm
}

// StakeDistributionMessage returns the protocol message certifying sd on id.
func StakeDistributionMessage(id chain.ID, sd *chain.StakeDistribution) ProtocolMessage {
	pm := NewProtocolMessage()
	pm.Set(PartChainID, id.String())
	pm.Set(PartEpoch, strconv.FormatUint(sd.Epoch, 10))
	h := sha256.Sum256([]byte(sd.String()))
	pm.Set(PartStakeDistribution, hex.EncodeToString(h[:]))
	return pm
}
