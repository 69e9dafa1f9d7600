// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/stakecert/stakecertd/chain"
)

func testOpenMessage(id chain.ID, epoch uint64) *OpenMessage {
	sd := chain.NewStakeDistribution(epoch)
	sd.Add("a", 100)
	sd.Add("b", 100)
	sd.Add("c", 100)
	sc := &chain.StateCommitment{
		ChainID:     id,
		Epoch:       epoch,
		Kind:        chain.CommitmentStateRoot,
		Value:       []byte{1, 2, 3},
		BlockNumber: epoch * 10,
	}
	return &OpenMessage{
		ChainID:          id,
		SignedEntityType: SignedEntityType{Chain: id, Kind: KindStateRoot},
		Epoch:            epoch,
		ProtocolMessage:  StateRootMessage(sc),
		Stake:            sd,
		Signatures: map[chain.ValidatorID]SingleSignature{
			"a": {Signer: "a"},
			"c": {Signer: "c"},
		},
		Status: StatusPending,
	}
}

func TestNewCertificate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	om := testOpenMessage("x-net", 50)
	genesis := NewCertificate(nil, om, []byte{0xaa}, now)

	if !genesis.IsGenesis() {
		t.Fatalf("expected genesis")
	}
	if genesis.ID != genesis.ComputeID() {
		t.Fatalf("id mismatch")
	}
	if len(genesis.Signers) != 2 || genesis.Signers[0].Signer != "a" ||
		genesis.Signers[1].Signer != "c" {
		t.Fatalf("unexpected signers %v", spew.Sdump(genesis.Signers))
	}
	if genesis.TotalStake != 300 {
		t.Fatalf("want 300 got %v", genesis.TotalStake)
	}
	if genesis.MessageDigest != om.ProtocolMessage.Digest() {
		t.Fatalf("digest mismatch")
	}

	next := NewCertificate(genesis, testOpenMessage("x-net", 60),
		[]byte{0xbb}, now)
	if next.ParentID != genesis.ID {
		t.Fatalf("want parent %v got %v", genesis.ID, next.ParentID)
	}
	if next.ID == genesis.ID {
		t.Fatalf("ids collide")
	}
}

func TestComputeIDCoversFields(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewCertificate(nil, testOpenMessage("x-net", 50), []byte{0xaa},
		now)

	tests := []struct {
		name   string
		tamper func(c *Certificate)
	}{
		{"signer stake", func(c *Certificate) { c.Signers[0].Stake++ }},
		{"signer", func(c *Certificate) { c.Signers[1].Signer = "b" }},
		{"dropped signer", func(c *Certificate) { c.Signers = c.Signers[:1] }},
		{"total stake", func(c *Certificate) { c.TotalStake-- }},
		{"entity chain", func(c *Certificate) { c.SignedEntityType.Chain = "y-net" }},
		{"entity kind", func(c *Certificate) { c.SignedEntityType.Kind = KindStakeDistribution }},
		{"aggregate", func(c *Certificate) { c.AggregateSignature = []byte{0xab} }},
		{"parent", func(c *Certificate) { c.ParentID = "00" }},
	}
	for _, test := range tests {
		cc := *c
		cc.Signers = append([]SignerStake(nil), c.Signers...)
		test.tamper(&cc)
		if cc.ComputeID() == c.ID {
			t.Fatalf("%v: id does not change", test.name)
		}
	}

	// Field boundaries are unambiguous.
	a := *c
	a.AggregateSignature = []byte{0xaa, 0xbb}
	a.ParentID = ""
	b := *c
	b.AggregateSignature = []byte{0xaa}
	b.ParentID = "\xbb"
	if a.ComputeID() == b.ComputeID() {
		t.Fatalf("aggregate and parent collide")
	}
}

func TestValidateLink(t *testing.T) {
	now := time.Unix(1700000000, 0)
	genesis := NewCertificate(nil, testOpenMessage("x-net", 50), nil, now)
	next := NewCertificate(genesis, testOpenMessage("x-net", 60), nil, now)
	same := NewCertificate(genesis, testOpenMessage("x-net", 50), nil, now)
	other := NewCertificate(nil, testOpenMessage("y-net", 70), nil, now)
	otherNext := NewCertificate(other, testOpenMessage("y-net", 80), nil,
		now)

	tests := []struct {
		name string
		head *Certificate
		cert *Certificate
		want error
	}{
		{"genesis", nil, genesis, nil},
		{"extend", genesis, next, nil},
		{"not genesis on empty", nil, next, ErrBrokenChain},
		{"second genesis", genesis, other, ErrMismatchedPartition},
		{"stale parent", next, same, ErrBrokenChain},
		{"same epoch", genesis, same, ErrNonIncreasingEpoch},
		{"cross chain", genesis, otherNext, ErrMismatchedPartition},
	}
	for _, test := range tests {
		err := ValidateLink(test.head, test.cert)
		if test.want == nil && err != nil {
			t.Fatalf("%v: unexpected error %v", test.name, err)
		}
		if test.want != nil && !errors.Is(err, test.want) {
			t.Fatalf("%v: want %v got %v", test.name, test.want, err)
		}
	}

	dup := NewCertificate(nil, testOpenMessage("x-net", 90), nil, now)
	if err := ValidateLink(next, dup); !errors.Is(err, ErrDuplicateGenesis) {
		t.Fatalf("want %v got %v", ErrDuplicateGenesis, err)
	}

	bad := NewCertificate(nil, testOpenMessage("X Net", 1), nil, now)
	if err := ValidateLink(nil, bad); !errors.Is(err, ErrInvalidChainID) {
		t.Fatalf("want %v got %v", ErrInvalidChainID, err)
	}
}

func TestVerifyChain(t *testing.T) {
	now := time.Unix(1700000000, 0)
	certs := make(map[string]*Certificate)
	var head *Certificate
	for _, epoch := range []uint64{10, 20, 30, 40} {
		head = NewCertificate(head, testOpenMessage("x-net", epoch),
			nil, now)
		certs[head.ID] = head
	}
	get := func(id string) (*Certificate, error) {
		c, ok := certs[id]
		if !ok {
			return nil, ErrNotFound
		}
		return c, nil
	}

	n, err := VerifyChain(head, get)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("want 4 got %v", n)
	}

	// Remove a link.
	delete(certs, head.ParentID)
	if _, err := VerifyChain(head, get); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want %v got %v", ErrNotFound, err)
	}

	// Tamper with a certificate.
	tampered := *head
	tampered.Epoch = 99
	if _, err := VerifyChain(&tampered, get); err == nil {
		t.Fatalf("tampered certificate verified")
	}
}

func TestProtocolMessage(t *testing.T) {
	sc := &chain.StateCommitment{
		ChainID:     "ethereum-holesky",
		Epoch:       675,
		Kind:        chain.CommitmentStateRoot,
		Value:       []byte{0x00, 0xff},
		BlockNumber: 42,
	}
	pm := StateRootMessage(sc)
	if v, _ := pm.Get(PartCommitment); v != "00ff" {
		t.Fatalf("unexpected commitment %v", v)
	}

	// Order of insertion does not matter.
	pm2 := NewProtocolMessage()
	for _, k := range []PartKey{PartBlockNumber, PartCommitment,
		PartCommitmentKind, PartEpoch, PartChainID} {
		v, _ := pm.Get(k)
		pm2.Set(k, v)
	}
	if pm.Digest() != pm2.Digest() {
		t.Fatalf("digest depends on insertion order")
	}

	// A different chain changes the digest.
	sc.ChainID = "ethereum-sepolia"
	if StateRootMessage(sc).Digest() == pm.Digest() {
		t.Fatalf("digest ignores chain id")
	}

	proof := pm.Proof(PartCommitment)
	if !VerifyPart(pm.Digest(), PartCommitment, "00ff", proof) {
		t.Fatalf("proof does not verify")
	}
	if VerifyPart(pm.Digest(), PartCommitment, "00fe", proof) {
		t.Fatalf("proof verifies wrong value")
	}
	if pm.Proof(PartStakeDistribution) != nil {
		t.Fatalf("proof for missing part")
	}
}

func TestOpenMessageClone(t *testing.T) {
	om := testOpenMessage("x-net", 1)
	c := om.Clone()
	c.Signatures["b"] = SingleSignature{Signer: "b"}
	c.Stake.Add("d", 1)
	c.ProtocolMessage.Set(PartEpoch, "2")
	if len(om.Signatures) != 2 || om.Stake.TotalStake != 300 {
		t.Fatalf("clone shares state")
	}
	if v, _ := om.ProtocolMessage.Get(PartEpoch); v != "1" {
		t.Fatalf("clone shares protocol message")
	}
}
