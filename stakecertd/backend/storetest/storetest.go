// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storetest exercises a backend.Store implementation.
package storetest

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
)

// OpenMessage returns a pending open message on id for epoch with three
// signers of 100 stake each.
func OpenMessage(id chain.ID, kind backend.EntityKind, epoch uint64) *backend.OpenMessage {
	sd := chain.NewStakeDistribution(epoch)
	sd.Add("a", 100)
	sd.Add("b", 100)
	sd.Add("c", 100)
	sc := &chain.StateCommitment{
		ChainID:     id,
		Epoch:       epoch,
		Kind:        chain.CommitmentStateRoot,
		Value:       []byte{byte(epoch)},
		BlockNumber: epoch,
	}
	return &backend.OpenMessage{
		ID:               "om-" + id.String(),
		ChainID:          id,
		SignedEntityType: backend.SignedEntityType{Chain: id, Kind: kind},
		Epoch:            epoch,
		ProtocolMessage:  backend.StateRootMessage(sc),
		Stake:            sd,
		Signatures:       make(map[chain.ValidatorID]backend.SingleSignature),
		CreatedAt:        time.Now().Unix(),
		Status:           backend.StatusPending,
	}
}

// Run runs the conformance tests against the store returned by open.
func Run(t *testing.T, open func(t *testing.T) backend.Store) {
	t.Run("certificates", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		testCertificates(t, s)
	})
	t.Run("isolation", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		testIsolation(t, s)
	})
	t.Run("openmessages", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		testOpenMessages(t, s)
	})
	t.Run("signers", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		testSigners(t, s)
	})
}

func testCertificates(t *testing.T, s backend.Store) {
	const id = chain.ID("x-net")
	now := time.Unix(1700000000, 0)

	if _, err := s.Head(id); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want %v got %v", backend.ErrNotFound, err)
	}
	if _, err := s.Genesis(id); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want %v got %v", backend.ErrNotFound, err)
	}

	var head *backend.Certificate
	ids := make([]string, 0, 5)
	for _, epoch := range []uint64{50, 60, 70, 80, 90} {
		om := OpenMessage(id, backend.KindStateRoot, epoch)
		om.Signatures["a"] = backend.SingleSignature{Signer: "a"}
		cert := backend.NewCertificate(head, om, []byte{byte(epoch)}, now)
		if err := s.AppendCertificate(cert); err != nil {
			t.Fatalf("append epoch %v: %v", epoch, err)
		}
		head = cert
		ids = append(ids, cert.ID)
	}

	// Head and genesis.
	h, err := s.Head(id)
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != head.ID || h.Epoch != 90 {
		t.Fatalf("unexpected head %v epoch %v", h.ID, h.Epoch)
	}
	g, err := s.Genesis(id)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != ids[0] || !g.IsGenesis() {
		t.Fatalf("unexpected genesis %v", g.ID)
	}
	if g.MessageDigest != OpenMessage(id, backend.KindStateRoot,
		50).ProtocolMessage.Digest() {
		t.Fatalf("digest not preserved")
	}
	if len(g.Signers) != 1 || g.Signers[0].Signer != "a" {
		t.Fatalf("signers not preserved: %v", g.Signers)
	}

	// Lookup by id.
	c, err := s.Certificate(id, ids[2])
	if err != nil {
		t.Fatal(err)
	}
	if c.Epoch != 70 || c.ParentID != ids[1] {
		t.Fatalf("unexpected certificate %v %v", c.Epoch, c.ParentID)
	}
	if _, err := s.Certificate(id, "deadbeef"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want %v got %v", backend.ErrNotFound, err)
	}

	// Listing is newest first.
	certs, err := s.Certificates(id, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 3 {
		t.Fatalf("want 3 got %v", len(certs))
	}
	for i, want := range []uint64{90, 80, 70} {
		if certs[i].Epoch != want {
			t.Fatalf("position %v: want epoch %v got %v", i, want,
				certs[i].Epoch)
		}
	}

	// Forks are refused.
	fork := backend.NewCertificate(g, OpenMessage(id,
		backend.KindStateRoot, 100), nil, now)
	if err := s.AppendCertificate(fork); !errors.Is(err, backend.ErrBrokenChain) {
		t.Fatalf("want %v got %v", backend.ErrBrokenChain, err)
	}
	stale := backend.NewCertificate(head, OpenMessage(id,
		backend.KindStakeDistribution, 90), nil, now)
	if err := s.AppendCertificate(stale); !errors.Is(err, backend.ErrNonIncreasingEpoch) {
		t.Fatalf("want %v got %v", backend.ErrNonIncreasingEpoch, err)
	}
	genesis := backend.NewCertificate(nil, OpenMessage(id,
		backend.KindStateRoot, 100), nil, now)
	if err := s.AppendCertificate(genesis); !errors.Is(err, backend.ErrDuplicateGenesis) {
		t.Fatalf("want %v got %v", backend.ErrDuplicateGenesis, err)
	}

	// The stored chain verifies.
	n, err := backend.VerifyChain(h, func(cid string) (*backend.Certificate, error) {
		return s.Certificate(id, cid)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("want 5 got %v", n)
	}
}

func testIsolation(t *testing.T, s backend.Store) {
	now := time.Unix(1700000000, 0)
	a := backend.NewCertificate(nil, OpenMessage("a-net",
		backend.KindStateRoot, 10), nil, now)
	b := backend.NewCertificate(nil, OpenMessage("b-net",
		backend.KindStateRoot, 10), nil, now)
	if err := s.AppendCertificate(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendCertificate(b); err != nil {
		t.Fatal(err)
	}

	// Certificates are only visible on their own chain.
	if _, err := s.Certificate("b-net", a.ID); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("certificate of a-net visible on b-net: %v", err)
	}

	// A certificate of chain b cannot extend chain a.
	bNext := backend.NewCertificate(a, OpenMessage("b-net",
		backend.KindStateRoot, 20), nil, now)
	if err := s.AppendCertificate(bNext); err == nil {
		t.Fatalf("cross chain append succeeded")
	}

	ha, err := s.Head("a-net")
	if err != nil {
		t.Fatal(err)
	}
	hb, err := s.Head("b-net")
	if err != nil {
		t.Fatal(err)
	}
	if ha.ID != a.ID || hb.ID != b.ID {
		t.Fatalf("heads mixed up")
	}

	chains, err := s.Chains()
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 2 || chains[0] != "a-net" || chains[1] != "b-net" {
		t.Fatalf("unexpected chains %v", chains)
	}
}

func testOpenMessages(t *testing.T, s backend.Store) {
	setA := backend.SignedEntityType{Chain: "a-net", Kind: backend.KindStateRoot}
	setB := backend.SignedEntityType{Chain: "b-net", Kind: backend.KindStateRoot}

	if _, err := s.OpenMessage(setA); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want %v got %v", backend.ErrNotFound, err)
	}

	om := OpenMessage("a-net", backend.KindStateRoot, 10)
	om.Signatures["a"] = backend.SingleSignature{
		Signer:           "a",
		ChainID:          "a-net",
		SignedEntityType: setA,
		Epoch:            10,
		Signature:        []byte{1, 2, 3},
	}
	om.BufferedStake = 100
	if err := s.PutOpenMessage(om); err != nil {
		t.Fatal(err)
	}

	got, err := s.OpenMessage(setA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epoch != 10 || got.BufferedStake != 100 ||
		len(got.Signatures) != 1 || got.Status != backend.StatusPending {
		t.Fatalf("unexpected open message %+v", got)
	}
	if string(got.Signatures["a"].Signature) != "\x01\x02\x03" {
		t.Fatalf("signature not preserved")
	}
	if got.Stake.TotalStake != 300 {
		t.Fatalf("stake not preserved")
	}

	// Scoped to the partition.
	if _, err := s.OpenMessage(setB); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("open message of a-net visible on b-net: %v", err)
	}
	if _, err := s.OpenMessage(backend.SignedEntityType{Chain: "a-net",
		Kind: backend.KindStakeDistribution}); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("open message visible under another kind: %v", err)
	}

	// Replace.
	om.Status = backend.StatusCertified
	om.CertificateID = "abc"
	if err := s.PutOpenMessage(om); err != nil {
		t.Fatal(err)
	}
	got, err = s.OpenMessage(setA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != backend.StatusCertified || got.CertificateID != "abc" {
		t.Fatalf("open message not replaced")
	}

	// Mislabelled open messages are refused.
	bad := OpenMessage("a-net", backend.KindStateRoot, 11)
	bad.SignedEntityType = setB
	if err := s.PutOpenMessage(bad); !errors.Is(err, backend.ErrMismatchedPartition) {
		t.Fatalf("want %v got %v", backend.ErrMismatchedPartition, err)
	}
}

func testSigners(t *testing.T, s backend.Store) {
	keys, err := s.SignerKeys("a-net")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatalf("want no keys got %v", len(keys))
	}

	if err := s.PutSignerKey("a-net", "a", []byte{0xa1}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSignerKey("a-net", "b", []byte{0xb1}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSignerKey("b-net", "a", []byte{0xa2}); err != nil {
		t.Fatal(err)
	}

	keys, err = s.SignerKeys("a-net")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || !bytes.Equal(keys["a"], []byte{0xa1}) ||
		!bytes.Equal(keys["b"], []byte{0xb1}) {
		t.Fatalf("unexpected keys %x", keys)
	}

	// Keys are scoped to their chain.
	keys, err = s.SignerKeys("b-net")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || !bytes.Equal(keys["a"], []byte{0xa2}) {
		t.Fatalf("unexpected keys %x", keys)
	}

	// Replace.
	if err := s.PutSignerKey("a-net", "a", []byte{0xa3}); err != nil {
		t.Fatal(err)
	}
	keys, err = s.SignerKeys("a-net")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keys["a"], []byte{0xa3}) {
		t.Fatalf("want a3 got %x", keys["a"])
	}

	chains, err := s.Chains()
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 2 || chains[0] != "a-net" || chains[1] != "b-net" {
		t.Fatalf("unexpected chains %v", chains)
	}

	if err := s.PutSignerKey("../x", "a", []byte{1}); !errors.Is(err,
		backend.ErrInvalidChainID) {
		t.Fatalf("want %v got %v", backend.ErrInvalidChainID, err)
	}
}
