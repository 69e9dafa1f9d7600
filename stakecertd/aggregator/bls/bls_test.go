// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bls

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T, seed byte) *Signer {
	t.Helper()
	s, err := NewSigner(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return s
}

func register(t *testing.T, a *Aggregator, id chain.ID, party chain.ValidatorID, s *Signer) {
	t.Helper()
	pk, err := s.PublicKey()
	require.NoError(t, err)
	require.NoError(t, a.RegisterSigner(id, party, pk))
}

func stake() *chain.StakeDistribution {
	sd := chain.NewStakeDistribution(50)
	sd.Add("a", 100)
	sd.Add("b", 100)
	return sd
}

func TestShortSeed(t *testing.T) {
	_, err := NewSigner([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestVerifyPartial(t *testing.T) {
	a := New()
	sa := newSigner(t, 1)
	register(t, a, "x-net", "a", sa)

	digest := sha256.Sum256([]byte("message"))
	sig := backend.SingleSignature{
		Signer:    "a",
		ChainID:   "x-net",
		Epoch:     50,
		Signature: sa.Sign("x-net", "a", digest),
	}
	require.NoError(t, a.VerifyPartial("x-net", digest, sig, stake()))

	// Other digest.
	require.ErrorIs(t, a.VerifyPartial("x-net",
		sha256.Sum256([]byte("x")), sig, stake()), ErrBadSignature)

	// The key is scoped to its chain.
	other := sig
	other.ChainID = "y-net"
	other.Signature = sa.Sign("y-net", "a", digest)
	require.ErrorIs(t, a.VerifyPartial("y-net", digest, other, stake()),
		ErrUnknownSigner)

	// A signature labelled for another chain.
	require.ErrorIs(t, a.VerifyPartial("y-net", digest, sig, stake()),
		ErrBadSignature)

	// A signature made for another party does not verify.
	swapped := sig
	swapped.Signature = sa.Sign("x-net", "b", digest)
	require.ErrorIs(t, a.VerifyPartial("x-net", digest, swapped, stake()),
		ErrBadSignature)

	// A staked signer that never registered a key.
	unregistered := sig
	unregistered.Signer = "b"
	err := a.VerifyPartial("x-net", digest, unregistered, stake())
	require.ErrorIs(t, err, ErrUnknownSigner)
	require.ErrorIs(t, err, backend.ErrUnknownSigner)
	require.NotErrorIs(t, err, ErrBadSignature)

	// Signers without stake are refused.
	require.ErrorIs(t, a.VerifyPartial("x-net", digest, sig,
		chain.NewStakeDistribution(50)), ErrBadSignature)
}

func TestRegisterSigner(t *testing.T) {
	a := New()
	sa := newSigner(t, 1)
	sb := newSigner(t, 2)

	register(t, a, "x-net", "a", sa)
	register(t, a, "x-net", "a", sa)

	pk, err := sb.PublicKey()
	require.NoError(t, err)
	require.ErrorIs(t, a.RegisterSigner("x-net", "a", pk), ErrKeyExists)
	require.ErrorIs(t, a.RegisterSigner("X", "a", pk),
		backend.ErrInvalidChainID)
	require.ErrorIs(t, a.RegisterSigner("x-net", "b", []byte{1, 2}),
		ErrInvalidKey)

	got, err := a.SignerKey("x-net", "a")
	require.NoError(t, err)
	want, err := sa.PublicKey()
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = a.SignerKey("y-net", "a")
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestAggregate(t *testing.T) {
	a := New()
	sa := newSigner(t, 1)
	sb := newSigner(t, 2)
	register(t, a, "x-net", "a", sa)
	register(t, a, "x-net", "b", sb)

	digest := sha256.Sum256([]byte("message"))
	sigs := []backend.SingleSignature{{
		Signer:    "a",
		ChainID:   "x-net",
		Signature: sa.Sign("x-net", "a", digest),
	}, {
		Signer:    "b",
		ChainID:   "x-net",
		Signature: sb.Sign("x-net", "b", digest),
	}}

	agg, err := a.Aggregate("x-net", digest, sigs, stake())
	require.NoError(t, err)
	require.NotEmpty(t, agg)

	_, err = a.Aggregate("x-net", digest, nil, stake())
	require.ErrorIs(t, err, ErrNoSignatures)

	sigs[1].Signature = sa.Sign("x-net", "a", digest)
	_, err = a.Aggregate("x-net", digest, sigs, stake())
	require.ErrorIs(t, err, ErrBadSignature)
}
