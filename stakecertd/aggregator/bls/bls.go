// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bls is a threshold signature aggregator over BLS12-381.  Keys live
// in G1 and signatures in G2.  Every signer signs the certificate digest
// augmented with the chain id and its own party id, so the signed messages of
// one certificate are always distinct and rogue key attacks do not apply.
package bls

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign/bls"
	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
)

// Group selects keys in G1 and signatures in G2.
type Group = bls.KeyG1SigG2

var (
	// ErrUnknownSigner is returned when no verification key is registered
	// for a signer on a chain.
	ErrUnknownSigner = backend.ErrUnknownSigner

	// ErrBadSignature is returned when a signature does not verify under
	// the registered key of its signer.
	ErrBadSignature = errors.New("signature does not verify")

	// ErrNoSignatures is returned when asked to aggregate nothing.
	ErrNoSignatures = errors.New("no signatures")

	// ErrInvalidKey is returned for keys that do not decode to a valid
	// point.
	ErrInvalidKey = errors.New("invalid verification key")

	// ErrKeyExists is returned when a signer registers a second,
	// different key on the same chain.
	ErrKeyExists = errors.New("signer has a different key registered")

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// SigningMessage returns the bytes party signs for digest on chain id.
func SigningMessage(id chain.ID, party chain.ValidatorID, digest [sha256.Size]byte) []byte {
	m := make([]byte, 0, len(digest)+len(id)+len(party)+2)
	m = append(m, digest[:]...)
	m = append(m, id...)
	m = append(m, 0)
	m = append(m, party...)
	return m
}

// Signer holds a private key.  It is used by signer processes and tests.
type Signer struct {
	key *bls.PrivateKey[Group]
}

// NewSigner derives a key from ikm, which must be at least 32 bytes.
func NewSigner(ikm []byte) (*Signer, error) {
	key, err := bls.KeyGen[Group](ikm, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// PublicKey returns the encoded verification key.
func (s *Signer) PublicKey() ([]byte, error) {
	return s.key.PublicKey().MarshalBinary()
}

// Sign signs digest as party on chain id.
func (s *Signer) Sign(id chain.ID, party chain.ValidatorID, digest [sha256.Size]byte) []byte {
	return bls.Sign(s.key, SigningMessage(id, party, digest))
}

// Aggregator verifies partial signatures and aggregates them.  Verification
// keys are registered per chain: a key registered on one chain never
// verifies a signature for another.
type Aggregator struct {
	sync.RWMutex

	keys map[chain.ID]map[chain.ValidatorID]*bls.PublicKey[Group]
}

// New returns an aggregator with no registered keys.
func New() *Aggregator {
	return &Aggregator{
		keys: make(map[chain.ID]map[chain.ValidatorID]*bls.PublicKey[Group]),
	}
}

// RegisterSigner registers the encoded verification key of party on chain
// id.  Registering the same key again is a no-op.
func (a *Aggregator) RegisterSigner(id chain.ID, party chain.ValidatorID, key []byte) error {
	if !id.Valid() {
		return backend.ErrInvalidChainID
	}
	pk := new(bls.PublicKey[Group])
	if err := pk.UnmarshalBinary(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !pk.Validate() {
		return ErrInvalidKey
	}

	a.Lock()
	defer a.Unlock()

	keys, ok := a.keys[id]
	if !ok {
		keys = make(map[chain.ValidatorID]*bls.PublicKey[Group])
		a.keys[id] = keys
	}
	if old, ok := keys[party]; ok {
		ob, err := old.MarshalBinary()
		if err != nil {
			return err
		}
		if bytes.Equal(ob, key) {
			return nil
		}
		return ErrKeyExists
	}
	keys[party] = pk

	log.Debugf("%v: registered signer %v", id, party)

	return nil
}

// SignerKey returns the encoded verification key of party on chain id.
func (a *Aggregator) SignerKey(id chain.ID, party chain.ValidatorID) ([]byte, error) {
	pk, err := a.key(id, party)
	if err != nil {
		return nil, err
	}
	return pk.MarshalBinary()
}

func (a *Aggregator) key(id chain.ID, party chain.ValidatorID) (*bls.PublicKey[Group], error) {
	a.RLock()
	defer a.RUnlock()
	pk, ok := a.keys[id][party]
	if !ok {
		return nil, ErrUnknownSigner
	}
	return pk, nil
}

// VerifyPartial returns nil if sig is a valid signature of its signer over
// digest on chain id and the signer holds stake in sd.  A signer without a
// registered key yields ErrUnknownSigner, any other failure ErrBadSignature.
func (a *Aggregator) VerifyPartial(id chain.ID, digest [sha256.Size]byte, sig backend.SingleSignature, sd *chain.StakeDistribution) error {
	if sig.ChainID != id {
		return fmt.Errorf("%w: signed for %v", ErrBadSignature,
			sig.ChainID)
	}
	if !sd.Active(sig.Signer) {
		return fmt.Errorf("%w: %v holds no stake", ErrBadSignature,
			sig.Signer)
	}
	pk, err := a.key(id, sig.Signer)
	if err != nil {
		return fmt.Errorf("%v: %w", sig.Signer, err)
	}
	if !bls.Verify(pk, SigningMessage(id, sig.Signer, digest),
		sig.Signature) {
		return fmt.Errorf("%w: %v", ErrBadSignature, sig.Signer)
	}
	return nil
}

// Aggregate combines sigs into one signature.  Every signature is verified
// again so that a bad partial yields an error rather than an aggregate that
// does not verify.
func (a *Aggregator) Aggregate(id chain.ID, digest [sha256.Size]byte, sigs []backend.SingleSignature, sd *chain.StakeDistribution) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	raw := make([]bls.Signature, 0, len(sigs))
	for _, sig := range sigs {
		if err := a.VerifyPartial(id, digest, sig, sd); err != nil {
			return nil, fmt.Errorf("partial signature: %w", err)
		}
		raw = append(raw, sig.Signature)
	}
	return bls.Aggregate(Group{}, raw)
}

// VerifyCertificate verifies the aggregate signature of c against the keys
// registered for its signers.
func (a *Aggregator) VerifyCertificate(c *backend.Certificate) error {
	if len(c.Signers) == 0 {
		return ErrNoSignatures
	}
	pubs := make([]*bls.PublicKey[Group], 0, len(c.Signers))
	msgs := make([][]byte, 0, len(c.Signers))
	for _, s := range c.Signers {
		pk, err := a.key(c.ChainID, s.Signer)
		if err != nil {
			return fmt.Errorf("%v: %w", s.Signer, err)
		}
		pubs = append(pubs, pk)
		msgs = append(msgs, SigningMessage(c.ChainID, s.Signer,
			c.MessageDigest))
	}
	if !bls.VerifyAggregate(pubs, msgs, c.AggregateSignature) {
		return errors.New("aggregate signature does not verify")
	}
	return nil
}
