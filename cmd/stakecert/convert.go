// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"

	v1 "github.com/decred/stakecert/api/v1"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/certifier"
	"github.com/decred/stakecert/stakecertd/chain"
)

func convertDigest(d string) ([sha256.Size]byte, bool) {
	var digest [sha256.Size]byte
	if !v1.RegexpSHA256.MatchString(d) {
		return digest, false
	}
	dd, err := hex.DecodeString(d)
	if err != nil {
		return digest, false
	}
	copy(digest[:], dd)
	return digest, true
}

// convertCertificate returns the certificate c was encoded from.
func convertCertificate(c *v1.Certificate) (*backend.Certificate, error) {
	digest, ok := convertDigest(c.MessageDigest)
	if !ok {
		return nil, fmt.Errorf("certificate %v: invalid digest", c.ID)
	}
	agg, err := hex.DecodeString(c.AggregateSignature)
	if err != nil {
		return nil, fmt.Errorf("certificate %v: invalid aggregate "+
			"signature: %v", c.ID, err)
	}

	id := chain.ID(c.ChainID)
	cert := &backend.Certificate{
		ID:      c.ID,
		ChainID: id,
		SignedEntityType: backend.SignedEntityType{
			Chain: id,
			Kind:  backend.EntityKind(c.Kind),
		},
		Epoch:              c.Epoch,
		ProtocolMessage:    backend.NewProtocolMessage(),
		MessageDigest:      digest,
		AggregateSignature: agg,
		TotalStake:         c.TotalStake,
		ParentID:           c.ParentID,
		CreatedAt:          c.CreatedAt,
	}
	for k, v := range c.ProtocolMessage {
		cert.ProtocolMessage.Set(backend.PartKey(k), v)
	}
	for _, s := range c.Signers {
		cert.Signers = append(cert.Signers, backend.SignerStake{
			Signer: chain.ValidatorID(s.Party),
			Stake:  s.Stake,
		})
	}
	return cert, nil
}

// verifyCertificate checks the identifier of the certificate in r, that its
// digest covers its protocol message and that every part is proven under the
// digest.
func verifyCertificate(r *v1.CertificateReply) (*backend.Certificate, error) {
	cert, err := convertCertificate(&r.Certificate)
	if err != nil {
		return nil, err
	}
	if id := cert.ComputeID(); id != cert.ID {
		return nil, fmt.Errorf("certificate %v: computed id %v", cert.ID,
			id)
	}
	if cert.ProtocolMessage.Digest() != cert.MessageDigest {
		return nil, fmt.Errorf("certificate %v: digest does not cover "+
			"protocol message", cert.ID)
	}
	for k, v := range cert.ProtocolMessage.Parts {
		branch, ok := r.Proofs[string(k)]
		if !ok {
			return nil, fmt.Errorf("certificate %v: no proof for %v",
				cert.ID, k)
		}
		if !backend.VerifyPart(cert.MessageDigest, k, v, &branch) {
			return nil, fmt.Errorf("certificate %v: invalid proof "+
				"for %v", cert.ID, k)
		}
	}
	return cert, nil
}

// verifyQuorum checks that the distinct signers of cert hold a quorum of its
// total stake.
func verifyQuorum(cert *backend.Certificate, q certifier.Quorum) error {
	if len(cert.Signers) == 0 {
		return fmt.Errorf("certificate %v: no signers", cert.ID)
	}
	seen := make(map[chain.ValidatorID]struct{}, len(cert.Signers))
	var stake uint64
	for _, s := range cert.Signers {
		if _, ok := seen[s.Signer]; ok {
			return fmt.Errorf("certificate %v: duplicate signer %v",
				cert.ID, s.Signer)
		}
		seen[s.Signer] = struct{}{}

		var carry uint64
		stake, carry = bits.Add64(stake, s.Stake, 0)
		if carry != 0 {
			return fmt.Errorf("certificate %v: signer stake "+
				"overflows", cert.ID)
		}
	}
	if stake > cert.TotalStake {
		return fmt.Errorf("certificate %v: signers hold %v of a total "+
			"of %v", cert.ID, stake, cert.TotalStake)
	}
	if !q.Reached(stake, cert.TotalStake) {
		return fmt.Errorf("certificate %v: signers hold %v/%v, below "+
			"quorum %v", cert.ID, stake, cert.TotalStake, q)
	}
	return nil
}
