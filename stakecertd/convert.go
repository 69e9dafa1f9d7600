// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	v1 "github.com/decred/stakecert/api/v1"
	"github.com/decred/stakecert/merkle"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
)

func convertParts(pm backend.ProtocolMessage) map[string]string {
	parts := make(map[string]string, len(pm.Parts))
	for k, v := range pm.Parts {
		parts[string(k)] = v
	}
	return parts
}

func convertCertificate(c *backend.Certificate) v1.Certificate {
	signers := make([]v1.SignerStake, 0, len(c.Signers))
	for _, s := range c.Signers {
		signers = append(signers, v1.SignerStake{
			Party: string(s.Signer),
			Stake: s.Stake,
		})
	}
	return v1.Certificate{
		ID:                 c.ID,
		ChainID:            c.ChainID.String(),
		Kind:               string(c.SignedEntityType.Kind),
		Epoch:              c.Epoch,
		ProtocolMessage:    convertParts(c.ProtocolMessage),
		MessageDigest:      c.DigestHex(),
		AggregateSignature: hex.EncodeToString(c.AggregateSignature),
		Signers:            signers,
		TotalStake:         c.TotalStake,
		ParentID:           c.ParentID,
		CreatedAt:          c.CreatedAt,
	}
}

// convertProofs returns the inclusion proof of every part of c.
func convertProofs(c *backend.Certificate) map[string]merkle.Branch {
	proofs := make(map[string]merkle.Branch, len(c.ProtocolMessage.Parts))
	for k := range c.ProtocolMessage.Parts {
		if b := c.ProtocolMessage.Proof(k); b != nil {
			proofs[string(k)] = *b
		}
	}
	return proofs
}

func convertPending(om *backend.OpenMessage) v1.CertificatePendingReply {
	digest := om.ProtocolMessage.Digest()
	reply := v1.CertificatePendingReply{
		ID:              om.ID,
		ChainID:         om.ChainID.String(),
		Kind:            string(om.SignedEntityType.Kind),
		Epoch:           om.Epoch,
		ProtocolMessage: convertParts(om.ProtocolMessage),
		MessageDigest:   hex.EncodeToString(digest[:]),
		Signers:         []v1.SignerStake{},
		Signed:          []string{},
		BufferedStake:   om.BufferedStake,
		CreatedAt:       om.CreatedAt,
	}
	if om.Stake != nil {
		reply.TotalStake = om.Stake.TotalStake
		for _, v := range om.Stake.Validators() {
			stake, _ := om.Stake.Stake(v)
			reply.Signers = append(reply.Signers, v1.SignerStake{
				Party: string(v),
				Stake: stake,
			})
		}
	}
	for v := range om.Signatures {
		reply.Signed = append(reply.Signed, string(v))
	}
	sort.Strings(reply.Signed)
	return reply
}

// convertSignature validates a wire signature.  Chain fields are copied as
// is; filling them in is the business of the implicit surface.
func convertSignature(rs *v1.RegisterSignature) (backend.SingleSignature, error) {
	if !v1.RegexpParty.MatchString(rs.Party) {
		return backend.SingleSignature{}, errors.New("invalid party")
	}
	kind := backend.EntityKind(rs.Kind)
	if kind != "" && !kind.Valid() {
		return backend.SingleSignature{}, fmt.Errorf("invalid kind %q",
			rs.Kind)
	}
	sig, err := hex.DecodeString(rs.Signature)
	if err != nil || len(sig) == 0 {
		return backend.SingleSignature{}, errors.New("invalid signature " +
			"encoding")
	}
	return backend.SingleSignature{
		Signer:  chain.ValidatorID(rs.Party),
		ChainID: chain.ID(rs.ChainID),
		SignedEntityType: backend.SignedEntityType{
			Chain: chain.ID(rs.Chain),
			Kind:  kind,
		},
		Epoch:     rs.Epoch,
		Signature: sig,
	}, nil
}
