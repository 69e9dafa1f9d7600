// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package v2 is the explicit API.  Every chain scoped route names its chain;
// a chain that is not enabled is answered with 404.
package v2

import (
	"fmt"
	"path"

	v1 "github.com/decred/stakecert/api/v1"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 2

	// ChainVar is the route variable holding the chain id.
	ChainVar = "chain"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute behaves the same as /v1/status
	StatusRoute = RoutePrefix + "/status/"

	// ChainsRoute lists the declared chains.
	ChainsRoute = RoutePrefix + "/chains"

	// ChainPrefix prefixes every chain scoped route.
	ChainPrefix = RoutePrefix + "/{" + ChainVar + ":[a-z0-9][a-z0-9-]{0,63}}"

	// RegisterSignaturesRoute behaves the same as
	// /v1/register-signatures on the named chain.
	RegisterSignaturesRoute = ChainPrefix + "/register-signatures"

	// RegisterSignerRoute behaves the same as /v1/register-signer on the
	// named chain.
	RegisterSignerRoute = ChainPrefix + "/register-signer"

	// SignerKeyRoute behaves the same as /v1/signer-key/{party} on the
	// named chain.
	SignerKeyRoute = ChainPrefix + "/signer-key/{party}"

	// CertificatePendingRoute behaves the same as
	// /v1/certificate-pending.  The kind query parameter selects the
	// entity kind.
	CertificatePendingRoute = ChainPrefix + "/certificate-pending"

	// CertificatesRoute behaves the same as /v1/certificates
	CertificatesRoute = ChainPrefix + "/certificates"

	// CertificateRoute behaves the same as /v1/certificate/{id}
	CertificateRoute = ChainPrefix + "/certificate/{id:[0-9a-f]{64}}"

	// GenesisRoute behaves the same as /v1/genesis
	GenesisRoute = ChainPrefix + "/genesis"

	// EpochRoute returns the current epoch of the chain.
	EpochRoute = ChainPrefix + "/epoch"

	// SignerRoute returns whether a party is an active validator.  The
	// epoch query parameter selects the epoch, the current one when
	// absent.
	SignerRoute = ChainPrefix + "/signers/{party}"
)

// ChainPath returns the URL path of a chain scoped route, for example
// ChainPath("ethereum-holesky", "certificate", id).
func ChainPath(id string, elems ...string) string {
	return RoutePrefix + "/" + path.Join(append([]string{id}, elems...)...)
}

// Shared bodies.
type (
	RegisterSignature       = v1.RegisterSignature
	RegisterSignatureReply  = v1.RegisterSignatureReply
	RegisterSigner          = v1.RegisterSigner
	RegisterSignerReply     = v1.RegisterSignerReply
	SignerKeyReply          = v1.SignerKeyReply
	Certificate             = v1.Certificate
	CertificateReply        = v1.CertificateReply
	CertificatesReply       = v1.CertificatesReply
	CertificatePendingReply = v1.CertificatePendingReply
)

// ChainInfo describes a declared chain.
type ChainInfo struct {
	ChainID       string            `json:"chainid"`
	Type          string            `json:"type"`
	Network       string            `json:"network"`
	Enabled       bool              `json:"enabled"`
	Default       bool              `json:"default"`
	Interval      uint64            `json:"interval"`
	FinalityDelay uint64            `json:"finalitydelay"`
	Kinds         []string          `json:"kinds"`
	HeadEpoch     uint64            `json:"headepoch"`
	HeadID        string            `json:"headid,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

// ChainsReply lists the declared chains in declaration order.
type ChainsReply struct {
	Chains []ChainInfo `json:"chains"`
}

// EpochReply is the current epoch of a chain.  EndTime is zero when the chain
// does not report it.
type EpochReply struct {
	ChainID   string `json:"chainid"`
	Epoch     uint64 `json:"epoch"`
	StartTime int64  `json:"starttime"`
	EndTime   int64  `json:"endtime,omitempty"`
}

// SignerReply reports whether a party is active on a chain at an epoch.
type SignerReply struct {
	ChainID string `json:"chainid"`
	Party   string `json:"party"`
	Epoch   uint64 `json:"epoch"`
	Active  bool   `json:"active"`
}
