// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package v1 is the implicit API.  Requests carry no chain and are served by
// the default chain of the daemon.
package v1

import (
	"fmt"
	"regexp"

	"github.com/decred/stakecert/merkle"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// DefaultMainnetHost indicates the default daemon host.
	DefaultMainnetHost = "localhost"

	// DefaultMainnetPort indicates the default daemon port.
	DefaultMainnetPort = "49252"

	// DefaultCertificatesLimit is the number of certificates listed when
	// the request does not say.
	DefaultCertificatesLimit = 20

	// MaxCertificatesLimit clamps certificate listings.
	MaxCertificatesLimit = 1000
)

// Results of a signature registration.
const (
	ResultBuffered         = "buffered"
	ResultDuplicate        = "duplicate"
	ResultCertified        = "certified"
	ResultAlreadyCertified = "already-certified"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving
	// the server status.
	StatusRoute = RoutePrefix + "/status/"

	// RegisterSignaturesRoute defines the API route for submitting a
	// partial signature.
	RegisterSignaturesRoute = RoutePrefix + "/register-signatures"

	// RegisterSignerRoute defines the API route for registering a signer
	// verification key.
	RegisterSignerRoute = RoutePrefix + "/register-signer"

	// SignerKeyRoute defines the API route for retrieving the registered
	// verification key of a signer.
	SignerKeyRoute = RoutePrefix + "/signer-key/{party}"

	// CertificatePendingRoute defines the API route for retrieving the
	// open message that is accepting signatures.
	CertificatePendingRoute = RoutePrefix + "/certificate-pending"

	// CertificatesRoute defines the API route for listing certificates,
	// newest first.  The limit query parameter bounds the listing.
	CertificatesRoute = RoutePrefix + "/certificates"

	// CertificateRoute defines the API route for retrieving a single
	// certificate.
	CertificateRoute = RoutePrefix + "/certificate/{id:[0-9a-f]{64}}"

	// GenesisRoute defines the API route for retrieving the genesis
	// certificate.
	GenesisRoute = RoutePrefix + "/genesis"

	// RegexpSHA256 is the valid text representation of a sha256 digest.
	RegexpSHA256 = regexp.MustCompile("^[A-Fa-f0-9]{64}$")

	// RegexpParty is the valid text representation of a signer.
	RegexpParty = regexp.MustCompile("^[A-Za-z0-9_:.-]{1,128}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
type StatusReply struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	DefaultChain string `json:"defaultchain"`
	Quorum       string `json:"quorum"`
}

// RegisterSignature submits one partial signature.  ChainID and Chain may be
// left empty on the implicit surface.  Signature is hex encoded.
type RegisterSignature struct {
	ID        string `json:"id"`
	Party     string `json:"party"`
	ChainID   string `json:"chainid,omitempty"`
	Chain     string `json:"chain,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Epoch     uint64 `json:"epoch"`
	Signature string `json:"signature"`
}

// RegisterSignatureReply is returned for accepted signatures.  CertificateID
// is set when the signature certified the message or the message was already
// certified.
type RegisterSignatureReply struct {
	ID            string `json:"id"`
	Result        string `json:"result"`
	CertificateID string `json:"certificateid,omitempty"`
}

// RegisterSigner registers the hex encoded verification key of a signer.
type RegisterSigner struct {
	ID              string `json:"id"`
	Party           string `json:"party"`
	VerificationKey string `json:"verificationkey"`
}

// RegisterSignerReply is returned for registered signers.
type RegisterSignerReply struct {
	ID    string `json:"id"`
	Party string `json:"party"`
}

// SignerKeyReply returns the hex encoded verification key of a signer.
type SignerKeyReply struct {
	ChainID         string `json:"chainid"`
	Party           string `json:"party"`
	VerificationKey string `json:"verificationkey"`
}

// SignerStake is a signer that contributed to a certificate.
type SignerStake struct {
	Party string `json:"party"`
	Stake uint64 `json:"stake"`
}

// Certificate is the wire form of a certificate.  Byte fields are hex
// encoded.
type Certificate struct {
	ID                 string            `json:"id"`
	ChainID            string            `json:"chainid"`
	Kind               string            `json:"kind"`
	Epoch              uint64            `json:"epoch"`
	ProtocolMessage    map[string]string `json:"protocolmessage"`
	MessageDigest      string            `json:"messagedigest"`
	AggregateSignature string            `json:"aggregatesignature"`
	Signers            []SignerStake     `json:"signers"`
	TotalStake         uint64            `json:"totalstake"`
	ParentID           string            `json:"parentid,omitempty"`
	CreatedAt          int64             `json:"createdat"`
}

// CertificateReply returns a certificate with the inclusion proof of every
// protocol message part under the message digest.
type CertificateReply struct {
	Certificate Certificate              `json:"certificate"`
	Proofs      map[string]merkle.Branch `json:"proofs"`
}

// CertificatesReply lists certificates, newest first.
type CertificatesReply struct {
	Certificates []Certificate `json:"certificates"`
}

// CertificatePendingReply is the open message accepting signatures.
type CertificatePendingReply struct {
	ID              string            `json:"id"`
	ChainID         string            `json:"chainid"`
	Kind            string            `json:"kind"`
	Epoch           uint64            `json:"epoch"`
	ProtocolMessage map[string]string `json:"protocolmessage"`
	MessageDigest   string            `json:"messagedigest"`
	Signers         []SignerStake     `json:"signers"` // Stake distribution
	Signed          []string          `json:"signed"`  // Parties already counted
	BufferedStake   uint64            `json:"bufferedstake"`
	TotalStake      uint64            `json:"totalstake"`
	CreatedAt       int64             `json:"createdat"`
}
