// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/stakecert/stakecertd/chain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrBrokenChain         = errors.New("certificate does not extend chain head")
	ErrNonIncreasingEpoch  = errors.New("certificate epoch does not increase")
	ErrDuplicateGenesis    = errors.New("chain already has a genesis certificate")
	ErrCertificateExists   = errors.New("certificate exists")
	ErrInvalidChainID      = errors.New("invalid chain id")
	ErrMismatchedPartition = errors.New("record does not belong to partition")
	ErrUnknownSigner       = errors.New("no key registered for signer")
)

// EntityKind is the kind of artifact that gets certified.
type EntityKind string

const (
	KindStateRoot         EntityKind = "StateRoot"
	KindStakeDistribution EntityKind = "StakeDistribution"
)

// Valid returns true for known kinds.
func (k EntityKind) Valid() bool {
	return k == KindStateRoot || k == KindStakeDistribution
}

// SignedEntityType names what is certified and on which chain.  It is the
// partition key of open messages.
type SignedEntityType struct {
	Chain chain.ID   `json:"chain"`
	Kind  EntityKind `json:"kind"`
}

func (s SignedEntityType) String() string {
	return fmt.Sprintf("%v/%v", s.Chain, s.Kind)
}

// Status is the lifecycle state of an open message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCertified Status = "certified"
	StatusExpired   Status = "expired"
)

// SingleSignature is a partial signature submitted by one signer.
type SingleSignature struct {
	Signer           chain.ValidatorID `json:"signer"`
	ChainID          chain.ID          `json:"chainid"`
	SignedEntityType SignedEntityType  `json:"signedentitytype"`
	Epoch            uint64            `json:"epoch"`
	Signature        []byte            `json:"signature"`
}

// OpenMessage is the message currently accepting partial signatures for a
// (chain, entity kind) pair.
type OpenMessage struct {
	ID               string                                `json:"id"`
	ChainID          chain.ID                              `json:"chainid"`
	SignedEntityType SignedEntityType                      `json:"signedentitytype"`
	Epoch            uint64                                `json:"epoch"`
	ProtocolMessage  ProtocolMessage                       `json:"protocolmessage"`
	Stake            *chain.StakeDistribution              `json:"stake"`
	Signatures       map[chain.ValidatorID]SingleSignature `json:"signatures"`
	BufferedStake    uint64                                `json:"bufferedstake"`
	CreatedAt        int64                                 `json:"createdat"`
	Status           Status                                `json:"status"`
	CertificateID    string                                `json:"certificateid,omitempty"`
}

// Clone returns a deep copy.
func (om *OpenMessage) Clone() *OpenMessage {
	c := *om
	c.ProtocolMessage = om.ProtocolMessage.Clone()
	if om.Stake != nil {
		c.Stake = om.Stake.Clone()
	}
	c.Signatures = make(map[chain.ValidatorID]SingleSignature,
		len(om.Signatures))
	for k, v := range om.Signatures {
		v.Signature = append([]byte(nil), v.Signature...)
		c.Signatures[k] = v
	}
	return &c
}

// Certificate is an issued certificate.  Certificates are immutable and form
// one singly linked, strictly epoch increasing sequence per chain.
type Certificate struct {
	ID                 string            `json:"id"`                 // Hex chainhash of the certificate body
	ChainID            chain.ID          `json:"chainid"`            // Owning chain
	SignedEntityType   SignedEntityType  `json:"signedentitytype"`   // What was certified
	Epoch              uint64            `json:"epoch"`              // Certified epoch
	ProtocolMessage    ProtocolMessage   `json:"protocolmessage"`    // Signed parts
	MessageDigest      [sha256.Size]byte `json:"messagedigest"`      // Signed digest
	AggregateSignature []byte            `json:"aggregatesignature"` // Quorum signature
	Signers            []SignerStake     `json:"signers"`            // Contributing signers
	TotalStake         uint64            `json:"totalstake"`         // Stake of the epoch
	ParentID           string            `json:"parentid,omitempty"` // Empty for genesis
	CreatedAt          int64             `json:"createdat"`          // Unix time
}

// SignerStake is a signer that contributed to a certificate.
type SignerStake struct {
	Signer chain.ValidatorID `json:"signer"`
	Stake  uint64            `json:"stake"`
}

// IsGenesis returns true if the certificate starts its chain.
func (c *Certificate) IsGenesis() bool {
	return c.ParentID == ""
}

// ComputeID returns the identifier of the certificate, the hash of every
// field but the identifier itself.  The protocol message parts are covered
// through the message digest.
func (c *Certificate) ComputeID() string {
	var b []byte
	var u [8]byte

	putUint64 := func(v uint64) {
		binary.BigEndian.PutUint64(u[:], v)
		b = append(b, u[:]...)
	}

	b = append(b, string(c.ChainID)...)
	b = append(b, 0)
	b = append(b, string(c.SignedEntityType.Chain)...)
	b = append(b, 0)
	b = append(b, string(c.SignedEntityType.Kind)...)
	b = append(b, 0)
	putUint64(c.Epoch)
	b = append(b, c.MessageDigest[:]...)
	putUint64(uint64(len(c.AggregateSignature)))
	b = append(b, c.AggregateSignature...)
	putUint64(uint64(len(c.Signers)))
	for _, s := range c.Signers {
		b = append(b, string(s.Signer)...)
		b = append(b, 0)
		putUint64(s.Stake)
	}
	putUint64(c.TotalStake)
	b = append(b, c.ParentID...)
	b = append(b, 0)
	putUint64(uint64(c.CreatedAt))

	return chainhash.HashH(b).String()
}

// DigestHex returns the hex encoded message digest.
func (c *Certificate) DigestHex() string {
	return hex.EncodeToString(c.MessageDigest[:])
}

// ValidateLink checks that cert may be appended to a chain whose current head
// is head.  A nil head means the chain is empty.
func ValidateLink(head, cert *Certificate) error {
	if !cert.ChainID.Valid() {
		return ErrInvalidChainID
	}
	if cert.SignedEntityType.Chain != cert.ChainID {
		return ErrMismatchedPartition
	}
	if head == nil {
		if !cert.IsGenesis() {
			return fmt.Errorf("%w: chain %v is empty", ErrBrokenChain,
				cert.ChainID)
		}
		return nil
	}
	if head.ChainID != cert.ChainID {
		return ErrMismatchedPartition
	}
	if cert.IsGenesis() {
		return ErrDuplicateGenesis
	}
	if cert.ParentID != head.ID {
		return fmt.Errorf("%w: parent %v head %v", ErrBrokenChain,
			cert.ParentID, head.ID)
	}
	if cert.Epoch <= head.Epoch {
		return fmt.Errorf("%w: epoch %v head epoch %v",
			ErrNonIncreasingEpoch, cert.Epoch, head.Epoch)
	}
	return nil
}

// VerifyChain walks a chain from head to genesis using get and checks it
// forms a single linked, strictly epoch decreasing path that ends in exactly
// one genesis.  It returns the number of certificates visited.
func VerifyChain(head *Certificate, get func(id string) (*Certificate, error)) (int, error) {
	if head == nil {
		return 0, nil
	}
	seen := make(map[string]struct{})
	count := 0
	for c := head; ; {
		if _, ok := seen[c.ID]; ok {
			return count, fmt.Errorf("cycle at %v", c.ID)
		}
		seen[c.ID] = struct{}{}
		count++

		if c.ID != c.ComputeID() {
			return count, fmt.Errorf("certificate %v: id mismatch",
				c.ID)
		}
		if c.IsGenesis() {
			return count, nil
		}
		parent, err := get(c.ParentID)
		if err != nil {
			return count, fmt.Errorf("certificate %v: parent %v: %w",
				c.ID, c.ParentID, err)
		}
		if parent.ChainID != c.ChainID {
			return count, fmt.Errorf("certificate %v: parent on "+
				"chain %v", c.ID, parent.ChainID)
		}
		if parent.Epoch >= c.Epoch {
			return count, fmt.Errorf("certificate %v: parent epoch "+
				"%v >= %v", c.ID, parent.Epoch, c.Epoch)
		}
		c = parent
	}
}

// NewCertificate builds a certificate extending head (nil for genesis) and
// assigns its identifier.
func NewCertificate(head *Certificate, om *OpenMessage, aggregate []byte, now time.Time) *Certificate {
	c := &Certificate{
		ChainID:            om.ChainID,
		SignedEntityType:   om.SignedEntityType,
		Epoch:              om.Epoch,
		ProtocolMessage:    om.ProtocolMessage.Clone(),
		MessageDigest:      om.ProtocolMessage.Digest(),
		AggregateSignature: aggregate,
		TotalStake:         om.Stake.TotalStake,
		CreatedAt:          now.Unix(),
	}
	for _, id := range om.Stake.Validators() {
		if _, ok := om.Signatures[id]; ok {
			stake, _ := om.Stake.Stake(id)
			c.Signers = append(c.Signers, SignerStake{
				Signer: id,
				Stake:  stake,
			})
		}
	}
	if head != nil {
		c.ParentID = head.ID
	}
	c.ID = c.ComputeID()
	return c
}

// Record types.
const (
	RecordTypeCertificate = "certificate"
	RecordTypeOpenMessage = "openmessage"
	RecordTypeSignerKey   = "signerkey"

	RecordTypeVersion = 1
)

// RecordType prefixes every record in a dump stream so that it can be
// replayed as a journal.
type RecordType struct {
	Version uint   `json:"version"` // Version of RecordType
	Type    string `json:"type"`    // Type or record
}

// SignerKey is the registered verification key of a party on a chain.
type SignerKey struct {
	Chain chain.ID          `json:"chain"`
	Party chain.ValidatorID `json:"party"`
	Key   []byte            `json:"key"`
}

// FsckOptions control an integrity check.
type FsckOptions struct {
	Verbose bool       // Print every certificate
	Chains  []chain.ID // Restrict to these chains, all when empty
	Out     io.Writer  // Progress output, discarded when nil
}

// Store is the persistent certification state.  Every lookup is scoped to a
// chain and implementations must never answer one chain's query with another
// chain's data.
type Store interface {
	// AppendCertificate appends cert to its chain after validating it
	// against the current head with ValidateLink.  The head advances to
	// cert.
	AppendCertificate(cert *Certificate) error

	// Head returns the newest certificate of chain or ErrNotFound.
	Head(id chain.ID) (*Certificate, error)

	// Genesis returns the first certificate of chain or ErrNotFound.
	Genesis(id chain.ID) (*Certificate, error)

	// Certificate returns the certificate with certID on chain or
	// ErrNotFound.
	Certificate(id chain.ID, certID string) (*Certificate, error)

	// Certificates returns up to limit certificates of chain, newest first.
	Certificates(id chain.ID, limit int) ([]*Certificate, error)

	// PutOpenMessage stores om under its signed entity type, replacing
	// any previous one.
	PutOpenMessage(om *OpenMessage) error

	// OpenMessage returns the open message of set or ErrNotFound.
	OpenMessage(set SignedEntityType) (*OpenMessage, error)

	// PutSignerKey stores the verification key of party on chain id,
	// replacing any previous one.
	PutSignerKey(id chain.ID, party chain.ValidatorID, key []byte) error

	// SignerKeys returns every key registered on chain id.  A chain
	// without keys yields an empty map.
	SignerKeys(id chain.ID) (map[chain.ValidatorID][]byte, error)

	// Chains returns every chain with stored state.
	Chains() ([]chain.ID, error)

	// Close releases resources.
	Close()
}
