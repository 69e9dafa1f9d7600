// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package certifier collects partial signatures for open messages and turns
// a quorum of them into certificates.
//
// State is partitioned on (chain, entity kind).  Every operation takes the
// lock of its partition, and certificate appends additionally take the lock
// of their chain, always in that order.  Nothing is shared between chains.
package certifier

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/decred/stakecert/stakecertd/metrics"
	"github.com/google/uuid"
)

var (
	// ErrChainTypeMismatch is returned when a signature names another
	// chain than the open message it is submitted to.
	ErrChainTypeMismatch = errors.New("signature chain does not match open message chain")

	// ErrUnknownOrInactiveSigner is returned when the signer holds no
	// stake in the open message distribution.
	ErrUnknownOrInactiveSigner = errors.New("unknown or inactive signer")

	// ErrInvalidSignature is returned when the aggregator rejects a
	// partial signature.
	ErrInvalidSignature = errors.New("invalid partial signature")

	// ErrAggregationFailure is returned when a quorum could not be turned
	// into a certificate.  The open message is expired.
	ErrAggregationFailure = errors.New("aggregation failure")

	// ErrNoOpenMessage is returned when nothing is pending for a
	// partition.
	ErrNoOpenMessage = errors.New("no open message")

	// ErrExpired is returned for signatures on a superseded or expired
	// open message.
	ErrExpired = errors.New("open message expired")

	// ErrEpochMismatch is returned for signatures ahead of the open
	// message epoch.
	ErrEpochMismatch = errors.New("signature epoch does not match open message")

	// ErrStaleTarget is returned when asked to open a message at or below
	// an epoch that was already opened or certified.
	ErrStaleTarget = errors.New("target epoch is not newer than the current one")

	// ErrInvalidKind is returned for unknown entity kinds.
	ErrInvalidKind = errors.New("invalid entity kind")

	// ErrUnregisteredSigner is returned when a staked signer submits a
	// signature before registering its verification key.
	ErrUnregisteredSigner = backend.ErrUnknownSigner

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// Aggregator is the threshold signature scheme.
type Aggregator interface {
	// VerifyPartial returns nil if sig is a valid partial signature of
	// digest by a signer of sd.  It returns an error wrapping
	// backend.ErrUnknownSigner when the signer has no registered key.
	VerifyPartial(id chain.ID, digest [sha256.Size]byte, sig backend.SingleSignature, sd *chain.StakeDistribution) error

	// Aggregate combines a quorum of accepted signatures.
	Aggregate(id chain.ID, digest [sha256.Size]byte, sigs []backend.SingleSignature, sd *chain.StakeDistribution) ([]byte, error)
}

// Quorum is the fraction of total stake that certifies a message.
type Quorum struct {
	Num uint64
	Den uint64
}

// DefaultQuorum is two thirds.
var DefaultQuorum = Quorum{Num: 2, Den: 3}

// Valid returns true for fractions in (0, 1].
func (q Quorum) Valid() bool {
	return q.Den != 0 && q.Num != 0 && q.Num <= q.Den
}

// Reached returns true if stake*den >= total*num.  A zero total never
// reaches quorum.
func (q Quorum) Reached(stake, total uint64) bool {
	if total == 0 || !q.Valid() {
		return false
	}
	l := new(big.Int).Mul(new(big.Int).SetUint64(stake),
		new(big.Int).SetUint64(q.Den))
	r := new(big.Int).Mul(new(big.Int).SetUint64(total),
		new(big.Int).SetUint64(q.Num))
	return l.Cmp(r) >= 0
}

func (q Quorum) String() string {
	return fmt.Sprintf("%v/%v", q.Num, q.Den)
}

// ParseQuorum parses the num/den form produced by String.
func ParseQuorum(s string) (Quorum, error) {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return Quorum{}, fmt.Errorf("invalid quorum %q", s)
	}
	var (
		q   Quorum
		err error
	)
	if q.Num, err = strconv.ParseUint(num, 10, 64); err != nil {
		return Quorum{}, fmt.Errorf("invalid quorum %q: %w", s, err)
	}
	if q.Den, err = strconv.ParseUint(den, 10, 64); err != nil {
		return Quorum{}, fmt.Errorf("invalid quorum %q: %w", s, err)
	}
	if !q.Valid() {
		return Quorum{}, fmt.Errorf("invalid quorum %q", s)
	}
	return q, nil
}

// Result is the outcome of an accepted signature.
type Result string

const (
	ResultBuffered         Result = "buffered"          // Counted, below quorum
	ResultDuplicate        Result = "duplicate"         // Already counted
	ResultCertified        Result = "certified"         // Reached quorum
	ResultAlreadyCertified Result = "already-certified" // Message was certified earlier
)

// Config configures a Certifier.
type Config struct {
	Store      backend.Store
	Aggregator Aggregator
	Quorum     Quorum
	Metrics    *metrics.Metrics

	// OnCertified is called with no lock held after a certificate has
	// been appended.
	OnCertified func(*backend.Certificate)
}

type partition struct {
	sync.Mutex
}

// Certifier owns the open messages of every chain.
type Certifier struct {
	mtx        sync.Mutex // Guards the maps below
	partitions map[backend.SignedEntityType]*partition
	chains     map[chain.ID]*sync.Mutex

	store       backend.Store
	aggregator  Aggregator
	quorum      Quorum
	metrics     *metrics.Metrics
	onCertified func(*backend.Certificate)

	// testing only entries
	myNow func() time.Time // Override time.Now()
}

// New returns a Certifier.  A zero quorum selects DefaultQuorum.
func New(cfg Config) (*Certifier, error) {
	if cfg.Store == nil || cfg.Aggregator == nil {
		return nil, errors.New("store and aggregator are required")
	}
	q := cfg.Quorum
	if q == (Quorum{}) {
		q = DefaultQuorum
	}
	if !q.Valid() {
		return nil, fmt.Errorf("invalid quorum %v", q)
	}
	return &Certifier{
		partitions:  make(map[backend.SignedEntityType]*partition),
		chains:      make(map[chain.ID]*sync.Mutex),
		store:       cfg.Store,
		aggregator:  cfg.Aggregator,
		quorum:      q,
		metrics:     cfg.Metrics,
		onCertified: cfg.OnCertified,
		myNow:       time.Now,
	}, nil
}

// Quorum returns the configured quorum.
func (c *Certifier) Quorum() Quorum {
	return c.quorum
}

func (c *Certifier) partition(set backend.SignedEntityType) *partition {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	p, ok := c.partitions[set]
	if !ok {
		p = &partition{}
		c.partitions[set] = p
	}
	return p
}

func (c *Certifier) chainLock(id chain.ID) *sync.Mutex {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	m, ok := c.chains[id]
	if !ok {
		m = &sync.Mutex{}
		c.chains[id] = m
	}
	return m
}

func validSet(set backend.SignedEntityType) error {
	if !set.Chain.Valid() {
		return backend.ErrInvalidChainID
	}
	if !set.Kind.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidKind, set.Kind)
	}
	return nil
}

// head returns the head of id or nil if the chain has no certificates.
func (c *Certifier) head(id chain.ID) (*backend.Certificate, error) {
	h, err := c.store.Head(id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

// current returns the stored open message of set or nil.
func (c *Certifier) current(set backend.SignedEntityType) (*backend.OpenMessage, error) {
	om, err := c.store.OpenMessage(set)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	return om, err
}

// OpenMessage opens a message for set at epoch.  Opening the epoch that is
// already open returns the existing message.  A pending message for an older
// epoch is expired and its signatures are dropped.
func (c *Certifier) OpenMessage(ctx context.Context, set backend.SignedEntityType, epoch uint64, pm backend.ProtocolMessage, sd *chain.StakeDistribution) (*backend.OpenMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validSet(set); err != nil {
		return nil, err
	}
	if sd == nil {
		return nil, errors.New("no stake distribution")
	}

	p := c.partition(set)
	p.Lock()
	defer p.Unlock()

	cur, err := c.current(set)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		switch {
		case cur.Epoch == epoch:
			return cur, nil
		case cur.Epoch > epoch:
			return nil, fmt.Errorf("%w: %v open at %v, asked %v",
				ErrStaleTarget, set, cur.Epoch, epoch)
		}
	}
	head, err := c.head(set.Chain)
	if err != nil {
		return nil, err
	}
	if head != nil && head.Epoch >= epoch {
		return nil, fmt.Errorf("%w: %v certified at %v, asked %v",
			ErrStaleTarget, set, head.Epoch, epoch)
	}

	if cur != nil && cur.Status == backend.StatusPending {
		log.Infof("%v: expired epoch %v with %v/%v stake from %v signers",
			set, cur.Epoch, cur.BufferedStake, cur.Stake.TotalStake,
			len(cur.Signatures))
		c.metrics.OpenMessage(set.Chain.String(), string(set.Kind),
			string(backend.StatusExpired))
	}

	om := &backend.OpenMessage{
		ID:               uuid.New().String(),
		ChainID:          set.Chain,
		SignedEntityType: set,
		Epoch:            epoch,
		ProtocolMessage:  pm.Clone(),
		Stake:            sd.Clone(),
		Signatures:       make(map[chain.ValidatorID]backend.SingleSignature),
		CreatedAt:        c.myNow().Unix(),
		Status:           backend.StatusPending,
	}
	if err := c.store.PutOpenMessage(om); err != nil {
		return nil, err
	}
	c.metrics.OpenMessage(set.Chain.String(), string(set.Kind),
		string(backend.StatusPending))
	c.metrics.BufferedStake(set.Chain.String(), string(set.Kind), 0,
		sd.TotalStake)

	log.Infof("%v: opened epoch %v digest %x total stake %v", set, epoch,
		om.ProtocolMessage.Digest(), sd.TotalStake)

	return om.Clone(), nil
}

// PendingMessage returns the pending open message of set.
func (c *Certifier) PendingMessage(set backend.SignedEntityType) (*backend.OpenMessage, error) {
	if err := validSet(set); err != nil {
		return nil, err
	}
	p := c.partition(set)
	p.Lock()
	defer p.Unlock()

	om, err := c.current(set)
	if err != nil {
		return nil, err
	}
	if om == nil || om.Status != backend.StatusPending {
		return nil, ErrNoOpenMessage
	}
	return om, nil
}

// mismatch logs and counts a signature that targets another chain.
func (c *Certifier) mismatch(id chain.ID, sig *backend.SingleSignature) error {
	log.Warnf("security: signature of %v for chain %v (%v) submitted to "+
		"chain %v", sig.Signer, sig.ChainID, sig.SignedEntityType, id)
	c.metrics.Signature(id.String(), "mismatch")
	return ErrChainTypeMismatch
}

// RegisterSignature submits a partial signature to the open message of chain
// id.  Checks run in order: the signature chain, the open message epoch and
// status, the signer stake, duplicates, and finally the signature bytes.  A
// signature that crosses the quorum creates the certificate.
func (c *Certifier) RegisterSignature(ctx context.Context, id chain.ID, sig backend.SingleSignature) (Result, *backend.Certificate, error) {
	r, cert, err := c.register(ctx, id, sig)
	if r == ResultCertified && c.onCertified != nil {
		c.onCertified(cert)
	}
	return r, cert, err
}

func (c *Certifier) register(ctx context.Context, id chain.ID, sig backend.SingleSignature) (Result, *backend.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if !id.Valid() {
		return "", nil, backend.ErrInvalidChainID
	}
	if sig.ChainID != id || sig.SignedEntityType.Chain != id {
		return "", nil, c.mismatch(id, &sig)
	}
	set := backend.SignedEntityType{Chain: id, Kind: sig.SignedEntityType.Kind}
	if err := validSet(set); err != nil {
		return "", nil, err
	}

	p := c.partition(set)
	p.Lock()
	defer p.Unlock()

	om, err := c.current(set)
	if err != nil {
		return "", nil, err
	}
	if om == nil {
		return "", nil, ErrNoOpenMessage
	}
	if om.ChainID != sig.ChainID {
		return "", nil, c.mismatch(id, &sig)
	}

	switch {
	case sig.Epoch < om.Epoch:
		return "", nil, fmt.Errorf("%w: epoch %v superseded by %v",
			ErrExpired, sig.Epoch, om.Epoch)
	case sig.Epoch > om.Epoch:
		return "", nil, fmt.Errorf("%w: epoch %v open %v",
			ErrEpochMismatch, sig.Epoch, om.Epoch)
	case om.Status == backend.StatusExpired:
		return "", nil, ErrExpired
	}

	stake, ok := om.Stake.Stake(sig.Signer)
	if !ok || stake == 0 {
		c.metrics.Signature(id.String(), "unknown")
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownOrInactiveSigner,
			sig.Signer)
	}

	if om.Status == backend.StatusCertified {
		cert, err := c.store.Certificate(id, om.CertificateID)
		if err != nil {
			return "", nil, err
		}
		c.metrics.Signature(id.String(), string(ResultAlreadyCertified))
		return ResultAlreadyCertified, cert, nil
	}

	if _, ok := om.Signatures[sig.Signer]; ok {
		c.metrics.Signature(id.String(), string(ResultDuplicate))
		return ResultDuplicate, nil, nil
	}

	digest := om.ProtocolMessage.Digest()
	err = c.aggregator.VerifyPartial(id, digest, sig, om.Stake)
	switch {
	case errors.Is(err, ErrUnregisteredSigner):
		c.metrics.Signature(id.String(), "unregistered")
		return "", nil, fmt.Errorf("%w: %v", ErrUnregisteredSigner,
			sig.Signer)
	case err != nil:
		c.metrics.Signature(id.String(), "invalid")
		return "", nil, fmt.Errorf("%w: %v: %v", ErrInvalidSignature,
			sig.Signer, err)
	}

	sig.Signature = append([]byte(nil), sig.Signature...)
	om.Signatures[sig.Signer] = sig
	om.BufferedStake += stake
	c.metrics.BufferedStake(id.String(), string(set.Kind),
		om.BufferedStake, om.Stake.TotalStake)

	if !c.quorum.Reached(om.BufferedStake, om.Stake.TotalStake) {
		if err := c.store.PutOpenMessage(om); err != nil {
			return "", nil, err
		}
		log.Debugf("%v: epoch %v signer %v stake %v/%v", set, om.Epoch,
			sig.Signer, om.BufferedStake, om.Stake.TotalStake)
		c.metrics.Signature(id.String(), string(ResultBuffered))
		return ResultBuffered, nil, nil
	}

	cert, err := c.certify(om, digest)
	if err != nil {
		c.metrics.Signature(id.String(), "failed")
		return "", nil, err
	}
	c.metrics.Signature(id.String(), string(ResultCertified))

	return ResultCertified, cert, nil
}

// expire marks om expired after a failed certification.
func (c *Certifier) expire(om *backend.OpenMessage, cause error) error {
	om.Status = backend.StatusExpired
	c.metrics.OpenMessage(om.ChainID.String(),
		string(om.SignedEntityType.Kind), string(om.Status))
	if err := c.store.PutOpenMessage(om); err != nil {
		log.Errorf("%v: expire epoch %v: %v", om.SignedEntityType,
			om.Epoch, err)
	}
	return cause
}

// certify aggregates the signatures of om, appends the certificate to the
// chain and marks om certified.  Called with the partition lock held.
func (c *Certifier) certify(om *backend.OpenMessage, digest [sha256.Size]byte) (*backend.Certificate, error) {
	set := om.SignedEntityType
	sigs := make([]backend.SingleSignature, 0, len(om.Signatures))
	for _, v := range om.Stake.Validators() {
		if s, ok := om.Signatures[v]; ok {
			sigs = append(sigs, s)
		}
	}

	aggregate, err := c.aggregator.Aggregate(om.ChainID, digest, sigs,
		om.Stake)
	if err != nil {
		log.Errorf("%v: aggregate epoch %v: %v", set, om.Epoch, err)
		return nil, c.expire(om, fmt.Errorf("%w: %v",
			ErrAggregationFailure, err))
	}

	cm := c.chainLock(om.ChainID)
	cm.Lock()
	head, err := c.head(om.ChainID)
	if err != nil {
		cm.Unlock()
		return nil, err
	}
	cert := backend.NewCertificate(head, om, aggregate, c.myNow())
	err = c.store.AppendCertificate(cert)
	cm.Unlock()
	if err != nil {
		log.Errorf("%v: append epoch %v: %v", set, om.Epoch, err)
		return nil, c.expire(om, fmt.Errorf("%w: %w",
			ErrAggregationFailure, err))
	}

	om.Status = backend.StatusCertified
	om.CertificateID = cert.ID
	if err := c.store.PutOpenMessage(om); err != nil {
		// The certificate is on the chain; the stale pending record
		// is replaced on the next open.
		log.Errorf("%v: mark certified epoch %v: %v", set, om.Epoch, err)
	}
	c.metrics.OpenMessage(om.ChainID.String(), string(set.Kind),
		string(om.Status))
	c.metrics.Certificate(om.ChainID.String(), string(set.Kind), om.Epoch)

	log.Infof("%v: certified epoch %v certificate %v parent %v signers %v "+
		"stake %v/%v", set, om.Epoch, cert.ID, cert.ParentID,
		len(cert.Signers), om.BufferedStake, om.Stake.TotalStake)

	return cert, nil
}
