// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memory provides a backend.Store that keeps everything in memory.
// It is used by tests and by deployments that do not need certificates to
// survive a restart.
package memory

import (
	"sort"
	"sync"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/google/btree"
)

var (
	_ backend.Store = (*Memory)(nil)

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// certificates is the certificate chain of a single chain.
type certificates struct {
	sync.RWMutex

	byID    map[string]*backend.Certificate
	byEpoch *btree.BTreeG[*backend.Certificate]
	genesis *backend.Certificate
	head    *backend.Certificate
}

func newCertificates() *certificates {
	return &certificates{
		byID: make(map[string]*backend.Certificate),
		byEpoch: btree.NewG(8, func(a, b *backend.Certificate) bool {
			return a.Epoch < b.Epoch
		}),
	}
}

// Memory is an in-memory backend.Store.  Each chain has its own lock.
type Memory struct {
	sync.RWMutex

	chains   map[chain.ID]*certificates
	messages map[backend.SignedEntityType]*backend.OpenMessage
	signers  map[chain.ID]map[chain.ValidatorID][]byte
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		chains:   make(map[chain.ID]*certificates),
		messages: make(map[backend.SignedEntityType]*backend.OpenMessage),
		signers:  make(map[chain.ID]map[chain.ValidatorID][]byte),
	}
}

// certs returns the partition of id, creating it when create is set.
func (m *Memory) certs(id chain.ID, create bool) *certificates {
	m.RLock()
	c, ok := m.chains[id]
	m.RUnlock()
	if ok || !create {
		return c
	}

	m.Lock()
	defer m.Unlock()
	c, ok = m.chains[id]
	if !ok {
		c = newCertificates()
		m.chains[id] = c
	}
	return c
}

func copyCertificate(c *backend.Certificate) *backend.Certificate {
	cc := *c
	cc.ProtocolMessage = c.ProtocolMessage.Clone()
	cc.AggregateSignature = append([]byte(nil), c.AggregateSignature...)
	cc.Signers = append([]backend.SignerStake(nil), c.Signers...)
	return &cc
}

// AppendCertificate appends cert to its chain.
func (m *Memory) AppendCertificate(cert *backend.Certificate) error {
	if !cert.ChainID.Valid() {
		return backend.ErrInvalidChainID
	}
	c := m.certs(cert.ChainID, true)

	c.Lock()
	defer c.Unlock()

	if _, ok := c.byID[cert.ID]; ok {
		return backend.ErrCertificateExists
	}
	if err := backend.ValidateLink(c.head, cert); err != nil {
		return err
	}

	cc := copyCertificate(cert)
	c.byID[cc.ID] = cc
	c.byEpoch.ReplaceOrInsert(cc)
	if cc.IsGenesis() {
		c.genesis = cc
	}
	c.head = cc

	log.Debugf("%v: appended %v epoch %v", cc.ChainID, cc.ID, cc.Epoch)

	return nil
}

// Head returns the newest certificate of id.
func (m *Memory) Head(id chain.ID) (*backend.Certificate, error) {
	c := m.certs(id, false)
	if c == nil {
		return nil, backend.ErrNotFound
	}
	c.RLock()
	defer c.RUnlock()
	if c.head == nil {
		return nil, backend.ErrNotFound
	}
	return copyCertificate(c.head), nil
}

// Genesis returns the first certificate of id.
func (m *Memory) Genesis(id chain.ID) (*backend.Certificate, error) {
	c := m.certs(id, false)
	if c == nil {
		return nil, backend.ErrNotFound
	}
	c.RLock()
	defer c.RUnlock()
	if c.genesis == nil {
		return nil, backend.ErrNotFound
	}
	return copyCertificate(c.genesis), nil
}

// Certificate returns certID from the chain of id.
func (m *Memory) Certificate(id chain.ID, certID string) (*backend.Certificate, error) {
	c := m.certs(id, false)
	if c == nil {
		return nil, backend.ErrNotFound
	}
	c.RLock()
	defer c.RUnlock()
	cert, ok := c.byID[certID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return copyCertificate(cert), nil
}

// Certificates returns up to limit certificates of id, newest first.
func (m *Memory) Certificates(id chain.ID, limit int) ([]*backend.Certificate, error) {
	c := m.certs(id, false)
	if c == nil {
		return []*backend.Certificate{}, nil
	}
	c.RLock()
	defer c.RUnlock()

	certs := make([]*backend.Certificate, 0, limit)
	c.byEpoch.Descend(func(cert *backend.Certificate) bool {
		if len(certs) >= limit {
			return false
		}
		certs = append(certs, copyCertificate(cert))
		return true
	})
	return certs, nil
}

// PutOpenMessage stores om.
func (m *Memory) PutOpenMessage(om *backend.OpenMessage) error {
	if om.SignedEntityType.Chain != om.ChainID {
		return backend.ErrMismatchedPartition
	}
	m.Lock()
	m.messages[om.SignedEntityType] = om.Clone()
	m.Unlock()
	return nil
}

// OpenMessage returns the open message of set.
func (m *Memory) OpenMessage(set backend.SignedEntityType) (*backend.OpenMessage, error) {
	m.RLock()
	defer m.RUnlock()
	om, ok := m.messages[set]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return om.Clone(), nil
}

// PutSignerKey stores the key of party on id.
func (m *Memory) PutSignerKey(id chain.ID, party chain.ValidatorID, key []byte) error {
	if !id.Valid() {
		return backend.ErrInvalidChainID
	}
	m.Lock()
	defer m.Unlock()
	keys, ok := m.signers[id]
	if !ok {
		keys = make(map[chain.ValidatorID][]byte)
		m.signers[id] = keys
	}
	keys[party] = append([]byte(nil), key...)
	return nil
}

// SignerKeys returns the keys registered on id.
func (m *Memory) SignerKeys(id chain.ID) (map[chain.ValidatorID][]byte, error) {
	m.RLock()
	defer m.RUnlock()
	keys := make(map[chain.ValidatorID][]byte, len(m.signers[id]))
	for party, key := range m.signers[id] {
		keys[party] = append([]byte(nil), key...)
	}
	return keys, nil
}

// Chains returns every chain with certificates, open messages or signer
// keys.
func (m *Memory) Chains() ([]chain.ID, error) {
	m.RLock()
	defer m.RUnlock()

	seen := make(map[chain.ID]struct{})
	for id := range m.chains {
		seen[id] = struct{}{}
	}
	for set := range m.messages {
		seen[set.Chain] = struct{}{}
	}
	for id := range m.signers {
		seen[id] = struct{}{}
	}
	ids := make([]chain.ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close is a no-op.
func (m *Memory) Close() {}
