// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	headKey     = "head"
	genesisKey  = "genesis"
	certPrefix  = "c:" // [c:id]Certificate
	epochPrefix = "e:" // [e:epoch]id
	omPrefix    = "o:" // [o:kind]OpenMessage
	keyPrefix   = "k:" // [k:party]verification key

	cacheSize = 1024
)

var (
	_ backend.Store = (*FileSystem)(nil)

	log = slog.Disabled

	errInvalidDB = errors.New("not a database") // Should not happen
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// chainDB is the leveldb of one chain.  Writes are serialized by the mutex,
// reads go straight to leveldb.
type chainDB struct {
	sync.Mutex

	db *leveldb.DB
}

// FileSystem stores every chain in its own leveldb under root/<chain id>.
// Chains never share a database, so a lookup can only see the chain it
// names.
type FileSystem struct {
	sync.RWMutex

	root  string                // Root directory
	dbs   map[chain.ID]*chainDB // Open chain databases
	cache *lru.Cache            // [chain/id]*Certificate
	ro    bool                  // Read only, used by fsck and dump
}

// EncodeCertificate encodes a certificate for storage.
func EncodeCertificate(c *backend.Certificate) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCertificate decodes a stored certificate.
func DecodeCertificate(payload []byte) (*backend.Certificate, error) {
	var c backend.Certificate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeOpenMessage encodes an open message for storage.
func EncodeOpenMessage(om *backend.OpenMessage) ([]byte, error) {
	return json.Marshal(om)
}

// DecodeOpenMessage decodes a stored open message.
func DecodeOpenMessage(payload []byte) (*backend.OpenMessage, error) {
	var om backend.OpenMessage
	if err := json.Unmarshal(payload, &om); err != nil {
		return nil, err
	}
	return &om, nil
}

func epochKey(epoch uint64) []byte {
	k := make([]byte, len(epochPrefix)+8)
	copy(k, epochPrefix)
	binary.BigEndian.PutUint64(k[len(epochPrefix):], epoch)
	return k
}

func certKey(id string) []byte {
	return []byte(certPrefix + id)
}

func cacheKey(id chain.ID, certID string) string {
	return id.String() + "/" + certID
}

// open returns the database of id.  Unless create is set a database that does
// not exist on disk yields backend.ErrNotFound.
func (fs *FileSystem) open(id chain.ID, create bool) (*chainDB, error) {
	if !id.Valid() {
		return nil, backend.ErrInvalidChainID
	}

	fs.RLock()
	cdb, ok := fs.dbs[id]
	fs.RUnlock()
	if ok {
		return cdb, nil
	}

	fs.Lock()
	defer fs.Unlock()
	if cdb, ok := fs.dbs[id]; ok {
		return cdb, nil
	}

	// Stat path first so that we don't create a database for a chain
	// that has none.  Leveldb WILL create a directory even if
	// ErrorIfMissing = true.
	path := filepath.Join(fs.root, id.String())
	fi, err := os.Stat(path)
	switch {
	case err == nil && !fi.Mode().IsDir():
		return nil, errInvalidDB
	case err != nil && !create:
		return nil, backend.ErrNotFound
	case err != nil:
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, err
		}
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		ErrorIfMissing: !create,
		ReadOnly:       fs.ro,
	})
	if err != nil {
		return nil, err
	}
	cdb = &chainDB{db: db}
	fs.dbs[id] = cdb

	log.Debugf("Opened %v", path)

	return cdb, nil
}

// get returns the certificate certID from db, consulting the cache first.
func (fs *FileSystem) get(id chain.ID, db *leveldb.DB, certID string) (*backend.Certificate, error) {
	if v, ok := fs.cache.Get(cacheKey(id, certID)); ok {
		return copyCertificate(v.(*backend.Certificate)), nil
	}
	payload, err := db.Get(certKey(certID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c, err := DecodeCertificate(payload)
	if err != nil {
		return nil, err
	}
	if c.ChainID != id {
		return nil, backend.ErrMismatchedPartition
	}
	fs.cache.Add(cacheKey(id, certID), copyCertificate(c))
	return c, nil
}

// pointer returns the certificate stored under pointer key.
func (fs *FileSystem) pointer(id chain.ID, db *leveldb.DB, key string) (*backend.Certificate, error) {
	certID, err := db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fs.get(id, db, string(certID))
}

func copyCertificate(c *backend.Certificate) *backend.Certificate {
	cc := *c
	cc.ProtocolMessage = c.ProtocolMessage.Clone()
	cc.AggregateSignature = append([]byte(nil), c.AggregateSignature...)
	cc.Signers = append([]backend.SignerStake(nil), c.Signers...)
	return &cc
}

// AppendCertificate validates cert against the chain head and writes the
// certificate, its epoch index and the new head in one batch.
func (fs *FileSystem) AppendCertificate(cert *backend.Certificate) error {
	cdb, err := fs.open(cert.ChainID, true)
	if err != nil {
		return err
	}

	cdb.Lock()
	defer cdb.Unlock()

	if ok, err := cdb.db.Has(certKey(cert.ID), nil); err != nil {
		return err
	} else if ok {
		return backend.ErrCertificateExists
	}

	head, err := fs.pointer(cert.ChainID, cdb.db, headKey)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		head = nil
	case err != nil:
		return err
	}
	if err := backend.ValidateLink(head, cert); err != nil {
		return err
	}

	payload, err := EncodeCertificate(cert)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(certKey(cert.ID), payload)
	batch.Put(epochKey(cert.Epoch), []byte(cert.ID))
	batch.Put([]byte(headKey), []byte(cert.ID))
	if cert.IsGenesis() {
		batch.Put([]byte(genesisKey), []byte(cert.ID))
	}
	if err := cdb.db.Write(batch, nil); err != nil {
		return err
	}
	fs.cache.Add(cacheKey(cert.ChainID, cert.ID), copyCertificate(cert))

	log.Debugf("%v: appended %v epoch %v", cert.ChainID, cert.ID,
		cert.Epoch)

	return nil
}

// Head returns the newest certificate of id.
func (fs *FileSystem) Head(id chain.ID) (*backend.Certificate, error) {
	cdb, err := fs.open(id, false)
	if err != nil {
		return nil, err
	}
	return fs.pointer(id, cdb.db, headKey)
}

// Genesis returns the first certificate of id.
func (fs *FileSystem) Genesis(id chain.ID) (*backend.Certificate, error) {
	cdb, err := fs.open(id, false)
	if err != nil {
		return nil, err
	}
	return fs.pointer(id, cdb.db, genesisKey)
}

// Certificate returns certID from the chain of id.
func (fs *FileSystem) Certificate(id chain.ID, certID string) (*backend.Certificate, error) {
	cdb, err := fs.open(id, false)
	if err != nil {
		return nil, err
	}
	return fs.get(id, cdb.db, certID)
}

// Certificates walks the epoch index backwards.
func (fs *FileSystem) Certificates(id chain.ID, limit int) ([]*backend.Certificate, error) {
	cdb, err := fs.open(id, false)
	if errors.Is(err, backend.ErrNotFound) {
		return []*backend.Certificate{}, nil
	}
	if err != nil {
		return nil, err
	}

	certs := make([]*backend.Certificate, 0, limit)
	iter := cdb.db.NewIterator(util.BytesPrefix([]byte(epochPrefix)), nil)
	defer iter.Release()
	for ok := iter.Last(); ok && len(certs) < limit; ok = iter.Prev() {
		c, err := fs.get(id, cdb.db, string(iter.Value()))
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return certs, nil
}

// PutOpenMessage stores om in the database of its chain.
func (fs *FileSystem) PutOpenMessage(om *backend.OpenMessage) error {
	if om.SignedEntityType.Chain != om.ChainID {
		return backend.ErrMismatchedPartition
	}
	cdb, err := fs.open(om.ChainID, true)
	if err != nil {
		return err
	}
	payload, err := EncodeOpenMessage(om)
	if err != nil {
		return err
	}
	return cdb.db.Put([]byte(omPrefix+string(om.SignedEntityType.Kind)),
		payload, nil)
}

// OpenMessage returns the open message of set.
func (fs *FileSystem) OpenMessage(set backend.SignedEntityType) (*backend.OpenMessage, error) {
	cdb, err := fs.open(set.Chain, false)
	if err != nil {
		return nil, err
	}
	payload, err := cdb.db.Get([]byte(omPrefix+string(set.Kind)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	om, err := DecodeOpenMessage(payload)
	if err != nil {
		return nil, err
	}
	if om.SignedEntityType != set {
		return nil, backend.ErrMismatchedPartition
	}
	return om, nil
}

// PutSignerKey stores the key of party in the database of id.
func (fs *FileSystem) PutSignerKey(id chain.ID, party chain.ValidatorID, key []byte) error {
	cdb, err := fs.open(id, true)
	if err != nil {
		return err
	}
	return cdb.db.Put([]byte(keyPrefix+string(party)), key, nil)
}

// SignerKeys returns the keys stored in the database of id.
func (fs *FileSystem) SignerKeys(id chain.ID) (map[chain.ValidatorID][]byte, error) {
	keys := make(map[chain.ValidatorID][]byte)
	cdb, err := fs.open(id, false)
	if errors.Is(err, backend.ErrNotFound) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}

	iter := cdb.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		party := chain.ValidatorID(iter.Key()[len(keyPrefix):])
		keys[party] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Chains returns the chains that have a database under root.
func (fs *FileSystem) Chains() ([]chain.ID, error) {
	files, err := os.ReadDir(fs.root)
	if err != nil {
		return nil, err
	}
	ids := make([]chain.ID, 0, len(files))
	for _, file := range files {
		id := chain.ID(file.Name())
		if !file.IsDir() || !id.Valid() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close closes every open chain database.
func (fs *FileSystem) Close() {
	// Block until last command is complete.
	fs.Lock()
	defer fs.Unlock()
	defer log.Infof("Exiting")

	for id, cdb := range fs.dbs {
		cdb.Lock()
		if err := cdb.db.Close(); err != nil {
			log.Errorf("Close %v: %v", id, err)
		}
		cdb.Unlock()
		delete(fs.dbs, id)
	}
}

func internalNew(root string, ro bool) (*FileSystem, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &FileSystem{
		root:  root,
		dbs:   make(map[chain.ID]*chainDB),
		cache: cache,
		ro:    ro,
	}, nil
}

// New returns a store rooted at root.  The directory is created if needed.
// The caller should issue a Close once the store is no longer needed.
func New(root string) (*FileSystem, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	fs, err := internalNew(root, false)
	if err != nil {
		return nil, err
	}

	chains, err := fs.Chains()
	if err != nil {
		return nil, err
	}
	log.Infof("Store %v: %v chains", root, len(chains))

	return fs, nil
}

// NewReadOnly opens an existing store for inspection.
func NewReadOnly(root string) (*FileSystem, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errInvalidDB
	}
	return internalNew(root, true)
}
