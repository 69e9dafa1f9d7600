// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	_ "github.com/lib/pq"
)

const (
	tableCertificates = "certificates"
	tableHeads        = "heads"
	tableOpenMessages = "open_messages"
	tableSigners      = "signers"
)

// tableNames lists the tables in creation order.
var tableNames = []string{tableCertificates, tableHeads, tableOpenMessages,
	tableSigners}

var (
	_ backend.Store = (*Postgres)(nil)

	log = slog.Disabled
)

// UseLogger sets the subsystem logger for this package.
func UseLogger(l slog.Logger) {
	log = l
}

// Postgres is a postgreSQL implementation of a store.  Certificates of every
// chain share one table keyed by (chain_id, id); the heads table carries the
// per chain head pointer that appends lock with FOR UPDATE.
type Postgres struct {
	sync.RWMutex

	db *sql.DB // Postgres database
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Join(cert))
	v.Set("sslkey", filepath.Join(key))
	return v.Encode()
}

// buildURL returns the connection string for the database of net.
func buildURL(user, host, net, rootCert, cert, key string) (string, error) {
	dbName := net + "_stakecert"
	h := "postgresql://" + user + "@" + host + "/" + dbName
	u, err := url.Parse(h)
	if err != nil {
		return "", fmt.Errorf("parse url '%v': %v", h, err)
	}
	return u.String() + "?" + buildQueryString(rootCert, cert, key), nil
}

// internalNew creates the Postgres context but does not touch the database.
// sql.Open does not connect so this is usable from tests.
func internalNew(user, host, net, rootCert, cert, key string) (*Postgres, error) {
	addr, err := buildURL(user, host, net, rootCert, cert, key)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", addr, err)
	}
	return &Postgres{db: db}, nil
}

// New connects to the database and creates the tables if needed.  The caller
// should issue a Close once the store is no longer needed.
func New(user, host, net, rootCert, cert, key string) (*Postgres, error) {
	log.Tracef("New: %v %v %v %v %v %v", user, host, net, rootCert, cert, key)

	pg, err := internalNew(user, host, net, rootCert, cert, key)
	if err != nil {
		return nil, err
	}
	if err := pg.db.Ping(); err != nil {
		pg.db.Close()
		return nil, err
	}
	if err := pg.createTables(); err != nil {
		pg.db.Close()
		return nil, err
	}
	return pg, nil
}

// AppendCertificate validates cert against the locked head row and writes the
// certificate and new head in one transaction.
func (pg *Postgres) AppendCertificate(cert *backend.Certificate) error {
	if !cert.ChainID.Valid() {
		return backend.ErrInvalidChainID
	}
	payload, err := json.Marshal(cert)
	if err != nil {
		return err
	}

	tx, err := pg.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		// Rollback after Commit is a no-op.
		_ = tx.Rollback()
	}()

	head, err := lockHead(tx, cert.ChainID)
	if err != nil {
		return err
	}
	if err := backend.ValidateLink(head, cert); err != nil {
		return err
	}
	if err := insertCertificate(tx, cert, payload); err != nil {
		return err
	}
	if err := updateHead(tx, cert); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debugf("%v: appended %v epoch %v", cert.ChainID, cert.ID,
		cert.Epoch)

	return nil
}

// Head returns the newest certificate of id.
func (pg *Postgres) Head(id chain.ID) (*backend.Certificate, error) {
	return pg.pointer(id, "head_id")
}

// Genesis returns the first certificate of id.
func (pg *Postgres) Genesis(id chain.ID) (*backend.Certificate, error) {
	return pg.pointer(id, "genesis_id")
}

// Certificate returns certID from the chain of id.
func (pg *Postgres) Certificate(id chain.ID, certID string) (*backend.Certificate, error) {
	if !id.Valid() {
		return nil, backend.ErrInvalidChainID
	}
	return scanCertificate(pg.db.QueryRow(`SELECT payload FROM certificates
				WHERE chain_id = $1 AND id = $2`, id.String(), certID))
}

// Certificates returns up to limit certificates of id, newest first.
func (pg *Postgres) Certificates(id chain.ID, limit int) ([]*backend.Certificate, error) {
	if !id.Valid() {
		return nil, backend.ErrInvalidChainID
	}
	rows, err := pg.db.Query(`SELECT payload FROM certificates
				WHERE chain_id = $1
				ORDER BY epoch DESC
				LIMIT $2`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	certs := make([]*backend.Certificate, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		c, err := decodeCertificate(id, payload)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	return certs, rows.Err()
}

// PutOpenMessage upserts om.
func (pg *Postgres) PutOpenMessage(om *backend.OpenMessage) error {
	if om.SignedEntityType.Chain != om.ChainID {
		return backend.ErrMismatchedPartition
	}
	if !om.ChainID.Valid() {
		return backend.ErrInvalidChainID
	}
	payload, err := json.Marshal(om)
	if err != nil {
		return err
	}
	_, err = pg.db.Exec(`INSERT INTO open_messages (chain_id, kind, epoch,
				status, payload)
				VALUES($1, $2, $3, $4, $5)
				ON CONFLICT (chain_id, kind) DO UPDATE
				SET epoch = EXCLUDED.epoch, status = EXCLUDED.status,
				payload = EXCLUDED.payload`,
		om.ChainID.String(), string(om.SignedEntityType.Kind),
		int64(om.Epoch), string(om.Status), payload)
	return err
}

// OpenMessage returns the open message of set.
func (pg *Postgres) OpenMessage(set backend.SignedEntityType) (*backend.OpenMessage, error) {
	if !set.Chain.Valid() {
		return nil, backend.ErrInvalidChainID
	}
	var payload []byte
	err := pg.db.QueryRow(`SELECT payload FROM open_messages
				WHERE chain_id = $1 AND kind = $2`,
		set.Chain.String(), string(set.Kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var om backend.OpenMessage
	if err := json.Unmarshal(payload, &om); err != nil {
		return nil, err
	}
	if om.SignedEntityType != set {
		return nil, backend.ErrMismatchedPartition
	}
	return &om, nil
}

// PutSignerKey upserts the key of party on id.
func (pg *Postgres) PutSignerKey(id chain.ID, party chain.ValidatorID, key []byte) error {
	if !id.Valid() {
		return backend.ErrInvalidChainID
	}
	_, err := pg.db.Exec(`INSERT INTO signers (chain_id, party, key)
				VALUES($1, $2, $3)
				ON CONFLICT (chain_id, party) DO UPDATE
				SET key = EXCLUDED.key`,
		id.String(), string(party), key)
	return err
}

// SignerKeys returns every key registered on id.
func (pg *Postgres) SignerKeys(id chain.ID) (map[chain.ValidatorID][]byte, error) {
	if !id.Valid() {
		return nil, backend.ErrInvalidChainID
	}
	rows, err := pg.db.Query(`SELECT party, key FROM signers
				WHERE chain_id = $1`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[chain.ValidatorID][]byte)
	for rows.Next() {
		var (
			party string
			key   []byte
		)
		if err := rows.Scan(&party, &key); err != nil {
			return nil, err
		}
		keys[chain.ValidatorID(party)] = key
	}
	return keys, rows.Err()
}

// Chains returns every chain that has a head, an open message or a signer.
func (pg *Postgres) Chains() ([]chain.ID, error) {
	rows, err := pg.db.Query(`SELECT chain_id FROM heads
				UNION SELECT chain_id FROM open_messages
				UNION SELECT chain_id FROM signers
				ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []chain.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, chain.ID(id))
	}
	return ids, rows.Err()
}

// Close performs cleanup of the store.
func (pg *Postgres) Close() {
	// Block until last command is complete.
	pg.Lock()
	defer pg.Unlock()
	defer log.Infof("Exiting")

	if err := pg.db.Close(); err != nil {
		log.Errorf("Close: %v", err)
	}
}
