// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func decodeCertificate(id chain.ID, payload []byte) (*backend.Certificate, error) {
	var c backend.Certificate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	if c.ChainID != id {
		return nil, backend.ErrMismatchedPartition
	}
	return &c, nil
}

// scanCertificate scans a single payload column.
func scanCertificate(row rowScanner) (*backend.Certificate, error) {
	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c backend.Certificate
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// pointer returns the certificate referenced by column of the heads row of id.
func (pg *Postgres) pointer(id chain.ID, column string) (*backend.Certificate, error) {
	if !id.Valid() {
		return nil, backend.ErrInvalidChainID
	}
	// column is one of two constants, never user input.
	q := `SELECT c.payload FROM heads AS h
				JOIN certificates AS c
				ON c.chain_id = h.chain_id AND c.id = h.` + column + `
				WHERE h.chain_id = $1`
	return scanCertificate(pg.db.QueryRow(q, id.String()))
}

// lockHead makes sure the heads row of id exists, locks it for the remainder
// of tx and returns the current head certificate or nil for an empty chain.
func lockHead(tx *sql.Tx, id chain.ID) (*backend.Certificate, error) {
	_, err := tx.Exec(`INSERT INTO heads (chain_id) VALUES($1)
				ON CONFLICT (chain_id) DO NOTHING`, id.String())
	if err != nil {
		return nil, err
	}

	var headID sql.NullString
	err = tx.QueryRow(`SELECT head_id FROM heads
				WHERE chain_id = $1 FOR UPDATE`, id.String()).Scan(&headID)
	if err != nil {
		return nil, err
	}
	if !headID.Valid {
		return nil, nil
	}

	var payload []byte
	err = tx.QueryRow(`SELECT payload FROM certificates
				WHERE chain_id = $1 AND id = $2`,
		id.String(), headID.String).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return decodeCertificate(id, payload)
}

// insertCertificate inserts cert.  The unique (chain_id, epoch) index is a
// second line behind ValidateLink.
func insertCertificate(tx *sql.Tx, cert *backend.Certificate, payload []byte) error {
	var parent sql.NullString
	if !cert.IsGenesis() {
		parent = sql.NullString{String: cert.ParentID, Valid: true}
	}
	_, err := tx.Exec(`INSERT INTO certificates (chain_id, id, kind, epoch,
				parent_id, created_at, payload)
				VALUES($1, $2, $3, $4, $5, $6, $7)`,
		cert.ChainID.String(), cert.ID, string(cert.SignedEntityType.Kind),
		int64(cert.Epoch), parent, cert.CreatedAt, payload)
	return err
}

// updateHead moves the head of the chain to cert and records the genesis.
func updateHead(tx *sql.Tx, cert *backend.Certificate) error {
	_, err := tx.Exec(`UPDATE heads SET head_id = $2,
				genesis_id = COALESCE(genesis_id, $2)
				WHERE chain_id = $1`, cert.ChainID.String(), cert.ID)
	return err
}

// hasTable accepts a table name and checks if it was created
func (pg *Postgres) hasTable(name string) (bool, error) {
	q := `SELECT EXISTS (SELECT
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name  = $1)`

	var exists bool
	if err := pg.db.QueryRow(q, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

var tableSchemas = map[string]string{
	tableCertificates: `CREATE TABLE public.certificates
(
    chain_id text NOT NULL,
    id text NOT NULL,
    kind text NOT NULL,
    epoch bigint NOT NULL,
    parent_id text,
    created_at bigint NOT NULL,
    payload bytea NOT NULL,
    CONSTRAINT certificates_pkey PRIMARY KEY (chain_id, id)
);
-- Index: idx_chain_epoch
CREATE UNIQUE INDEX idx_chain_epoch
    ON public.certificates USING btree
    (chain_id ASC, epoch DESC)
    TABLESPACE pg_default;
`,
	tableHeads: `CREATE TABLE public.heads
(
    chain_id text NOT NULL,
    head_id text,
    genesis_id text,
    CONSTRAINT heads_pkey PRIMARY KEY (chain_id)
);
`,
	tableOpenMessages: `CREATE TABLE public.open_messages
(
    chain_id text NOT NULL,
    kind text NOT NULL,
    epoch bigint NOT NULL,
    status text NOT NULL,
    payload bytea NOT NULL,
    CONSTRAINT open_messages_pkey PRIMARY KEY (chain_id, kind)
);
`,
	tableSigners: `CREATE TABLE public.signers
(
    chain_id text NOT NULL,
    party text NOT NULL,
    key bytea NOT NULL,
    CONSTRAINT signers_pkey PRIMARY KEY (chain_id, party)
);
`,
}

// createTables creates db tables needed for our postgres store.
func (pg *Postgres) createTables() error {
	for _, name := range tableNames {
		exists, err := pg.hasTable(name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := pg.db.Exec(tableSchemas[name]); err != nil {
			return err
		}
		log.Infof("Table %v created", name)
	}
	return nil
}
