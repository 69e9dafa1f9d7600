// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/backend/storetest"
)

func TestBuildURL(t *testing.T) {
	addr, err := buildURL("stakecert", "localhost:5432", "testnet",
		"/certs/root.crt", "/certs/client.crt", "/certs/client.key")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(addr)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/testnet_stakecert" {
		t.Fatalf("want /testnet_stakecert got %v", u.Path)
	}
	if u.User.Username() != "stakecert" {
		t.Fatalf("unexpected user %v", u.User.Username())
	}
	q := u.Query()
	if q.Get("sslmode") != "require" ||
		q.Get("sslrootcert") != "/certs/root.crt" ||
		q.Get("sslkey") != "/certs/client.key" {
		t.Fatalf("unexpected query %v", q)
	}
}

func TestInternalNew(t *testing.T) {
	pg, err := internalNew("u", "localhost", "mainnet", "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	pg.Close()
}

func TestTableSchemas(t *testing.T) {
	if len(tableNames) != len(tableSchemas) {
		t.Fatalf("want %v tables got %v", len(tableSchemas),
			len(tableNames))
	}
	for _, name := range tableNames {
		s, ok := tableSchemas[name]
		if !ok {
			t.Fatalf("missing schema %v", name)
		}
		if !strings.Contains(s, "public."+name) {
			t.Fatalf("schema %v creates another table", name)
		}
	}
}

type fakeRow struct {
	payload []byte
	err     error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = r.payload
	return nil
}

func TestScanCertificate(t *testing.T) {
	om := storetest.OpenMessage("x-net", backend.KindStateRoot, 7)
	cert := backend.NewCertificate(nil, om, []byte{1}, time.Unix(1, 0))
	payload, err := json.Marshal(cert)
	if err != nil {
		t.Fatal(err)
	}

	c, err := scanCertificate(fakeRow{payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != cert.ID || c.ComputeID() != cert.ID {
		t.Fatalf("want %v got %v", cert.ID, c.ID)
	}

	if _, err := decodeCertificate("y-net", payload); !errors.Is(err, backend.ErrMismatchedPartition) {
		t.Fatalf("want %v got %v", backend.ErrMismatchedPartition, err)
	}
	if _, err := scanCertificate(fakeRow{err: sql.ErrNoRows}); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("want %v got %v", backend.ErrNotFound, err)
	}
}
