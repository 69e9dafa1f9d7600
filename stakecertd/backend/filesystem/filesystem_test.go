// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/backend/storetest"
	"github.com/decred/stakecert/stakecertd/chain"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) backend.Store {
		fs, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return fs
	})
}

// fill appends count certificates to id starting at epoch 10.
func fill(t *testing.T, fs *FileSystem, id chain.ID, count int) *backend.Certificate {
	t.Helper()
	now := time.Unix(1700000000, 0)
	var head *backend.Certificate
	for i := 0; i < count; i++ {
		epoch := uint64(10 * (i + 1))
		om := storetest.OpenMessage(id, backend.KindStateRoot, epoch)
		om.Signatures["b"] = backend.SingleSignature{Signer: "b"}
		cert := backend.NewCertificate(head, om, []byte{byte(i)}, now)
		if err := fs.AppendCertificate(cert); err != nil {
			t.Fatalf("append %v: %v", epoch, err)
		}
		head = cert
	}
	return head
}

func TestPersistence(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	head := fill(t, fs, "x-net", 4)
	if err := fs.PutSignerKey("y-net", "a", []byte{0xa1}); err != nil {
		t.Fatal(err)
	}
	fs.Close()

	fs, err = New(root)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	h, err := fs.Head("x-net")
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != head.ID {
		t.Fatalf("want %v got %v", head.ID, h.ID)
	}
	if h.ID != h.ComputeID() {
		t.Fatalf("certificate id does not survive storage")
	}

	keys, err := fs.SignerKeys("y-net")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keys["a"], []byte{0xa1}) || len(keys) != 1 {
		t.Fatalf("signer keys did not survive restart: %x", keys)
	}
}

func TestInvalidChainID(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	if _, err := fs.Head("../escape"); !errors.Is(err, backend.ErrInvalidChainID) {
		t.Fatalf("want %v got %v", backend.ErrInvalidChainID, err)
	}
}

func TestDumpRestore(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	headA := fill(t, fs, "a-net", 3)
	headB := fill(t, fs, "b-net", 2)
	om := storetest.OpenMessage("b-net", backend.KindStateRoot, 30)
	if err := fs.PutOpenMessage(om); err != nil {
		t.Fatal(err)
	}
	if err := fs.PutSignerKey("b-net", "a", []byte{1, 2}); err != nil {
		t.Fatal(err)
	}

	var journal bytes.Buffer
	if err := fs.Dump(&journal, false); err != nil {
		t.Fatal(err)
	}

	restored, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	var out bytes.Buffer
	if err := restored.Restore(&journal, true, &out); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "certificate ") != 5 {
		t.Fatalf("unexpected restore output:\n%v", out.String())
	}

	for id, want := range map[chain.ID]string{
		"a-net": headA.ID,
		"b-net": headB.ID,
	} {
		h, err := restored.Head(id)
		if err != nil {
			t.Fatal(err)
		}
		if h.ID != want {
			t.Fatalf("%v: want head %v got %v", id, want, h.ID)
		}
	}
	got, err := restored.OpenMessage(om.SignedEntityType)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epoch != 30 {
		t.Fatalf("want epoch 30 got %v", got.Epoch)
	}
	keys, err := restored.SignerKeys("b-net")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keys["a"], []byte{1, 2}) {
		t.Fatalf("want key 0102 got %x", keys["a"])
	}

	var human bytes.Buffer
	if err := restored.Dump(&human, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(human.String(), "Parent   : genesis") ||
		!strings.Contains(human.String(), "Signer key: a") {
		t.Fatalf("unexpected human dump:\n%v", human.String())
	}
}

func TestRestoreInvalid(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	tests := []string{
		`{"version":2,"type":"certificate"}`,
		`{"version":1,"type":"bogus"}` + "\n{}",
		`{"version":1,"type":"certificate"}` + "\n" + `{"chainid":"x-net","epoch":5,"parentid":"aa"}`,
	}
	for i, journal := range tests {
		if err := fs.Restore(strings.NewReader(journal), false,
			nil); err == nil {
			t.Fatalf("%v: expected error", i)
		}
	}
}

func TestFsck(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	fill(t, fs, "a-net", 5)
	fill(t, fs, "b-net", 1)
	if err := fs.PutOpenMessage(storetest.OpenMessage("c-net",
		backend.KindStateRoot, 1)); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := fs.Fsck(&backend.FsckOptions{Out: &out}); err != nil {
		t.Fatalf("%v\n%v", err, out.String())
	}
	if !strings.Contains(out.String(), "a-net: 5 certificates") {
		t.Fatalf("unexpected output:\n%v", out.String())
	}

	// An index entry that points off the chain is reported.
	cdb, err := fs.open("a-net", false)
	if err != nil {
		t.Fatal(err)
	}
	g, err := fs.Genesis("a-net")
	if err != nil {
		t.Fatal(err)
	}
	if err := cdb.db.Put(epochKey(1000), []byte(g.ID+"x"), nil); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	err = fs.Fsck(&backend.FsckOptions{
		Out:    &out,
		Chains: []chain.ID{"a-net", "b-net"},
	})
	if err == nil {
		t.Fatalf("expected fsck failure")
	}
	if !strings.Contains(out.String(), "orphan") {
		t.Fatalf("unexpected output:\n%v", out.String())
	}
	fs.Close()
}

func TestReadOnly(t *testing.T) {
	root := t.TempDir()
	fs, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	fill(t, fs, "a-net", 2)
	fs.Close()

	ro, err := NewReadOnly(root)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if err := ro.Fsck(&backend.FsckOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := ro.Restore(strings.NewReader(""), false, nil); err == nil {
		t.Fatalf("expected read only error")
	}
}
