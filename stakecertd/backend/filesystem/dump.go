// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const fStr = "20060102.150405"

func dumpCertificate(w io.Writer, human bool, c *backend.Certificate) error {
	if human {
		parent := c.ParentID
		if parent == "" {
			parent = "genesis"
		}
		fmt.Fprintf(w, "Certificate: %v\n", c.ID)
		fmt.Fprintf(w, "  Chain    : %v\n", c.ChainID)
		fmt.Fprintf(w, "  Kind     : %v\n", c.SignedEntityType.Kind)
		fmt.Fprintf(w, "  Epoch    : %v\n", c.Epoch)
		fmt.Fprintf(w, "  Parent   : %v\n", parent)
		fmt.Fprintf(w, "  Digest   : %v\n", c.DigestHex())
		fmt.Fprintf(w, "  Signers  : %v\n", len(c.Signers))
		fmt.Fprintf(w, "  Created  : %v\n",
			time.Unix(c.CreatedAt, 0).UTC().Format(fStr))
		return nil
	}
	return encodeRecord(w, backend.RecordTypeCertificate, c)
}

func dumpOpenMessage(w io.Writer, human bool, om *backend.OpenMessage) error {
	if human {
		fmt.Fprintf(w, "Open message: %v\n", om.SignedEntityType)
		fmt.Fprintf(w, "  Epoch    : %v\n", om.Epoch)
		fmt.Fprintf(w, "  Status   : %v\n", om.Status)
		fmt.Fprintf(w, "  Signers  : %v\n", len(om.Signatures))
		fmt.Fprintf(w, "  Stake    : %v/%v\n", om.BufferedStake,
			om.Stake.TotalStake)
		return nil
	}
	return encodeRecord(w, backend.RecordTypeOpenMessage, om)
}

func dumpSignerKey(w io.Writer, human bool, sk *backend.SignerKey) error {
	if human {
		fmt.Fprintf(w, "Signer key: %v\n", sk.Party)
		fmt.Fprintf(w, "  Chain    : %v\n", sk.Chain)
		fmt.Fprintf(w, "  Key      : %x\n", sk.Key)
		return nil
	}
	return encodeRecord(w, backend.RecordTypeSignerKey, sk)
}

func encodeRecord(w io.Writer, recordType string, v interface{}) error {
	e := json.NewEncoder(w)
	rt := backend.RecordType{
		Version: backend.RecordTypeVersion,
		Type:    recordType,
	}
	if err := e.Encode(rt); err != nil {
		return err
	}
	return e.Encode(v)
}

// dumpChain writes the signer keys of id, its certificates in epoch order and
// then its open messages.
func (fs *FileSystem) dumpChain(w io.Writer, human bool, id chain.ID) error {
	cdb, err := fs.open(id, false)
	if err != nil {
		return err
	}

	i := cdb.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	for i.Next() {
		sk := backend.SignerKey{
			Chain: id,
			Party: chain.ValidatorID(i.Key()[len(keyPrefix):]),
			Key:   append([]byte(nil), i.Value()...),
		}
		if err := dumpSignerKey(w, human, &sk); err != nil {
			i.Release()
			return err
		}
	}
	i.Release()
	if err := i.Error(); err != nil {
		return err
	}

	i = cdb.db.NewIterator(util.BytesPrefix([]byte(epochPrefix)), nil)
	for i.Next() {
		c, err := fs.get(id, cdb.db, string(i.Value()))
		if err != nil {
			i.Release()
			return err
		}
		if err := dumpCertificate(w, human, c); err != nil {
			i.Release()
			return err
		}
	}
	i.Release()
	if err := i.Error(); err != nil {
		return err
	}

	i = cdb.db.NewIterator(util.BytesPrefix([]byte(omPrefix)), nil)
	defer i.Release()
	for i.Next() {
		om, err := DecodeOpenMessage(i.Value())
		if err != nil {
			return err
		}
		if err := dumpOpenMessage(w, human, om); err != nil {
			return err
		}
	}
	return i.Error()
}

// Dump writes every chain to w.  If human is set the content is pretty
// printed, otherwise it is a JSON journal that Restore can replay.
func (fs *FileSystem) Dump(w io.Writer, human bool) error {
	chains, err := fs.Chains()
	if err != nil {
		return err
	}
	for _, id := range chains {
		if err := fs.dumpChain(w, human, id); err != nil {
			return fmt.Errorf("dump %v: %w", id, err)
		}
	}
	return nil
}

// Restore replays a JSON journal produced by Dump.  Certificates go through
// AppendCertificate so a corrupt journal cannot produce a forked chain.
func (fs *FileSystem) Restore(r io.Reader, verbose bool, out io.Writer) error {
	if fs.ro {
		return errors.New("store is read only")
	}
	d := json.NewDecoder(r)
	for {
		var t backend.RecordType
		err := d.Decode(&t)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		// Check version we understand
		if t.Version != backend.RecordTypeVersion {
			return fmt.Errorf("unknown version %v", t.Version)
		}

		switch t.Type {
		case backend.RecordTypeCertificate:
			var c backend.Certificate
			if err := d.Decode(&c); err != nil {
				return err
			}
			if err := fs.AppendCertificate(&c); err != nil {
				return fmt.Errorf("restore certificate %v: %w",
					c.ID, err)
			}
			if verbose {
				fmt.Fprintf(out, "certificate %v %v epoch %v\n",
					c.ChainID, c.ID, c.Epoch)
			}
		case backend.RecordTypeOpenMessage:
			var om backend.OpenMessage
			if err := d.Decode(&om); err != nil {
				return err
			}
			if err := fs.PutOpenMessage(&om); err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(out, "open message %v epoch %v\n",
					om.SignedEntityType, om.Epoch)
			}
		case backend.RecordTypeSignerKey:
			var sk backend.SignerKey
			if err := d.Decode(&sk); err != nil {
				return err
			}
			if err := fs.PutSignerKey(sk.Chain, sk.Party,
				sk.Key); err != nil {
				return err
			}
			if verbose {
				fmt.Fprintf(out, "signer key %v %v\n", sk.Chain,
					sk.Party)
			}
		default:
			return fmt.Errorf("invalid record type: %v", t.Type)
		}
	}
}
