// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/stakecert/stakecertd/backend"
	"github.com/decred/stakecert/stakecertd/chain"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// fsckChain verifies one chain: the head walks back to a single genesis with
// strictly decreasing epochs, the genesis pointer matches, and every indexed
// certificate is on that path.
func (fs *FileSystem) fsckChain(out io.Writer, verbose bool, id chain.ID) error {
	cdb, err := fs.open(id, false)
	if err != nil {
		return err
	}

	head, err := fs.pointer(id, cdb.db, headKey)
	if err != nil {
		// A chain with open messages only has no head.
		if err == backend.ErrNotFound {
			fmt.Fprintf(out, "%v: no certificates\n", id)
			return nil
		}
		return err
	}

	path := make(map[string]struct{})
	var genesis *backend.Certificate
	n, err := backend.VerifyChain(head, func(certID string) (*backend.Certificate, error) {
		c, err := fs.get(id, cdb.db, certID)
		if err != nil {
			return nil, err
		}
		path[c.ID] = struct{}{}
		if c.IsGenesis() {
			genesis = c
		}
		if verbose {
			fmt.Fprintf(out, "  %v epoch %v\n", c.ID, c.Epoch)
		}
		return c, nil
	})
	if err != nil {
		return fmt.Errorf("%v: %w", id, err)
	}
	path[head.ID] = struct{}{}
	if head.IsGenesis() {
		genesis = head
	}

	g, err := fs.pointer(id, cdb.db, genesisKey)
	if err != nil {
		return fmt.Errorf("%v: genesis pointer: %w", id, err)
	}
	if genesis == nil || g.ID != genesis.ID {
		return fmt.Errorf("%v: genesis pointer %v does not match chain",
			id, g.ID)
	}

	// Every certificate in the epoch index must be on the path.
	indexed := 0
	i := cdb.db.NewIterator(util.BytesPrefix([]byte(epochPrefix)), nil)
	defer i.Release()
	for i.Next() {
		indexed++
		certID := string(i.Value())
		if _, ok := path[certID]; !ok {
			epoch := binary.BigEndian.Uint64(i.Key()[len(epochPrefix):])
			return fmt.Errorf("%v: orphan certificate %v epoch %v",
				id, certID, epoch)
		}
	}
	if err := i.Error(); err != nil {
		return err
	}
	if indexed != n {
		return fmt.Errorf("%v: index has %v certificates, chain has %v",
			id, indexed, n)
	}

	fmt.Fprintf(out, "%v: %v certificates, head epoch %v\n", id, n,
		head.Epoch)

	return nil
}

// Fsck verifies every chain, or only the ones listed in options.
func (fs *FileSystem) Fsck(options *backend.FsckOptions) error {
	out := options.Out
	if out == nil {
		out = io.Discard
	}

	chains := options.Chains
	if len(chains) == 0 {
		var err error
		chains, err = fs.Chains()
		if err != nil {
			return err
		}
	}

	var failed int
	for _, id := range chains {
		if err := fs.fsckChain(out, options.Verbose, id); err != nil {
			fmt.Fprintf(out, "FAIL %v\n", err)
			failed++
		}
	}
	if failed != 0 {
		return fmt.Errorf("%v of %v chains failed", failed, len(chains))
	}
	return nil
}
