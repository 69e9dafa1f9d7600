// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle builds sha256 merkle trees over sorted leaves and produces
// authentication paths that prove a leaf is part of a root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"sort"
)

var (
	ErrEmptyBranch   = errors.New("empty branch")
	ErrInvalidBranch = errors.New("invalid branch")
)

// Branch is an authentication path.  Hashes[0] is the leaf followed by its
// siblings from the bottom of the tree up.  When the leaf was not found only
// the root is returned.
type Branch struct {
	NumLeaves uint32              // Number of leaves in the tree
	Index     uint32              // Position of the leaf in sorted order
	Hashes    [][sha256.Size]byte // Leaf and siblings
}

// hashPair returns sha256(l || r).
func hashPair(l, r *[sha256.Size]byte) *[sha256.Size]byte {
	var b [sha256.Size * 2]byte
	copy(b[:sha256.Size], l[:])
	copy(b[sha256.Size:], r[:])
	h := sha256.Sum256(b[:])
	return &h
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// sortedLeaves returns a sorted copy of hashes.
func sortedLeaves(hashes []*[sha256.Size]byte) []*[sha256.Size]byte {
	leaves := make([]*[sha256.Size]byte, len(hashes))
	copy(leaves, hashes)
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i][:], leaves[j][:]) < 0
	})
	return leaves
}

// Tree returns the merkle tree of hashes as a flat array.  Leaves are sorted
// and padded with nil up to a power of two, the root is the last element.
// A node whose right child is missing hashes its left child with itself.
func Tree(hashes []*[sha256.Size]byte) []*[sha256.Size]byte {
	if len(hashes) == 0 {
		return nil
	}

	width := nextPowerOfTwo(len(hashes))
	tree := make([]*[sha256.Size]byte, width*2-1)
	copy(tree, sortedLeaves(hashes))

	offset := width
	for i := 0; i < len(tree)-1; i += 2 {
		switch {
		case tree[i] == nil:
			tree[offset] = nil
		case tree[i+1] == nil:
			tree[offset] = hashPair(tree[i], tree[i])
		default:
			tree[offset] = hashPair(tree[i], tree[i+1])
		}
		offset++
	}

	return tree
}

// Root returns the merkle root of hashes or nil when there are none.
func Root(hashes []*[sha256.Size]byte) *[sha256.Size]byte {
	tree := Tree(hashes)
	if tree == nil {
		return nil
	}
	return tree[len(tree)-1]
}

// AuthPath returns the authentication path of leaf in the tree of hashes.
func AuthPath(hashes []*[sha256.Size]byte, leaf *[sha256.Size]byte) *Branch {
	tree := Tree(hashes)
	if tree == nil {
		return nil
	}
	root := tree[len(tree)-1]

	leaves := tree[:len(hashes)]
	index := sort.Search(len(leaves), func(i int) bool {
		return bytes.Compare(leaves[i][:], leaf[:]) >= 0
	})
	if index == len(leaves) || *leaves[index] != *leaf {
		return &Branch{
			NumLeaves: uint32(len(hashes)),
			Hashes:    [][sha256.Size]byte{*root},
		}
	}

	b := &Branch{
		NumLeaves: uint32(len(hashes)),
		Index:     uint32(index),
		Hashes:    [][sha256.Size]byte{*leaf},
	}
	width := nextPowerOfTwo(len(hashes))
	levelStart, pos := 0, index
	for width > 1 {
		sibling := tree[levelStart+(pos^1)]
		if sibling == nil {
			sibling = tree[levelStart+pos]
		}
		b.Hashes = append(b.Hashes, *sibling)
		levelStart += width
		width >>= 1
		pos >>= 1
	}

	return b
}

// VerifyAuthPath folds the branch and returns the merkle root it commits to.
func VerifyAuthPath(b *Branch) (*[sha256.Size]byte, error) {
	if b == nil || len(b.Hashes) == 0 {
		return nil, ErrEmptyBranch
	}
	if b.NumLeaves != 0 && b.Index >= b.NumLeaves {
		return nil, ErrInvalidBranch
	}

	h := b.Hashes[0]
	current := &h
	pos := b.Index
	for i := 1; i < len(b.Hashes); i++ {
		sibling := b.Hashes[i]
		if pos&1 == 0 {
			current = hashPair(current, &sibling)
		} else {
			current = hashPair(&sibling, current)
		}
		pos >>= 1
	}

	return current, nil
}

// Leaf returns the leaf the branch authenticates.
func (b *Branch) Leaf() [sha256.Size]byte {
	return b.Hashes[0]
}
