//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package prefix

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when searching for an index that is not in the
// requested version of the tree.
var ErrNotFound = errors.New("index not found")

type leafData struct {
	ctr           uint32
	first, latest uint64
}

// node is an immutable node of the tree. Versions share every subtree that an
// insertion did not touch.
type node struct {
	left, right *node
	leaf        *leafData
	hash        []byte
}

// Tree is an in-memory, versioned prefix tree. Version v is the tree after the
// first v insertions; insertion i is assumed to happen at log position i.
type Tree struct {
	mu       sync.RWMutex
	seed     []byte
	versions []*node
}

// NewTree returns an empty tree. The 16-byte seed determines the stand-in
// values of empty subtrees.
func NewTree(seed []byte) (*Tree, error) {
	if len(seed) != 16 {
		return nil, fmt.Errorf("seed must be 16 bytes")
	}
	return &Tree{seed: dup(seed), versions: []*node{nil}}, nil
}

// Version returns the number of insertions made so far.
func (t *Tree) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.versions) - 1)
}

func (t *Tree) childHash(n *node, depth int) []byte {
	if n == nil {
		return standInHash(t.seed, depth-1)
	}
	return n.hash
}

func (t *Tree) insert(n *node, index []byte, depth int, pos uint64) *node {
	if depth == 8*IndexLength {
		ld := &leafData{first: pos, latest: pos}
		if n != nil {
			ld = &leafData{ctr: n.leaf.ctr + 1, first: n.leaf.first, latest: pos}
		}
		return &node{leaf: ld, hash: leafHash(index, ld.ctr, ld.first)}
	}

	out := &node{}
	if n != nil {
		out.left, out.right = n.left, n.right
	}
	if getBit(index, depth) {
		out.right = t.insert(out.right, index, depth+1, pos)
	} else {
		out.left = t.insert(out.left, index, depth+1, pos)
	}
	out.hash = parentHash(t.childHash(out.left, depth+1), t.childHash(out.right, depth+1))
	return out
}

// Insert adds a new version of the tree where index has been updated at the
// next log position. It returns the new root and the index's counter.
func (t *Tree) Insert(index []byte) ([]byte, uint32, error) {
	if len(index) != IndexLength {
		return nil, 0, fmt.Errorf("index length must be %v bytes", IndexLength)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos := uint64(len(t.versions) - 1)
	root := t.insert(t.versions[len(t.versions)-1], index, 0, pos)
	t.versions = append(t.versions, root)

	n := root
	for depth := 0; depth < 8*IndexLength; depth++ {
		if getBit(index, depth) {
			n = n.right
		} else {
			n = n.left
		}
	}
	return dup(root.hash), n.leaf.ctr, nil
}

// Root returns the root of the given version of the tree.
func (t *Tree) Root(version uint64) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if version == 0 || version >= uint64(len(t.versions)) {
		return nil, fmt.Errorf("version %d does not exist", version)
	}
	return dup(t.versions[version].hash), nil
}

// Search returns the proof of inclusion of index in the given version of the
// tree.
func (t *Tree) Search(version uint64, index []byte) (*SearchResult, error) {
	if len(index) != IndexLength {
		return nil, fmt.Errorf("index length must be %v bytes", IndexLength)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if version == 0 || version >= uint64(len(t.versions)) {
		return nil, fmt.Errorf("version %d does not exist", version)
	}

	proof := make([][]byte, 8*IndexLength)
	n := t.versions[version]
	for depth := 0; depth < 8*IndexLength; depth++ {
		if n == nil {
			return nil, ErrNotFound
		}
		var sibling *node
		if getBit(index, depth) {
			sibling, n = n.left, n.right
		} else {
			sibling, n = n.right, n.left
		}
		proof[len(proof)-depth-1] = dup(t.childHash(sibling, depth+1))
	}
	if n == nil {
		return nil, ErrNotFound
	}

	return &SearchResult{
		FirstUpdatePosition:  n.leaf.first,
		LatestUpdatePosition: n.leaf.latest,
		Proof:                proof,
		Counter:              n.leaf.ctr,
	}, nil
}

func dup(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
