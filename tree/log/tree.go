//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package log

import (
	"fmt"
	"sync"

	"github.com/signalapp/keytrans/tree/log/math"
	"github.com/signalapp/keytrans/tree/sharedmath"
)

// Tree is an in-memory log tree where all new data is added as the right-most
// leaf. It keeps the value of every full subtree, which never changes once
// written, so proofs can be produced for any past size of the tree.
type Tree struct {
	mu    sync.RWMutex
	size  uint64
	nodes map[uint64][]byte
}

func NewTree() *Tree {
	return &Tree{nodes: make(map[uint64][]byte)}
}

// Size returns the number of entries in the tree.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Append adds a new element to the end of the log and returns the new root.
func (t *Tree) Append(value []byte) ([]byte, error) {
	if len(value) != HashSize {
		return nil, fmt.Errorf("value has wrong length: %v", len(value))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := 2 * t.size
	n := t.size + 1
	t.nodes[leaf] = dup(value)
	for _, id := range math.DirectPath(leaf, n) {
		if !math.IsFullSubtree(id, n) {
			break
		}
		l, r := sharedmath.Left(id), sharedmath.RightStep(id)
		t.nodes[id] = treeHash(t.node(l, n), t.node(r, n))
	}
	t.size = n

	return t.node(math.Root(n), n).value, nil
}

// node returns the value of nodeId in the tree of size n. The caller holds
// the lock.
func (t *Tree) node(nodeId, n uint64) *nodeData {
	if math.IsFullSubtree(nodeId, n) {
		return &nodeData{leaf: sharedmath.IsLeaf(nodeId), value: t.nodes[nodeId]}
	}
	subtrees := math.FullSubtrees(nodeId, n)
	nd := t.node(subtrees[len(subtrees)-1], n)
	for i := len(subtrees) - 2; i >= 0; i-- {
		nd = &nodeData{value: treeHash(t.node(subtrees[i], n), nd)}
	}
	return nd
}

func (t *Tree) fetch(n uint64, ids []uint64) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = dup(t.node(id, n).value)
	}
	return out
}

func (t *Tree) checkSize(treeSize uint64) error {
	if treeSize == 0 {
		return fmt.Errorf("empty tree")
	} else if treeSize > t.size {
		return fmt.Errorf("tree size %d is beyond current size %d", treeSize, t.size)
	}
	return nil
}

// Root returns the root of the log as it was when it had treeSize entries.
func (t *Tree) Root(treeSize uint64) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkSize(treeSize); err != nil {
		return nil, err
	}
	return dup(t.node(math.Root(treeSize), treeSize).value), nil
}

// Get returns the value for the given `entry`, along with its proof of
// inclusion in the tree of size treeSize.
func (t *Tree) Get(entry, treeSize uint64) ([]byte, [][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkSize(treeSize); err != nil {
		return nil, nil, err
	} else if entry >= treeSize {
		return nil, nil, fmt.Errorf("can not get leaf beyond right edge of tree: %d >= %d", entry, treeSize)
	}
	leaf := 2 * entry
	return dup(t.nodes[leaf]), t.fetch(treeSize, math.Copath(leaf, treeSize)), nil
}

// GetBatchProof returns a batch proof for the given sorted set of log entries.
func (t *Tree) GetBatchProof(entries []uint64, treeSize uint64) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkSize(treeSize); err != nil {
		return nil, err
	}
	for _, x := range entries {
		if x >= treeSize {
			return nil, fmt.Errorf("can not get leaf beyond right edge of tree: %d >= %d", x, treeSize)
		}
	}
	return t.fetch(treeSize, math.BatchCopath(entries, treeSize)), nil
}

// GetConsistencyProof returns a proof that the log with n entries is an
// extension of the log with m entries. It is empty when m is 0 or m == n.
func (t *Tree) GetConsistencyProof(m, n uint64) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if m > n {
		return nil, fmt.Errorf("second parameter must not be less than first")
	} else if err := t.checkSize(n); err != nil {
		return nil, err
	} else if m == 0 || m == n {
		return nil, nil
	}
	return t.fetch(n, math.ConsistencyProof(m, n)), nil
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
