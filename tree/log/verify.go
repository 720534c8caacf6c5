//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package log

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/signalapp/keytrans/tree/log/math"
	"github.com/signalapp/keytrans/tree/sharedmath"
)

var (
	// ErrMalformedProof is returned when a proof or its parameters are
	// structurally invalid: wrong lengths, wrong number of elements, or
	// positions outside of the tree.
	ErrMalformedProof = errors.New("malformed proof")
	// ErrRootMismatch is returned when a well-formed proof does not lead to
	// the expected root.
	ErrRootMismatch = errors.New("root does not match proof")
)

// rootCalculator folds a sequence of full subtree values, given left to
// right with their levels, into the root of the tree they make up.
type rootCalculator struct {
	chain []*nodeData
}

func newRootCalculator() *rootCalculator {
	return &rootCalculator{}
}

func (c *rootCalculator) Add(leaf []byte) {
	c.Insert(0, leaf)
}

func (c *rootCalculator) Insert(level uint64, value []byte) {
	for uint64(len(c.chain)) < level+1 {
		c.chain = append(c.chain, nil)
	}

	acc := &nodeData{leaf: level == 0, value: value}
	i := level
	for ; i < uint64(len(c.chain)) && c.chain[i] != nil; i++ {
		acc = &nodeData{value: treeHash(c.chain[i], acc)}
		c.chain[i] = nil
	}
	if i == uint64(len(c.chain)) {
		c.chain = append(c.chain, acc)
	} else {
		c.chain[i] = acc
	}
}

func (c *rootCalculator) Root() ([]byte, error) {
	var root *nodeData
	for _, nd := range c.chain {
		if nd == nil {
			continue
		} else if root == nil {
			root = nd
		} else {
			root = &nodeData{value: treeHash(nd, root)}
		}
	}
	if root == nil {
		return nil, errors.New("empty chain")
	}
	return root.value, nil
}

func checkElements(proof [][]byte) error {
	for i, elem := range proof {
		if len(elem) != HashSize {
			return fmt.Errorf("%w: element %d has length %d", ErrMalformedProof, i, len(elem))
		}
	}
	return nil
}

// EvaluateInclusionProof returns the root that would result in the given proof
// being valid for the given leaf value at `entry`.
func EvaluateInclusionProof(entry, treeSize uint64, value []byte, proof [][]byte) ([]byte, error) {
	if entry >= treeSize {
		return nil, fmt.Errorf("%w: entry %d is beyond tree of size %d", ErrMalformedProof, entry, treeSize)
	} else if len(value) != HashSize {
		return nil, fmt.Errorf("%w: leaf value has length %d", ErrMalformedProof, len(value))
	} else if err := checkElements(proof); err != nil {
		return nil, err
	}

	nodeId := 2 * entry
	path := math.Copath(nodeId, treeSize)
	if len(proof) != len(path) {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrMalformedProof, len(path), len(proof))
	}

	acc := &nodeData{leaf: true, value: value}
	for i, sibling := range path {
		nd := &nodeData{leaf: sharedmath.IsLeaf(sibling), value: proof[i]}
		if nodeId < sibling {
			acc = &nodeData{value: treeHash(acc, nd)}
		} else {
			acc = &nodeData{value: treeHash(nd, acc)}
		}
		nodeId = math.Parent(nodeId, treeSize)
	}

	return acc.value, nil
}

// VerifyInclusionProof checks that `proof` is a valid inclusion proof for
// `value` at `entry` in a tree of size treeSize with the given root.
func VerifyInclusionProof(entry, treeSize uint64, value []byte, proof [][]byte, root []byte) error {
	candidate, err := EvaluateInclusionProof(entry, treeSize, value, proof)
	if err != nil {
		return err
	} else if !bytes.Equal(root, candidate) {
		return ErrRootMismatch
	}
	return nil
}

// EvaluateBatchProof returns the root that would result in the given proof
// being valid for the given values. Entries must be sorted and unique.
func EvaluateBatchProof(entries []uint64, treeSize uint64, values [][]byte, proof [][]byte) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries to evaluate", ErrMalformedProof)
	} else if len(entries) != len(values) {
		return nil, fmt.Errorf("%w: expected same number of entries and values", ErrMalformedProof)
	} else if !slices.IsSorted(entries) {
		return nil, fmt.Errorf("%w: entries must be in sorted order", ErrMalformedProof)
	} else if entries[len(entries)-1] >= treeSize {
		return nil, fmt.Errorf("%w: entry %d is beyond tree of size %d", ErrMalformedProof, entries[len(entries)-1], treeSize)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1] == entries[i] {
			return nil, fmt.Errorf("%w: duplicate entry %d", ErrMalformedProof, entries[i])
		}
	}
	if err := checkElements(values); err != nil {
		return nil, err
	} else if err := checkElements(proof); err != nil {
		return nil, err
	}

	copath := math.BatchCopath(entries, treeSize)
	if len(proof) != len(copath) {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrMalformedProof, len(copath), len(proof))
	}

	// Both lists are ordered left to right, so merging them by node id yields
	// the full subtrees of the tree in order.
	calc := newRootCalculator()
	i, j := 0, 0
	for i < len(entries) || j < len(copath) {
		if j == len(copath) || (i < len(entries) && 2*entries[i] < copath[j]) {
			calc.Add(values[i])
			i++
		} else {
			calc.Insert(sharedmath.Level(copath[j]), proof[j])
			j++
		}
	}

	return calc.Root()
}

// VerifyBatchProof checks that `proof` is a valid batch inclusion proof for the
// given values in a tree with the given root.
func VerifyBatchProof(entries []uint64, treeSize uint64, values [][]byte, proof [][]byte, root []byte) error {
	candidate, err := EvaluateBatchProof(entries, treeSize, values, proof)
	if err != nil {
		return err
	} else if !bytes.Equal(root, candidate) {
		return ErrRootMismatch
	}
	return nil
}

// EvaluateConsistencyProof returns the root of the tree of size n implied by
// a proof that it extends the tree of size m with root mRoot. m must be
// greater than zero.
func EvaluateConsistencyProof(m, n uint64, proof [][]byte, mRoot []byte) ([]byte, error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: the empty tree implies no root", ErrMalformedProof)
	} else if m > n {
		return nil, fmt.Errorf("%w: old size %d is greater than new size %d", ErrMalformedProof, m, n)
	} else if err := checkElements(proof); err != nil {
		return nil, err
	} else if len(mRoot) != HashSize {
		return nil, fmt.Errorf("%w: roots must be %d bytes", ErrMalformedProof, HashSize)
	}
	if m == n {
		if len(proof) != 0 {
			return nil, fmt.Errorf("%w: consistency proof provided when not expected", ErrMalformedProof)
		}
		return mRoot, nil
	}

	ids := math.ConsistencyProof(m, n)
	if len(proof) != len(ids) {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrMalformedProof, len(ids), len(proof))
	}
	calc := newRootCalculator()

	// Step 1: the full subtrees of the old tree lead with the proof, unless the
	// old tree is itself a full subtree in which case its root stands in.
	path := math.FullSubtrees(math.Root(m), m)
	start := len(path)
	if len(path) == 1 {
		calc.Insert(sharedmath.Level(path[0]), mRoot)
		start = 0
	} else {
		for i, id := range path {
			if i >= len(ids) || ids[i] != id {
				return nil, errors.New("consistency proof ids do not begin with old subtrees")
			}
			calc.Insert(sharedmath.Level(id), proof[i])
		}
		if root, err := calc.Root(); err != nil {
			return nil, err
		} else if !bytes.Equal(mRoot, root) {
			return nil, fmt.Errorf("%w: old root", ErrRootMismatch)
		}
	}

	// Step 2: the remaining elements extend the old tree to the new one.
	for i := start; i < len(ids); i++ {
		calc.Insert(sharedmath.Level(ids[i]), proof[i])
	}
	return calc.Root()
}

// VerifyConsistencyProof checks that `proof` shows the tree of size n with
// root nRoot is an append-only extension of the tree of size m with root
// mRoot.
//
// A tree of size 0 is a prefix of every tree and needs no proof. Equal sizes
// need no proof and equal roots.
func VerifyConsistencyProof(m, n uint64, proof [][]byte, mRoot, nRoot []byte) error {
	if m == 0 {
		if len(proof) != 0 {
			return fmt.Errorf("%w: consistency proof provided when not expected", ErrMalformedProof)
		}
		return nil
	} else if m != n && len(nRoot) != HashSize {
		return fmt.Errorf("%w: roots must be %d bytes", ErrMalformedProof, HashSize)
	}
	root, err := EvaluateConsistencyProof(m, n, proof, mRoot)
	if err != nil {
		return err
	} else if !bytes.Equal(nRoot, root) {
		if m == n {
			return ErrRootMismatch
		}
		return fmt.Errorf("%w: new root", ErrRootMismatch)
	}
	return nil
}
