//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package log implements a log-based Merkle tree where new data is added as the
// right-most leaf, and the verification of inclusion and consistency proofs
// against it.
package log

import (
	"crypto/sha256"
	"fmt"
)

// HashSize is the length of every leaf and intermediate value in the tree.
const HashSize = 32

// nodeData is the value of a node together with whether it is a leaf. The two
// are hashed together so leaf values can never be mistaken for intermediates.
type nodeData struct {
	leaf  bool
	value []byte
}

func (nd *nodeData) validate() error {
	if len(nd.value) != HashSize {
		return fmt.Errorf("node value is wrong length: %v", len(nd.value))
	}
	return nil
}

// marshal returns the tagged form of the node used as hash input: 0x00 for a
// leaf, 0x01 for an intermediate node, followed by the 32-byte value.
func (nd *nodeData) marshal() []byte {
	out := make([]byte, 1+HashSize)
	if !nd.leaf {
		out[0] = 1
	}
	copy(out[1:], nd.value)
	return out
}

// treeHash returns the value of the intermediate node with the given children.
// Callers validate lengths first.
func treeHash(left, right *nodeData) []byte {
	if err := left.validate(); err != nil {
		panic(err)
	} else if err := right.validate(); err != nil {
		panic(err)
	}

	h := sha256.New()
	h.Write(left.marshal())
	h.Write(right.marshal())
	return h.Sum(nil)
}

// NodeHash returns the value of an intermediate node from the values of its
// children, where leftLeaf and rightLeaf report whether each child is a leaf.
func NodeHash(left []byte, leftLeaf bool, right []byte, rightLeaf bool) ([]byte, error) {
	l, r := &nodeData{leaf: leftLeaf, value: left}, &nodeData{leaf: rightLeaf, value: right}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("%w: left child: %v", ErrMalformedProof, err)
	} else if err := r.validate(); err != nil {
		return nil, fmt.Errorf("%w: right child: %v", ErrMalformedProof, err)
	}
	return treeHash(l, r), nil
}
