//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package prefix implements a Merkle prefix tree over 256-bit indices that
// supports proofs of inclusion only, and the verification of those proofs.
package prefix

import (
	"bytes"
	"errors"
	"fmt"
)

// IndexLength is the length in bytes of an index in the tree.
const IndexLength = 32

var (
	ErrMalformedProof = errors.New("malformed prefix proof")
	ErrRootMismatch   = errors.New("root does not match prefix proof")
	// ErrPathMismatch is returned when the bits disclosed alongside a proof
	// do not match the index the proof is being evaluated for.
	ErrPathMismatch = errors.New("disclosed path does not match index")
)

// SearchResult is the output of searching for an index in one version of the
// prefix tree.
type SearchResult struct {
	// FirstUpdatePosition is the log position where the index first appeared.
	FirstUpdatePosition uint64
	// LatestUpdatePosition is the log position of the index's most recent
	// update in this version of the tree.
	LatestUpdatePosition uint64

	// Proof holds one sibling hash per level, ordered from the leaf up to the
	// root.
	Proof [][]byte
	// Counter is how many times the index had been updated, starting at 0.
	Counter uint32
	// Path optionally discloses the direction taken at each level from the
	// root, one byte of 0 (left) or 1 (right) per level.
	Path []byte
}

// CheckPath returns an error if path is not a prefix of the bits of index.
func CheckPath(index, path []byte) error {
	if len(index) != IndexLength {
		return fmt.Errorf("%w: index length must be %v bytes", ErrMalformedProof, IndexLength)
	} else if len(path) > 8*IndexLength {
		return fmt.Errorf("%w: path discloses %d levels", ErrMalformedProof, len(path))
	}
	for level, b := range path {
		if b > 1 {
			return fmt.Errorf("%w: path byte %d is not a bit", ErrMalformedProof, level)
		} else if getBit(index, level) != (b == 1) {
			return fmt.Errorf("%w: level %d", ErrPathMismatch, level)
		}
	}
	return nil
}

func evaluateProof(index, value []byte, proof [][]byte) ([]byte, error) {
	if len(proof) != 8*IndexLength {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrMalformedProof, 8*IndexLength, len(proof))
	}
	for i, sibling := range proof {
		if len(sibling) != 32 {
			return nil, fmt.Errorf("%w: element %d has length %d", ErrMalformedProof, i, len(sibling))
		}
		if getBit(index, len(proof)-i-1) {
			value = parentHash(sibling, value)
		} else {
			value = parentHash(value, sibling)
		}
	}
	return value, nil
}

// Evaluate takes a search result `res` as input, which was returned by
// searching for `index`, and returns the root that would make the proof valid.
// `pos` is the position of the first instance of `index` in the log.
func Evaluate(index []byte, pos uint64, res *SearchResult) ([]byte, error) {
	if len(index) != IndexLength {
		return nil, fmt.Errorf("%w: index length must be %v bytes", ErrMalformedProof, IndexLength)
	} else if err := CheckPath(index, res.Path); err != nil {
		return nil, err
	}
	return evaluateProof(index, leafHash(index, res.Counter, pos), res.Proof)
}

// Verify takes a search result `res` as input, which was returned by searching
// for `index` in a tree with root `root`, and returns an error if it's invalid.
func Verify(root, index []byte, pos uint64, res *SearchResult) error {
	if len(root) != 32 {
		return fmt.Errorf("%w: root length must be 32 bytes", ErrMalformedProof)
	}
	cand, err := Evaluate(index, pos, res)
	if err != nil {
		return err
	} else if !bytes.Equal(root, cand) {
		return ErrRootMismatch
	}
	return nil
}
