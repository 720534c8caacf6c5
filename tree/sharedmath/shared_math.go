//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package sharedmath holds the node id arithmetic shared by the log tree and
// the implicit search tree over log entries. Both are left-balanced binary
// trees: leaves have even ids, and a node at level k has its k lowest bits set.
package sharedmath

import "math/bits"

// IsLeaf returns true if nodeId is the id of a leaf node.
func IsLeaf(nodeId uint64) bool {
	return nodeId&1 == 0
}

// Log2 returns the exponent of the largest power of 2 less than or equal to x.
// Log2(0) is 0.
func Log2(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	return uint64(bits.Len64(x) - 1)
}

// Level returns the level of a node in the tree. Leaves are level 0, their
// parents are level 1, and so on.
func Level(nodeId uint64) uint64 {
	return uint64(bits.TrailingZeros64(^nodeId))
}

// Left returns the left child of an intermediate node. It panics on leaves.
func Left(nodeId uint64) uint64 {
	level := Level(nodeId)
	if level == 0 {
		panic("leaf node has no children")
	}
	return nodeId ^ (1 << (level - 1))
}

// RightStep returns the right child of an intermediate node, assuming the node
// is the root of a full subtree. It panics on leaves and on the level 64 node.
func RightStep(nodeId uint64) uint64 {
	level := Level(nodeId)
	if level == 0 {
		panic("leaf node has no children")
	} else if level == 64 {
		panic("nodeId has level 64")
	}
	return nodeId ^ (3 << (level - 1))
}

// ParentStep returns the parent of a node, assuming it is a full subtree.
//
// Nodes on one level are spaced 2^(level+1) apart and right children have the
// bit at 2^(level+1) set, so the parent is 2^level away in either direction.
func ParentStep(nodeId uint64) uint64 {
	level := Level(nodeId)
	if level == 64 {
		panic("nodeId has level 64")
	}
	step := uint64(1) << level
	if nodeId&(step<<1) == 0 {
		return nodeId + step
	}
	return nodeId - step
}

// Parent returns the id of the parent node in a tree whose node ids are all
// less than width. Levels that would fall past the right edge are skipped.
func Parent(nodeId, width uint64) uint64 {
	p := ParentStep(nodeId)
	for p >= width {
		p = ParentStep(p)
	}
	return p
}
