//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package math computes node ids in the log tree. Entry i of the log is the
// leaf with node id 2*i, and the tree is left-balanced so the size of the log
// need not be a power of two.
package math

import (
	"slices"

	"github.com/signalapp/keytrans/tree/sharedmath"
)

// NodeWidth returns the number of node ids in use by a tree with numLeaves
// leaves.
func NodeWidth(numLeaves uint64) uint64 {
	if numLeaves == 0 {
		return 0
	}
	return 2*(numLeaves-1) + 1
}

// Root returns the id of the root node of a tree with numLeaves leaves.
func Root(numLeaves uint64) uint64 {
	return (1 << sharedmath.Log2(NodeWidth(numLeaves))) - 1
}

// Right returns the right child of an intermediate node, descending left past
// ids that do not exist yet.
func Right(nodeId, numLeaves uint64) uint64 {
	r := sharedmath.RightStep(nodeId)
	for w := NodeWidth(numLeaves); r >= w; {
		r = sharedmath.Left(r)
	}
	return r
}

// Parent returns the id of the parent node. It panics if nodeId is the root.
func Parent(nodeId, numLeaves uint64) uint64 {
	if nodeId == Root(numLeaves) {
		panic("root node has no parent")
	}
	return sharedmath.Parent(nodeId, NodeWidth(numLeaves))
}

// Sibling returns the other child of the node's parent.
func Sibling(nodeId, numLeaves uint64) uint64 {
	p := Parent(nodeId, numLeaves)
	if nodeId < p {
		return Right(p, numLeaves)
	}
	return sharedmath.Left(p)
}

// DirectPath returns the ancestors of a node, ordered from its parent up to
// and including the root.
func DirectPath(nodeId, numLeaves uint64) []uint64 {
	root := Root(numLeaves)

	var path []uint64
	for nodeId != root {
		nodeId = Parent(nodeId, numLeaves)
		path = append(path, nodeId)
	}
	return path
}

// Copath returns the siblings of a node and of each of its ancestors below the
// root, ordered from the node upwards. It panics if the node is not in the
// tree.
func Copath(nodeId, numLeaves uint64) []uint64 {
	if numLeaves == 0 || nodeId >= NodeWidth(numLeaves) {
		panic("nodeId does not exist in the given tree")
	}

	root := Root(numLeaves)
	var path []uint64
	for nodeId != root {
		path = append(path, Sibling(nodeId, numLeaves))
		nodeId = Parent(nodeId, numLeaves)
	}
	return path
}

// IsFullSubtree returns true if every leaf below nodeId exists.
func IsFullSubtree(nodeId, numLeaves uint64) bool {
	rightmost := 2 * (numLeaves - 1)
	return nodeId+(1<<sharedmath.Level(nodeId))-1 <= rightmost
}

// FullSubtrees decomposes the subtree rooted at nodeId into full subtrees,
// returned left to right.
func FullSubtrees(nodeId, numLeaves uint64) []uint64 {
	var out []uint64
	for !IsFullSubtree(nodeId, numLeaves) {
		out = append(out, sharedmath.Left(nodeId))
		nodeId = Right(nodeId, numLeaves)
	}
	return append(out, nodeId)
}

// ConsistencyProof returns the node ids that make up a consistency proof from
// a tree with m leaves to one with n leaves, 0 < m < n, following the
// SUBPROOF algorithm of RFC 6962 section 2.1.2.
func ConsistencyProof(m, n uint64) []uint64 {
	return subProof(m, n, true)
}

// subProof is SUBPROOF(m, D[n], b). Ids in the right half of the recursion are
// computed on a tree starting at leaf k and shifted back afterwards.
func subProof(m, n uint64, b bool) []uint64 {
	if m == n {
		if b {
			return nil
		}
		return []uint64{Root(m)}
	}

	k := uint64(1) << sharedmath.Log2(n)
	if k == n {
		k /= 2
	}
	if m <= k {
		return append(subProof(m, k, b), Right(Root(n), n))
	}

	proof := subProof(m-k, n-k, false)
	for i := range proof {
		proof[i] += 2 * k
	}
	return append([]uint64{sharedmath.Left(Root(n))}, proof...)
}

// BatchCopath returns, in increasing order, the node ids needed alongside the
// given entries to compute the root. Entries are log entry ids, not node ids.
func BatchCopath(entries []uint64, numLeaves uint64) []uint64 {
	if len(entries) == 0 {
		return nil
	}
	nodes := make([]uint64, len(entries))
	for i, x := range entries {
		nodes[i] = 2 * x
	}
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)

	var out []uint64
	root := Root(numLeaves)
	for len(nodes) != 1 || nodes[0] != root {
		var next []uint64
		for len(nodes) > 1 {
			p := Parent(nodes[0], numLeaves)
			if Right(p, numLeaves) == nodes[1] {
				nodes = nodes[2:]
			} else {
				out = append(out, Sibling(nodes[0], numLeaves))
				nodes = nodes[1:]
			}
			next = append(next, p)
		}
		if len(nodes) == 1 {
			// The rightmost node's parent may skip levels on the ragged edge.
			// Hold it back until the level reaches its parent's other child.
			if len(next) > 0 && sharedmath.Level(Parent(nodes[0], numLeaves)) > sharedmath.Level(next[0]) {
				next = append(next, nodes[0])
			} else {
				out = append(out, Sibling(nodes[0], numLeaves))
				next = append(next, Parent(nodes[0], numLeaves))
			}
		}
		nodes = next
	}
	slices.Sort(out)

	return out
}
