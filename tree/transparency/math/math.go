//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package math implements the arithmetic of the implicit binary search tree
// formed by arranging log entries in a left-balanced formation. Searches and
// monitoring are restricted to the entries in [start, treeSize), where start
// is the position at which a search key first appeared.
package math

import (
	"github.com/signalapp/keytrans/tree/sharedmath"
)

// clamp moves from entry towards the range [start, treeSize) until it lands
// inside of it. Moving right from an entry before start and left from an entry
// past the end always terminates on an entry within the range.
func clamp(entry, start, treeSize uint64) uint64 {
	for {
		switch {
		case entry < start:
			entry = sharedmath.RightStep(entry)
		case entry >= treeSize:
			entry = sharedmath.Left(entry)
		default:
			return entry
		}
	}
}

// Root returns the first entry within [start, treeSize) encountered when
// descending from the root of the full tree.
func Root(start, treeSize uint64) uint64 {
	return clamp(uint64(1)<<sharedmath.Log2(treeSize)-1, start, treeSize)
}

// Left returns the first entry within range of the left subtree of entry.
func Left(entry, start, treeSize uint64) uint64 {
	return clamp(sharedmath.Left(entry), start, treeSize)
}

// Right returns the first entry within range of the right subtree of entry.
func Right(entry, start, treeSize uint64) uint64 {
	return clamp(sharedmath.RightStep(entry), start, treeSize)
}

// Frontier returns the entries along the right edge of the search tree,
// starting at the root and ending at the last entry of the log.
func Frontier(start, treeSize uint64) []uint64 {
	frontier := []uint64{Root(start, treeSize)}
	for last := frontier[0]; last != treeSize-1; {
		last = Right(last, start, treeSize)
		frontier = append(frontier, last)
	}
	return frontier
}

// MonitoringPath returns the ancestors of entry, up to the root of the search
// tree, that have a larger position than entry. These are the entries whose
// prefix trees are required to contain the version of the key seen at entry.
func MonitoringPath(entry, start, treeSize uint64) []uint64 {
	root := Root(start, treeSize)

	var path []uint64
	for id := entry; id != root; {
		id = sharedmath.Parent(id, treeSize)
		if id > entry {
			path = append(path, id)
		}
	}
	return path
}

// FullMonitoringPath returns the checkpoints that are checked when monitoring
// the version of a key seen at entry: its monitoring path, followed by the
// frontier entries past the point where the monitoring path joins the
// frontier.
func FullMonitoringPath(entry, start, treeSize uint64) []uint64 {
	path := MonitoringPath(entry, start, treeSize)

	seen := make(map[uint64]struct{}, len(path)+1)
	seen[entry] = struct{}{}
	for _, id := range path {
		seen[id] = struct{}{}
	}

	// Descending from the root, the path to entry leaves the frontier at the
	// first left turn, which is an ancestor with a larger position. If it never
	// turns left, entry is itself on the frontier.
	frontier := Frontier(start, treeSize)
	for i := len(frontier) - 1; i >= 0; i-- {
		if _, ok := seen[frontier[i]]; ok {
			return append(path, frontier[i+1:]...)
		}
	}
	panic("entry is not below the frontier")
}
