//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"cmp"
	"errors"
	"slices"

	"github.com/signalapp/keytrans/tree/sharedmath"
	"github.com/signalapp/keytrans/tree/transparency/math"
)

var errNotMonotonic = errors.New("counters are not monotonic in log position")

type observation struct {
	id  uint64
	ctr uint32
}

// proofGuide drives a search for the most recent version of a key over the
// implicit binary search tree of log entries in [pos, treeSize).
//
// The search first looks up every entry on the frontier. The greatest
// counter seen there is the key's current counter, and the search then
// descends from the first frontier entry holding it: left when an entry
// already holds the target counter, right when it holds an older one. It
// stops at a leaf or at either bound of the range.
type proofGuide struct {
	pos, treeSize uint64
	target        uint32

	ids      []uint64      // Entries to look up, in lookup order.
	seen     []observation // Counters observed so far.
	frontier bool          // Whether the frontier lookups are still pending.
}

func newProofGuide(pos, treeSize uint64) *proofGuide {
	return &proofGuide{
		pos:      pos,
		treeSize: treeSize,
		ids:      math.Frontier(pos, treeSize),
		frontier: true,
	}
}

// done reports whether the search is complete. If it is not, the next entry
// to look up is available from next.
func (pg *proofGuide) done() (bool, error) {
	if len(pg.ids) > len(pg.seen) {
		return false, nil
	}

	sorted := slices.Clone(pg.seen)
	slices.SortFunc(sorted, func(a, b observation) int { return cmp.Compare(a.id, b.id) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].ctr > sorted[i].ctr {
			return false, errNotMonotonic
		}
	}

	var last observation
	if pg.frontier {
		pg.frontier = false
		pg.target = sorted[len(sorted)-1].ctr
		i := slices.IndexFunc(sorted, func(o observation) bool { return o.ctr == pg.target })
		last = sorted[i]
	} else {
		last = pg.seen[len(pg.seen)-1]
	}
	if sharedmath.IsLeaf(last.id) {
		return true, nil
	}

	if last.ctr < pg.target {
		if last.id == pg.treeSize-1 {
			return true, nil
		}
		pg.ids = append(pg.ids, math.Right(last.id, pg.pos, pg.treeSize))
	} else {
		if last.id == pg.pos {
			return true, nil
		}
		pg.ids = append(pg.ids, math.Left(last.id, pg.pos, pg.treeSize))
	}
	return false, nil
}

func (pg *proofGuide) next() uint64 { return pg.ids[len(pg.seen)] }

func (pg *proofGuide) insert(id uint64, ctr uint32) {
	pg.seen = append(pg.seen, observation{id, ctr})
}

// final returns the lookup index of the earliest entry holding the target
// counter, or -1 if the search never found it.
func (pg *proofGuide) final() int {
	if pg.frontier {
		panic("search is not finished")
	}
	best := -1
	for i, o := range pg.seen {
		if o.ctr == pg.target && (best == -1 || o.id < pg.seen[best].id) {
			best = i
		}
	}
	return best
}

// runGuide executes a search over [pos, treeSize) using counter to look up
// the key's counter as of each entry. It returns the entries visited and the
// index of the one holding the latest version, or -1.
func runGuide(pos, treeSize uint64, counter func(entry uint64) (uint32, error)) ([]uint64, int, error) {
	if pos >= treeSize {
		return nil, 0, errors.New("first position is outside of the tree")
	}
	guide := newProofGuide(pos, treeSize)
	for {
		done, err := guide.done()
		if err != nil {
			return nil, 0, err
		} else if done {
			break
		}
		id := guide.next()
		ctr, err := counter(id)
		if err != nil {
			return nil, 0, err
		}
		guide.insert(id, ctr)
	}
	return guide.ids, guide.final(), nil
}

// SearchPath returns the log entries, in order, that a search proof must
// cover for a key that first appeared at firstUpdatePosition and was last
// updated at latestUpdatePosition.
func SearchPath(firstUpdatePosition, latestUpdatePosition, treeSize uint64) ([]uint64, error) {
	ids, _, err := runGuide(firstUpdatePosition, treeSize, func(id uint64) (uint32, error) {
		if id < latestUpdatePosition {
			return 0, nil
		}
		return 1, nil
	})
	return ids, err
}
