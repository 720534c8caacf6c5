//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/signalapp/keytrans/tree/log"
)

// LogID names one of the logs that a client keeps verified state for.
type LogID string

const (
	MainLog          LogID = "main"
	DistinguishedLog LogID = "distinguished"
)

// ErrStateConflict is returned by a StateStore when the stored state is not
// the one the caller expected to replace.
var ErrStateConflict = errors.New("stored log state was modified concurrently")

// ErrStaleRequest is returned when the verified state that a request was
// made from was replaced before its response was checked. The response is
// not known to be invalid, and the request may be retried.
var ErrStaleRequest = errors.New("verified log state changed while the request was in flight")

// VerifiedLogState is the most recent tree head of a log that passed
// verification. Values are never modified once stored.
type VerifiedLogState struct {
	TreeSize  uint64 `json:"tree_size" dynamodbav:"tree_size"`
	Root      []byte `json:"root" dynamodbav:"root"`
	Timestamp int64  `json:"timestamp" dynamodbav:"timestamp"`
}

func (s *VerifiedLogState) String() string {
	if s == nil {
		return "<empty>"
	}
	return fmt.Sprintf("size=%d root=%x timestamp=%d", s.TreeSize, s.Root, s.Timestamp)
}

// StateStore persists verified log state across restarts.
type StateStore interface {
	// GetLogState returns the stored state of a log, or nil if there is none.
	GetLogState(ctx context.Context, id LogID) (*VerifiedLogState, error)
	// CompareAndSwapLogState replaces the stored state of a log with next, if
	// the stored state is prev. A nil prev means no state is stored. It
	// returns ErrStateConflict if the stored state is something else.
	CompareAndSwapLogState(ctx context.Context, id LogID, prev, next *VerifiedLogState) error
}

// LogState holds the verified state of one log. Readers get the last
// committed snapshot without blocking; writers are serialized.
type LogState struct {
	id    LogID
	store StateStore

	mu  sync.Mutex
	cur atomic.Pointer[VerifiedLogState]
}

// NewLogState returns the verified state of log id, loaded from store. The
// store may be nil, in which case state is kept only in memory.
func NewLogState(ctx context.Context, id LogID, store StateStore) (*LogState, error) {
	ls := &LogState{id: id, store: store}
	if store != nil {
		cur, err := store.GetLogState(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading %v log state: %w", id, err)
		}
		ls.cur.Store(cur)
	}
	return ls, nil
}

func (ls *LogState) ID() LogID { return ls.id }

// Load returns the last committed state, or nil if nothing was verified yet.
func (ls *LogState) Load() *VerifiedLogState { return ls.cur.Load() }

// Check returns the error that TryAdvance would return for candidate,
// without modifying anything.
func (ls *LogState) Check(candidate *VerifiedLogState, consistency [][]byte) error {
	return checkAdvance(ls.Load(), candidate, consistency)
}

// TryAdvance replaces the stored state with candidate if candidate is a
// valid successor of it. consistency is the proof from the stored tree size
// to the candidate's. It returns the state that was replaced.
func (ls *LogState) TryAdvance(ctx context.Context, candidate *VerifiedLogState, consistency [][]byte) (*VerifiedLogState, error) {
	return ls.tryAdvance(ctx, nil, false, candidate, consistency)
}

// TryAdvanceFrom is like TryAdvance, for a consistency proof that starts
// from the tree size from, or from nothing if from is nil. If that is not
// the size of the stored state, it returns ErrStaleRequest unless candidate
// is the stored tree head.
func (ls *LogState) TryAdvanceFrom(ctx context.Context, from *uint64, candidate *VerifiedLogState, consistency [][]byte) (*VerifiedLogState, error) {
	return ls.tryAdvance(ctx, from, true, candidate, consistency)
}

func (ls *LogState) tryAdvance(ctx context.Context, from *uint64, checkFrom bool, candidate *VerifiedLogState, consistency [][]byte) (*VerifiedLogState, error) {
	if err := checkCandidate(candidate); err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	prev := ls.cur.Load()
	if checkFrom && !startsFrom(prev, from) {
		if prev != nil && prev.TreeSize == candidate.TreeSize && bytes.Equal(prev.Root, candidate.Root) &&
			prev.Timestamp >= candidate.Timestamp {
			return prev, nil
		}
		return nil, fmt.Errorf("%v log is at %v: %w", ls.id, prev, ErrStaleRequest)
	}
	if err := checkAdvance(prev, candidate, consistency); err != nil {
		return nil, err
	} else if prev != nil && prev.TreeSize == candidate.TreeSize && prev.Timestamp == candidate.Timestamp {
		return prev, nil
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := &VerifiedLogState{
		TreeSize:  candidate.TreeSize,
		Root:      bytes.Clone(candidate.Root),
		Timestamp: candidate.Timestamp,
	}
	if ls.store != nil {
		if err := ls.store.CompareAndSwapLogState(ctx, ls.id, prev, next); err != nil {
			return nil, fmt.Errorf("storing %v log state: %w", ls.id, err)
		}
	}
	ls.cur.Store(next)
	return prev, nil
}

// startsFrom returns true if state has the tree size from.
func startsFrom(state *VerifiedLogState, from *uint64) bool {
	if state == nil || from == nil {
		return state == nil && from == nil
	}
	return state.TreeSize == *from
}

func checkCandidate(candidate *VerifiedLogState) error {
	if candidate == nil {
		return errorf(KindMalformedProof, "no tree head given")
	} else if candidate.TreeSize == 0 {
		return errorf(KindMalformedProof, "tree head has size zero")
	} else if len(candidate.Root) != log.HashSize {
		return errorf(KindMalformedProof, "root has length %d", len(candidate.Root))
	}
	return nil
}

// checkAdvance decides whether candidate may follow last.
func checkAdvance(last, candidate *VerifiedLogState, consistency [][]byte) error {
	if err := checkCandidate(candidate); err != nil {
		return err
	}
	if last == nil {
		if len(consistency) != 0 {
			return errorf(KindMalformedProof, "consistency proof given without a previous tree head")
		}
		return nil
	}

	switch {
	case candidate.TreeSize < last.TreeSize:
		return errorf(KindRollback, "tree size went from %d to %d", last.TreeSize, candidate.TreeSize)
	case candidate.TreeSize == last.TreeSize:
		if len(consistency) != 0 {
			return errorf(KindMalformedProof, "consistency proof provided when not expected")
		} else if !bytes.Equal(candidate.Root, last.Root) {
			return errorf(KindEquivocation, "different roots for tree size %d", last.TreeSize)
		}
	default:
		err := log.VerifyConsistencyProof(last.TreeSize, candidate.TreeSize, consistency, last.Root, candidate.Root)
		if err != nil {
			return newError(KindConsistencyProofInvalid, err)
		}
	}
	if candidate.Timestamp < last.Timestamp {
		return errorf(KindRollback, "timestamp went from %d to %d", last.Timestamp, candidate.Timestamp)
	}
	return nil
}
