//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalapp/keytrans/tree/log"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// Verifier checks responses from a key transparency service. It owns the
// verified state of the main log and of the distinguished key's log, and is
// safe for concurrent use.
type Verifier struct {
	config        *PublicConfig
	main          *LogState
	distinguished *LogState
	now           func() time.Time
}

type Option func(*Verifier)

// WithClock sets the source of the current time used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a verifier for the log with the given public
// configuration. Verified state is loaded from and persisted to store, which
// may be nil.
func NewVerifier(ctx context.Context, config *PublicConfig, store StateStore, opts ...Option) (*Verifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	main, err := NewLogState(ctx, MainLog, store)
	if err != nil {
		return nil, err
	}
	distinguished, err := NewLogState(ctx, DistinguishedLog, store)
	if err != nil {
		return nil, err
	}

	v := &Verifier{config: config, main: main, distinguished: distinguished, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Verifier) Config() *PublicConfig { return v.config }

// State returns the verified state of the given log.
func (v *Verifier) State(id LogID) *LogState {
	if id == DistinguishedLog {
		return v.distinguished
	}
	return v.main
}

// Consistency returns the tree sizes to report in a search, update or
// monitoring request.
func (v *Verifier) Consistency() *wire.Consistency {
	out := &wire.Consistency{}
	if s := v.main.Load(); s != nil {
		out.Last = &s.TreeSize
	}
	if s := v.distinguished.Load(); s != nil {
		out.Distinguished = &s.TreeSize
	}
	return out
}

// DistinguishedRequest returns a request for the distinguished key.
func (v *Verifier) DistinguishedRequest() *wire.DistinguishedRequest {
	out := &wire.DistinguishedRequest{}
	if s := v.distinguished.Load(); s != nil {
		out.Last = &s.TreeSize
	}
	return out
}

// verifyHead checks a tree head whose root was reconstructed from the
// response's proofs. base is the log whose state the head's Last proof
// starts from, and reported is the distinguished tree size given in the
// request, if any. proofKind is the kind of error to return when the head is
// authentic but the proofs do not lead to its root.
func (v *Verifier) verifyHead(fth *wire.FullTreeHead, root []byte, base *LogState, reported *uint64, proofKind ErrorKind) error {
	if err := verifyFullTreeHead(v.config, fth, root, v.now()); err != nil {
		if KindOf(err) == KindSignatureInvalid && v.authenticHead(fth, root, base, reported) {
			return errorf(proofKind, "proofs do not lead to the signed root of tree size %d", fth.TreeHead.TreeSize)
		}
		return err
	}

	if reported == nil {
		if len(fth.Distinguished) > 0 {
			return errorf(KindMalformedProof, "distinguished consistency proof provided when not expected")
		}
		return nil
	}
	// A proof from a size other than the one verified now can not be
	// checked. That happens when the distinguished state advanced while the
	// request was in flight.
	if d := v.distinguished.Load(); d != nil && d.TreeSize == *reported {
		candidate := &VerifiedLogState{TreeSize: fth.TreeHead.TreeSize, Root: root, Timestamp: fth.TreeHead.Timestamp}
		return checkAdvance(d, candidate, fth.Distinguished)
	}
	return nil
}

// authenticHead returns true if the tree head is validly signed over a root,
// other than root, that follows from previously verified state through the
// head's consistency proofs.
func (v *Verifier) authenticHead(fth *wire.FullTreeHead, root []byte, base *LogState, reported *uint64) bool {
	type anchor struct {
		state *VerifiedLogState
		proof [][]byte
	}
	anchors := []anchor{{base.Load(), fth.Last}}
	if d := v.distinguished.Load(); reported != nil && d != nil && d.TreeSize == *reported {
		anchors = append(anchors, anchor{d, fth.Distinguished})
	}

	for _, a := range anchors {
		if a.state == nil || a.state.TreeSize > fth.TreeHead.TreeSize {
			continue
		}
		implied, err := log.EvaluateConsistencyProof(a.state.TreeSize, fth.TreeHead.TreeSize, a.proof, a.state.Root)
		if err != nil || bytes.Equal(implied, root) {
			continue
		} else if verifyTreeHead(v.config, fth.TreeHead, implied) == nil {
			return true
		}
	}
	return false
}

// advance moves the state of ls to the verified tree head. from is the tree
// size that the request reported for ls.
func advance(ctx context.Context, ls *LogState, from *uint64, fth *wire.FullTreeHead, root []byte) (*VerifiedLogState, error) {
	candidate := &VerifiedLogState{
		TreeSize:  fth.TreeHead.TreeSize,
		Root:      root,
		Timestamp: fth.TreeHead.Timestamp,
	}
	if _, err := ls.TryAdvanceFrom(ctx, from, candidate, fth.Last); err != nil {
		return nil, err
	}
	return ls.Load(), nil
}

func reportedLast(c *wire.Consistency) *uint64 {
	if c == nil {
		return nil
	}
	return c.Last
}

func reportedDistinguished(c *wire.Consistency) *uint64 {
	if c == nil {
		return nil
	}
	return c.Distinguished
}

// SearchResults holds the verified results of a search. E164 and
// UsernameHash are nil when they were not requested or not disclosed.
type SearchResults struct {
	Aci          *SearchResult
	E164         *SearchResult
	UsernameHash *SearchResult
	State        *VerifiedLogState
}

// Monitored maps search keys to the monitoring data the caller holds for
// them.
type Monitored map[string]*MonitoringData

type searchItem struct {
	key  []byte
	csr  *wire.CondensedSearchResponse
	dst  **SearchResult
	eval *evaluatedSearch
}

// VerifySearch checks the response to a search request. The values in the
// results may only be used if it returns successfully. Monitoring data is
// returned for keys in known and, in contact monitoring mode, for every key
// found.
func (v *Verifier) VerifySearch(ctx context.Context, req *wire.SearchRequest, res *wire.SearchResponse, known Monitored) (out *SearchResults, err error) {
	defer observe("search", time.Now(), &err)

	if req == nil || res == nil {
		return nil, errorf(KindMalformedProof, "request or response is missing")
	} else if err := checkFullTreeHead(res.TreeHead); err != nil {
		return nil, err
	} else if len(req.Aci) == 0 || res.Aci == nil {
		return nil, errorf(KindMalformedProof, "aci search is missing")
	}
	treeSize := res.TreeHead.TreeHead.TreeSize

	out = &SearchResults{}
	items := []*searchItem{{key: AciSearchKey(req.Aci), csr: res.Aci, dst: &out.Aci}}
	optional := []struct {
		name      string
		requested []byte
		csr       *wire.CondensedSearchResponse
		key       func([]byte) []byte
		dst       **SearchResult
	}{
		{"e164", req.E164, res.E164, E164SearchKey, &out.E164},
		{"username hash", req.UsernameHash, res.UsernameHash, UsernameHashSearchKey, &out.UsernameHash},
	}
	for _, opt := range optional {
		if opt.csr == nil {
			continue
		} else if opt.requested == nil {
			return nil, errorf(KindMalformedProof, "%s search returned without being requested", opt.name)
		}
		items = append(items, &searchItem{key: opt.key(opt.requested), csr: opt.csr, dst: opt.dst})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			eval, err := evaluateCondensed(v.config, item.key, item.csr, treeSize)
			item.eval = eval
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	root := items[0].eval.root
	for _, item := range items[1:] {
		if !bytes.Equal(root, item.eval.root) {
			return nil, errorf(KindSearchProofInvalid, "search proofs lead to different roots")
		}
	}

	if err := v.verifyHead(res.TreeHead, root, v.main, reportedDistinguished(req.Consistency), KindSearchProofInvalid); err != nil {
		return nil, err
	}

	start := v.config.Mode == ContactMonitoring
	for _, item := range items {
		md, err := item.eval.monitor(known[string(item.key)], treeSize, start, false)
		if err != nil {
			return nil, atStage(err, StageTreeHeadVerified)
		}
		item.eval.result.Monitoring = md
		*item.dst = item.eval.result
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state, err := advance(ctx, v.main, reportedLast(req.Consistency), res.TreeHead, root)
	if err != nil {
		return nil, atStage(err, StageProofsVerified)
	}
	out.State = state
	return out, nil
}

// VerifyUpdate checks the response to the caller's own update of a key. The
// returned monitoring data is marked as owned.
func (v *Verifier) VerifyUpdate(ctx context.Context, req *wire.UpdateRequest, res *wire.UpdateResponse, existing *MonitoringData) (out *SearchResult, err error) {
	defer observe("update", time.Now(), &err)

	if req == nil || res == nil {
		return nil, errorf(KindMalformedProof, "request or response is missing")
	} else if err := checkFullTreeHead(res.TreeHead); err != nil {
		return nil, err
	}
	treeSize := res.TreeHead.TreeHead.TreeSize

	eval, err := evaluateSearch(v.config, req.SearchKey, req.Value, res.VrfProof, res.Opening, res.Search, treeSize)
	if err != nil {
		return nil, err
	} else if err := v.verifyHead(res.TreeHead, eval.root, v.main, reportedDistinguished(req.Consistency), KindSearchProofInvalid); err != nil {
		return nil, err
	}

	md, err := eval.monitor(existing, treeSize, true, true)
	if err != nil {
		return nil, atStage(err, StageTreeHeadVerified)
	}
	eval.result.Monitoring = md

	if _, err := advance(ctx, v.main, reportedLast(req.Consistency), res.TreeHead, eval.root); err != nil {
		return nil, atStage(err, StageProofsVerified)
	}
	return eval.result, nil
}

// VerifyMonitor checks the response to a monitoring request. data holds the
// caller's monitoring data for each key of the request, in order; updated
// copies are returned.
func (v *Verifier) VerifyMonitor(ctx context.Context, req *wire.MonitorRequest, res *wire.MonitorResponse, data []*MonitoringData) (out []*MonitoringData, err error) {
	defer observe("monitor", time.Now(), &err)

	if req == nil || res == nil {
		return nil, errorf(KindMalformedProof, "request or response is missing")
	} else if err := checkFullTreeHead(res.TreeHead); err != nil {
		return nil, err
	}

	eval, err := evaluateMonitor(req, res, data)
	if err != nil {
		return nil, err
	}
	root := eval.root
	if root == nil {
		// Nothing was added to the log since every key was last seen, so
		// the tree head must be the one already verified.
		last := v.main.Load()
		if last == nil || last.TreeSize != res.TreeHead.TreeHead.TreeSize {
			if !startsFrom(last, reportedLast(req.Consistency)) {
				return nil, fmt.Errorf("main log is at %v: %w", last, ErrStaleRequest)
			}
			return nil, errorf(KindMonitorProofInvalid, "monitoring response proves no log entries")
		}
		root = last.Root
	}

	if err := v.verifyHead(res.TreeHead, root, v.main, reportedDistinguished(req.Consistency), KindMonitorProofInvalid); err != nil {
		return nil, err
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := advance(ctx, v.main, reportedLast(req.Consistency), res.TreeHead, root); err != nil {
		return nil, atStage(err, StageProofsVerified)
	}
	return eval.data, nil
}

// VerifyDistinguished checks the response to a request for the
// distinguished key and advances the distinguished state.
func (v *Verifier) VerifyDistinguished(ctx context.Context, req *wire.DistinguishedRequest, res *wire.DistinguishedResponse) (out *SearchResult, err error) {
	defer observe("distinguished", time.Now(), &err)

	if req == nil || res == nil || res.Distinguished == nil {
		return nil, errorf(KindMalformedProof, "request or response is missing")
	} else if err := checkFullTreeHead(res.TreeHead); err != nil {
		return nil, err
	} else if len(res.TreeHead.Distinguished) > 0 {
		return nil, errorf(KindMalformedProof, "distinguished consistency proof provided when not expected")
	}
	treeSize := res.TreeHead.TreeHead.TreeSize

	eval, err := evaluateCondensed(v.config, DistinguishedSearchKey, res.Distinguished, treeSize)
	if err != nil {
		return nil, err
	} else if err := v.verifyHead(res.TreeHead, eval.root, v.distinguished, nil, KindSearchProofInvalid); err != nil {
		return nil, err
	}

	if _, err := advance(ctx, v.distinguished, req.Last, res.TreeHead, eval.root); err != nil {
		return nil, atStage(err, StageProofsVerified)
	}
	return eval.result, nil
}
