//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"bytes"
	"maps"
	"slices"

	"github.com/signalapp/keytrans/crypto/commitments"
	"github.com/signalapp/keytrans/crypto/vrf"
	"github.com/signalapp/keytrans/tree/log"
	"github.com/signalapp/keytrans/tree/prefix"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// SearchResult is a verified binding of a search key to a value.
type SearchResult struct {
	SearchKey []byte
	Index     [vrf.IndexSize]byte
	// Counter is the number of times the key was updated before its latest
	// version.
	Counter uint32
	// FirstPosition and Position are the log positions of the first and the
	// latest version of the key.
	FirstPosition, Position uint64
	Value                   []byte

	// Monitoring is the updated monitoring data of the key. It is nil if the
	// key is not monitored.
	Monitoring *MonitoringData
}

// evaluatedSearch is a search proof that has been checked on its own, along
// with the root that its inclusion proof leads to.
type evaluatedSearch struct {
	result   *SearchResult
	counters map[uint64]uint32
	root     []byte
}

// evaluateSearch checks the proof that searchKey has value in a tree of the
// given size. The opening and VRF proof come from the response.
func evaluateSearch(config *PublicConfig, searchKey []byte, value []byte, vrfProof, opening []byte, search *wire.SearchProof, treeSize uint64) (*evaluatedSearch, error) {
	if search == nil {
		return nil, errorf(KindMalformedProof, "search proof is missing")
	}
	index, err := DeriveLabel(config.VrfKey, searchKey, vrfProof)
	if err != nil {
		return nil, newError(KindSearchProofInvalid, err)
	} else if search.Pos >= treeSize {
		return nil, errorf(KindSearchProofInvalid, "first position %d is past the end of the tree", search.Pos)
	}

	leaves := make(map[uint64][]byte)
	counters := make(map[uint64]uint32)
	i := 0
	ids, final, err := runGuide(search.Pos, treeSize, func(id uint64) (uint32, error) {
		if i >= len(search.Steps) {
			return 0, errorf(KindSearchProofInvalid, "too few steps in search proof")
		}
		step := search.Steps[i]
		i++
		if step == nil || step.Prefix == nil {
			return 0, errorf(KindMalformedProof, "search proof step is missing")
		} else if len(step.Commitment) != log.HashSize {
			return 0, errorf(KindMalformedProof, "commitment has length %d", len(step.Commitment))
		}

		res := &prefix.SearchResult{Proof: step.Prefix.Proof, Counter: step.Prefix.Counter, Path: step.Prefix.Path}
		prefixRoot, err := prefix.Evaluate(index[:], search.Pos, res)
		if err != nil {
			return 0, errorf(KindSearchProofInvalid, "log entry %d: %w", id, err)
		}
		leaves[id] = LeafHash(prefixRoot, step.Commitment)
		counters[id] = step.Prefix.Counter
		return step.Prefix.Counter, nil
	})
	if err != nil {
		if KindOf(err) == 0 {
			err = newError(KindSearchProofInvalid, err)
		}
		return nil, err
	} else if i != len(search.Steps) {
		return nil, errorf(KindSearchProofInvalid, "too many steps in search proof")
	} else if final == -1 {
		return nil, errorf(KindSearchProofInvalid, "failed to find expected counter of key")
	}

	data, err := MarshalUpdateValue(value)
	if err != nil {
		return nil, newError(KindMalformedProof, err)
	}
	commitment := search.Steps[final].Commitment
	if err := commitments.Verify(searchKey, commitment, data, opening); err != nil {
		return nil, newError(KindSearchProofInvalid, err)
	}

	sorted := slices.Sorted(maps.Keys(leaves))
	values := make([][]byte, len(sorted))
	for j, id := range sorted {
		values[j] = leaves[id]
	}
	root, err := log.EvaluateBatchProof(sorted, treeSize, values, search.Inclusion)
	if err != nil {
		return nil, errorf(KindSearchProofInvalid, "inclusion proof: %w", err)
	}

	return &evaluatedSearch{
		result: &SearchResult{
			SearchKey:     bytes.Clone(searchKey),
			Index:         index,
			Counter:       search.Steps[final].Prefix.Counter,
			FirstPosition: search.Pos,
			Position:      ids[final],
			Value:         bytes.Clone(value),
		},
		counters: counters,
		root:     root,
	}, nil
}

// evaluateCondensed checks a CondensedSearchResponse for searchKey.
func evaluateCondensed(config *PublicConfig, searchKey []byte, csr *wire.CondensedSearchResponse, treeSize uint64) (*evaluatedSearch, error) {
	if csr.Value == nil {
		return nil, errorf(KindMalformedProof, "value is missing from search response")
	}
	return evaluateSearch(config, searchKey, csr.Value.Value, csr.VrfProof, csr.Opening, csr.Search, treeSize)
}

// monitor returns the monitoring data of a verified search result, merged
// with the data the caller already had for the key.
func (es *evaluatedSearch) monitor(existing *MonitoringData, treeSize uint64, start, owned bool) (*MonitoringData, error) {
	if existing == nil && !start {
		return nil, nil
	}
	res := es.result
	md, err := startMonitoring(existing, res.Index[:], res.FirstPosition, res.Position, treeSize, res.Counter, owned)
	if err != nil {
		return nil, err
	}
	return advanceMonitoring(md, treeSize, es.counters)
}
