//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"bytes"
	"maps"
	"slices"

	"github.com/signalapp/keytrans/tree/log"
	"github.com/signalapp/keytrans/tree/prefix"
	"github.com/signalapp/keytrans/tree/transparency/math"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// MonitoringData is what a client retains about each key it monitors.
type MonitoringData struct {
	Index []byte            `json:"index"` // The VRF output on the search key.
	Pos   uint64            `json:"pos"`   // The initial position of the key in the log.
	Ptrs  map[uint64]uint32 `json:"ptrs"`  // Map from position in log to observed ctr value.
	Owned bool              `json:"owned"` // Whether this client owns the key.
}

func (md *MonitoringData) Clone() *MonitoringData {
	if md == nil {
		return nil
	}
	return &MonitoringData{
		Index: bytes.Clone(md.Index),
		Pos:   md.Pos,
		Ptrs:  maps.Clone(md.Ptrs),
		Owned: md.Owned,
	}
}

// Entries returns the monitored log positions in increasing order.
func (md *MonitoringData) Entries() []uint64 {
	return slices.Sorted(maps.Keys(md.Ptrs))
}

// Latest returns the greatest monitored log position, which is the entry to
// put in a monitoring request. md must have at least one entry.
func (md *MonitoringData) Latest() uint64 {
	return slices.Max(md.Entries())
}

// startMonitoring returns monitoring data that includes the version of a key
// with counter ctr found at latest. existing may be nil.
func startMonitoring(existing *MonitoringData, index []byte, pos, latest, treeSize uint64, ctr uint32, owned bool) (*MonitoringData, error) {
	if existing == nil {
		return &MonitoringData{
			Index: bytes.Clone(index),
			Pos:   pos,
			Ptrs:  map[uint64]uint32{latest: ctr},
			Owned: owned,
		}, nil
	}

	if !bytes.Equal(index, existing.Index) {
		return nil, errorf(KindMonitorProofInvalid, "search key index does not match monitoring data")
	} else if pos != existing.Pos {
		return nil, errorf(KindMonitorProofInvalid, "first position %d does not match monitoring data %d", pos, existing.Pos)
	}

	md := existing.Clone()
	md.Owned = md.Owned || owned
	if prev, ok := md.Ptrs[latest]; ok {
		if prev != ctr {
			return nil, errorf(KindMonitorProofInvalid, "different counters of key recorded at position %d", latest)
		}
		return md, nil
	}
	for _, x := range math.MonitoringPath(latest, pos, treeSize) {
		if prev, ok := md.Ptrs[x]; ok {
			if prev < ctr {
				return nil, errorf(KindMonitorProofInvalid, "prefix tree has unexpectedly low counter at position %d", x)
			}
			return md, nil
		}
	}
	md.Ptrs[latest] = ctr
	return md, nil
}

// advanceMonitoring moves every pointer of md as far up its monitoring path
// as the observed counters allow. counters maps log positions to the
// counter of the key observed there.
func advanceMonitoring(md *MonitoringData, treeSize uint64, counters map[uint64]uint32) (*MonitoringData, error) {
	ptrs := make(map[uint64]uint32, len(md.Ptrs))
	for entry, ctr := range md.Ptrs {
		if entry >= treeSize {
			return nil, errorf(KindRollback, "monitored position %d is past the end of the tree", entry)
		}
		for _, x := range math.MonitoringPath(entry, md.Pos, treeSize) {
			seen, ok := counters[x]
			if !ok {
				break
			} else if seen < ctr {
				return nil, errorf(KindMonitorProofInvalid, "prefix tree has unexpectedly low counter at position %d", x)
			}
			entry, ctr = x, seen
		}

		if other, ok := ptrs[entry]; ok && other != ctr {
			return nil, errorf(KindMonitorProofInvalid, "inconsistent counters found at position %d", entry)
		}
		ptrs[entry] = ctr
	}

	out := md.Clone()
	out.Ptrs = ptrs
	return out, nil
}

// evaluatedMonitor is the result of evaluating a MonitorResponse without
// its tree head. root is nil if no key had any checkpoint, which happens when
// the log has not grown since every key was last seen.
type evaluatedMonitor struct {
	root []byte
	data []*MonitoringData
}

// evaluateMonitor checks every per-key proof of a monitoring response
// against the caller's monitoring data and returns the root that the
// response's inclusion proof leads to.
func evaluateMonitor(req *wire.MonitorRequest, res *wire.MonitorResponse, data []*MonitoringData) (*evaluatedMonitor, error) {
	treeSize := res.TreeHead.TreeHead.TreeSize
	if len(req.Keys) != len(res.Proofs) {
		return nil, errorf(KindMalformedProof, "expected %d key proofs, got %d", len(req.Keys), len(res.Proofs))
	} else if len(req.Keys) != len(data) {
		return nil, errorf(KindMalformedProof, "expected monitoring data for %d keys, got %d", len(req.Keys), len(data))
	} else if len(req.Keys) == 0 {
		return nil, errorf(KindMalformedProof, "no keys monitored")
	}

	leaves := make(map[uint64][]byte)
	counters := make([]map[uint64]uint32, len(req.Keys))
	for i, key := range req.Keys {
		md, proof := data[i], res.Proofs[i]
		if key == nil || proof == nil {
			return nil, errorf(KindMalformedProof, "monitoring request or response is missing key %d", i)
		} else if md == nil || len(md.Ptrs) == 0 {
			return nil, errorf(KindMalformedProof, "no monitoring data for key %d", i)
		} else if !bytes.Equal(key.CommitmentIndex, md.Index) {
			return nil, errorf(KindMalformedProof, "commitment index of key %d does not match monitoring data", i)
		} else if _, ok := md.Ptrs[key.EntryPosition]; !ok {
			return nil, errorf(KindMalformedProof, "position %d of key %d is not monitored", key.EntryPosition, i)
		} else if key.EntryPosition >= treeSize {
			return nil, errorf(KindRollback, "monitored position %d is past the end of the tree", key.EntryPosition)
		}

		entries := math.FullMonitoringPath(key.EntryPosition, md.Pos, treeSize)
		if len(entries) != len(proof.Steps) {
			return nil, errorf(KindMonitorProofInvalid, "expected %d proof steps for key %d, got %d", len(entries), i, len(proof.Steps))
		}

		counters[i] = make(map[uint64]uint32, len(entries))
		for j, entry := range entries {
			step := proof.Steps[j]
			if step == nil || step.Prefix == nil {
				return nil, errorf(KindMalformedProof, "proof step %d of key %d is missing", j, i)
			} else if len(step.Commitment) != log.HashSize {
				return nil, errorf(KindMalformedProof, "commitment has length %d", len(step.Commitment))
			}
			res := &prefix.SearchResult{Proof: step.Prefix.Proof, Counter: step.Prefix.Counter, Path: step.Prefix.Path}
			prefixRoot, err := prefix.Evaluate(md.Index, md.Pos, res)
			if err != nil {
				return nil, errorf(KindMonitorProofInvalid, "checkpoint %d of key %d: %w", entry, i, err)
			}
			leaf := LeafHash(prefixRoot, step.Commitment)

			if other, ok := leaves[entry]; ok && !bytes.Equal(leaf, other) {
				return nil, errorf(KindMonitorProofInvalid, "multiple values for log entry %d", entry)
			}
			leaves[entry] = leaf
			counters[i][entry] = step.Prefix.Counter
		}
	}

	out := &evaluatedMonitor{data: make([]*MonitoringData, len(data))}
	if len(leaves) > 0 {
		ids := slices.Sorted(maps.Keys(leaves))
		values := make([][]byte, len(ids))
		for i, id := range ids {
			values[i] = leaves[id]
		}
		root, err := log.EvaluateBatchProof(ids, treeSize, values, res.Inclusion)
		if err != nil {
			return nil, errorf(KindMonitorProofInvalid, "inclusion proof: %w", err)
		}
		out.root = root
	} else if len(res.Inclusion) != 0 {
		return nil, errorf(KindMalformedProof, "inclusion proof provided when not expected")
	}

	for i, md := range data {
		updated, err := advanceMonitoring(md, treeSize, counters[i])
		if err != nil {
			return nil, err
		}
		out.data[i] = updated
	}
	return out, nil
}
