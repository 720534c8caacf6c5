//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package test

import (
	"context"
	mrand "math/rand"
	"slices"
	"testing"

	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

// MemoryStateStore implements the StateStore interface in-memory.
type MemoryStateStore struct {
	states map[transparency.LogID]*transparency.VerifiedLogState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[transparency.LogID]*transparency.VerifiedLogState)}
}

func (m *MemoryStateStore) GetLogState(ctx context.Context, id transparency.LogID) (*transparency.VerifiedLogState, error) {
	return m.states[id], nil
}

func (m *MemoryStateStore) CompareAndSwapLogState(ctx context.Context, id transparency.LogID, prev, next *transparency.VerifiedLogState) error {
	if m.states[id] != prev {
		return transparency.ErrStateConflict
	}
	m.states[id] = next
	return nil
}

// NewTree returns an empty simulated log and a verifier for it. The
// verifier's state is kept in memory.
func NewTree(t testing.TB, mode transparency.DeploymentMode) (*Log, *transparency.Verifier) {
	l, err := New(Config{Mode: mode, AutoAudit: true})
	if err != nil {
		t.Fatal(err)
	}
	v, err := transparency.NewVerifier(context.Background(), l.PublicConfig(), NewMemoryStateStore())
	if err != nil {
		t.Fatal(err)
	}
	return l, v
}

// RandomTree adds total entries to the log. The entries at the positions in
// keys update a new ACI, which is returned; the entries in repeats update the
// first of those ACIs again. Every other entry updates a random ACI or is a
// fake update. Updates are verified with v, and the monitoring data of the
// returned ACIs is stored in monitored.
func RandomTree(l *Log, v *transparency.Verifier, total int, keys, repeats []int, monitored transparency.Monitored) ([][]byte, error) {
	var chosen [][]byte

	for i := 0; i < total; i++ {
		keep := slices.Contains(keys, i)
		repeat := slices.Contains(repeats, i)

		if i == 0 || keep || repeat || mrand.Intn(2) == 0 {
			var aci []byte
			if repeat {
				aci = chosen[0]
			} else {
				aci = random()
			}
			if keep {
				chosen = append(chosen, aci)
			}

			req := &wire.UpdateRequest{
				SearchKey:   transparency.AciSearchKey(aci),
				Value:       random(),
				Consistency: v.Consistency(),
			}
			res, err := l.Update(req.SearchKey, req.Value, req.Consistency)
			if err != nil {
				return nil, err
			}
			result, err := v.VerifyUpdate(context.Background(), req, res, monitored[string(req.SearchKey)])
			if err != nil {
				return nil, err
			} else if keep || repeat {
				monitored[string(req.SearchKey)] = result.Monitoring
			}
		} else {
			if err := l.UpdateFake(1); err != nil {
				return nil, err
			}
		}
	}

	return chosen, nil
}

// MonitorRequest returns a request to monitor each of the given search
// keys, along with the matching monitoring data.
func MonitorRequest(v *transparency.Verifier, monitored transparency.Monitored, searchKeys ...[]byte) (*wire.MonitorRequest, []*transparency.MonitoringData) {
	req := &wire.MonitorRequest{Consistency: v.Consistency()}
	data := make([]*transparency.MonitoringData, len(searchKeys))
	for i, key := range searchKeys {
		md := monitored[string(key)]
		req.Keys = append(req.Keys, &wire.MonitorKey{
			SearchKey:       key,
			EntryPosition:   md.Latest(),
			CommitmentIndex: slices.Clone(md.Index),
		})
		data[i] = md
	}
	return req, data
}
