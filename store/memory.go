//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package store

import (
	"context"
	"sync"

	"github.com/signalapp/keytrans/tree/transparency"
)

type memoryStore struct {
	mu        sync.Mutex
	states    map[transparency.LogID]*transparency.VerifiedLogState
	monitored map[string]*transparency.MonitoringData
}

// NewMemoryStore returns a Store that keeps everything in memory.
func NewMemoryStore() Store {
	return &memoryStore{
		states:    make(map[transparency.LogID]*transparency.VerifiedLogState),
		monitored: make(map[string]*transparency.MonitoringData),
	}
}

func (m *memoryStore) GetLogState(ctx context.Context, id transparency.LogID) (*transparency.VerifiedLogState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id], nil
}

func (m *memoryStore) CompareAndSwapLogState(ctx context.Context, id transparency.LogID, prev, next *transparency.VerifiedLogState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !sameState(m.states[id], prev) {
		return transparency.ErrStateConflict
	}
	m.states[id] = next
	return nil
}

func (m *memoryStore) GetMonitoringData(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(transparency.Monitored)
	for _, key := range searchKeys {
		if md, ok := m.monitored[string(key)]; ok {
			out[string(key)] = md.Clone()
		}
	}
	return out, nil
}

func (m *memoryStore) PutMonitoringData(ctx context.Context, data transparency.Monitored) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, md := range data {
		if _, err := encodeMonitoringData(md); err != nil {
			return err
		}
	}
	for key, md := range data {
		m.monitored[key] = md.Clone()
	}
	return nil
}

func (m *memoryStore) ListMonitored(ctx context.Context) (transparency.Monitored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(transparency.Monitored, len(m.monitored))
	for key, md := range m.monitored {
		out[key] = md.Clone()
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
