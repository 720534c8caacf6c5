//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package store persists what a key transparency client has verified: the
// state of each log and the monitoring data of each key it monitors.
package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalapp/keytrans/tree/transparency"
)

// Store is the interface implemented by every backend. It is safe for
// concurrent use.
type Store interface {
	transparency.StateStore

	// GetMonitoringData returns the stored monitoring data of the given search
	// keys. Keys that are not monitored are left out of the result.
	GetMonitoringData(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error)
	// PutMonitoringData stores the monitoring data of each search key in data.
	PutMonitoringData(ctx context.Context, data transparency.Monitored) error
	// ListMonitored returns the monitoring data of every monitored key.
	ListMonitored(ctx context.Context) (transparency.Monitored, error)

	Close() error
}

const (
	statePrefix   = "s"
	monitorPrefix = "m"
)

func stateKey(id transparency.LogID) string { return statePrefix + string(id) }

func monitorKey(searchKey []byte) string { return monitorPrefix + hex.EncodeToString(searchKey) }

func parseMonitorKey(key string) ([]byte, error) {
	if !strings.HasPrefix(key, monitorPrefix) {
		return nil, fmt.Errorf("unexpected key in monitoring data: %q", key)
	}
	return hex.DecodeString(key[len(monitorPrefix):])
}

// sameState returns true if two states are equal. A nil state is only equal
// to another nil state.
func sameState(a, b *transparency.VerifiedLogState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TreeSize == b.TreeSize && a.Timestamp == b.Timestamp && bytes.Equal(a.Root, b.Root)
}

func encodeState(state *transparency.VerifiedLogState) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState(raw []byte) (*transparency.VerifiedLogState, error) {
	state := &transparency.VerifiedLogState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decoding stored log state: %w", err)
	}
	return state, nil
}

func encodeMonitoringData(md *transparency.MonitoringData) ([]byte, error) {
	if md == nil || len(md.Ptrs) == 0 {
		return nil, fmt.Errorf("monitoring data has no entries")
	}
	return json.Marshal(md)
}

func decodeMonitoringData(raw []byte) (*transparency.MonitoringData, error) {
	md := &transparency.MonitoringData{}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, fmt.Errorf("decoding stored monitoring data: %w", err)
	} else if len(md.Ptrs) == 0 {
		return nil, fmt.Errorf("stored monitoring data has no entries")
	}
	return md, nil
}
