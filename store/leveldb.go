//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package store

import (
	"context"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/signalapp/keytrans/tree/transparency"
)

// ldbStore implements the Store interface over a LevelDB database.
//
// LevelDB has no conditional writes, so compare-and-swap is serialized by a
// mutex. This is only correct while a single process has the database open,
// which LevelDB enforces with a file lock.
type ldbStore struct {
	mu   sync.Mutex
	conn *leveldb.DB
}

// NewLDBStore opens, or creates, the LevelDB database at file. A corrupted
// database is recovered.
func NewLDBStore(file string) (Store, error) {
	conn, err := leveldb.OpenFile(file, nil)
	if errors.IsCorrupted(err) {
		conn, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	return &ldbStore{conn: conn}, nil
}

func (ldb *ldbStore) get(key string) ([]byte, error) {
	value, err := ldb.conn.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return value, err
}

func (ldb *ldbStore) GetLogState(ctx context.Context, id transparency.LogID) (*transparency.VerifiedLogState, error) {
	raw, err := ldb.get(stateKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodeState(raw)
}

func (ldb *ldbStore) CompareAndSwapLogState(ctx context.Context, id transparency.LogID, prev, next *transparency.VerifiedLogState) error {
	raw, err := encodeState(next)
	if err != nil {
		return err
	}

	ldb.mu.Lock()
	defer ldb.mu.Unlock()

	stored, err := ldb.GetLogState(ctx, id)
	if err != nil {
		return err
	} else if !sameState(stored, prev) {
		return transparency.ErrStateConflict
	}
	return ldb.conn.Put([]byte(stateKey(id)), raw, &opt.WriteOptions{Sync: true})
}

func (ldb *ldbStore) GetMonitoringData(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error) {
	out := make(transparency.Monitored)

	for _, key := range searchKeys {
		raw, err := ldb.get(monitorKey(key))
		if err != nil {
			return nil, err
		} else if raw == nil {
			continue
		}
		md, err := decodeMonitoringData(raw)
		if err != nil {
			return nil, err
		}
		out[string(key)] = md
	}

	return out, nil
}

func (ldb *ldbStore) PutMonitoringData(ctx context.Context, data transparency.Monitored) error {
	b := new(leveldb.Batch)
	for key, md := range data {
		raw, err := encodeMonitoringData(md)
		if err != nil {
			return err
		}
		b.Put([]byte(monitorKey([]byte(key))), raw)
	}
	return ldb.conn.Write(b, nil)
}

func (ldb *ldbStore) ListMonitored(ctx context.Context) (transparency.Monitored, error) {
	out := make(transparency.Monitored)

	iter := ldb.conn.NewIterator(util.BytesPrefix([]byte(monitorPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		searchKey, err := parseMonitorKey(string(iter.Key()))
		if err != nil {
			return nil, err
		}
		md, err := decodeMonitoringData(iter.Value())
		if err != nil {
			return nil, err
		}
		out[string(searchKey)] = md
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return out, nil
}

func (ldb *ldbStore) Close() error { return ldb.conn.Close() }
