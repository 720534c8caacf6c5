//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package store

import (
	"context"
	"sync"

	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/signalapp/keytrans/tree/transparency"
)

func countCacheHit(typ string, hit bool) {
	lbls := []metrics.Label{{Name: "type", Value: typ}}
	var name []string
	if hit {
		name = []string{"lru", "cache_hit"}
	} else {
		name = []string{"lru", "cache_miss"}
	}
	metrics.IncrCounterWithLabels(name, 1, lbls)
}

// cachedStore caches the log states and recently used monitoring data of an
// underlying Store. It assumes it is the only writer to that store.
type cachedStore struct {
	db Store

	mu     sync.Mutex
	states map[transparency.LogID]*transparency.VerifiedLogState
	cache  *lru.Cache[string, *transparency.MonitoringData]
}

// NewCachedStore wraps db with a cache of the log states and of the
// monitoring data of up to size keys.
func NewCachedStore(db Store, size int) (Store, error) {
	cache, err := lru.New[string, *transparency.MonitoringData](size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{
		db:     db,
		states: make(map[transparency.LogID]*transparency.VerifiedLogState),
		cache:  cache,
	}, nil
}

func (c *cachedStore) GetLogState(ctx context.Context, id transparency.LogID) (*transparency.VerifiedLogState, error) {
	c.mu.Lock()
	state, ok := c.states[id]
	c.mu.Unlock()
	if ok {
		countCacheHit("state", true)
		return state, nil
	}
	countCacheHit("state", false)

	state, err := c.db.GetLogState(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if _, ok := c.states[id]; !ok {
		c.states[id] = state
	}
	c.mu.Unlock()
	return state, nil
}

func (c *cachedStore) CompareAndSwapLogState(ctx context.Context, id transparency.LogID, prev, next *transparency.VerifiedLogState) error {
	err := c.db.CompareAndSwapLogState(ctx, id, prev, next)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.states[id] = next
	} else {
		delete(c.states, id)
	}
	return err
}

func (c *cachedStore) GetMonitoringData(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error) {
	out := make(transparency.Monitored)
	var remaining [][]byte

	for _, key := range searchKeys {
		if md, ok := c.cache.Get(string(key)); ok {
			countCacheHit("monitoring", true)
			out[string(key)] = md.Clone()
		} else {
			countCacheHit("monitoring", false)
			remaining = append(remaining, key)
		}
	}

	if len(remaining) > 0 {
		partial, err := c.db.GetMonitoringData(ctx, remaining...)
		if err != nil {
			return nil, err
		}
		for key, md := range partial {
			c.cache.ContainsOrAdd(key, md.Clone())
			out[key] = md
		}
	}

	return out, nil
}

func (c *cachedStore) PutMonitoringData(ctx context.Context, data transparency.Monitored) error {
	if err := c.db.PutMonitoringData(ctx, data); err != nil {
		for key := range data {
			c.cache.Remove(key)
		}
		return err
	}
	for key, md := range data {
		c.cache.Add(key, md.Clone())
	}
	return nil
}

func (c *cachedStore) ListMonitored(ctx context.Context) (transparency.Monitored, error) {
	return c.db.ListMonitored(ctx)
}

func (c *cachedStore) Close() error { return c.db.Close() }
