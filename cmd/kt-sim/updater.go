//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/signalapp/keytrans/cmd/internal/config"
	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/tree/transparency/test"
)

func successLabel(err error) metrics.Label {
	if err == nil {
		return metrics.Label{Name: "success", Value: "true"}
	}
	return metrics.Label{Name: "success", Value: "false"}
}

// updater adds fake.Count fake updates to the log every fake.Interval, so
// that the log grows even without real updates.
func updater(ctx context.Context, l *test.Log, fake *config.FakeUpdates) {
	ticker := time.NewTicker(fake.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := time.Now()
		err := l.UpdateFake(fake.Count)
		metrics.MeasureSinceWithLabels([]string{"insert_duration"}, start, []metrics.Label{successLabel(err)})
		metrics.IncrCounterWithLabels([]string{"insert"}, float32(fake.Count), []metrics.Label{successLabel(err)})
		if err != nil {
			util.Log().Warnf("Error applying fake updates: %v", err)
			continue
		}
		util.Log().Debugf("Applied %d fake updates, tree size %d", fake.Count, l.Size())
	}
}

// distinguishedUpdate sets the distinguished key to the current time.
func distinguishedUpdate(l *test.Log) error {
	err := l.UpdateDistinguished([]byte(fmt.Sprint(time.Now().Unix())))
	metrics.IncrCounterWithLabels([]string{"distinguished_update"}, 1, []metrics.Label{successLabel(err)})
	return err
}

// distinguished maintains the distinguished key in the log, updating it once
// on startup and then every interval.
func distinguished(ctx context.Context, l *test.Log, interval time.Duration) {
	util.Log().Infof("Distinguished key will be maintained: %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := distinguishedUpdate(l); err != nil {
			util.Log().Warnf("Failed to update distinguished key: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
