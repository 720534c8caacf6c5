//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var errNothingMonitored = errors.New("no keys are being monitored")

var monitorCmd = &cobra.Command{
	Use:   "monitor [aci...]",
	Short: "Check that monitored keys have not changed unexpectedly",
	Long: `monitor requests proofs that each monitored key still has the version
last verified for it. With no arguments every key in the store is monitored.
Keys are added to the store by searching for them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var keys [][]byte
		for _, arg := range args {
			aci, err := util.ParseAci(arg)
			if err != nil {
				return err
			}
			keys = append(keys, transparency.AciSearchKey(aci))
		}
		return run(cmd, func(ctx context.Context, a *app) error {
			updated, err := a.monitor(ctx, keys...)
			if err != nil {
				return err
			}
			printState("Verified Tree Head", a.verifier.State(transparency.MainLog).Load())
			p.Println()
			for _, key := range slices.Sorted(maps.Keys(updated)) {
				printMonitoring(key, updated[key])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// monitorRequest returns a request to monitor every key in data, sorted by
// search key.
func monitorRequest(data transparency.Monitored) *wire.MonitorRequest {
	req := &wire.MonitorRequest{}
	for _, key := range slices.Sorted(maps.Keys(data)) {
		md := data[key]
		req.Keys = append(req.Keys, &wire.MonitorKey{
			SearchKey:       []byte(key),
			EntryPosition:   md.Latest(),
			CommitmentIndex: slices.Clone(md.Index),
		})
	}
	return req
}

// monitor monitors the given search keys, or every stored key if none are
// given.
func (a *app) monitor(ctx context.Context, searchKeys ...[]byte) (transparency.Monitored, error) {
	var (
		data transparency.Monitored
		err  error
	)
	if len(searchKeys) == 0 {
		data, err = a.store.ListMonitored(ctx)
	} else {
		data, err = a.store.GetMonitoringData(ctx, searchKeys...)
		for _, key := range searchKeys {
			if _, ok := data[string(key)]; !ok && err == nil {
				err = fmt.Errorf("%v is not monitored, search for it first", util.FormatSearchKey(key))
			}
		}
	}
	if err != nil {
		return nil, err
	} else if len(data) == 0 {
		return nil, errNothingMonitored
	}

	req := monitorRequest(data)
	req.Consistency = a.verifier.Consistency()
	res, err := a.client.Monitor(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("monitor request: %w", err)
	}
	return a.verifyMonitor(ctx, req, res)
}

// verifyMonitor verifies a monitoring response against the stored data for
// the request's keys, and stores the updated data.
func (a *app) verifyMonitor(ctx context.Context, req *wire.MonitorRequest, res *wire.MonitorResponse) (transparency.Monitored, error) {
	keys := make([][]byte, len(req.Keys))
	for i, key := range req.Keys {
		keys[i] = key.SearchKey
	}
	stored, err := a.store.GetMonitoringData(ctx, keys...)
	if err != nil {
		return nil, err
	}
	data := make([]*transparency.MonitoringData, len(keys))
	for i, key := range keys {
		if data[i] = stored[string(key)]; data[i] == nil {
			return nil, fmt.Errorf("no monitoring data for %v", util.FormatSearchKey(key))
		}
	}

	out, err := a.verifier.VerifyMonitor(ctx, req, res, data)
	if err != nil {
		return nil, err
	}
	updated := make(transparency.Monitored, len(out))
	for i, md := range out {
		updated[string(keys[i])] = md
	}
	if err := a.store.PutMonitoringData(ctx, updated); err != nil {
		return nil, fmt.Errorf("storing monitoring data: %w", err)
	}
	util.Log().Debugf("monitored %d keys", len(updated))
	return updated, nil
}
