//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var verifyFileCmd = &cobra.Command{
	Use:   "verify-file <search|monitor|update|distinguished> <request-file> <response-file>",
	Short: "Verify a recorded request and response",
	Long: `verify-file verifies a request and response pair that was recorded
earlier, in their binary encoding. The response is checked against, and
advances, the stored state exactly as if it had just been received.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawReq, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		rawRes, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return run(cmd, func(ctx context.Context, a *app) error {
			return a.verifyFile(ctx, args[0], rawReq, rawRes)
		})
	},
}

func init() {
	rootCmd.AddCommand(verifyFileCmd)
}

func decode(req, res wire.Message, rawReq, rawRes []byte) error {
	if err := req.Unmarshal(rawReq); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	} else if err := res.Unmarshal(rawRes); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (a *app) verifyFile(ctx context.Context, kind string, rawReq, rawRes []byte) error {
	switch kind {
	case "search":
		req, res := &wire.SearchRequest{}, &wire.SearchResponse{}
		if err := decode(req, res, rawReq, rawRes); err != nil {
			return err
		}
		printFullTreeHead(res.TreeHead)
		results, err := a.verifySearch(ctx, req, res)
		if err != nil {
			return err
		}
		printResult("ACI", results.Aci)
		printResult("E164", results.E164)
		printResult("Username Hash", results.UsernameHash)

	case "monitor":
		req, res := &wire.MonitorRequest{}, &wire.MonitorResponse{}
		if err := decode(req, res, rawReq, rawRes); err != nil {
			return err
		}
		printFullTreeHead(res.TreeHead)
		updated, err := a.verifyMonitor(ctx, req, res)
		if err != nil {
			return err
		}
		for _, key := range slices.Sorted(maps.Keys(updated)) {
			printMonitoring(key, updated[key])
		}

	case "update":
		req, res := &wire.UpdateRequest{}, &wire.UpdateResponse{}
		if err := decode(req, res, rawReq, rawRes); err != nil {
			return err
		}
		printFullTreeHead(res.TreeHead)
		existing, err := a.store.GetMonitoringData(ctx, req.SearchKey)
		if err != nil {
			return err
		}
		result, err := a.verifier.VerifyUpdate(ctx, req, res, existing[string(req.SearchKey)])
		if err != nil {
			return err
		}
		if result.Monitoring != nil {
			if err := a.store.PutMonitoringData(ctx, transparency.Monitored{
				string(req.SearchKey): result.Monitoring,
			}); err != nil {
				return err
			}
		}
		printResult("Update", result)

	case "distinguished":
		req, res := &wire.DistinguishedRequest{}, &wire.DistinguishedResponse{}
		if err := decode(req, res, rawReq, rawRes); err != nil {
			return err
		}
		printFullTreeHead(res.TreeHead)
		result, err := a.verifier.VerifyDistinguished(ctx, req, res)
		if err != nil {
			return err
		}
		printResult("Distinguished", result)

	default:
		return fmt.Errorf("unknown message kind %q", kind)
	}

	p.Printf("Verification successful\n")
	return nil
}
