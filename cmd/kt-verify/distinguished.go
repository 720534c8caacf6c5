//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalapp/keytrans/tree/transparency"
)

var distinguishedCmd = &cobra.Command{
	Use:   "distinguished",
	Short: "Fetch and verify the distinguished key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app) error {
			result, err := a.distinguished(ctx)
			if err != nil {
				return err
			}
			printState("Distinguished Tree Head", a.verifier.State(transparency.DistinguishedLog).Load())
			p.Println()
			printResult("Distinguished", result)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(distinguishedCmd)
}

func (a *app) distinguished(ctx context.Context) (*transparency.SearchResult, error) {
	req := a.verifier.DistinguishedRequest()
	res, err := a.client.Distinguished(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("distinguished request: %w", err)
	}
	return a.verifier.VerifyDistinguished(ctx, req, res)
}
