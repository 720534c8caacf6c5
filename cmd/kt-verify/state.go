//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/signalapp/keytrans/tree/transparency"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the verified state and the monitored keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context, a *app) error {
			printState("Main Log", a.verifier.State(transparency.MainLog).Load())
			printState("Distinguished", a.verifier.State(transparency.DistinguishedLog).Load())
			p.Println()

			monitored, err := a.store.ListMonitored(ctx)
			if err != nil {
				return err
			}
			p.Printf("Monitored Keys: %v\n", len(monitored))
			for _, key := range slices.Sorted(maps.Keys(monitored)) {
				printMonitoring(key, monitored[key])
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
}
