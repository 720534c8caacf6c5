//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	edvrf "github.com/signalapp/keytrans/crypto/vrf/ed25519"
	"github.com/signalapp/keytrans/tree/transparency/test"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Output fresh keys for the simulator config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		auditors, _ := cmd.Flags().GetInt("auditors")
		return printKeys(cmd.OutOrStdout(), auditors)
	},
}

func init() {
	keysCmd.Flags().Int("auditors", 0, "Number of auditor keys to generate")
	rootCmd.AddCommand(keysCmd)
}

// printKeys writes the seeds of a fresh set of keys in the simulator's
// config format.
func printKeys(w io.Writer, auditors int) error {
	if auditors < 0 {
		return fmt.Errorf("number of auditors may not be negative")
	}
	keys, err := test.GenerateKeys(auditors)
	if err != nil {
		return err
	}
	vrfKey, ok := keys.Vrf.(*edvrf.PrivateKey)
	if !ok {
		return fmt.Errorf("unexpected vrf key type %T", keys.Vrf)
	}

	fmt.Fprintf(w, "signing-key: %q\n", fmt.Sprintf("%x", keys.Sig.Seed()))
	fmt.Fprintf(w, "vrf-key: %q\n", fmt.Sprintf("%x", vrfKey.Seed()))
	if len(keys.Auditors) > 0 {
		fmt.Fprintf(w, "auditor-keys:\n")
		for _, key := range keys.Auditors {
			fmt.Fprintf(w, "  - %q\n", fmt.Sprintf("%x", key.Seed()))
		}
	}
	return nil
}
