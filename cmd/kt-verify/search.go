//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var searchCmd = &cobra.Command{
	Use:   "search <aci>",
	Short: "Search for an ACI and, optionally, its phone number and username hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := searchRequest(cmd, args[0])
		if err != nil {
			return err
		}
		return run(cmd, func(ctx context.Context, a *app) error {
			results, err := a.search(ctx, req)
			if err != nil {
				return err
			}
			printState("Verified Tree Head", results.State)
			p.Println()
			printResult("ACI", results.Aci)
			printResult("E164", results.E164)
			printResult("Username Hash", results.UsernameHash)
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().String("e164", "", "E164-formatted phone number. Must be preceded with a '+'. E.g. +14155550101")
	searchCmd.Flags().String("uak", "", "Standard base64 encoded unidentified access key, required with --e164")
	searchCmd.Flags().String("username-hash", "", "Base64url encoded username hash")
	searchCmd.Flags().String("identity-key", "", "Standard base64 encoded ACI identity key")
	rootCmd.AddCommand(searchCmd)
}

// searchRequest builds a search request from the command line. The
// request's consistency parameters are filled in later, from the verifier.
func searchRequest(cmd *cobra.Command, aciStr string) (*wire.SearchRequest, error) {
	aci, err := util.ParseAci(aciStr)
	if err != nil {
		return nil, err
	}
	req := &wire.SearchRequest{Aci: aci}

	decode := func(flag string) ([]byte, error) {
		s, _ := cmd.Flags().GetString(flag)
		if s == "" {
			return nil, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decoding --%v: %w", flag, err)
		}
		return b, nil
	}
	if req.AciIdentityKey, err = decode("identity-key"); err != nil {
		return nil, err
	} else if req.UnidentifiedAccessKey, err = decode("uak"); err != nil {
		return nil, err
	}

	if s, _ := cmd.Flags().GetString("e164"); s != "" {
		if req.E164, err = util.ParseE164(s); err != nil {
			return nil, err
		} else if req.UnidentifiedAccessKey == nil {
			return nil, fmt.Errorf("--uak is required with --e164")
		}
	}
	if s, _ := cmd.Flags().GetString("username-hash"); s != "" {
		if req.UsernameHash, err = util.ParseUsernameHash(s); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// searchKeys returns the search keys that req looks up.
func searchKeys(req *wire.SearchRequest) [][]byte {
	keys := [][]byte{transparency.AciSearchKey(req.Aci)}
	if req.E164 != nil {
		keys = append(keys, transparency.E164SearchKey(req.E164))
	}
	if req.UsernameHash != nil {
		keys = append(keys, transparency.UsernameHashSearchKey(req.UsernameHash))
	}
	return keys
}

// search sends req to the service and verifies the response.
func (a *app) search(ctx context.Context, req *wire.SearchRequest) (*transparency.SearchResults, error) {
	req.Consistency = a.verifier.Consistency()
	res, err := a.client.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	return a.verifySearch(ctx, req, res)
}

// verifySearch verifies a search response against the monitoring data in
// the store, and stores any monitoring data that comes back.
func (a *app) verifySearch(ctx context.Context, req *wire.SearchRequest, res *wire.SearchResponse) (*transparency.SearchResults, error) {
	known, err := a.store.GetMonitoringData(ctx, searchKeys(req)...)
	if err != nil {
		return nil, err
	}
	results, err := a.verifier.VerifySearch(ctx, req, res, known)
	if err != nil {
		return nil, err
	}

	updated := make(transparency.Monitored)
	for _, result := range []*transparency.SearchResult{results.Aci, results.E164, results.UsernameHash} {
		if result != nil && result.Monitoring != nil {
			updated[string(result.SearchKey)] = result.Monitoring
		}
	}
	if len(updated) > 0 {
		if err := a.store.PutMonitoringData(ctx, updated); err != nil {
			return nil, fmt.Errorf("storing monitoring data: %w", err)
		}
	}
	util.Log().Debugf("search verified at tree size %d", results.State.TreeSize)
	return results, nil
}
