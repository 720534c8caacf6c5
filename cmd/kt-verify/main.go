//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command kt-verify queries a key transparency service and verifies its
// responses, keeping the verified state of the log between runs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/signalapp/keytrans/cmd/internal/config"
	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/store"
	"github.com/signalapp/keytrans/transport"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var p = message.NewPrinter(message.MatchLanguage("en"))

var rootCmd = &cobra.Command{
	Use:   "kt-verify",
	Short: "Verifying client for a key transparency service",
	Long: `kt-verify searches for and monitors keys in a key transparency log.
Every response is verified before it is shown, and the verified state of the
log is persisted so that later runs can detect forks and rollbacks.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs to query and verify the log.
type app struct {
	cfg      *config.Config
	store    store.Store
	verifier *transparency.Verifier
	client   *transport.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s, err := cfg.Store.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	v, err := transparency.NewVerifier(ctx, cfg.Tree.Public(), s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("loading verified state: %w", err)
	}
	client, err := cfg.Service.Connect()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connecting to service: %w", err)
	}
	return &app{cfg: cfg, store: s, verifier: v, client: client}, nil
}

func (a *app) Close() error {
	a.client.Close()
	return a.store.Close()
}

// run loads the config named by the command's flags and calls fn with the
// resulting app.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	filename, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Read(filename)
	if err != nil {
		return err
	}
	util.SetupLogger(cfg.LogOutputFile, verbose)

	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(cmd.Context(), a)
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}

func printState(name string, state *transparency.VerifiedLogState) {
	if state == nil {
		p.Printf("%v: no verified state\n", name)
		return
	}
	ts := time.UnixMilli(state.Timestamp)
	p.Printf("%v:\n", name)
	p.Printf("  Tree Size: %v\n", state.TreeSize)
	p.Printf("  Root: %x\n", state.Root)
	p.Printf("  Timestamp: %v (%v ago)\n", ts, round(time.Since(ts)))
}

func printFullTreeHead(fth *wire.FullTreeHead) {
	p.Printf("Full Tree Head:\n")
	if fth == nil || fth.TreeHead == nil {
		p.Printf("  Missing\n\n")
		return
	}
	p.Printf("  Tree Size: %v\n", fth.TreeHead.TreeSize)
	ts := time.UnixMilli(fth.TreeHead.Timestamp)
	p.Printf("  Timestamp: %v (%v ago)\n", ts, round(time.Since(ts)))
	p.Printf("  Signatures: %v\n", len(fth.TreeHead.Signatures))
	if n := len(fth.Last); n > 0 {
		p.Printf("  Consistency Proof: Given (%v entries)\n", n)
	} else {
		p.Printf("  Consistency Proof: None\n")
	}
	if n := len(fth.FullAuditorTreeHeads); n > 0 {
		p.Printf("  Auditor Tree Heads: %v\n", n)
	}
	p.Println()
}

func printResult(name string, res *transparency.SearchResult) {
	if res == nil {
		return
	}
	p.Printf("%v (%v):\n", name, util.FormatSearchKey(res.SearchKey))
	p.Printf("  Index: %x\n", res.Index)
	p.Printf("  Version: %v\n", res.Counter)
	p.Printf("  Position: %v (first seen at %v)\n", res.Position, res.FirstPosition)
	p.Printf("  Value: %x\n", res.Value)
	if res.Monitoring != nil {
		p.Printf("  Monitoring: %v entries, latest at %v\n", len(res.Monitoring.Ptrs), res.Monitoring.Latest())
	}
	p.Println()
}

func printMonitoring(searchKey string, md *transparency.MonitoringData) {
	owned := ""
	if md.Owned {
		owned = ", owned"
	}
	p.Printf("%v: %v entries, latest at %v%v\n", util.FormatSearchKey([]byte(searchKey)), len(md.Ptrs), md.Latest(), owned)
}
