//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/transport"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/wire"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Periodically verify the distinguished key and every monitored key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		return run(cmd, func(ctx context.Context, a *app) error {
			if once {
				return a.watchRound(ctx)
			}
			return a.watch(ctx)
		})
	},
}

func init() {
	watchCmd.Flags().Bool("once", false, "Run a single round and exit")
	rootCmd.AddCommand(watchCmd)
}

func (a *app) watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.MetricsAddr != "" || a.cfg.DatadogAddr != "" {
		if err := util.ExportMetrics("kt", a.cfg.DatadogAddr); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return util.MetricsServer(ctx, a.cfg.MetricsAddr) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Watch.Interval)
		defer ticker.Stop()
		for {
			if err := a.watchRound(ctx); err != nil && ctx.Err() == nil {
				util.Log().Err(err, "watch round failed")
			}
			select {
			case <-ctx.Done():
				util.Log().Infof("Stopping watch")
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// watchRound verifies the distinguished key if configured, searches for any
// configured ACIs that are not yet monitored, and then monitors every key in
// the store. Verification failures are logged and counted; the first one is
// returned once the round completes.
func (a *app) watchRound(ctx context.Context) error {
	var errs []error
	step := func(name string, err error) {
		result := "ok"
		if kind := transparency.KindOf(err); kind != 0 {
			result = kind.String()
			util.Log().Err(err, name+" failed verification")
		} else if err != nil {
			result = "error"
			util.Log().Err(err, name+" failed")
		}
		metrics.IncrCounterWithLabels([]string{"watch", "step"}, 1, []metrics.Label{
			{Name: "step", Value: name},
			{Name: "result", Value: result},
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if a.cfg.Watch.Distinguished {
		_, err := a.distinguished(ctx)
		if errors.Is(err, transport.ErrNotFound) {
			util.Log().Warnf("distinguished key not found")
			err = nil
		}
		step("distinguished", err)
	}

	for _, s := range a.cfg.Watch.Acis {
		aci, err := util.ParseAci(s)
		if err != nil {
			step("search", err)
			continue
		}
		known, err := a.store.GetMonitoringData(ctx, transparency.AciSearchKey(aci))
		if err != nil {
			step("search", err)
			continue
		} else if len(known) > 0 {
			continue
		}
		_, err = a.search(ctx, &wire.SearchRequest{Aci: aci})
		step("search", err)
	}

	if _, err := a.monitor(ctx); !errors.Is(err, errNothingMonitored) {
		step("monitor", err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	util.Log().Infof("Verified tree at size %d", a.treeSize())
	return nil
}

func (a *app) treeSize() uint64 {
	if state := a.verifier.State(transparency.MainLog).Load(); state != nil {
		return state.TreeSize
	}
	return 0
}
