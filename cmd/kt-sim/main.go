//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command kt-sim serves a simulated key transparency log. It answers the
// same queries as a real service and is used to exercise clients locally.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalapp/keytrans/cmd/internal/config"
	"github.com/signalapp/keytrans/cmd/internal/util"
	"github.com/signalapp/keytrans/transport"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/test"
)

var rootCmd = &cobra.Command{
	Use:          "kt-sim",
	Short:        "Simulated key transparency service",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("config")
		clientConfig, _ := cmd.Flags().GetString("client-config")
		acis, _ := cmd.Flags().GetStringSlice("aci")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg, err := config.ReadSim(filename)
		if err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		util.SetupLogger("", verbose)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, clientConfig, acis)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "sim.yaml", "Path to the config file")
	serveCmd.Flags().String("client-config", "", "If set, write a kt-verify config for this log to the given path")
	serveCmd.Flags().StringSlice("aci", nil, "ACIs to add to the log on startup")
	serveCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func random(n int) []byte {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		panic(err)
	}
	return out
}

// populate adds an entry with a random value for each ACI.
func populate(l *test.Log, acis []string) error {
	for _, s := range acis {
		aci, err := util.ParseAci(s)
		if err != nil {
			return err
		}
		if _, err := l.Update(transparency.AciSearchKey(aci), random(16), nil); err != nil {
			return err
		}
		util.Log().Infof("Added %v at position %d", s, l.Size()-1)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.SimConfig, clientConfig string, acis []string) error {
	l, err := test.New(cfg.LogConfig())
	if err != nil {
		return err
	} else if err := populate(l, acis); err != nil {
		return err
	}

	if clientConfig != "" {
		client := config.NewClientConfig(cfg.ServerAddr, cfg.AuthorizedHeaders, l.PublicConfig())
		if err := client.Write(clientConfig); err != nil {
			return fmt.Errorf("writing client config: %w", err)
		}
		util.Log().Infof("Wrote client config to %v", clientConfig)
	}

	lis, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", cfg.ServerAddr, err)
	}
	server := transport.NewServer(test.QueryServer{Log: l}, cfg.AuthorizedHeaders)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		if err := util.ExportMetrics("kt_sim", ""); err != nil {
			return err
		}
		g.Go(func() error { return util.MetricsServer(ctx, cfg.MetricsAddr) })
	}
	if cfg.HealthAddr != "" {
		g.Go(func() error { return healthServer(ctx, cfg.HealthAddr) })
	}
	if cfg.FakeUpdates != nil {
		g.Go(func() error {
			updater(ctx, l, cfg.FakeUpdates)
			return nil
		})
	}
	g.Go(func() error {
		distinguished(ctx, l, cfg.Distinguished)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		server.GracefulStop()
		return nil
	})
	g.Go(func() error {
		util.Log().Infof("Starting kt-sim in %v mode at: %v", l.PublicConfig().Mode, cfg.ServerAddr)
		if err := server.Serve(lis); !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// healthServer reports the simulator as live and ready until ctx is done.
func healthServer(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on health check port %v: %w", addr, err)
	}
	server := grpc.NewServer()
	healthCheck := health.NewServer()
	healthpb.RegisterHealthServer(server, healthCheck)
	healthCheck.SetServingStatus("liveness", healthpb.HealthCheckResponse_SERVING)
	healthCheck.SetServingStatus("readiness", healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		healthCheck.Shutdown()
		server.Stop()
	}()
	util.Log().Infof("Starting health check server at: %v", addr)
	if err := server.Serve(lis); !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
