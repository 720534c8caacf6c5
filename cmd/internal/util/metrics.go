//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExportMetrics installs the global metrics sink: Prometheus, and DataDog if
// datadogAddr is set.
func ExportMetrics(service, datadogAddr string) error {
	prom, err := prometheus.NewPrometheusSink()
	if err != nil {
		return fmt.Errorf("building prometheus sink: %w", err)
	}
	sink := metrics.FanoutSink{prom}

	if datadogAddr != "" {
		Log().Infof("Initiating datadog metrics at %q", datadogAddr)
		ddog, err := datadog.NewDogStatsdSink(datadogAddr, "")
		if err != nil {
			return fmt.Errorf("error initializing statsd client: %w", err)
		}
		sink = append(sink, ddog)
	}

	// Disable hostname tagging, this can be provided by the downstream sink
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableHostnameLabel = false
	if _, err = metrics.NewGlobal(cfg, sink); err != nil {
		return fmt.Errorf("error initializing metrics: %w", err)
	}
	return nil
}

// MetricsServer serves Prometheus metrics on addr until ctx is done.
func MetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/" {
			fmt.Fprintln(rw, "Hi, I'm a key transparency metrics server!")
		} else {
			rw.WriteHeader(404)
			fmt.Fprintln(rw, "404 not found")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	Log().Infof("Starting metrics server at: %v", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
