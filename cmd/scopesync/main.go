// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command scopesync runs a PostgreSQL sync server or synchronizes a SQLite
// replica against one.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/mobiletoly/go-scopesync/syncmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type app struct {
	cfg       *Config
	logger    *slog.Logger
	logCloser io.Closer
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "scopesync",
		Short:         "Bidirectional relational data sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server commands:"},
		&cobra.Group{ID: "client", Title: "Replica commands:"},
	)
	root.AddCommand(
		a.serveCmd(),
		a.provisionCmd(),
		a.deprovisionCmd(),
		a.tokenCmd(),
		a.syncCmd(),
		a.cleanupCmd(),
		a.statusCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	slog.SetDefault(logger)
	return nil
}

// metrics registers the stage recorder and, when MetricsAddr is set, serves
// /metrics on it until ctx ends.
func (a *app) metrics(ctx context.Context, opts *scopesync.Options) error {
	rec, err := syncmetrics.NewRecorder("scopesync", prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	opts.StageMetrics = rec
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.logger.Info("Serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return nil
}
