// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-scopesync/scopepg"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/spf13/cobra"
)

func (a *app) openServer(ctx context.Context) (*scopepg.Provider, *scopesync.RemoteOrchestrator, error) {
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	if err := a.metrics(ctx, &opts); err != nil {
		return nil, nil, err
	}
	provider, err := scopepg.Open(ctx, a.cfg.DatabaseURL, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return provider, scopesync.NewRemoteOrchestrator(provider, opts, a.logger), nil
}

func (a *app) serveCmd() *cobra.Command {
	var (
		cleanupEvery time.Duration
		sessionTTL   time.Duration
	)
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "server",
		Short:   "Serve the sync HTTP API over PostgreSQL",
		Long: `Provision the configured scope on PostgreSQL and serve the session API
under /sync. Clients authenticate with HS256 tokens signed by SCOPESYNC_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.JWTSecret == "" {
				return errors.New("SCOPESYNC_JWT_SECRET is required")
			}
			provider, server, err := a.openServer(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			setup, err := a.cfg.Setup()
			if err != nil {
				return err
			}
			if _, err := server.Provision(ctx, a.cfg.Scope, setup); err != nil {
				return err
			}

			jwtAuth := scopesync.NewJWTAuth(a.cfg.JWTSecret)
			handlers := scopesync.NewHTTPSyncHandlers(server, jwtAuth, scopesync.HTTPHandlerConfig{SessionTTL: sessionTTL}, a.logger)
			mux := http.NewServeMux()
			handlers.Register(mux, "/sync")
			mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			httpServer := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           jwtAuth.Middleware(mux),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       120 * time.Second,
				WriteTimeout:      120 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			if cleanupEvery > 0 {
				go a.cleanupLoop(ctx, server, cleanupEvery)
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Starting sync server", "addr", httpServer.Addr, "scope", a.cfg.Scope)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}
			a.logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.logger.Info("Server exited")
			return nil
		},
	}
	cmd.Flags().DurationVar(&cleanupEvery, "cleanup-every", time.Hour, "interval of tombstone cleanup, 0 disables it")
	cmd.Flags().DurationVar(&sessionTTL, "session-ttl", 30*time.Minute, "lifetime of an unfinished session")
	return cmd
}

func (a *app) cleanupLoop(ctx context.Context, server *scopesync.RemoteOrchestrator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := server.DeleteMetadata(ctx, a.cfg.Scope); err != nil {
				a.logger.Warn("Tombstone cleanup failed", "scope", a.cfg.Scope, "error", err)
			}
		}
	}
}

func (a *app) provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "provision",
		GroupID: "server",
		Short:   "Provision change tracking for the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, server, err := a.openServer(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()
			setup, err := a.cfg.Setup()
			if err != nil {
				return err
			}
			scope, err := server.Provision(ctx, a.cfg.Scope, setup)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioned scope %s (%s) with %d tables\n", scope.ScopeName, scope.ScopeID, len(scope.Schema))
			return nil
		},
	}
}

func (a *app) deprovisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "deprovision",
		GroupID: "server",
		Short:   "Drop change tracking of the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, server, err := a.openServer(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()
			return server.Deprovision(ctx, a.cfg.Scope)
		},
	}
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		clientID string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		GroupID: "server",
		Short:   "Issue a client token for a replica scope id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("SCOPESYNC_JWT_SECRET is required")
			}
			id, err := uuid.Parse(clientID)
			if err != nil {
				return fmt.Errorf("invalid client scope id: %w", err)
			}
			token, err := scopesync.NewJWTAuth(a.cfg.JWTSecret).GenerateToken(a.cfg.UserID, id, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client scope id")
	cmd.Flags().DurationVar(&ttl, "ttl", tokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}
