// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mobiletoly/go-scopesync/scopesqlite"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/spf13/cobra"
)

func (a *app) openReplica(ctx context.Context) (*scopesqlite.Provider, *scopesync.LocalOrchestrator, scopesync.Options, error) {
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, nil, opts, err
	}
	if err := a.metrics(ctx, &opts); err != nil {
		return nil, nil, opts, err
	}
	provider, err := scopesqlite.Open(a.cfg.SQLitePath, a.logger)
	if err != nil {
		return nil, nil, opts, err
	}
	return provider, scopesync.NewLocalOrchestrator(provider, opts, a.logger), opts, nil
}

// peer connects to the server. Without SCOPESYNC_TOKEN a token is minted from
// the shared secret for the local scope id.
func (a *app) peer(ctx context.Context, local *scopesync.LocalOrchestrator, opts scopesync.Options) (*scopesync.HTTPPeer, error) {
	token := a.cfg.Token
	if token == "" {
		if a.cfg.JWTSecret == "" {
			return nil, errors.New("either SCOPESYNC_TOKEN or SCOPESYNC_JWT_SECRET is required")
		}
		id, err := local.EnsureScopeID(ctx, a.cfg.Scope)
		if err != nil {
			return nil, err
		}
		token, err = scopesync.NewJWTAuth(a.cfg.JWTSecret).GenerateToken(a.cfg.UserID, id, tokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return scopesync.NewHTTPPeer(scopesync.HTTPPeerConfig{
		BaseURL:   a.cfg.ServerURL,
		Token:     scopesync.StaticToken(token),
		Directory: filepath.Join(opts.BatchDirectory, "download"),
	}, a.logger), nil
}

func (a *app) syncCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:     "sync",
		GroupID: "client",
		Short:   "Synchronize the SQLite replica with the server",
		Long: `Run one sync session for the configured scope, or keep syncing at a fixed
interval with --every.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, local, opts, err := a.openReplica(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()
			peer, err := a.peer(ctx, local, opts)
			if err != nil {
				return err
			}
			if every <= 0 {
				return a.syncOnce(ctx, local, peer)
			}
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				if err := a.syncOnce(ctx, local, peer); err != nil {
					a.logger.Warn("Sync session failed", "scope", a.cfg.Scope, "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat interval, 0 runs a single session")
	return cmd
}

func (a *app) syncOnce(ctx context.Context, local *scopesync.LocalOrchestrator, peer scopesync.Peer) error {
	res, err := local.Synchronize(ctx, a.cfg.Scope, peer)
	if err != nil {
		return err
	}
	fmt.Printf("Synchronized %s in %v: uploaded %d, downloaded %d, applied %d, conflicts %d, failed %d\n",
		res.ScopeName, res.Duration().Round(time.Millisecond), res.TotalChangesUploaded, res.TotalChangesDownloaded,
		res.TotalChangesApplied, res.TotalSyncConflicts, res.TotalChangesFailed)
	return nil
}

func (a *app) cleanupCmd() *cobra.Command {
	var server bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge tombstones every peer has already received",
		Long: `Purge tracking tombstones below the safe horizon. On the replica the horizon
is the last committed local watermark; with --server it is the lowest client
watermark recorded in PostgreSQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var purged int64
			if server {
				provider, remote, err := a.openServer(ctx)
				if err != nil {
					return err
				}
				defer provider.Close()
				purged, err = remote.DeleteMetadata(ctx, a.cfg.Scope)
				if err != nil {
					return err
				}
			} else {
				provider, local, _, err := a.openReplica(ctx)
				if err != nil {
					return err
				}
				defer provider.Close()
				purged, err = local.DeleteMetadata(ctx, a.cfg.Scope)
				if err != nil {
					return err
				}
			}
			fmt.Printf("Purged %d tombstones\n", purged)
			return nil
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "clean the PostgreSQL server instead of the replica")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "client",
		Short:   "Show the replica scope watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := scopesqlite.Open(a.cfg.SQLitePath, a.logger)
			if err != nil {
				return err
			}
			defer provider.Close()
			if err := scopesync.EnsureMetadata(ctx, provider); err != nil {
				return err
			}
			scope, err := scopesync.LoadScope(ctx, provider, a.cfg.Scope)
			if errors.Is(err, scopesync.ErrScopeNotFound) {
				fmt.Printf("Scope %s has never synchronized\n", a.cfg.Scope)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Scope:            %s\n", scope.ScopeName)
			fmt.Printf("Client scope id:  %s\n", scope.ScopeID)
			fmt.Printf("Local watermark:  %d\n", scope.LastSyncTimestamp)
			fmt.Printf("Server watermark: %d\n", scope.LastServerSyncTimestamp)
			if !scope.LastSync.IsZero() {
				fmt.Printf("Last sync:        %s (%v)\n", scope.LastSync.Format(time.RFC3339), scope.LastSyncDuration)
			}
			fmt.Printf("Tables:           %d\n", len(scope.Schema))
			return nil
		},
	}
}
