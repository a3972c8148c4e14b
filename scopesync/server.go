// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteOrchestrator serves scopes to clients. It implements Peer for clients in
// the same process and backs the HTTP handlers for remote clients.
type RemoteOrchestrator struct {
	provider Provider
	opts     Options
	logger   *slog.Logger
	events   Events

	mu     sync.RWMutex
	scopes map[string]*ScopeInfo
}

var _ Peer = (*RemoteOrchestrator)(nil)

func NewRemoteOrchestrator(p Provider, opts Options, logger *slog.Logger) *RemoteOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteOrchestrator{
		provider: p,
		opts:     opts.withDefaults(),
		logger:   logger,
		scopes:   make(map[string]*ScopeInfo),
	}
}

// Subscribe registers an event handler for server sessions started afterwards.
func (o *RemoteOrchestrator) Subscribe(h EventHandler) { o.events.Subscribe(h) }

// Provider returns the server database binding.
func (o *RemoteOrchestrator) Provider() Provider { return o.provider }

// Provision installs change tracking for every table of setup and records the
// scope. It is idempotent; tables created outside the engine are backfilled.
func (o *RemoteOrchestrator) Provision(ctx context.Context, scopeName string, setup *SyncSetup) (*ScopeInfo, error) {
	if err := EnsureMetadata(ctx, o.provider); err != nil {
		return nil, err
	}
	tables, err := DescribeTables(ctx, o.provider, setup)
	if err != nil {
		return nil, fmt.Errorf("describe scope %s: %w", scopeName, err)
	}
	for _, t := range tables {
		if err := ProvisionTable(ctx, o.provider, t); err != nil {
			return nil, err
		}
	}

	scope, err := LoadScope(ctx, o.provider, scopeName)
	if errors.Is(err, ErrScopeNotFound) {
		scope = &ScopeInfo{ScopeName: scopeName, ScopeID: uuid.New()}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	scope.Setup = setup
	scope.Schema = tables
	if err := SaveScope(ctx, o.provider.DB(), o.provider.Dialect(), scope); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.scopes[scopeName] = scope
	o.mu.Unlock()

	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	o.logger.Info("Scope provisioned", "scope", scopeName, "id", scope.ScopeID, "tables", names)
	return scope, nil
}

// Deprovision drops change tracking of every table of a scope. Scope records stay.
func (o *RemoteOrchestrator) Deprovision(ctx context.Context, scopeName string) error {
	scope, err := o.scope(ctx, scopeName)
	if err != nil {
		return err
	}
	for i := len(scope.Schema) - 1; i >= 0; i-- {
		if err := DeprovisionTable(ctx, o.provider, scope.Schema[i]); err != nil {
			return err
		}
	}
	o.mu.Lock()
	delete(o.scopes, scopeName)
	o.mu.Unlock()
	return nil
}

func (o *RemoteOrchestrator) scope(ctx context.Context, scopeName string) (*ScopeInfo, error) {
	o.mu.RLock()
	scope, ok := o.scopes[scopeName]
	o.mu.RUnlock()
	if ok {
		return scope, nil
	}
	scope, err := LoadScope(ctx, o.provider, scopeName)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.scopes[scopeName] = scope
	o.mu.Unlock()
	return scope, nil
}

// GetScope describes a provisioned scope.
func (o *RemoteOrchestrator) GetScope(ctx context.Context, scopeName string) (*ScopeDescription, error) {
	scope, err := o.scope(ctx, scopeName)
	if err != nil {
		return nil, err
	}
	tables := make([]*SyncTable, len(scope.Schema))
	for i, t := range scope.Schema {
		tables[i] = t.Schema()
	}
	return &ScopeDescription{
		ScopeName:     scope.ScopeName,
		ServerScopeID: scope.ScopeID,
		Setup:         scope.Setup,
		Tables:        tables,
	}, nil
}

// ApplyChanges applies a client upload and returns the server changes the client
// has not seen. The server watermark is read after the upload is committed so it
// covers every row the response may omit as an echo.
func (o *RemoteOrchestrator) ApplyChanges(ctx context.Context, req *ChangesRequest, upload *BatchInfo) (resp *ChangesResponse, err error) {
	scope, err := o.scope(ctx, req.ScopeName)
	if err != nil {
		return nil, err
	}
	opts := o.opts
	e := newEngine(o.provider, opts, o.logger.With("client", req.ClientScopeID.String()), &o.events, req.ScopeName)
	timer := newStageTimer(MetricsOpServe, opts, o.logger)
	started := timer.start()
	defer func() {
		timer.observe(ctx, MetricsStageTotal, started, batchRows(upload), 1, err)
	}()

	if !req.Initial && !req.Reinitialize {
		floor, err := RetentionFloor(ctx, o.provider.DB(), o.provider.Dialect())
		if err != nil {
			return nil, err
		}
		// Only tombstones below floor are purged, so floor-1 is still complete.
		if req.LastServerSyncTimestamp+1 < floor {
			outdated := &OutdatedError{PeerTimestamp: req.LastServerSyncTimestamp, Floor: floor}
			e.stage = StageOutdated
			_ = e.emit(ctx, SyncEvent{Kind: EventOutdated, Err: outdated})
			o.logger.Warn("Rejected outdated client",
				"scope", req.ScopeName,
				"client", req.ClientScopeID,
				"watermark", req.LastServerSyncTimestamp,
				"floor", floor)
			return nil, outdated
		}
	}

	if err := e.transition(ctx, StageApplyChanges); err != nil {
		return nil, err
	}
	start := timer.start()
	totals, err := e.applyBatch(ctx, upload, scope.Schema, ApplyArgs{
		Since:         req.LastServerSyncTimestamp,
		SenderScopeID: req.ClientScopeID,
		Role:          RoleServer,
		Resolver:      opts.resolver(),
		ErrorMode:     opts.ErrorMode,
		UseBulk:       opts.UseBulk,
	})
	timer.observe(ctx, MetricsStageApply, start, batchRows(upload), 1, err)
	if err != nil {
		return nil, err
	}

	if err := e.transition(ctx, StageSelectChanges); err != nil {
		return nil, err
	}
	start = timer.start()
	s1, err := o.provider.Clock().Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read server clock: %w", err)
	}
	query := ChangeQuery{
		Since:          req.LastServerSyncTimestamp,
		ExcludeScopeID: req.ClientScopeID,
		Initial:        req.Initial || req.Reinitialize,
		Params:         req.Parameters,
	}
	if req.Reinitialize {
		query.ExcludeScopeID = uuid.Nil
	}
	dir := filepath.Join(opts.BatchDirectory, "server", req.ScopeName, uuid.NewString())
	batch, selected, err := e.writeChanges(ctx, dir, scope.Schema, scope.Setup, query)
	timer.observe(ctx, MetricsStageSelect, start, sumCounts(selected), 1, err)
	if err != nil {
		return nil, err
	}

	if err := e.transition(ctx, StageEndSession); err != nil {
		return nil, err
	}
	o.logger.Info("Applied client changes",
		"scope", req.ScopeName,
		"client", req.ClientScopeID,
		"uploaded", totals.rows,
		"applied", totals.applied,
		"conflicts", totals.conflicts,
		"selected", batch.RowsCount,
		"server_timestamp", s1)

	return &ChangesResponse{
		ServerScopeID:   scope.ScopeID,
		ServerTimestamp: s1,
		Batch:           batch,
		Forced:          totals.forced,
		Stats: ServerStats{
			Applied:   totals.applied,
			Conflicts: totals.conflicts,
			Resolved:  totals.resolved,
			Failures:  rowFailures(totals.failures),
		},
	}, nil
}

// CommitSession records the server watermark a client committed; the minimum over
// all clients bounds tombstone purging.
func (o *RemoteOrchestrator) CommitSession(ctx context.Context, c *SessionCommit) error {
	if _, err := o.scope(ctx, c.ScopeName); err != nil {
		return err
	}
	committedAt := c.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}
	return SaveScopeClient(ctx, o.provider.DB(), o.provider.Dialect(), ScopeInfoClient{
		ScopeName:         c.ScopeName,
		ClientScopeID:     c.ClientScopeID,
		LastSyncTimestamp: c.ServerTimestamp,
		LastSync:          committedAt,
	})
}

// DeleteMetadata purges tombstones every known client of the scope has received
// and raises the retention floor accordingly. Clients below the floor are
// reported outdated on their next session.
func (o *RemoteOrchestrator) DeleteMetadata(ctx context.Context, scopeName string) (int64, error) {
	scope, err := o.scope(ctx, scopeName)
	if err != nil {
		return 0, err
	}
	clients, err := ListScopeClients(ctx, o.provider.DB(), o.provider.Dialect())
	if err != nil {
		return 0, err
	}
	lowest := int64(-1)
	for _, c := range clients {
		if c.ScopeName != scopeName {
			continue
		}
		if lowest < 0 || c.LastSyncTimestamp < lowest {
			lowest = c.LastSyncTimestamp
		}
	}
	if lowest <= 0 {
		o.logger.Info("No client watermark to purge against", "scope", scopeName)
		return 0, nil
	}
	return o.PurgeBefore(ctx, scope, lowest+1)
}

// PurgeBefore purges tombstones older than horizon regardless of client
// watermarks. Clients that have not seen them become outdated.
func (o *RemoteOrchestrator) PurgeBefore(ctx context.Context, scope *ScopeInfo, horizon int64) (int64, error) {
	timer := newStageTimer(MetricsOpVacuum, o.opts, o.logger)
	start := timer.start()
	purged, err := DeleteMetadata(ctx, o.provider, scope.Schema, horizon)
	timer.observe(ctx, MetricsStageCleanup, start, int(purged), 1, err)
	if err != nil {
		return 0, err
	}
	o.logger.Info("Purged tombstones", "scope", scope.ScopeName, "horizon", horizon, "rows", purged)
	return purged, nil
}

// Scope returns the server scope record.
func (o *RemoteOrchestrator) Scope(ctx context.Context, scopeName string) (*ScopeInfo, error) {
	return o.scope(ctx, scopeName)
}
