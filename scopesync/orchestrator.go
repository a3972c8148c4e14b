// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LocalOrchestrator drives sync sessions from the client side. One orchestrator
// may run sessions for several scopes; sessions of one scope must not overlap.
type LocalOrchestrator struct {
	provider Provider
	opts     Options
	logger   *slog.Logger
	events   Events
}

func NewLocalOrchestrator(p Provider, opts Options, logger *slog.Logger) *LocalOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalOrchestrator{provider: p, opts: opts.withDefaults(), logger: logger}
}

// Subscribe registers an event handler for sessions started afterwards.
func (o *LocalOrchestrator) Subscribe(h EventHandler) { o.events.Subscribe(h) }

// Provider returns the local database binding.
func (o *LocalOrchestrator) Provider() Provider { return o.provider }

type reinitMode int

const (
	reinitNone reinitMode = iota
	reinitDownload
	reinitWithUpload
)

type localSession struct {
	*engine
	peer   Peer
	timer  stageTimer
	desc   *ScopeDescription
	scope  *ScopeInfo
	result *SyncResult
}

// Synchronize runs one session of scopeName against peer. Local watermarks advance
// only when the whole round committed; any failure leaves them untouched so the
// next session resends the same changes.
func (o *LocalOrchestrator) Synchronize(ctx context.Context, scopeName string, peer Peer) (*SyncResult, error) {
	opts := o.opts.withDefaults()
	s := &localSession{
		engine: newEngine(o.provider, opts, o.logger, &o.events, scopeName),
		peer:   peer,
		timer:  newStageTimer(MetricsOpSync, opts, o.logger),
		result: newSyncResult(scopeName),
	}
	return s.run(ctx)
}

func (s *localSession) run(ctx context.Context) (res *SyncResult, err error) {
	started := s.timer.start()
	attempt := 1
	defer func() {
		s.result.CompleteTime = time.Now().UTC()
		count := s.result.TotalChangesUploaded + s.result.TotalChangesDownloaded
		s.timer.observe(ctx, MetricsStageTotal, started, count, attempt, err)
		if err != nil {
			s.stage = StageFailed
			s.logger.Error("Sync session failed", "scope", s.scopeName, "attempt", attempt, "error", err)
			_ = s.emit(context.WithoutCancel(ctx), SyncEvent{Kind: EventSessionEnded, Err: err})
			s.stage = StageIdle
			res = nil
			return
		}
		_ = s.emit(ctx, SyncEvent{Kind: EventSessionEnded, Result: s.result})
		s.stage = StageIdle
	}()

	if err := s.transition(ctx, StageBeginSession); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureScope(ctx); err != nil {
		return nil, err
	}

	mode := reinitNone
	for {
		err := s.round(ctx, mode, attempt)
		if err == nil {
			break
		}
		var outdated *OutdatedError
		if errors.As(err, &outdated) && mode == reinitNone {
			next, err := s.onOutdated(ctx, outdated)
			if err != nil {
				return nil, err
			}
			mode = next
			continue
		}
		if attempt >= s.opts.Retry.MaxAttempts || !isTransient(s.provider, err) {
			return nil, err
		}
		backoff := s.opts.Retry.Backoff(attempt)
		s.logger.Warn("Retrying sync round",
			"scope", s.scopeName,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
		attempt++
	}

	if err := s.transition(ctx, StageEndSession); err != nil {
		return nil, err
	}
	s.logger.Info("Sync session completed",
		"scope", s.scopeName,
		"uploaded", s.result.TotalChangesUploaded,
		"downloaded", s.result.TotalChangesDownloaded,
		"conflicts", s.result.TotalSyncConflicts,
		"failed", s.result.TotalChangesFailed)
	return s.result, nil
}

// ensureSchema fetches the scope description and makes every local table match it.
func (s *localSession) ensureSchema(ctx context.Context) error {
	if err := s.transition(ctx, StageEnsureSchema); err != nil {
		return err
	}
	start := s.timer.start()
	err := s.doEnsureSchema(ctx)
	s.timer.observe(ctx, MetricsStageEnsureSchema, start, len(s.tables()), 1, err)
	return err
}

func (s *localSession) doEnsureSchema(ctx context.Context) error {
	var desc *ScopeDescription
	err := s.withRetry(ctx, "get scope", func() error {
		d, err := s.peer.GetScope(ctx, s.scopeName)
		desc = d
		return err
	})
	if err != nil {
		return fmt.Errorf("get scope %s: %w", s.scopeName, err)
	}
	s.desc = desc

	if err := EnsureMetadata(ctx, s.provider); err != nil {
		return err
	}
	for _, t := range desc.Tables {
		created, err := EnsureTable(ctx, s.provider, t)
		if err != nil {
			return err
		}
		if created {
			s.logger.Info("Created local table", "scope", s.scopeName, "table", t.Name)
		}
		if err := ProvisionTable(ctx, s.provider, t); err != nil {
			return err
		}
	}
	return nil
}

// ensureScope loads the local scope record or creates one with a fresh id.
func (s *localSession) ensureScope(ctx context.Context) error {
	if err := s.transition(ctx, StageEnsureScopeMetadata); err != nil {
		return err
	}
	scope, err := LoadScope(ctx, s.provider, s.scopeName)
	if errors.Is(err, ErrScopeNotFound) {
		scope = &ScopeInfo{ScopeName: s.scopeName, ScopeID: uuid.New()}
		err = nil
	}
	if err != nil {
		return err
	}
	scope.Setup = s.desc.Setup
	scope.Schema = s.desc.Tables
	if err := SaveScope(ctx, s.provider.DB(), s.provider.Dialect(), scope); err != nil {
		return err
	}
	s.scope = scope
	return nil
}

// onOutdated asks the caller how to continue after the server refused the
// client watermark.
func (s *localSession) onOutdated(ctx context.Context, cause *OutdatedError) (reinitMode, error) {
	s.stage = StageOutdated
	s.logger.Warn("Client is outdated", "scope", s.scopeName, "watermark", cause.PeerTimestamp, "floor", cause.Floor)
	if err := s.emit(ctx, SyncEvent{Kind: EventOutdated, Err: cause}); err != nil {
		return reinitNone, err
	}
	action := OutdatedAbort
	if s.opts.OutdatedHandler != nil {
		action = s.opts.OutdatedHandler(ctx, s.scopeName, cause)
	}
	switch action {
	case OutdatedReinitialize:
		s.result.Reinitialized = true
		return reinitDownload, nil
	case OutdatedReinitializeWithUpload:
		s.result.Reinitialized = true
		return reinitWithUpload, nil
	default:
		return reinitNone, cause
	}
}

// round performs select, exchange, apply and commit once. The client watermark is
// captured before selection so that rows written while the round runs are sent
// by the next session.
func (s *localSession) round(ctx context.Context, mode reinitMode, attempt int) error {
	p := s.provider
	scope := s.scope

	if err := s.transition(ctx, StageSelectChanges); err != nil {
		return err
	}
	start := s.timer.start()
	c1, err := p.Clock().Current(ctx)
	if err != nil {
		s.timer.observe(ctx, MetricsStageSelect, start, 0, attempt, err)
		return fmt.Errorf("read local clock: %w", err)
	}
	uploadTables := s.tables()
	if mode == reinitDownload {
		uploadTables = nil
	}
	dir := filepath.Join(s.opts.BatchDirectory, "client", s.scopeName, uuid.NewString())
	// Filters shape what the server sends; every local change is uploaded.
	upload, uploaded, err := s.writeChanges(ctx, dir, uploadTables, nil, ChangeQuery{
		Since:          scope.LastSyncTimestamp,
		ExcludeScopeID: s.desc.ServerScopeID,
	})
	s.timer.observe(ctx, MetricsStageSelect, start, sumCounts(uploaded), attempt, err)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, StageExchange); err != nil {
		return err
	}
	start = s.timer.start()
	resp, err := s.peer.ApplyChanges(ctx, &ChangesRequest{
		ScopeName:               s.scopeName,
		ClientScopeID:           scope.ScopeID,
		LastServerSyncTimestamp: scope.LastServerSyncTimestamp,
		Initial:                 scope.IsNew() && mode == reinitNone,
		Reinitialize:            mode != reinitNone,
		Parameters:              s.opts.Parameters,
	}, upload)
	s.timer.observe(ctx, MetricsStageExchange, start, upload.RowsCount, attempt, err)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, StageApplyChanges); err != nil {
		return err
	}
	start = s.timer.start()
	totals, err := s.applyBatch(ctx, resp.Batch, s.tables(), ApplyArgs{
		Since:         c1,
		SenderScopeID: resp.ServerScopeID,
		Role:          RoleClient,
		Force:         mode != reinitNone,
		Forced:        ForcedIndex(resp.Forced),
		Resolver:      s.opts.resolver(),
		ErrorMode:     s.opts.ErrorMode,
		UseBulk:       s.opts.UseBulk,
	})
	s.timer.observe(ctx, MetricsStageApply, start, batchRows(resp.Batch), attempt, err)
	if err != nil {
		return err
	}

	if err := s.transition(ctx, StageReconcileConflicts); err != nil {
		return err
	}
	s.reconcile(uploaded, resp, totals)

	if err := s.transition(ctx, StageCommitScopeMetadata); err != nil {
		return err
	}
	start = s.timer.start()
	err = s.commit(ctx, c1, resp.ServerTimestamp)
	s.timer.observe(ctx, MetricsStageCommit, start, 0, attempt, err)
	if err != nil {
		return err
	}

	if s.opts.CleanBatches {
		for _, b := range []*BatchInfo{upload, resp.Batch} {
			if err := CleanupBatch(b); err != nil {
				s.logger.Warn("Failed to remove batch", "dir", b.Directory, "error", err)
			}
		}
	}
	return nil
}

// reconcile folds the server upload outcome and the local apply outcome into the
// session result.
func (s *localSession) reconcile(uploaded map[string]int, resp *ChangesResponse, totals *applyTotals) {
	r := newSyncResult(s.scopeName)
	r.StartTime = s.result.StartTime
	r.Reinitialized = s.result.Reinitialized
	for name, n := range uploaded {
		r.table(name).Uploaded += n
		r.TotalChangesUploaded += n
	}
	for name, st := range totals.tables {
		t := r.table(name)
		t.Applied += st.Applied
		t.Conflicts += st.Conflicts
		t.Resolved += st.Resolved
		t.Failed += st.Failed
	}
	if resp.Batch != nil {
		for _, p := range resp.Batch.Parts {
			r.table(p.TableName).Downloaded += p.RowsCount
		}
	}
	r.TotalChangesDownloaded = totals.rows
	r.TotalChangesApplied = totals.applied
	r.TotalSyncConflicts = resp.Stats.Conflicts + totals.conflicts
	r.TotalResolvedConflicts = resp.Stats.Resolved + totals.resolved
	r.Failures = totals.failures
	r.TotalChangesFailed = len(totals.failures) + len(resp.Stats.Failures)
	s.result = r
}

// commit advances both watermarks atomically and then reports the server
// watermark back for tombstone retention.
func (s *localSession) commit(ctx context.Context, c1, s1 int64) error {
	next := *s.scope
	next.LastSyncTimestamp = c1
	next.LastServerSyncTimestamp = s1
	next.LastSync = time.Now().UTC()
	next.LastSyncDuration = next.LastSync.Sub(s.result.StartTime)
	err := InTx(ctx, s.provider.DB(), func(tx Tx) error {
		return SaveScope(ctx, tx, s.provider.Dialect(), &next)
	})
	if err != nil {
		return fmt.Errorf("commit scope %s: %w", s.scopeName, err)
	}
	s.scope = &next

	err = s.peer.CommitSession(ctx, &SessionCommit{
		ScopeName:       s.scopeName,
		ClientScopeID:   next.ScopeID,
		ServerTimestamp: s1,
		CommittedAt:     next.LastSync,
	})
	if err != nil {
		// The round is committed locally; the server only loses a retention hint.
		s.logger.Warn("Failed to report session commit", "scope", s.scopeName, "error", err)
	}
	return nil
}

func (s *localSession) tables() []*SyncTable {
	if s.desc == nil {
		return nil
	}
	return s.desc.Tables
}

func (s *localSession) withRetry(ctx context.Context, what string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= s.opts.Retry.MaxAttempts || !isTransient(s.provider, err) {
			return err
		}
		s.logger.Warn("Retrying", "op", what, "attempt", attempt, "error", err)
		if err := sleepWithContext(ctx, s.opts.Retry.Backoff(attempt)); err != nil {
			return err
		}
	}
}

// DeleteMetadata purges local tombstones the server has already received.
func (o *LocalOrchestrator) DeleteMetadata(ctx context.Context, scopeName string) (int64, error) {
	scope, err := LoadScope(ctx, o.provider, scopeName)
	if err != nil {
		return 0, err
	}
	timer := newStageTimer(MetricsOpVacuum, o.opts, o.logger)
	start := timer.start()
	purged, err := DeleteMetadata(ctx, o.provider, scope.Schema, scope.LastSyncTimestamp+1)
	timer.observe(ctx, MetricsStageCleanup, start, int(purged), 1, err)
	if err != nil {
		return 0, err
	}
	o.logger.Info("Purged local tombstones", "scope", scopeName, "rows", purged)
	return purged, nil
}

// EnsureScopeID returns the client scope id of scopeName, creating the local scope
// record on first use. Transports that authenticate the client by scope id need
// it before the first session.
func (o *LocalOrchestrator) EnsureScopeID(ctx context.Context, scopeName string) (uuid.UUID, error) {
	if err := EnsureMetadata(ctx, o.provider); err != nil {
		return uuid.Nil, err
	}
	scope, err := LoadScope(ctx, o.provider, scopeName)
	if err == nil {
		return scope.ScopeID, nil
	}
	if !errors.Is(err, ErrScopeNotFound) {
		return uuid.Nil, err
	}
	scope = &ScopeInfo{ScopeName: scopeName, ScopeID: uuid.New()}
	if err := SaveScope(ctx, o.provider.DB(), o.provider.Dialect(), scope); err != nil {
		return uuid.Nil, err
	}
	return scope.ScopeID, nil
}

// Scope returns the local scope record.
func (o *LocalOrchestrator) Scope(ctx context.Context, scopeName string) (*ScopeInfo, error) {
	return LoadScope(ctx, o.provider, scopeName)
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func batchRows(b *BatchInfo) int {
	if b == nil {
		return 0
	}
	return b.RowsCount
}
