// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SessionStage is the position of a session in its state machine.
type SessionStage int

const (
	StageIdle SessionStage = iota
	StageBeginSession
	StageEnsureSchema
	StageEnsureScopeMetadata
	StageSelectChanges
	StageExchange
	StageApplyChanges
	StageReconcileConflicts
	StageCommitScopeMetadata
	StageEndSession
	StageFailed
	StageOutdated
)

var stageNames = [...]string{
	StageIdle:                "idle",
	StageBeginSession:        "begin_session",
	StageEnsureSchema:        "ensure_schema",
	StageEnsureScopeMetadata: "ensure_scope_metadata",
	StageSelectChanges:       "select_changes",
	StageExchange:            "exchange",
	StageApplyChanges:        "apply_changes",
	StageReconcileConflicts:  "reconcile_conflicts",
	StageCommitScopeMetadata: "commit_scope_metadata",
	StageEndSession:          "end_session",
	StageFailed:              "failed",
	StageOutdated:            "outdated",
}

func (s SessionStage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("SessionStage(%d)", int(s))
}

// TableStats are the per table counters of a session.
type TableStats struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Applied    int `json:"applied"`
	Conflicts  int `json:"conflicts"`
	Resolved   int `json:"resolved"`
	Failed     int `json:"failed"`
}

// SyncResult is the outcome of one session.
type SyncResult struct {
	ScopeName              string
	TotalChangesUploaded   int
	TotalChangesDownloaded int
	TotalChangesApplied    int
	TotalSyncConflicts     int
	TotalResolvedConflicts int
	TotalChangesFailed     int
	Tables                 map[string]*TableStats
	Failures               []RowError
	Reinitialized          bool
	StartTime              time.Time
	CompleteTime           time.Time
}

func newSyncResult(scopeName string) *SyncResult {
	return &SyncResult{ScopeName: scopeName, Tables: map[string]*TableStats{}, StartTime: time.Now().UTC()}
}

func (r *SyncResult) table(name string) *TableStats {
	st, ok := r.Tables[name]
	if !ok {
		st = &TableStats{}
		r.Tables[name] = st
	}
	return st
}

// Duration is the wall time of the session.
func (r *SyncResult) Duration() time.Duration {
	if r.CompleteTime.IsZero() {
		return 0
	}
	return r.CompleteTime.Sub(r.StartTime)
}

// applyTotals accumulates the results of every part of one batch.
type applyTotals struct {
	tables    map[string]*TableStats
	rows      int
	applied   int
	conflicts int
	resolved  int
	failures  []RowError
	forced    []ForcedKey
}

func (t *applyTotals) table(name string) *TableStats {
	st, ok := t.tables[name]
	if !ok {
		st = &TableStats{}
		t.tables[name] = st
	}
	return st
}

// engine carries what both orchestrator roles share during one session.
type engine struct {
	provider  Provider
	applier   *Applier
	opts      Options
	logger    *slog.Logger
	events    eventSink
	scopeName string
	stage     SessionStage
}

func newEngine(p Provider, opts Options, logger *slog.Logger, events *Events, scopeName string) *engine {
	sink := events.snapshot()
	return &engine{
		provider:  p,
		applier:   NewApplier(p.Dialect(), p.Clock(), logger).withEvents(sink).withRetryable(p.IsRetryable),
		opts:      opts,
		logger:    logger,
		events:    sink,
		scopeName: scopeName,
	}
}

func (e *engine) emit(ctx context.Context, ev SyncEvent) error {
	ev.ScopeName = e.scopeName
	ev.Stage = e.stage
	return e.events.emit(ctx, ev)
}

// transition moves the session to stage and lets subscribers cancel it.
func (e *engine) transition(ctx context.Context, stage SessionStage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.stage = stage
	e.logger.Debug("Session stage", "scope", e.scopeName, "stage", stage.String())
	return e.emit(ctx, SyncEvent{Kind: EventStageChanged})
}

// writeChanges selects the changes of every table into a new batch in dir. A nil
// setup selects without filters.
func (e *engine) writeChanges(ctx context.Context, dir string, tables []*SyncTable, setup *SyncSetup, q ChangeQuery) (*BatchInfo, map[string]int, error) {
	w, err := NewBatchWriter(dir, e.opts.Serializer, e.opts.Limits)
	if err != nil {
		return nil, nil, err
	}
	w.OnPart(func(p BatchPartInfo) error {
		return e.emit(ctx, SyncEvent{Kind: EventBatchPartWritten, Table: p.TableName, Rows: p.RowsCount, Part: partSnapshot(p)})
	})
	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		tq := q
		tq.Filter = setup.Filter(t.Name)
		rows, err := SelectChanges(ctx, e.provider.DB(), e.provider.Dialect(), t, tq)
		if err != nil {
			return nil, nil, err
		}
		n, err := w.WriteTable(ctx, t, rows)
		if err != nil {
			return nil, nil, fmt.Errorf("write changes of %s: %w", t.Name, err)
		}
		counts[t.Name] = n
		if err := e.emit(ctx, SyncEvent{Kind: EventChangesSelected, Table: t.Name, Rows: n}); err != nil {
			return nil, nil, err
		}
	}
	info, err := w.Close()
	if err != nil {
		return nil, nil, err
	}
	return info, counts, nil
}

// applyBatch applies a complete batch part by part, each part in its own
// transaction. Deletes go first in reverse table order, then upserts parents first.
func (e *engine) applyBatch(ctx context.Context, info *BatchInfo, tables []*SyncTable, args ApplyArgs) (*applyTotals, error) {
	totals := &applyTotals{tables: map[string]*TableStats{}}
	if info == nil {
		return totals, nil
	}
	reader, err := ReadBatch(info)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*SyncTable, len(tables))
	for _, t := range tables {
		byName[strings.ToLower(t.Name)] = t
	}
	for _, p := range info.Parts {
		if byName[strings.ToLower(p.TableName)] == nil {
			return nil, fmt.Errorf("%w: batch holds rows of unknown table %s", ErrSchemaMismatch, p.TableName)
		}
	}

	for _, p := range planParts(info, tables) {
		t := byName[strings.ToLower(p.TableName)]
		if err := e.emit(ctx, SyncEvent{Kind: EventBatchPartApplying, Table: t.Name, Rows: p.RowsCount, Part: partSnapshot(p)}); err != nil {
			return nil, err
		}
		part, err := reader.ReadPart(p)
		if err != nil {
			return nil, err
		}
		res, err := e.applyPart(ctx, t, part, args)
		if err != nil {
			return nil, fmt.Errorf("apply part %d of %s: %w", p.Index, t.Name, err)
		}

		st := totals.table(t.Name)
		st.Applied += res.Applied
		st.Conflicts += len(res.Conflicts)
		st.Resolved += res.Resolved
		st.Failed += len(res.Failed)
		totals.rows += p.RowsCount
		totals.applied += res.Applied
		totals.conflicts += len(res.Conflicts)
		totals.resolved += res.Resolved
		totals.failures = append(totals.failures, res.Failed...)
		totals.forced = append(totals.forced, res.Forced...)

		if err := e.emit(ctx, SyncEvent{Kind: EventBatchPartApplied, Table: t.Name, Rows: res.Applied, Part: partSnapshot(p)}); err != nil {
			return nil, err
		}
	}
	return totals, nil
}

// applyPart retries transient failures of one part; the part transaction is
// rolled back before every retry so the attempt starts clean.
func (e *engine) applyPart(ctx context.Context, t *SyncTable, part *SyncTable, args ApplyArgs) (*ApplyResult, error) {
	maxAttempts := e.opts.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		var res *ApplyResult
		err := InTx(ctx, e.provider.DB(), func(tx Tx) error {
			r, err := e.applier.ApplyPart(ctx, tx, t, part, args)
			res = r
			return err
		})
		if err == nil {
			return res, nil
		}
		if attempt >= maxAttempts || !isTransient(e.provider, err) {
			return nil, err
		}
		backoff := e.opts.Retry.Backoff(attempt)
		e.logger.Warn("Retrying batch part",
			"table", t.Name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		if err := sleepWithContext(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

func planParts(info *BatchInfo, tables []*SyncTable) []BatchPartInfo {
	plan := make([]BatchPartInfo, 0, len(info.Parts))
	for i := len(tables) - 1; i >= 0; i-- {
		for _, p := range info.Parts {
			if p.State == RowDelete && strings.EqualFold(p.TableName, tables[i].Name) {
				plan = append(plan, p)
			}
		}
	}
	for _, t := range tables {
		for _, p := range info.Parts {
			if p.State == RowUpsert && strings.EqualFold(p.TableName, t.Name) {
				plan = append(plan, p)
			}
		}
	}
	return plan
}

func rowFailures(errs []RowError) []RowFailure {
	if len(errs) == 0 {
		return nil
	}
	out := make([]RowFailure, 0, len(errs))
	for _, e := range errs {
		out = append(out, RowFailure{Table: e.Table, Key: RowKey(e.Key), State: e.State, Error: e.Err.Error()})
	}
	return out
}
