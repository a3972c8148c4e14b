// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ForcedKey names a row the peer must apply unconditionally because a conflict on
// this side was resolved in favor of the local or merged version.
type ForcedKey struct {
	Table  string `json:"table"`
	Key    string `json:"key"`
	Merged bool   `json:"merged,omitempty"`
}

// ApplyArgs is the immutable input of one part application.
type ApplyArgs struct {
	// Since is the receiver's view of the sender watermark; tracked rows at or below
	// it were already seen by the sender.
	Since         int64
	SenderScopeID uuid.UUID
	Role          Role
	// Force applies every row regardless of tracked state (reinitialization).
	Force bool
	// Forced lists keys that bypass the check, keyed by RowKey.
	Forced    map[string]ForcedKey
	Resolver  *Resolver
	ErrorMode ErrorMode
	UseBulk   bool
}

// ApplyResult summarizes one part application.
type ApplyResult struct {
	Applied   int
	Conflicts []SyncConflict
	Resolved  int
	Failed    []RowError
	Forced    []ForcedKey
}

// Applier applies incoming rows under the tracked timestamp compare-and-swap.
type Applier struct {
	dialect Dialect
	clock   Clock
	logger  *slog.Logger
	events  eventSink
	// retryable classifies provider errors that must abort the whole part so it
	// can be retried in a fresh transaction.
	retryable func(error) bool
}

func NewApplier(d Dialect, clock Clock, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{dialect: d, clock: clock, logger: logger}
}

func (a *Applier) withEvents(s eventSink) *Applier {
	c := *a
	c.events = s
	return &c
}

func (a *Applier) withRetryable(fn func(error) bool) *Applier {
	c := *a
	c.retryable = fn
	return &c
}

// abortsPart reports errors that no row isolation can absorb.
func (a *Applier) abortsPart(ctx context.Context, err error) bool {
	if errors.Is(err, ErrConflictRollback) || errors.Is(err, ErrCanceled) || ctx.Err() != nil {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return a.retryable != nil && a.retryable(err)
}

// ApplyPart applies the rows of one part inside tx. The part schema must match
// the local table exactly; otherwise nothing is written.
func (a *Applier) ApplyPart(ctx context.Context, tx Tx, local *SyncTable, part *SyncTable, args ApplyArgs) (*ApplyResult, error) {
	if err := local.SameShape(part); err != nil {
		return nil, err
	}
	if args.Resolver == nil {
		args.Resolver = &Resolver{}
	}
	if _, err := tx.Exec(ctx, a.dialect.ApplyModeStatement(true)); err != nil {
		return nil, fmt.Errorf("enable apply mode: %w", err)
	}

	res := &ApplyResult{}
	for _, raw := range part.Rows {
		row, err := NormalizeRow(local, raw)
		if err != nil {
			return nil, err
		}
		if err := a.events.emit(ctx, SyncEvent{Kind: EventRowApplying, Table: local.Name, Row: rowSnapshot(row)}); err != nil {
			return nil, err
		}

		if args.ErrorMode == ContinueOnError {
			err = a.applyIsolated(ctx, tx, local, row, args, res)
		} else {
			err = a.applyRow(ctx, tx, local, row, args, res)
		}
		if err == nil {
			continue
		}
		if a.abortsPart(ctx, err) {
			return nil, err
		}
		if args.ErrorMode != ContinueOnError {
			return nil, &RowError{Table: local.Name, Key: local.PrimaryKey(row), State: row.State, Err: err}
		}
		a.logger.Warn("Row apply failed", "table", local.Name, "key", local.PrimaryKey(row), "error", err)
		res.Failed = append(res.Failed, RowError{Table: local.Name, Key: local.PrimaryKey(row), State: row.State, Err: err})
	}

	if _, err := tx.Exec(ctx, a.dialect.ApplyModeStatement(false)); err != nil {
		return nil, fmt.Errorf("disable apply mode: %w", err)
	}
	return res, nil
}

// applyIsolated runs applyRow inside a savepoint so a failing row leaves the
// transaction usable.
func (a *Applier) applyIsolated(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, args ApplyArgs, res *ApplyResult) error {
	if _, err := tx.Exec(ctx, "SAVEPOINT scope_row"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	snapshot := *res
	if err := a.applyRow(ctx, tx, t, row, args, res); err != nil {
		*res = snapshot
		if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT scope_row"); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (row error: %w)", rbErr, err)
		}
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT scope_row")
		return err
	}
	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT scope_row"); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (a *Applier) applyRow(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, args ApplyArgs, res *ApplyResult) error {
	key := t.PrimaryKey(row)
	forced, isForced := args.Forced[t.Name+"/"+RowKey(key)]
	sender := &args.SenderScopeID
	if isForced && forced.Merged {
		sender = nil
	}

	if args.Force || isForced {
		if err := a.write(ctx, tx, t, row, sender); err != nil {
			return err
		}
		res.Applied++
		return nil
	}

	if args.UseBulk {
		n, err := a.writeConditional(ctx, tx, t, row, args)
		if err != nil {
			return err
		}
		if n > 0 {
			res.Applied++
			return nil
		}
	}

	tracked, err := ReadTracked(ctx, tx, a.dialect, t, key)
	if err != nil {
		return err
	}
	if canApply(tracked, args.Since, args.SenderScopeID) {
		if err := a.write(ctx, tx, t, row, sender); err != nil {
			return err
		}
		res.Applied++
		return nil
	}
	return a.resolveConflict(ctx, tx, t, row, tracked, args, res)
}

// canApply is the compare-and-swap of the protocol: the incoming write is accepted
// when the key is untracked, when the sender already saw the local version, or
// when the local version came from the sender itself.
func canApply(tracked *TrackedRow, since int64, sender uuid.UUID) bool {
	if tracked == nil {
		return true
	}
	if tracked.Timestamp <= since {
		return true
	}
	return tracked.UpdateScopeID != nil && *tracked.UpdateScopeID == sender
}

func (a *Applier) resolveConflict(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, tracked *TrackedRow, args ApplyArgs, res *ApplyResult) error {
	var localRow *SyncRow
	if !tracked.IsTombstone {
		lr, err := ReadRow(ctx, tx, a.dialect, t, tracked.PrimaryKey)
		if err != nil {
			return err
		}
		localRow = lr
	}
	c := SyncConflict{
		Table:        t,
		Type:         classifyConflict(row.State, tracked, args.Since),
		RemoteRow:    row,
		LocalRow:     localRow,
		LocalTracked: *tracked,
	}
	if err := args.Resolver.Resolve(ctx, &c); err != nil {
		return err
	}
	if err := a.events.emit(ctx, SyncEvent{Kind: EventConflict, Table: t.Name, Conflict: conflictSnapshot(c)}); err != nil {
		return err
	}
	a.logger.Debug("Conflict resolved",
		"table", t.Name,
		"key", tracked.PrimaryKey,
		"type", c.Type.String(),
		"resolution", c.Resolution.String(),
		"role", args.Role.String())

	key := RowKey(tracked.PrimaryKey)
	switch conflictOutcome(args.Role, c.Resolution) {
	case abortRound:
		return fmt.Errorf("%w: %s %v (%s)", ErrConflictRollback, t.Name, tracked.PrimaryKey, c.Type)
	case takeRemote:
		if err := a.write(ctx, tx, t, row, &args.SenderScopeID); err != nil {
			return err
		}
		res.Applied++
	case writeMerged:
		if err := a.write(ctx, tx, t, *c.FinalRow, nil); err != nil {
			return err
		}
		res.Applied++
		if args.Role == RoleServer {
			res.Forced = append(res.Forced, ForcedKey{Table: t.Name, Key: key, Merged: true})
		}
	case keepLocal:
		if args.Role == RoleServer {
			res.Forced = append(res.Forced, ForcedKey{Table: t.Name, Key: key})
		}
	}
	res.Conflicts = append(res.Conflicts, c)
	res.Resolved++
	return nil
}

// write applies row unconditionally and stamps its tracking entry with a fresh
// timestamp and the given author; a nil author marks a local write.
func (a *Applier) write(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, author *uuid.UUID) error {
	values := rowValues(t, row)
	var cmd Command
	if row.State == RowDelete {
		cmd = a.dialect.DeleteRowCommand(t, false)
	} else {
		cmd = a.dialect.UpsertRowCommand(t, false)
	}
	if err := execCommand(ctx, tx, cmd, values); err != nil {
		return fmt.Errorf("write %s row of %s: %w", row.State, t.Name, err)
	}
	return a.stamp(ctx, tx, t, row, author, values, false)
}

// writeConditional embeds the compare-and-swap in the statements and returns the
// number of base rows written. Zero means the row needs the per row path.
func (a *Applier) writeConditional(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, args ApplyArgs) (int64, error) {
	values := rowValues(t, row)
	values[ParamSince] = args.Since
	values[ParamSender] = args.SenderScopeID.String()
	var cmd Command
	if row.State == RowDelete {
		cmd = a.dialect.DeleteRowCommand(t, true)
	} else {
		cmd = a.dialect.UpsertRowCommand(t, true)
	}
	qargs, err := cmd.Args(values)
	if err != nil {
		return 0, err
	}
	n, err := tx.Exec(ctx, cmd.Text, qargs...)
	if err != nil {
		return 0, fmt.Errorf("conditional %s of %s: %w", row.State, t.Name, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := a.stamp(ctx, tx, t, row, &args.SenderScopeID, values, true); err != nil {
		return 0, err
	}
	return n, nil
}

func (a *Applier) stamp(ctx context.Context, tx Tx, t *SyncTable, row SyncRow, author *uuid.UUID, values map[string]any, conditional bool) error {
	ts, err := a.clock.Next(ctx, tx)
	if err != nil {
		return fmt.Errorf("next timestamp: %w", err)
	}
	values[ParamTimestamp] = ts
	values[ParamChangedAt] = time.Now().UTC().UnixMilli()
	if row.State == RowDelete {
		values[ParamTombstone] = int64(1)
	} else {
		values[ParamTombstone] = int64(0)
	}
	if author != nil {
		values[ParamScope] = author.String()
	} else {
		values[ParamScope] = nil
	}
	cmd := a.dialect.UpsertTrackingCommand(t, conditional)
	args, err := cmd.Args(values)
	if err != nil {
		return err
	}
	n, err := tx.Exec(ctx, cmd.Text, args...)
	if err != nil {
		return fmt.Errorf("stamp tracking of %s: %w", t.Name, err)
	}
	if conditional && n != 1 {
		// The base row is already written; a blocked stamp would leave it
		// versioned by someone else.
		return &TransientError{Err: fmt.Errorf("tracking row of %s %v changed during apply", t.Name, t.PrimaryKey(row))}
	}
	return nil
}

// ForcedIndex indexes forced keys for ApplyArgs.Forced.
func ForcedIndex(keys []ForcedKey) map[string]ForcedKey {
	idx := make(map[string]ForcedKey, len(keys))
	for _, k := range keys {
		idx[k.Table+"/"+k.Key] = k
	}
	return idx
}

func rowValues(t *SyncTable, row SyncRow) map[string]any {
	values := make(map[string]any, len(t.Columns)+6)
	for i, c := range t.Columns {
		values[ColumnParam(c.Name)] = row.Values[i]
	}
	return values
}

func execCommand(ctx context.Context, q Querier, cmd Command, values map[string]any) error {
	args, err := cmd.Args(values)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, cmd.Text, args...)
	return err
}
