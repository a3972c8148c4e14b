// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/stretchr/testify/require"
)

func TestInitialSnapshotAndIdempotence(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	orderID := uuid.New()
	placed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mustExec(t, srv.provider.SQL(),
		`INSERT INTO orders (id, customer_id, amount, placed_at, paid) VALUES (?, 1, 19.5, ?, ?)`,
		orderID, placed, true)

	c := newReplica(t, "c1", opts)
	res := c.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesDownloaded)
	require.Equal(t, 3, res.TotalChangesApplied)
	require.Equal(t, 0, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalSyncConflicts)
	require.Equal(t, 2, res.Tables["customers"].Downloaded)

	db := c.provider.SQL()
	require.Equal(t, "Ann", customerName(t, db, 1))
	require.Equal(t, "Bob", customerName(t, db, 2))

	var (
		customerID int64
		paid       bool
		at         time.Time
	)
	require.NoError(t, db.QueryRow(`SELECT customer_id, paid, placed_at FROM orders WHERE id = ?`, orderID).
		Scan(&customerID, &paid, &at))
	require.Equal(t, int64(1), customerID)
	require.True(t, paid)
	require.True(t, placed.Equal(at))

	scope, err := c.local.Scope(context.Background(), testScope)
	require.NoError(t, err)
	require.False(t, scope.IsNew())
	require.Positive(t, scope.LastServerSyncTimestamp)

	// Applied server rows must not come back as uploads, and nothing new is sent down.
	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestChangesFanOutWithoutEcho(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	a := newReplica(t, "a", opts)
	b := newReplica(t, "b", opts)
	a.sync(t, srv.remote)
	b.sync(t, srv.remote)

	mustExec(t, a.provider.SQL(), `INSERT INTO customers (id, name) VALUES (3, 'Cid')`)
	mustExec(t, a.provider.SQL(), `UPDATE customers SET email = 'bob@example.com' WHERE id = 2`)
	mustExec(t, a.provider.SQL(), `DELETE FROM customers WHERE id = 1`)

	res := a.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalChangesDownloaded)
	require.Equal(t, "Cid", customerName(t, srv.provider.SQL(), 3))
	require.Equal(t, "", customerName(t, srv.provider.SQL(), 1))

	res = b.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesDownloaded)
	require.Equal(t, "Cid", customerName(t, b.provider.SQL(), 3))
	require.Equal(t, "", customerName(t, b.provider.SQL(), 1))
	var email string
	require.NoError(t, b.provider.SQL().QueryRow(`SELECT email FROM customers WHERE id = 2`).Scan(&email))
	require.Equal(t, "bob@example.com", email)

	res = a.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalChangesDownloaded)
	require.Equal(t, 0, res.TotalChangesUploaded)
}

func TestUpdateUpdateServerWins(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `UPDATE customers SET name = 'server' WHERE id = 1`)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'client' WHERE id = 1`)

	var conflicts []scopesync.ConflictType
	srv.remote.Subscribe(func(ctx context.Context, ev scopesync.SyncEvent) scopesync.EventAction {
		if ev.Kind == scopesync.EventConflict {
			conflicts = append(conflicts, ev.Conflict.Type)
		}
		return scopesync.EventContinue
	})

	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalSyncConflicts)
	require.Equal(t, 1, res.TotalResolvedConflicts)
	require.Equal(t, []scopesync.ConflictType{scopesync.ConflictUpdateUpdate}, conflicts)
	require.Equal(t, "server", customerName(t, srv.provider.SQL(), 1))
	require.Equal(t, "server", customerName(t, c.provider.SQL(), 1))

	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalSyncConflicts)
	require.Equal(t, 0, res.TotalChangesUploaded)
}

func TestUpdateUpdateClientWins(t *testing.T) {
	opts := testOptions(t)
	opts.ConflictPolicy = scopesync.PolicyClientWins
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `UPDATE customers SET name = 'server' WHERE id = 1`)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'client' WHERE id = 1`)

	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalSyncConflicts)
	require.Equal(t, "client", customerName(t, srv.provider.SQL(), 1))
	require.Equal(t, "client", customerName(t, c.provider.SQL(), 1))

	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestDeleteBeatsConcurrentUpdateOnServer(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `DELETE FROM customers WHERE id = 2`)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'Robert' WHERE id = 2`)

	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalSyncConflicts)
	require.Equal(t, "", customerName(t, srv.provider.SQL(), 2))
	require.Equal(t, "", customerName(t, c.provider.SQL(), 2))
	require.Equal(t, 1, countRows(t, c.provider.SQL(), "customers"))
}

func TestMergeConflict(t *testing.T) {
	opts := testOptions(t)
	opts.ConflictPolicy = scopesync.PolicyMergeRow
	opts.MergeFunc = func(ctx context.Context, table *scopesync.SyncTable, local *scopesync.SyncRow, remote scopesync.SyncRow) (scopesync.SyncRow, error) {
		merged := remote.Clone()
		if local != nil {
			i := table.ColumnIndex("name")
			merged.Values[i] = local.Values[i].(string) + "/" + remote.Values[i].(string)
		}
		return merged, nil
	}
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `UPDATE customers SET name = 'S' WHERE id = 1`)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'C' WHERE id = 1`)

	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalSyncConflicts)
	require.Equal(t, "S/C", customerName(t, srv.provider.SQL(), 1))
	require.Equal(t, "S/C", customerName(t, c.provider.SQL(), 1))

	// The merged row travels back once as a plain upload without a new conflict.
	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalSyncConflicts)
	require.Equal(t, "S/C", customerName(t, srv.provider.SQL(), 1))
}

func TestRollbackResolutionKeepsWatermarks(t *testing.T) {
	opts := testOptions(t)
	opts.ConflictHandler = func(ctx context.Context, c scopesync.SyncConflict) (scopesync.Resolution, error) {
		return scopesync.ResolutionRollback, nil
	}
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", testOptions(t))
	c.sync(t, srv.remote)
	before, err := c.local.Scope(context.Background(), testScope)
	require.NoError(t, err)

	mustExec(t, srv.provider.SQL(), `UPDATE customers SET name = 'server' WHERE id = 1`)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'client' WHERE id = 1`)

	_, err = c.local.Synchronize(context.Background(), testScope, srv.remote)
	require.ErrorIs(t, err, scopesync.ErrConflictRollback)
	require.Equal(t, "server", customerName(t, srv.provider.SQL(), 1))

	after, err := c.local.Scope(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, before.LastSyncTimestamp, after.LastSyncTimestamp)
	require.Equal(t, before.LastServerSyncTimestamp, after.LastServerSyncTimestamp)
}

func TestCanceledSessionResendsChanges(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)
	before, err := c.local.Scope(context.Background(), testScope)
	require.NoError(t, err)

	var cancel atomic.Bool
	cancel.Store(true)
	var stages []scopesync.SessionStage
	c.local.Subscribe(func(ctx context.Context, ev scopesync.SyncEvent) scopesync.EventAction {
		if ev.Kind == scopesync.EventStageChanged {
			stages = append(stages, ev.Stage)
		}
		if ev.Kind == scopesync.EventBatchPartApplied && cancel.Load() {
			return scopesync.EventCancel
		}
		return scopesync.EventContinue
	})

	mustExec(t, srv.provider.SQL(), `INSERT INTO customers (id, name) VALUES (7, 'Gus')`)
	mustExec(t, c.provider.SQL(), `INSERT INTO customers (id, name) VALUES (8, 'Hal')`)

	_, err = c.local.Synchronize(context.Background(), testScope, srv.remote)
	require.ErrorIs(t, err, scopesync.ErrCanceled)
	require.Contains(t, stages, scopesync.StageApplyChanges)
	require.NotContains(t, stages, scopesync.StageCommitScopeMetadata)

	after, err := c.local.Scope(context.Background(), testScope)
	require.NoError(t, err)
	require.Equal(t, before.LastSyncTimestamp, after.LastSyncTimestamp)
	require.Equal(t, before.LastServerSyncTimestamp, after.LastServerSyncTimestamp)

	cancel.Store(false)
	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalChangesUploaded)
	require.Equal(t, 1, res.TotalChangesDownloaded)
	require.Equal(t, 0, res.TotalSyncConflicts)
	require.Equal(t, "Gus", customerName(t, c.provider.SQL(), 7))
	require.Equal(t, "Hal", customerName(t, srv.provider.SQL(), 8))
}

func TestOutdatedClientReinitializes(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	a := newReplica(t, "a", opts)
	b := newReplica(t, "b", opts)
	a.sync(t, srv.remote)
	b.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `DELETE FROM customers WHERE id = 2`)
	mustExec(t, srv.provider.SQL(), `INSERT INTO customers (id, name) VALUES (3, 'Cid')`)
	a.sync(t, srv.remote)

	scope, err := srv.remote.Scope(ctx, testScope)
	require.NoError(t, err)
	now, err := srv.provider.Clock().Current(ctx)
	require.NoError(t, err)
	purged, err := srv.remote.PurgeBefore(ctx, scope, now+1)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	var outdated *scopesync.OutdatedError
	_, err = b.local.Synchronize(ctx, testScope, srv.remote)
	require.ErrorIs(t, err, scopesync.ErrOutdatedPeer)
	require.ErrorAs(t, err, &outdated)
	require.Equal(t, now+1, outdated.Floor)

	reinitOpts := opts
	reinitOpts.OutdatedHandler = func(context.Context, string, *scopesync.OutdatedError) scopesync.OutdatedAction {
		return scopesync.OutdatedReinitialize
	}
	res, err := b.withOptions(reinitOpts).local.Synchronize(ctx, testScope, srv.remote)
	require.NoError(t, err)
	require.True(t, res.Reinitialized)
	require.Equal(t, "Cid", customerName(t, b.provider.SQL(), 3))

	res = b.sync(t, srv.remote)
	require.False(t, res.Reinitialized)
	require.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestDeleteMetadataWaitsForEveryClient(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	a := newReplica(t, "a", opts)
	b := newReplica(t, "b", opts)
	a.sync(t, srv.remote)
	b.sync(t, srv.remote)

	mustExec(t, srv.provider.SQL(), `DELETE FROM customers WHERE id = 2`)
	mustExec(t, srv.provider.SQL(), `INSERT INTO customers (id, name) VALUES (9, 'Ida')`)
	a.sync(t, srv.remote)

	purged, err := srv.remote.DeleteMetadata(ctx, testScope)
	require.NoError(t, err)
	require.Zero(t, purged)

	b.sync(t, srv.remote)
	require.Equal(t, "", customerName(t, b.provider.SQL(), 2))
	purged, err = srv.remote.DeleteMetadata(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	// Neither client is behind the new floor.
	a.sync(t, srv.remote)
	b.sync(t, srv.remote)

	// The replica purges the tombstone it received once its watermark covers it.
	purged, err = b.local.DeleteMetadata(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestSessionEndedEventCarriesResult(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)

	var ended *scopesync.SyncResult
	c.local.Subscribe(func(ctx context.Context, ev scopesync.SyncEvent) scopesync.EventAction {
		if ev.Kind == scopesync.EventSessionEnded {
			ended = ev.Result
		}
		return scopesync.EventContinue
	})
	res := c.sync(t, srv.remote)
	require.Same(t, res, ended)
	require.Positive(t, res.Duration())
}

func TestUnknownScope(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)
	c := newReplica(t, "c", opts)
	_, err := c.local.Synchronize(context.Background(), "missing", srv.remote)
	require.True(t, errors.Is(err, scopesync.ErrScopeNotFound))
}
