// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-scopesync/scopesqlite"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/stretchr/testify/require"
)

// newItemsDB returns a provider with a provisioned items(id, name) table.
func newItemsDB(t *testing.T) (*scopesqlite.Provider, *scopesync.SyncTable) {
	t.Helper()
	ctx := context.Background()
	p, err := scopesqlite.Open(filepath.Join(t.TempDir(), "items.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	mustExec(t, p.SQL(), `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, scopesync.EnsureMetadata(ctx, p))
	tables, err := scopesync.DescribeTables(ctx, p, &scopesync.SyncSetup{Tables: []string{"items"}})
	require.NoError(t, err)
	require.NoError(t, scopesync.ProvisionTable(ctx, p, tables[0]))
	return p, tables[0]
}

func applyItems(p *scopesqlite.Provider, table *scopesync.SyncTable, rows []scopesync.SyncRow, args scopesync.ApplyArgs) (*scopesync.ApplyResult, error) {
	ctx := context.Background()
	part := &scopesync.SyncTable{Name: table.Name, Columns: table.Columns, Rows: rows}
	var res *scopesync.ApplyResult
	err := scopesync.InTx(ctx, p.DB(), func(tx scopesync.Tx) error {
		r, err := scopesync.NewApplier(p.Dialect(), p.Clock(), testLogger()).ApplyPart(ctx, tx, table, part, args)
		res = r
		return err
	})
	return res, err
}

type itemState struct {
	ID     int64
	Name   string
	Author string
}

func itemStates(t *testing.T, p *scopesqlite.Provider) []itemState {
	t.Helper()
	rows, err := p.SQL().Query(`SELECT tr.id, COALESCE(i.name, ''), COALESCE(tr.update_scope_id, '')
		FROM items_tracking tr LEFT JOIN items i ON i.id = tr.id ORDER BY tr.id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []itemState
	for rows.Next() {
		var s itemState
		require.NoError(t, rows.Scan(&s.ID, &s.Name, &s.Author))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func upsert(id int64, name any) scopesync.SyncRow {
	return scopesync.SyncRow{State: scopesync.RowUpsert, Values: []any{id, name}}
}

func TestApplyPartTwiceIsIdempotent(t *testing.T) {
	for _, bulk := range []bool{true, false} {
		t.Run(map[bool]string{true: "bulk", false: "per_row"}[bulk], func(t *testing.T) {
			p, table := newItemsDB(t)
			sender := uuid.New()
			rows := []scopesync.SyncRow{
				upsert(1, "a"),
				upsert(2, "b"),
				{State: scopesync.RowDelete, Values: []any{int64(3), nil}},
			}
			args := scopesync.ApplyArgs{SenderScopeID: sender, Role: scopesync.RoleServer, UseBulk: bulk}

			res, err := applyItems(p, table, rows, args)
			require.NoError(t, err)
			require.Equal(t, 3, res.Applied)
			first := itemStates(t, p)
			require.Equal(t, []itemState{
				{1, "a", sender.String()},
				{2, "b", sender.String()},
				{3, "", sender.String()},
			}, first)

			// A resent part is the sender's own version and lands again unchanged.
			res, err = applyItems(p, table, rows, args)
			require.NoError(t, err)
			require.Equal(t, 3, res.Applied)
			require.Empty(t, res.Conflicts)
			require.Equal(t, first, itemStates(t, p))
		})
	}
}

func TestApplyPartPerRowDetectsConflict(t *testing.T) {
	ctx := context.Background()
	p, table := newItemsDB(t)
	sender := uuid.New()
	_, err := applyItems(p, table, []scopesync.SyncRow{upsert(1, "a")}, scopesync.ApplyArgs{SenderScopeID: sender, Role: scopesync.RoleServer})
	require.NoError(t, err)

	seen, err := p.Clock().Current(ctx)
	require.NoError(t, err)
	mustExec(t, p.SQL(), `UPDATE items SET name = 'local' WHERE id = 1`)

	res, err := applyItems(p, table, []scopesync.SyncRow{upsert(1, "remote")}, scopesync.ApplyArgs{
		Since:         seen,
		SenderScopeID: uuid.New(),
		Role:          scopesync.RoleServer,
		Resolver:      &scopesync.Resolver{Policy: scopesync.PolicyServerWins},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.Applied)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, scopesync.ConflictUpdateUpdate, res.Conflicts[0].Type)
	require.Len(t, res.Forced, 1)
	require.Equal(t, "local", itemStates(t, p)[0].Name)
}

func TestApplyPartSchemaMismatchWritesNothing(t *testing.T) {
	p, table := newItemsDB(t)
	part := &scopesync.SyncTable{
		Name: "items",
		Columns: []scopesync.SyncColumn{
			{Name: "id", Type: scopesync.TypeInt64, IsPrimaryKey: true},
			{Name: "name", Type: scopesync.TypeInt64},
		},
		Rows: []scopesync.SyncRow{upsert(1, int64(5))},
	}
	err := scopesync.InTx(context.Background(), p.DB(), func(tx scopesync.Tx) error {
		_, err := scopesync.NewApplier(p.Dialect(), p.Clock(), testLogger()).
			ApplyPart(context.Background(), tx, table, part, scopesync.ApplyArgs{SenderScopeID: uuid.New()})
		return err
	})
	require.ErrorIs(t, err, scopesync.ErrSchemaMismatch)

	// A short row in the middle of a part rolls the whole part back.
	_, err = applyItems(p, table, []scopesync.SyncRow{
		upsert(1, "a"),
		{State: scopesync.RowUpsert, Values: []any{int64(2)}},
	}, scopesync.ApplyArgs{SenderScopeID: uuid.New(), UseBulk: true})
	require.ErrorIs(t, err, scopesync.ErrSchemaMismatch)
	require.Zero(t, countRows(t, p.SQL(), "items"))
	require.Empty(t, itemStates(t, p))
}

func TestApplyPartContinueOnErrorCollectsRows(t *testing.T) {
	p, table := newItemsDB(t)
	sender := uuid.New()
	for _, bulk := range []bool{true, false} {
		res, err := applyItems(p, table, []scopesync.SyncRow{
			upsert(1, "a"),
			upsert(2, nil),
			upsert(3, "c"),
		}, scopesync.ApplyArgs{
			SenderScopeID: sender,
			Role:          scopesync.RoleServer,
			ErrorMode:     scopesync.ContinueOnError,
			UseBulk:       bulk,
		})
		require.NoError(t, err)
		require.Equal(t, 2, res.Applied)
		require.Len(t, res.Failed, 1)
		require.Equal(t, []any{int64(2)}, res.Failed[0].Key)
	}
	require.Equal(t, 2, countRows(t, p.SQL(), "items"))

	// Fail fast aborts the part.
	_, err := applyItems(p, table, []scopesync.SyncRow{upsert(4, "d"), upsert(5, nil)},
		scopesync.ApplyArgs{SenderScopeID: uuid.New(), UseBulk: true})
	var rowErr *scopesync.RowError
	require.ErrorAs(t, err, &rowErr)
	require.Equal(t, []any{int64(5)}, rowErr.Key)
	require.Equal(t, 2, countRows(t, p.SQL(), "items"))
}

func TestContinueOnErrorReportsFailuresInResult(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServer(t, opts)

	clientOpts := opts
	clientOpts.ErrorMode = scopesync.ContinueOnError
	c := newReplica(t, "c", clientOpts)
	mustExec(t, c.provider.SQL(), `CREATE TABLE customers (id INTEGER PRIMARY KEY,
		name TEXT NOT NULL CHECK (name <> 'Bob'), email VARCHAR(120))`)

	res := c.sync(t, srv.remote)
	require.Equal(t, 2, res.TotalChangesDownloaded)
	require.Equal(t, 1, res.TotalChangesApplied)
	require.Equal(t, 1, res.TotalChangesFailed)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "customers", res.Failures[0].Table)
	require.Equal(t, []any{int64(2)}, res.Failures[0].Key)
	require.Equal(t, 1, res.Tables["customers"].Failed)
	require.Equal(t, "Ann", customerName(t, c.provider.SQL(), 1))
	require.Empty(t, customerName(t, c.provider.SQL(), 2))
}
