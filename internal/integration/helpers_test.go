// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-scopesync/scopesqlite"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/stretchr/testify/require"
)

const testScope = "shop"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testOptions(t *testing.T) scopesync.Options {
	opts := scopesync.DefaultOptions()
	opts.BatchDirectory = filepath.Join(t.TempDir(), "batches")
	opts.Retry.MaxAttempts = 1
	return opts
}

// sqliteServer is a RemoteOrchestrator over a SQLite file seeded with a small
// customers/orders schema.
type sqliteServer struct {
	provider *scopesqlite.Provider
	remote   *scopesync.RemoteOrchestrator
}

func newSQLiteServer(t *testing.T, opts scopesync.Options) *sqliteServer {
	t.Helper()
	// Declared out of order on purpose; provisioning sorts parents first.
	return newSQLiteServerWithSetup(t, opts, &scopesync.SyncSetup{Tables: []string{"orders", "customers"}})
}

func newSQLiteServerWithSetup(t *testing.T, opts scopesync.Options, setup *scopesync.SyncSetup) *sqliteServer {
	t.Helper()
	ctx := context.Background()
	p, err := scopesqlite.Open(filepath.Join(t.TempDir(), "server.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	for _, stmt := range []string{
		`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email VARCHAR(120))`,
		`CREATE TABLE orders (id UUID NOT NULL PRIMARY KEY, customer_id BIGINT NOT NULL REFERENCES customers(id),
			amount DOUBLE, placed_at DATETIME, paid BOOLEAN)`,
		`INSERT INTO customers (id, name, email) VALUES (1, 'Ann', 'ann@example.com'), (2, 'Bob', NULL)`,
	} {
		_, err := p.SQL().Exec(stmt)
		require.NoError(t, err)
	}

	remote := scopesync.NewRemoteOrchestrator(p, opts, testLogger())
	_, err = remote.Provision(ctx, testScope, setup)
	require.NoError(t, err)
	return &sqliteServer{provider: p, remote: remote}
}

// replica is a client SQLite database with its orchestrator.
type replica struct {
	provider *scopesqlite.Provider
	local    *scopesync.LocalOrchestrator
}

func newReplica(t *testing.T, name string, opts scopesync.Options) *replica {
	t.Helper()
	p, err := scopesqlite.Open(filepath.Join(t.TempDir(), name+".db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return &replica{provider: p, local: scopesync.NewLocalOrchestrator(p, opts, testLogger())}
}

// withOptions returns a second orchestrator over the same database.
func (r *replica) withOptions(opts scopesync.Options) *replica {
	return &replica{provider: r.provider, local: scopesync.NewLocalOrchestrator(r.provider, opts, testLogger())}
}

func (r *replica) sync(t *testing.T, peer scopesync.Peer) *scopesync.SyncResult {
	t.Helper()
	res, err := r.local.Synchronize(context.Background(), testScope, peer)
	require.NoError(t, err)
	return res
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}

// customerName returns the name of a customer, or "" when the row is missing.
func customerName(t *testing.T, db *sql.DB, id int64) string {
	t.Helper()
	var name string
	err := db.QueryRow(`SELECT name FROM customers WHERE id = ?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return ""
	}
	require.NoError(t, err)
	return name
}

func insertOrder(t *testing.T, db *sql.DB, customerID int64, paid bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	mustExec(t, db, `INSERT INTO orders (id, customer_id, amount, paid) VALUES (?, ?, 10, ?)`, id, customerID, paid)
	return id
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}
