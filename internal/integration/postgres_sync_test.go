// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-scopesync/scopepg"
	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// pgServer is a RemoteOrchestrator over a throwaway PostgreSQL container.
type pgServer struct {
	pool     *pgxpool.Pool
	provider *scopepg.Provider
	remote   *scopesync.RemoteOrchestrator
}

func newPGServer(t *testing.T, opts scopesync.Options) *pgServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("scopesync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		CREATE TABLE customers (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			email VARCHAR(120)
		);
		CREATE TABLE orders (
			id UUID PRIMARY KEY,
			customer_id BIGINT NOT NULL REFERENCES customers(id),
			placed_at TIMESTAMPTZ,
			paid BOOLEAN
		);
		INSERT INTO customers (id, name, email) VALUES (1, 'Ann', 'ann@example.com'), (2, 'Bob', NULL);`)
	require.NoError(t, err)

	provider := scopepg.New(pool, testLogger())
	remote := scopesync.NewRemoteOrchestrator(provider, opts, testLogger())
	_, err = remote.Provision(ctx, testScope, &scopesync.SyncSetup{Tables: []string{"orders", "customers"}})
	require.NoError(t, err)
	return &pgServer{pool: pool, provider: provider, remote: remote}
}

func (s *pgServer) customerName(t *testing.T, id int64) string {
	t.Helper()
	var name string
	err := s.pool.QueryRow(context.Background(), `SELECT name FROM customers WHERE id = $1`, id).Scan(&name)
	require.NoError(t, err)
	return name
}

func TestPostgresServerSync(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	srv := newPGServer(t, opts)

	orderID := uuid.New()
	placed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_, err := srv.pool.Exec(ctx, `INSERT INTO orders (id, customer_id, placed_at, paid) VALUES ($1, 1, $2, true)`, orderID, placed)
	require.NoError(t, err)

	c := newReplica(t, "c", opts)
	res := c.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesDownloaded)

	var (
		paid bool
		at   time.Time
	)
	require.NoError(t, c.provider.SQL().QueryRow(`SELECT paid, placed_at FROM orders WHERE id = ?`, orderID).Scan(&paid, &at))
	require.True(t, paid)
	require.True(t, placed.Equal(at))

	// Upload an insert and a delete, and lose an update conflict to the server.
	mustExec(t, c.provider.SQL(), `INSERT INTO customers (id, name) VALUES (3, 'Cid')`)
	mustExec(t, c.provider.SQL(), `DELETE FROM orders WHERE id = ?`, orderID)
	mustExec(t, c.provider.SQL(), `UPDATE customers SET name = 'client' WHERE id = 2`)
	_, err = srv.pool.Exec(ctx, `UPDATE customers SET name = 'server' WHERE id = 2`)
	require.NoError(t, err)

	res = c.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesUploaded)
	require.Equal(t, 1, res.TotalSyncConflicts)
	require.Equal(t, "Cid", srv.customerName(t, 3))
	require.Equal(t, "server", srv.customerName(t, 2))
	require.Equal(t, "server", customerName(t, c.provider.SQL(), 2))

	var orders int
	require.NoError(t, srv.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&orders))
	require.Zero(t, orders)

	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalChangesDownloaded)

	purged, err := srv.remote.DeleteMetadata(ctx, testScope)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

// Rows committed by concurrent writers while sessions run must all arrive; a
// watermark may never pass a timestamp whose transaction is still open.
func TestPostgresConcurrentWritersAreNotSkipped(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	srv := newPGServer(t, opts)
	c := newReplica(t, "c", opts)
	c.sync(t, srv.remote)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	done := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := int64(100 + w*perWriter + i)
				tx, err := srv.pool.Begin(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := tx.Exec(ctx, `INSERT INTO customers (id, name) VALUES ($1, $2)`, id, fmt.Sprintf("w%d-%d", w, i)); err != nil {
					_ = tx.Rollback(ctx)
					t.Error(err)
					return
				}
				time.Sleep(time.Millisecond)
				if err := tx.Commit(ctx); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			c.sync(t, srv.remote)
		}
	}
	c.sync(t, srv.remote)

	var serverCount int
	require.NoError(t, srv.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers`).Scan(&serverCount))
	require.Equal(t, 2+writers*perWriter, serverCount)
	require.Equal(t, serverCount, countRows(t, c.provider.SQL(), "customers"))
}

// Two clients racing on one key: the losing session retries its part on a fresh
// snapshot and sees the winner as a conflict, so every replica ends up with the
// value the server kept.
func TestPostgresConcurrentClientsConverge(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	serverOpts := opts
	serverOpts.Retry = scopesync.RetryPolicy{MaxAttempts: 10, BackoffMin: 5 * time.Millisecond, BackoffMax: 100 * time.Millisecond}
	srv := newPGServer(t, serverOpts)

	a := newReplica(t, "a", opts)
	b := newReplica(t, "b", opts)
	a.sync(t, srv.remote)
	b.sync(t, srv.remote)

	for i := 0; i < 20; i++ {
		mustExec(t, a.provider.SQL(), `UPDATE customers SET name = ? WHERE id = 1`, fmt.Sprintf("a%d", i))
		mustExec(t, b.provider.SQL(), `UPDATE customers SET name = ? WHERE id = 1`, fmt.Sprintf("b%d", i))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, r := range []*replica{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[j] = r.local.Synchronize(ctx, testScope, srv.remote)
			}()
		}
		wg.Wait()
		require.NoError(t, errors.Join(errs...))
	}

	for _, r := range []*replica{a, b, a, b} {
		res := r.sync(t, srv.remote)
		require.Zero(t, res.TotalChangesUploaded)
	}
	want := srv.customerName(t, 1)
	require.Equal(t, want, customerName(t, a.provider.SQL(), 1))
	require.Equal(t, want, customerName(t, b.provider.SQL(), 1))
}
