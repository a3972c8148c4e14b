// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scopepg binds the sync engine to PostgreSQL through pgx.
//
// Local writes are captured by one plpgsql trigger function per table. The
// logical clock is a sequence; writers hold a shared advisory lock for the rest
// of their transaction after drawing a value so that Current, which takes the
// same lock exclusively, never reports a value whose transaction is still open.
package scopepg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-scopesync/scopesync"
)

// Provider implements scopesync.Provider for PostgreSQL.
type Provider struct {
	pool    *pgxpool.Pool
	adapter poolDB
	dialect Dialect
	clock   *Clock
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*scopesync.SyncTable
}

var _ scopesync.Provider = (*Provider)(nil)

func New(pool *pgxpool.Pool, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		pool:    pool,
		adapter: poolDB{pool: pool},
		dialect: NewDialect(),
		logger:  logger,
		cache:   make(map[string]*scopesync.SyncTable),
	}
	p.clock = &Clock{pool: pool}
	return p
}

// Open connects a pool to databaseURL and pings it.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Provider, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), nil
}

func (p *Provider) Name() string               { return "postgres" }
func (p *Provider) DB() scopesync.DB           { return p.adapter }
func (p *Provider) Dialect() scopesync.Dialect { return p.dialect }
func (p *Provider) Clock() scopesync.Clock     { return p.clock }

// Pool returns the underlying pool.
func (p *Provider) Pool() *pgxpool.Pool { return p.pool }

func (p *Provider) Close() { p.pool.Close() }

const columnsQuery = `
	SELECT c.column_name::text, c.udt_name::text, c.is_nullable::text,
		coalesce(c.character_maximum_length, 0)::int, coalesce(pk.ordinal_position, 0)::int
	FROM information_schema.columns c
	LEFT JOIN (
		SELECT kcu.column_name, kcu.ordinal_position
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = current_schema()
			AND tc.table_name = @table_name
	) pk ON pk.column_name = c.column_name
	WHERE c.table_schema = current_schema() AND c.table_name = @table_name
	ORDER BY c.ordinal_position`

// DiscoverTable reads a table definition from information_schema in the current
// schema. Results are cached; a missing table returns nil, nil.
func (p *Provider) DiscoverTable(ctx context.Context, name string) (*scopesync.SyncTable, error) {
	key := strings.ToLower(name)
	p.mu.RLock()
	if t, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return t.Schema(), nil
	}
	p.mu.RUnlock()

	rows, err := p.pool.Query(ctx, columnsQuery, pgx.NamedArgs{"table_name": name})
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", name, err)
	}
	defer rows.Close()

	t := &scopesync.SyncTable{Name: name}
	for rows.Next() {
		var (
			col, udt, nullable string
			maxLen             int32
			pkPos              int32
		)
		if err := rows.Scan(&col, &udt, &nullable, &maxLen, &pkPos); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		t.Columns = append(t.Columns, scopesync.SyncColumn{
			Name:         col,
			Type:         columnType(udt),
			AllowNull:    nullable == "YES" && pkPos == 0,
			MaxLength:    int(maxLen),
			IsPrimaryKey: pkPos > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(t.Columns) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	p.cache[key] = t
	p.mu.Unlock()
	return t.Schema(), nil
}

// ClearCache forgets discovered table definitions.
func (p *Provider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*scopesync.SyncTable)
}

const foreignKeysQuery = `
	SELECT DISTINCT kcu.table_name::text, kcu2.table_name::text AS referenced_table_name
	FROM information_schema.key_column_usage AS kcu
	JOIN information_schema.referential_constraints AS rc
		ON kcu.constraint_name = rc.constraint_name
		AND kcu.constraint_schema = rc.constraint_schema
	JOIN information_schema.key_column_usage AS kcu2
		ON rc.unique_constraint_name = kcu2.constraint_name
		AND rc.unique_constraint_schema = kcu2.constraint_schema
		AND kcu.ordinal_position = kcu2.ordinal_position
	WHERE kcu.table_schema = current_schema()
		AND kcu.table_name = ANY(@tables::text[])
	ORDER BY kcu.table_name, referenced_table_name`

// OrderTables sorts names parents first using the foreign keys declared among
// them.
func (p *Provider) OrderTables(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, foreignKeysQuery, pgx.NamedArgs{"tables": names})
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign key constraints: %w", err)
	}
	defer rows.Close()

	parents := make(map[string][]string, len(names))
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key constraint: %w", err)
		}
		parents[child] = append(parents[child], parent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign key constraints: %w", err)
	}
	return scopesync.SortTables(names, parents, p.logger), nil
}

// IsRetryable reports serialization failures, deadlocks and lock timeouts.
func (p *Provider) IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// Clock is the PostgreSQL logical clock.
type Clock struct {
	pool *pgxpool.Pool
}

// Next draws a value inside the caller's transaction and holds the shared clock
// lock until that transaction ends.
func (c *Clock) Next(ctx context.Context, q scopesync.Querier) (int64, error) {
	if _, err := q.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_xact_lock_shared(%d)", clockLockKey)); err != nil {
		return 0, fmt.Errorf("lock clock: %w", err)
	}
	var v int64
	if err := q.QueryRow(ctx, "SELECT nextval('"+clockSequence+"')").Scan(&v); err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	return v, nil
}

// Current waits for every writer holding the shared lock, then reads the last
// value handed out.
func (c *Clock) Current(ctx context.Context) (int64, error) {
	var v int64
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", clockLockKey)); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			"SELECT CASE WHEN is_called THEN last_value ELSE last_value - 1 END FROM "+clockSequence).Scan(&v)
	})
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return v, nil
}
