// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scopesqlite binds the sync engine to SQLite through mattn/go-sqlite3.
// Change capture uses triggers; the logical clock is a single row table updated
// in the writing transaction.
package scopesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-scopesync/scopesync"
)

// Provider implements scopesync.Provider for a SQLite database.
type Provider struct {
	db      *sql.DB
	adapter sqlDB
	dialect Dialect
	clock   *Clock
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*scopesync.SyncTable
}

var _ scopesync.Provider = (*Provider)(nil)

// New wraps an open database. Callers using a file database from several
// goroutines should set a busy timeout in the DSN.
func New(db *sql.DB, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		db:      db,
		adapter: sqlDB{db: db},
		dialect: NewDialect(),
		logger:  logger,
		cache:   make(map[string]*scopesync.SyncTable),
	}
	p.clock = &Clock{db: p.adapter}
	return p
}

// Open opens path with foreign keys enabled and a busy timeout, limited to one
// connection so every session serializes on the single writer.
func Open(path string, logger *slog.Logger) (*Provider, error) {
	dsn := path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return New(db, logger), nil
}

func (p *Provider) Name() string               { return "sqlite" }
func (p *Provider) DB() scopesync.DB           { return p.adapter }
func (p *Provider) Dialect() scopesync.Dialect { return p.dialect }
func (p *Provider) Clock() scopesync.Clock     { return p.clock }

// SQL returns the underlying database.
func (p *Provider) SQL() *sql.DB { return p.db }

func (p *Provider) Close() error { return p.db.Close() }

// DiscoverTable reads a table definition with PRAGMA table_info. Results are
// cached per table; a missing table is not cached.
func (p *Provider) DiscoverTable(ctx context.Context, name string) (*scopesync.SyncTable, error) {
	key := strings.ToLower(name)
	p.mu.RLock()
	if t, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return t.Schema(), nil
	}
	p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", p.dialect.QuoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", name, err)
	}
	defer rows.Close()

	t := &scopesync.SyncTable{Name: name}
	for rows.Next() {
		var (
			cid          int
			colName      string
			declared     string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &colName, &declared, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		typ, maxLen := columnType(declared)
		t.Columns = append(t.Columns, scopesync.SyncColumn{
			Name:         colName,
			Type:         typ,
			AllowNull:    notNull == 0 && pk == 0,
			MaxLength:    maxLen,
			IsPrimaryKey: pk > 0,
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

// OrderTables sorts names parents first using PRAGMA foreign_key_list.
func (p *Provider) OrderTables(ctx context.Context, names []string) ([]string, error) {
	parents := make(map[string][]string, len(names))
	for _, name := range names {
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", p.dialect.QuoteIdent(name)))
		if err != nil {
			return nil, fmt.Errorf("failed to list foreign keys of %s: %w", name, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, err
		}
		for rows.Next() {
			dest := make([]any, len(cols))
			var parent string
			for i, c := range cols {
				if c == "table" {
					dest[i] = &parent
				} else {
					dest[i] = new(any)
				}
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan foreign key of %s: %w", name, err)
			}
			parents[name] = append(parents[name], parent)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return scopesync.SortTables(names, parents, p.logger), nil
}

// IsRetryable reports busy and locked errors.
func (p *Provider) IsRetryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// Clock is the SQLite logical clock. Triggers advance the same row.
type Clock struct {
	db sqlDB
}

func (c *Clock) Next(ctx context.Context, q scopesync.Querier) (int64, error) {
	var v int64
	err := q.QueryRow(ctx, "UPDATE "+clockTable+" SET value = value + 1 WHERE id = 1 RETURNING value").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	return v, nil
}

// Current reads the committed clock value. SQLite has a single writer, so every
// value at or below it belongs to a finished transaction.
func (c *Clock) Current(ctx context.Context) (int64, error) {
	var v int64
	if err := c.db.QueryRow(ctx, "SELECT value FROM "+clockTable+" WHERE id = 1").Scan(&v); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return v, nil
}
