// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesqlite

import (
	"context"
	"database/sql"

	"github.com/mobiletoly/go-scopesync/scopesync"
)

// sqlDB adapts *sql.DB to scopesync.DB.
type sqlDB struct {
	db *sql.DB
}

type sqlTx struct {
	tx *sql.Tx
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, q sqlQueryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func query(ctx context.Context, q sqlQueryer, query string, args ...any) (scopesync.Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (d sqlDB) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	return exec(ctx, d.db, q, args...)
}

func (d sqlDB) Query(ctx context.Context, q string, args ...any) (scopesync.Rows, error) {
	return query(ctx, d.db, q, args...)
}

func (d sqlDB) QueryRow(ctx context.Context, q string, args ...any) scopesync.Row {
	return d.db.QueryRowContext(ctx, q, args...)
}

func (d sqlDB) Begin(ctx context.Context) (scopesync.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{tx}, nil
}

func (t sqlTx) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	return exec(ctx, t.tx, q, args...)
}

func (t sqlTx) Query(ctx context.Context, q string, args ...any) (scopesync.Rows, error) {
	return query(ctx, t.tx, q, args...)
}

func (t sqlTx) QueryRow(ctx context.Context, q string, args ...any) scopesync.Row {
	return t.tx.QueryRowContext(ctx, q, args...)
}

func (t sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }
