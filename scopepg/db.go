// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopepg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-scopesync/scopesync"
)

// poolDB adapts a pgx pool to scopesync.DB.
type poolDB struct {
	pool *pgxpool.Pool
}

type pgxTx struct {
	tx pgx.Tx
}

// row maps pgx.ErrNoRows to sql.ErrNoRows, which the engine checks for.
type row struct {
	r pgx.Row
}

func (r row) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return sql.ErrNoRows
	}
	return err
}

func (d poolDB) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (d poolDB) Query(ctx context.Context, q string, args ...any) (scopesync.Rows, error) {
	return d.pool.Query(ctx, q, args...)
}

func (d poolDB) QueryRow(ctx context.Context, q string, args ...any) scopesync.Row {
	return row{d.pool.QueryRow(ctx, q, args...)}
}

// Begin opens a repeatable read transaction. A row changed by a concurrent
// session after the snapshot fails the write with SQLSTATE 40001 instead of
// being overwritten, and the engine retries the part.
func (d poolDB) Begin(ctx context.Context) (scopesync.Tx, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	return pgxTx{tx}, nil
}

func (t pgxTx) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t pgxTx) Query(ctx context.Context, q string, args ...any) (scopesync.Rows, error) {
	return t.tx.Query(ctx, q, args...)
}

func (t pgxTx) QueryRow(ctx context.Context, q string, args ...any) scopesync.Row {
	return row{t.tx.QueryRow(ctx, q, args...)}
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
