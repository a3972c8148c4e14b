// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ChangeQuery parameterizes one change selection.
type ChangeQuery struct {
	// Since is the requesting peer's watermark. With Initial it is the tombstone
	// floor of a reinitialization; zero selects no tombstones.
	Since int64
	// ExcludeScopeID suppresses rows last written by the requesting peer.
	ExcludeScopeID uuid.UUID
	// Initial selects every live row regardless of timestamp.
	Initial bool
	Filter  *SyncFilter
	Params  map[string]any
}

// SelectChanges streams the rows of t changed since q.Since that were not authored
// by q.ExcludeScopeID. Upserts carry the base row; deletes carry only the key.
// The stream is not restartable; on failure select again with the same query.
func SelectChanges(ctx context.Context, db Querier, d Dialect, t *SyncTable, q ChangeQuery) (RowIterator, error) {
	cmd := d.SelectChangesCommand(t, q.Filter, q.Initial)
	values := map[string]any{
		ParamSince: q.Since,
		ParamScope: q.ExcludeScopeID.String(),
	}
	if q.Filter != nil {
		params, err := q.Filter.bindParams(q.Params)
		if err != nil {
			return nil, fmt.Errorf("select changes of %s: %w", t.Name, err)
		}
		for k, v := range params {
			values[k] = v
		}
	}
	args, err := cmd.Args(values)
	if err != nil {
		return nil, fmt.Errorf("select changes of %s: %w", t.Name, err)
	}
	rows, err := db.Query(ctx, cmd.Text, args...)
	if err != nil {
		return nil, fmt.Errorf("select changes of %s: %w", t.Name, err)
	}
	return &changeIterator{table: t, rows: rows, pk: t.PrimaryKeyIndexes()}, nil
}

type changeIterator struct {
	table  *SyncTable
	rows   Rows
	pk     []int
	closed bool
}

func (it *changeIterator) Next(ctx context.Context) (SyncRow, error) {
	if it.closed {
		return SyncRow{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return SyncRow{}, err
	}
	if !it.rows.Next() {
		err := it.rows.Err()
		it.Close()
		if err != nil {
			return SyncRow{}, fmt.Errorf("iterate changes of %s: %w", it.table.Name, err)
		}
		return SyncRow{}, io.EOF
	}

	n := len(it.table.Columns)
	raw := make([]any, n+2)
	dest := make([]any, n+2)
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := it.rows.Scan(dest...); err != nil {
		return SyncRow{}, fmt.Errorf("scan change of %s: %w", it.table.Name, err)
	}

	tomb, err := NormalizeValue(TypeBoolean, raw[n])
	if err != nil {
		return SyncRow{}, fmt.Errorf("tombstone flag of %s: %w", it.table.Name, err)
	}
	row := SyncRow{State: RowUpsert, Values: make([]any, n)}
	if tomb == true || raw[n+1] == nil {
		row.State = RowDelete
		for _, i := range it.pk {
			v, err := NormalizeValue(it.table.Columns[i].Type, raw[i])
			if err != nil {
				return SyncRow{}, fmt.Errorf("key %s.%s: %w", it.table.Name, it.table.Columns[i].Name, err)
			}
			row.Values[i] = v
		}
		return row, nil
	}
	for i, col := range it.table.Columns {
		v, err := NormalizeValue(col.Type, raw[i])
		if err != nil {
			return SyncRow{}, fmt.Errorf("column %s.%s: %w", it.table.Name, col.Name, err)
		}
		row.Values[i] = v
	}
	return row, nil
}

func (it *changeIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.rows.Close()
	}
	return nil
}

// ReadTracked returns the tracking entry of a key, or nil when none exists.
func ReadTracked(ctx context.Context, q Querier, d Dialect, t *SyncTable, key []any) (*TrackedRow, error) {
	cmd := d.SelectTrackedCommand(t)
	args, err := cmd.Args(keyValues(t, key))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, cmd.Text, args...)
	if err != nil {
		return nil, fmt.Errorf("read tracking of %s: %w", t.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("read tracking of %s: %w", t.Name, err)
		}
		return nil, nil
	}
	var ts, scope, tomb, changed any
	if err := rows.Scan(&ts, &scope, &tomb, &changed); err != nil {
		return nil, fmt.Errorf("scan tracking of %s: %w", t.Name, err)
	}
	tr := &TrackedRow{PrimaryKey: key}
	v, err := NormalizeValue(TypeInt64, ts)
	if err != nil {
		return nil, err
	}
	tr.Timestamp = v.(int64)
	b, err := NormalizeValue(TypeBoolean, tomb)
	if err != nil {
		return nil, err
	}
	tr.IsTombstone = b == true
	if scope != nil {
		sv, err := NormalizeValue(TypeString, scope)
		if err != nil {
			return nil, err
		}
		if s := sv.(string); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("tracking scope of %s: %w", t.Name, err)
			}
			tr.UpdateScopeID = &id
		}
	}
	if changed != nil {
		if ms, err := NormalizeValue(TypeInt64, changed); err == nil {
			tr.LastChangeDatetime = unixMilli(ms.(int64))
		}
	}
	return tr, nil
}

// ReadRow returns the base row of a key, or nil when it does not exist.
func ReadRow(ctx context.Context, q Querier, d Dialect, t *SyncTable, key []any) (*SyncRow, error) {
	cmd := d.SelectRowCommand(t)
	args, err := cmd.Args(keyValues(t, key))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, cmd.Text, args...)
	if err != nil {
		return nil, fmt.Errorf("read row of %s: %w", t.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("read row of %s: %w", t.Name, err)
		}
		return nil, nil
	}
	raw := make([]any, len(t.Columns))
	dest := make([]any, len(t.Columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row of %s: %w", t.Name, err)
	}
	row, err := NormalizeRow(t, SyncRow{State: RowUpsert, Values: raw})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// keyValues maps key values onto their column parameters.
func keyValues(t *SyncTable, key []any) map[string]any {
	values := make(map[string]any, len(key))
	for i, c := range t.PrimaryKeyColumns() {
		if i < len(key) {
			values[ColumnParam(c.Name)] = key[i]
		}
	}
	return values
}
