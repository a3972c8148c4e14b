// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func itemsTable() *SyncTable {
	return &SyncTable{Name: "items", Columns: []SyncColumn{
		{Name: "id", Type: TypeInt64, IsPrimaryKey: true},
		{Name: "name", Type: TypeString, AllowNull: true},
	}}
}

func itemRows(n int, state RowState) []SyncRow {
	rows := make([]SyncRow, n)
	for i := range rows {
		if state == RowDelete {
			rows[i] = SyncRow{State: RowDelete, Values: []any{int64(i + 1), nil}}
		} else {
			rows[i] = SyncRow{State: RowUpsert, Values: []any{int64(i + 1), "item"}}
		}
	}
	return rows
}

func TestBatchWriterSplitsByRowLimit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "batch")
	w, err := NewBatchWriter(dir, JSONSerializer{}, BatchLimits{MaxRowsPerPart: 10000})
	require.NoError(t, err)

	var seen []BatchPartInfo
	w.OnPart(func(p BatchPartInfo) error {
		seen = append(seen, p)
		return nil
	})
	n, err := w.WriteTable(context.Background(), itemsTable(), SliceRows(itemRows(25000, RowUpsert)))
	require.NoError(t, err)
	require.Equal(t, 25000, n)

	info, err := w.Close()
	require.NoError(t, err)
	require.True(t, info.Complete)
	require.Len(t, info.Parts, 3)
	require.Equal(t, []int{10000, 10000, 5000},
		[]int{info.Parts[0].RowsCount, info.Parts[1].RowsCount, info.Parts[2].RowsCount})
	require.Equal(t, 25000, info.RowsCount)
	require.Equal(t, seen, info.Parts)

	loaded, err := LoadBatchInfo(dir)
	require.NoError(t, err)
	r, err := ReadBatch(loaded)
	require.NoError(t, err)
	total := 0
	for {
		part, tbl, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, "items", tbl.Name)
		require.Len(t, tbl.Rows, part.RowsCount)
		total += len(tbl.Rows)
	}
	require.Equal(t, 25000, total)

	require.NoError(t, CleanupBatch(info))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestBatchWriterSeparatesStates(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir, JSONSerializer{}, BatchLimits{})
	require.NoError(t, err)

	rows := append(itemRows(3, RowUpsert), itemRows(2, RowDelete)...)
	rows[1], rows[3] = rows[3], rows[1]
	_, err = w.WriteTable(context.Background(), itemsTable(), SliceRows(rows))
	require.NoError(t, err)
	info, err := w.Close()
	require.NoError(t, err)

	require.Len(t, info.Parts, 2)
	require.Equal(t, RowUpsert, info.Parts[0].State)
	require.Equal(t, 3, info.Parts[0].RowsCount)
	require.Equal(t, RowDelete, info.Parts[1].State)
	require.Equal(t, 2, info.Parts[1].RowsCount)
	require.Len(t, info.PartsFor("items"), 2)
	require.Empty(t, info.PartsFor("orders"))
}

func TestBatchWriterByteLimit(t *testing.T) {
	w, err := NewBatchWriter(t.TempDir(), JSONSerializer{}, BatchLimits{MaxBytesPerPart: 1})
	require.NoError(t, err)
	_, err = w.WriteTable(context.Background(), itemsTable(), SliceRows(itemRows(4, RowUpsert)))
	require.NoError(t, err)
	info, err := w.Close()
	require.NoError(t, err)
	require.Len(t, info.Parts, 4)
}

func TestBatchWriterOnPartErrorStops(t *testing.T) {
	w, err := NewBatchWriter(t.TempDir(), JSONSerializer{}, BatchLimits{MaxRowsPerPart: 1})
	require.NoError(t, err)
	stop := errors.New("stop")
	w.OnPart(func(BatchPartInfo) error { return stop })
	_, err = w.WriteTable(context.Background(), itemsTable(), SliceRows(itemRows(3, RowUpsert)))
	require.ErrorIs(t, err, stop)
}

func TestLoadBatchInfoIncomplete(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir, JSONSerializer{}, BatchLimits{MaxRowsPerPart: 2})
	require.NoError(t, err)
	_, err = w.WriteTable(context.Background(), itemsTable(), SliceRows(itemRows(5, RowUpsert)))
	require.NoError(t, err)

	// Writer never closed: the manifest lists flushed parts but is not complete.
	info, err := LoadBatchInfo(dir)
	var corrupt *BatchCorruptionError
	require.ErrorAs(t, err, &corrupt)
	require.NotNil(t, info)
	require.False(t, info.Complete)
	require.Len(t, info.Parts, 3)

	_, err = ReadBatch(info)
	require.ErrorAs(t, err, &corrupt)
}

func TestReadBatchMissingPart(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir, MsgpackSerializer{}, BatchLimits{MaxRowsPerPart: 2})
	require.NoError(t, err)
	_, err = w.WriteTable(context.Background(), itemsTable(), SliceRows(itemRows(4, RowUpsert)))
	require.NoError(t, err)
	info, err := w.Close()
	require.NoError(t, err)
	require.Len(t, info.Parts, 2)

	require.NoError(t, os.Remove(filepath.Join(dir, info.Parts[1].FileName)))

	r, err := ReadBatch(info)
	require.NoError(t, err)
	_, _, err = r.Next()
	require.NoError(t, err)
	_, _, err = r.Next()
	var corrupt *BatchCorruptionError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, info.Parts[1].FileName, corrupt.Part)
}

func TestLoadBatchInfoMissingManifest(t *testing.T) {
	_, err := LoadBatchInfo(t.TempDir())
	var corrupt *BatchCorruptionError
	require.ErrorAs(t, err, &corrupt)
}
