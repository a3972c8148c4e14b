// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ManifestFileName is the name of the persisted BatchInfo inside a batch directory.
const ManifestFileName = "batch.json"

// BatchInfo is the manifest of the change set of one round.
type BatchInfo struct {
	ID             string          `json:"id"`
	Directory      string          `json:"-"`
	SerializerName string          `json:"serializer"`
	Parts          []BatchPartInfo `json:"parts"`
	RowsCount      int             `json:"rows_count"`
	Complete       bool            `json:"complete"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BatchPartInfo describes one bounded chunk. All rows of a part belong to one
// table and share one row state.
type BatchPartInfo struct {
	Index     int      `json:"index"`
	FileName  string   `json:"file"`
	TableName string   `json:"table"`
	State     RowState `json:"state"`
	RowsCount int      `json:"rows"`
	Size      int64    `json:"size"`
}

// PartsFor returns the parts of a table in index order.
func (b *BatchInfo) PartsFor(table string) []BatchPartInfo {
	var out []BatchPartInfo
	for _, p := range b.Parts {
		if p.TableName == table {
			out = append(out, p)
		}
	}
	return out
}

// BatchLimits bounds the size of a part. Zero means unlimited; when both are zero
// every table state pair produces a single part.
type BatchLimits struct {
	MaxRowsPerPart  int
	MaxBytesPerPart int64
}

// RowIterator streams rows lazily. Next returns io.EOF after the last row.
type RowIterator interface {
	Next(ctx context.Context) (SyncRow, error)
	Close() error
}

// SliceRows adapts an in-memory slice to RowIterator.
func SliceRows(rows []SyncRow) RowIterator { return &sliceRows{rows: rows} }

type sliceRows struct {
	rows []SyncRow
	pos  int
}

func (s *sliceRows) Next(ctx context.Context) (SyncRow, error) {
	if err := ctx.Err(); err != nil {
		return SyncRow{}, err
	}
	if s.pos >= len(s.rows) {
		return SyncRow{}, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

func (s *sliceRows) Close() error { return nil }

// BatchWriter spills row streams into part files and keeps the manifest on disk
// current after every flushed part.
type BatchWriter struct {
	serializer Serializer
	limits     BatchLimits
	info       *BatchInfo
	onPart     func(BatchPartInfo) error
}

// NewBatchWriter creates dir and an empty, incomplete manifest in it.
func NewBatchWriter(dir string, serializer Serializer, limits BatchLimits) (*BatchWriter, error) {
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch directory: %w", err)
	}
	w := &BatchWriter{
		serializer: serializer,
		limits:     limits,
		info: &BatchInfo{
			ID:             uuid.NewString(),
			Directory:      dir,
			SerializerName: serializer.Name(),
			CreatedAt:      time.Now().UTC(),
		},
	}
	if err := w.saveManifest(); err != nil {
		return nil, err
	}
	return w, nil
}

// OnPart registers a callback invoked after each part is durable. Returning an
// error stops the writer.
func (w *BatchWriter) OnPart(fn func(BatchPartInfo) error) { w.onPart = fn }

// WriteTable consumes rows of one table, buffering upserts and deletes separately
// and flushing each buffer when it reaches a limit. It returns the rows written.
func (w *BatchWriter) WriteTable(ctx context.Context, schema *SyncTable, rows RowIterator) (int, error) {
	defer rows.Close()
	bufs := map[RowState]*partBuffer{
		RowUpsert: {state: RowUpsert},
		RowDelete: {state: RowDelete},
	}
	total := 0
	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read changes of %s: %w", schema.Name, err)
		}
		buf := bufs[row.State]
		if buf == nil {
			return total, fmt.Errorf("row of %s has invalid state %d", schema.Name, row.State)
		}
		buf.rows = append(buf.rows, row)
		buf.bytes += estimateRowSize(row)
		total++
		if w.full(buf) {
			if err := w.flush(schema, buf); err != nil {
				return total, err
			}
		}
	}
	for _, st := range []RowState{RowUpsert, RowDelete} {
		if len(bufs[st].rows) > 0 {
			if err := w.flush(schema, bufs[st]); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Close marks the manifest complete and returns it.
func (w *BatchWriter) Close() (*BatchInfo, error) {
	w.info.Complete = true
	if err := w.saveManifest(); err != nil {
		return nil, err
	}
	info := *w.info
	info.Parts = append([]BatchPartInfo(nil), w.info.Parts...)
	return &info, nil
}

type partBuffer struct {
	state RowState
	rows  []SyncRow
	bytes int64
}

func (w *BatchWriter) full(b *partBuffer) bool {
	if w.limits.MaxRowsPerPart > 0 && len(b.rows) >= w.limits.MaxRowsPerPart {
		return true
	}
	return w.limits.MaxBytesPerPart > 0 && b.bytes >= w.limits.MaxBytesPerPart
}

func (w *BatchWriter) flush(schema *SyncTable, b *partBuffer) error {
	t := schema.Schema()
	t.Rows = b.rows
	data, err := w.serializer.Serialize(t)
	if err != nil {
		return fmt.Errorf("serialize part of %s: %w", schema.Name, err)
	}
	index := len(w.info.Parts)
	part := BatchPartInfo{
		Index:     index,
		FileName:  partFileName(index, w.serializer),
		TableName: schema.Name,
		State:     b.state,
		RowsCount: len(b.rows),
		Size:      int64(len(data)),
	}
	if err := writeFileAtomic(filepath.Join(w.info.Directory, part.FileName), data); err != nil {
		return fmt.Errorf("write part %d: %w", index, err)
	}
	w.info.Parts = append(w.info.Parts, part)
	w.info.RowsCount += part.RowsCount
	if err := w.saveManifest(); err != nil {
		return err
	}
	b.rows = nil
	b.bytes = 0
	if w.onPart != nil {
		return w.onPart(part)
	}
	return nil
}

func (w *BatchWriter) saveManifest() error {
	data, err := json.MarshalIndent(w.info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(w.info.Directory, ManifestFileName), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// estimateRowSize approximates the encoded size of a row for byte limits.
func estimateRowSize(r SyncRow) int64 {
	var n int64 = 4
	for _, v := range r.Values {
		switch x := v.(type) {
		case string:
			n += int64(len(x)) + 2
		case []byte:
			n += int64(len(x))*4/3 + 2
		case nil:
			n += 4
		case time.Time:
			n += 32
		default:
			n += 16
		}
	}
	return n
}

// LoadBatchInfo reads the manifest of a batch directory. Incomplete manifests are
// returned together with a BatchCorruptionError.
func LoadBatchInfo(dir string) (*BatchInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, &BatchCorruptionError{Dir: dir, Err: err}
	}
	var info BatchInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, &BatchCorruptionError{Dir: dir, Err: err}
	}
	info.Directory = dir
	if !info.Complete {
		return &info, &BatchCorruptionError{Dir: dir, Err: errors.New("manifest is incomplete")}
	}
	return &info, nil
}

// BatchReader yields the parts of a complete batch in index order.
type BatchReader struct {
	info       *BatchInfo
	serializer Serializer
	next       int
}

// ReadBatch validates the manifest and returns a reader over its parts.
func ReadBatch(info *BatchInfo) (*BatchReader, error) {
	if info == nil {
		return nil, &BatchCorruptionError{Err: errors.New("nil manifest")}
	}
	if !info.Complete {
		return nil, &BatchCorruptionError{Dir: info.Directory, Err: errors.New("manifest is incomplete")}
	}
	for i, p := range info.Parts {
		if p.Index != i {
			return nil, &BatchCorruptionError{Dir: info.Directory, Part: p.FileName,
				Err: fmt.Errorf("part index %d out of sequence, expected %d", p.Index, i)}
		}
	}
	s, err := LookupSerializer(info.SerializerName)
	if err != nil {
		return nil, &BatchCorruptionError{Dir: info.Directory, Err: err}
	}
	return &BatchReader{info: info, serializer: s}, nil
}

// Next returns the next part and its rows, or io.EOF after the last part.
func (r *BatchReader) Next() (BatchPartInfo, *SyncTable, error) {
	if r.next >= len(r.info.Parts) {
		return BatchPartInfo{}, nil, io.EOF
	}
	part := r.info.Parts[r.next]
	r.next++
	t, err := r.readPart(part)
	if err != nil {
		return part, nil, err
	}
	return part, t, nil
}

// ReadPart loads one part by its manifest entry.
func (r *BatchReader) ReadPart(part BatchPartInfo) (*SyncTable, error) {
	return r.readPart(part)
}

func (r *BatchReader) readPart(part BatchPartInfo) (*SyncTable, error) {
	data, err := os.ReadFile(filepath.Join(r.info.Directory, part.FileName))
	if err != nil {
		return nil, &BatchCorruptionError{Dir: r.info.Directory, Part: part.FileName, Err: err}
	}
	t, err := r.serializer.Deserialize(data)
	if err != nil {
		return nil, &BatchCorruptionError{Dir: r.info.Directory, Part: part.FileName, Err: err}
	}
	if t.Name != part.TableName || len(t.Rows) != part.RowsCount {
		return nil, &BatchCorruptionError{Dir: r.info.Directory, Part: part.FileName,
			Err: fmt.Errorf("part holds %d rows of %s, manifest says %d rows of %s",
				len(t.Rows), t.Name, part.RowsCount, part.TableName)}
	}
	for _, row := range t.Rows {
		if row.State != part.State {
			return nil, &BatchCorruptionError{Dir: r.info.Directory, Part: part.FileName,
				Err: fmt.Errorf("row state %s in a %s part", row.State, part.State)}
		}
	}
	return t, nil
}

// CleanupBatch removes a batch directory.
func CleanupBatch(info *BatchInfo) error {
	if info == nil || info.Directory == "" {
		return nil
	}
	return os.RemoveAll(info.Directory)
}
