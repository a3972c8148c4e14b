// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scopesync implements bidirectional row-level synchronization between
// relational databases. Every synchronized table gets a companion tracking table
// that records, per primary key, the logical timestamp of the last write, the scope
// that authored it and a tombstone flag. Peers exchange the rows that changed since
// their last watermark as bounded batch parts and apply them with a compare-and-swap
// on the tracked timestamp, routing rejected rows through a conflict resolver.
package scopesync

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ColumnType is the semantic type of a synchronized column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt64
	TypeInt32
	TypeInt16
	TypeFloat64
	TypeDecimal
	TypeDateTime
	TypeBinary
	TypeBoolean
	TypeGUID
)

var columnTypeNames = map[ColumnType]string{
	TypeString:   "string",
	TypeInt64:    "int64",
	TypeInt32:    "int32",
	TypeInt16:    "int16",
	TypeFloat64:  "float64",
	TypeDecimal:  "decimal",
	TypeDateTime: "datetime",
	TypeBinary:   "binary",
	TypeBoolean:  "boolean",
	TypeGUID:     "guid",
}

func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// IsInteger reports whether the type belongs to the integer family.
func (t ColumnType) IsInteger() bool {
	return t == TypeInt64 || t == TypeInt32 || t == TypeInt16
}

func (t ColumnType) MarshalText() ([]byte, error) {
	name, ok := columnTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown column type %d", int(t))
	}
	return []byte(name), nil
}

func (t *ColumnType) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for k, v := range columnTypeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown column type %q", s)
}

// SyncColumn describes one column of a synchronized table.
type SyncColumn struct {
	Name         string     `json:"name" msgpack:"n"`
	Type         ColumnType `json:"type" msgpack:"t"`
	AllowNull    bool       `json:"allow_null,omitempty" msgpack:"an,omitempty"`
	MaxLength    int        `json:"max_length,omitempty" msgpack:"ml,omitempty"`
	IsPrimaryKey bool       `json:"pk,omitempty" msgpack:"pk,omitempty"`
}

// RowState tags a row as an upsert or a delete.
type RowState uint8

const (
	RowUpsert RowState = 1
	RowDelete RowState = 2
)

func (s RowState) String() string {
	switch s {
	case RowUpsert:
		return "upsert"
	case RowDelete:
		return "delete"
	default:
		return fmt.Sprintf("RowState(%d)", uint8(s))
	}
}

// SyncRow is a positional array of column values aligned to a SyncTable.
// A delete row carries only meaningful primary key values.
type SyncRow struct {
	State  RowState
	Values []any
}

// Clone returns a copy that does not share the values slice.
func (r SyncRow) Clone() SyncRow {
	values := make([]any, len(r.Values))
	copy(values, r.Values)
	return SyncRow{State: r.State, Values: values}
}

// SyncTable is an ordered set of column definitions plus an optional row set.
type SyncTable struct {
	Name    string       `json:"name" msgpack:"n"`
	Columns []SyncColumn `json:"columns" msgpack:"c"`
	Rows    []SyncRow    `json:"-" msgpack:"-"`
}

// Schema returns a copy of the table definition without rows.
func (t *SyncTable) Schema() *SyncTable {
	cols := make([]SyncColumn, len(t.Columns))
	copy(cols, t.Columns)
	return &SyncTable{Name: t.Name, Columns: cols}
}

// ColumnIndex returns the position of the named column or -1.
func (t *SyncTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// PrimaryKeyIndexes returns the positions of primary key columns in declaration order.
func (t *SyncTable) PrimaryKeyIndexes() []int {
	var idx []int
	for i, c := range t.Columns {
		if c.IsPrimaryKey {
			idx = append(idx, i)
		}
	}
	return idx
}

// PrimaryKeyColumns returns the primary key column definitions.
func (t *SyncTable) PrimaryKeyColumns() []SyncColumn {
	var cols []SyncColumn
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			cols = append(cols, c)
		}
	}
	return cols
}

// PrimaryKey extracts the primary key tuple of a row.
func (t *SyncTable) PrimaryKey(row SyncRow) []any {
	idx := t.PrimaryKeyIndexes()
	key := make([]any, len(idx))
	for i, pos := range idx {
		if pos < len(row.Values) {
			key[i] = row.Values[pos]
		}
	}
	return key
}

// SameShape verifies that other has the same columns in the same order with the
// same semantic types and key flags.
func (t *SyncTable) SameShape(other *SyncTable) error {
	if !strings.EqualFold(t.Name, other.Name) {
		return fmt.Errorf("%w: table %s does not match %s", ErrSchemaMismatch, other.Name, t.Name)
	}
	if len(t.Columns) != len(other.Columns) {
		return fmt.Errorf("%w: table %s has %d columns, expected %d",
			ErrSchemaMismatch, t.Name, len(other.Columns), len(t.Columns))
	}
	for i, c := range t.Columns {
		o := other.Columns[i]
		if !strings.EqualFold(c.Name, o.Name) || c.Type != o.Type || c.IsPrimaryKey != o.IsPrimaryKey {
			return fmt.Errorf("%w: table %s column %d is %s %s, expected %s %s",
				ErrSchemaMismatch, t.Name, i, o.Name, o.Type, c.Name, c.Type)
		}
	}
	return nil
}

// Validate checks that the table has a name, columns and a primary key.
func (t *SyncTable) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	if len(t.PrimaryKeyIndexes()) == 0 {
		return fmt.Errorf("table %s has no primary key", t.Name)
	}
	return nil
}

// TrackedRow is the tracking store entry for one primary key.
type TrackedRow struct {
	PrimaryKey         []any
	Timestamp          int64
	UpdateScopeID      *uuid.UUID // nil means written locally
	IsTombstone        bool
	LastChangeDatetime time.Time
}

// ScopeInfo is the per-database metadata record of a sync scope.
type ScopeInfo struct {
	ScopeName               string
	ScopeID                 uuid.UUID
	Setup                   *SyncSetup
	Schema                  []*SyncTable
	LastSyncTimestamp       int64
	LastServerSyncTimestamp int64
	LastSync                time.Time
	LastSyncDuration        time.Duration
}

// IsNew reports whether the scope never completed a sync round.
func (s *ScopeInfo) IsNew() bool {
	return s.LastSync.IsZero()
}

// ScopeInfoClient is the server side watermark record for one client scope.
type ScopeInfoClient struct {
	ScopeName         string
	ClientScopeID     uuid.UUID
	LastSyncTimestamp int64
	LastSync          time.Time
}

// ConflictType classifies a conflict by remote operation versus local state.
type ConflictType int

const (
	ConflictInsertInsert ConflictType = iota + 1
	ConflictUpdateUpdate
	ConflictUpdateDelete // remote upsert, local tombstone
	ConflictDeleteUpdate // remote delete, local live row
	ConflictDeleteDelete
)

func (c ConflictType) String() string {
	switch c {
	case ConflictInsertInsert:
		return "insert_insert"
	case ConflictUpdateUpdate:
		return "update_update"
	case ConflictUpdateDelete:
		return "update_delete"
	case ConflictDeleteUpdate:
		return "delete_update"
	case ConflictDeleteDelete:
		return "delete_delete"
	default:
		return fmt.Sprintf("ConflictType(%d)", int(c))
	}
}

// ConflictPolicy is the configured default resolution.
type ConflictPolicy int

const (
	PolicyServerWins ConflictPolicy = iota
	PolicyClientWins
	PolicyMergeRow
)

func (p ConflictPolicy) String() string {
	switch p {
	case PolicyServerWins:
		return "server_wins"
	case PolicyClientWins:
		return "client_wins"
	case PolicyMergeRow:
		return "merge_row"
	default:
		return fmt.Sprintf("ConflictPolicy(%d)", int(p))
	}
}

// ParseConflictPolicy parses the textual form produced by String.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "server_wins", "serverwins":
		return PolicyServerWins, nil
	case "client_wins", "clientwins":
		return PolicyClientWins, nil
	case "merge_row", "merge":
		return PolicyMergeRow, nil
	default:
		return PolicyServerWins, fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Resolution is the decision taken for one conflict.
type Resolution int

const (
	ResolutionServerWins Resolution = iota + 1
	ResolutionClientWins
	ResolutionMergeRow
	ResolutionRollback
)

func (r Resolution) String() string {
	switch r {
	case ResolutionServerWins:
		return "server_wins"
	case ResolutionClientWins:
		return "client_wins"
	case ResolutionMergeRow:
		return "merge_row"
	case ResolutionRollback:
		return "rollback"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// SyncConflict pairs an incoming row with the local row that rejected it.
// LocalRow is nil when the local side only holds a tombstone.
type SyncConflict struct {
	Table        *SyncTable
	Type         ConflictType
	RemoteRow    SyncRow
	LocalRow     *SyncRow
	LocalTracked TrackedRow
	Resolution   Resolution
	FinalRow     *SyncRow
}

// Role identifies which side of the exchange is resolving.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}
