// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// Serializer encodes one batch part: a table schema plus its rows. Serialize and
// Deserialize round-trip every supported column type exactly.
type Serializer interface {
	Name() string
	Extension() string
	Serialize(t *SyncTable) ([]byte, error)
	Deserialize(data []byte) (*SyncTable, error)
}

var (
	serializersMu sync.RWMutex
	serializers   = map[string]Serializer{
		JSONSerializerName:    JSONSerializer{},
		MsgpackSerializerName: MsgpackSerializer{},
	}
)

// RegisterSerializer makes a serializer available to batch readers by name.
func RegisterSerializer(s Serializer) {
	serializersMu.Lock()
	defer serializersMu.Unlock()
	serializers[s.Name()] = s
}

// LookupSerializer returns the serializer registered under name.
func LookupSerializer(name string) (Serializer, error) {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	s, ok := serializers[name]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
	return s, nil
}

const JSONSerializerName = "json"

// JSONSerializer writes rows as positional arrays prefixed by the row state.
type JSONSerializer struct{}

type jsonPart struct {
	Table *SyncTable        `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

func (JSONSerializer) Name() string      { return JSONSerializerName }
func (JSONSerializer) Extension() string { return ".json" }

func (JSONSerializer) Serialize(t *SyncTable) ([]byte, error) {
	part := jsonPart{Table: t.Schema(), Rows: make([]json.RawMessage, 0, len(t.Rows))}
	for _, r := range t.Rows {
		arr := make([]any, 0, len(r.Values)+1)
		arr = append(arr, r.State)
		arr = append(arr, r.Values...)
		raw, err := json.Marshal(arr)
		if err != nil {
			return nil, fmt.Errorf("encode row of %s: %w", t.Name, err)
		}
		part.Rows = append(part.Rows, raw)
	}
	return json.Marshal(part)
}

func (JSONSerializer) Deserialize(data []byte) (*SyncTable, error) {
	var part jsonPart
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	if part.Table == nil {
		return nil, fmt.Errorf("decode part: missing table schema")
	}
	t := part.Table
	t.Rows = make([]SyncRow, 0, len(part.Rows))
	for i, raw := range part.Rows {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var arr []any
		if err := dec.Decode(&arr); err != nil {
			return nil, fmt.Errorf("decode row %d of %s: %w", i, t.Name, err)
		}
		row, err := decodeRowArray(t, arr, decodeJSONValue)
		if err != nil {
			return nil, fmt.Errorf("decode row %d of %s: %w", i, t.Name, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func decodeJSONValue(col SyncColumn, v any) (any, error) {
	if col.Type == TypeBinary {
		if s, ok := v.(string); ok {
			return base64.StdEncoding.DecodeString(s)
		}
	}
	return NormalizeValue(col.Type, v)
}

// decodeRowArray turns [state, v0, v1, ...] into a SyncRow.
func decodeRowArray(t *SyncTable, arr []any, decode func(SyncColumn, any) (any, error)) (SyncRow, error) {
	if len(arr) != len(t.Columns)+1 {
		return SyncRow{}, fmt.Errorf("%w: row has %d values, expected %d",
			ErrSchemaMismatch, len(arr)-1, len(t.Columns))
	}
	st, err := toInt64(arr[0])
	if err != nil {
		return SyncRow{}, fmt.Errorf("row state: %w", err)
	}
	state := RowState(st.(int64))
	if state != RowUpsert && state != RowDelete {
		return SyncRow{}, fmt.Errorf("invalid row state %d", st)
	}
	row := SyncRow{State: state, Values: make([]any, len(t.Columns))}
	for i, col := range t.Columns {
		v, err := decode(col, arr[i+1])
		if err != nil {
			return SyncRow{}, fmt.Errorf("column %s: %w", col.Name, err)
		}
		row.Values[i] = v
	}
	return row, nil
}
