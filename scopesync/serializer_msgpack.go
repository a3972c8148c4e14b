// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const MsgpackSerializerName = "msgpack"

// MsgpackSerializer is the compact binary part format.
type MsgpackSerializer struct{}

type msgpackPart struct {
	Table *SyncTable `msgpack:"t"`
	Rows  [][]any    `msgpack:"r"`
}

func (MsgpackSerializer) Name() string      { return MsgpackSerializerName }
func (MsgpackSerializer) Extension() string { return ".msgpack" }

func (MsgpackSerializer) Serialize(t *SyncTable) ([]byte, error) {
	part := msgpackPart{Table: t.Schema(), Rows: make([][]any, 0, len(t.Rows))}
	for _, r := range t.Rows {
		arr := make([]any, 0, len(r.Values)+1)
		arr = append(arr, uint8(r.State))
		arr = append(arr, r.Values...)
		part.Rows = append(part.Rows, arr)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(&part); err != nil {
		return nil, fmt.Errorf("encode part of %s: %w", t.Name, err)
	}
	return buf.Bytes(), nil
}

func (MsgpackSerializer) Deserialize(data []byte) (*SyncTable, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var part msgpackPart
	if err := dec.Decode(&part); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	if part.Table == nil {
		return nil, fmt.Errorf("decode part: missing table schema")
	}
	t := part.Table
	t.Rows = make([]SyncRow, 0, len(part.Rows))
	for i, arr := range part.Rows {
		row, err := decodeRowArray(t, arr, func(col SyncColumn, v any) (any, error) {
			return NormalizeValue(col.Type, v)
		})
		if err != nil {
			return nil, fmt.Errorf("decode row %d of %s: %w", i, t.Name, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
