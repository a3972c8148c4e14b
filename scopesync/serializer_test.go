// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func typedTable() *SyncTable {
	return &SyncTable{
		Name: "samples",
		Columns: []SyncColumn{
			{Name: "id", Type: TypeGUID, IsPrimaryKey: true},
			{Name: "title", Type: TypeString, MaxLength: 80},
			{Name: "count", Type: TypeInt64, AllowNull: true},
			{Name: "small", Type: TypeInt16, AllowNull: true},
			{Name: "ratio", Type: TypeFloat64, AllowNull: true},
			{Name: "price", Type: TypeDecimal, AllowNull: true},
			{Name: "seen_at", Type: TypeDateTime, AllowNull: true},
			{Name: "blob", Type: TypeBinary, AllowNull: true},
			{Name: "active", Type: TypeBoolean, AllowNull: true},
		},
		Rows: []SyncRow{
			{State: RowUpsert, Values: []any{
				uuid.MustParse("0b7d2d8e-6b7f-4f4e-8d35-0d4c2f7e9a10"), "first", int64(1) << 40, int64(-3),
				2.5, "12.340", time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC), []byte{0, 1, 254, 255}, true,
			}},
			{State: RowUpsert, Values: []any{
				uuid.MustParse("d5c7f0a4-3a55-4f0e-9c0d-8f1e2b3a4c5d"), "", nil, nil, nil, nil, nil, nil, nil,
			}},
			{State: RowDelete, Values: []any{
				uuid.MustParse("e1e2e3e4-0000-4000-8000-000000000001"), nil, nil, nil, nil, nil, nil, nil, nil,
			}},
		},
	}
}

func TestSerializersRoundTrip(t *testing.T) {
	for _, s := range []Serializer{JSONSerializer{}, MsgpackSerializer{}} {
		t.Run(s.Name(), func(t *testing.T) {
			in := typedTable()
			data, err := s.Serialize(in)
			require.NoError(t, err)

			out, err := s.Deserialize(data)
			require.NoError(t, err)
			require.NoError(t, in.SameShape(out))
			require.Equal(t, in.Columns, out.Columns)
			require.Len(t, out.Rows, len(in.Rows))
			for i := range in.Rows {
				require.True(t, RowsEqual(in.Rows[i], out.Rows[i]), "row %d: %v != %v", i, in.Rows[i].Values, out.Rows[i].Values)
			}
		})
	}
}

func TestSerializerRejectsWrongArity(t *testing.T) {
	data := []byte(`{"table":{"name":"items","columns":[{"name":"id","type":"int64","pk":true}]},"rows":[[1,1,2]]}`)
	_, err := JSONSerializer{}.Deserialize(data)
	require.ErrorIs(t, err, ErrSchemaMismatch)

	data = []byte(`{"table":{"name":"items","columns":[{"name":"id","type":"int64","pk":true}]},"rows":[[7,1]]}`)
	_, err = JSONSerializer{}.Deserialize(data)
	require.Error(t, err)
}

func TestLookupSerializer(t *testing.T) {
	s, err := LookupSerializer("msgpack")
	require.NoError(t, err)
	require.Equal(t, ".msgpack", s.Extension())
	_, err = LookupSerializer("xml")
	require.Error(t, err)
}
