// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Layouts accepted when a datetime arrives as text (SQLite stores time.Time this way).
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// NormalizeValue converts a driver or decoder value into the canonical Go type for
// a column type: string, int64 for the integer family, float64, decimal as string,
// time.Time in UTC, []byte, bool or uuid.UUID. nil stays nil.
func NormalizeValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case time.Time, uuid.UUID, []byte:
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return nil, fmt.Errorf("value of %T: %w", v, err)
		}
		if dv == nil {
			return nil, nil
		}
		v = dv
	}

	switch t {
	case TypeString:
		return toString(v)
	case TypeInt64:
		return toInt64(v)
	case TypeInt32:
		return toSizedInt(v, math.MinInt32, math.MaxInt32)
	case TypeInt16:
		return toSizedInt(v, math.MinInt16, math.MaxInt16)
	case TypeFloat64:
		return toFloat64(v)
	case TypeDecimal:
		return toDecimal(v)
	case TypeDateTime:
		return toTime(v)
	case TypeBinary:
		return toBytes(v)
	case TypeBoolean:
		return toBool(v)
	case TypeGUID:
		return toUUID(v)
	default:
		return nil, fmt.Errorf("unsupported column type %s", t)
	}
}

// NormalizeRow normalizes every value of row against the table columns.
func NormalizeRow(table *SyncTable, row SyncRow) (SyncRow, error) {
	if len(row.Values) != len(table.Columns) {
		return row, fmt.Errorf("%w: table %s row has %d values, expected %d",
			ErrSchemaMismatch, table.Name, len(row.Values), len(table.Columns))
	}
	out := SyncRow{State: row.State, Values: make([]any, len(row.Values))}
	for i, col := range table.Columns {
		nv, err := NormalizeValue(col.Type, row.Values[i])
		if err != nil {
			return row, fmt.Errorf("column %s.%s: %w", table.Name, col.Name, err)
		}
		out.Values[i] = nv
	}
	return out, nil
}

func toString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("value %v is not an integer", x)
		}
		// 2^63 is exact in float64; MaxInt64 is not.
		if x < math.MinInt64 || x >= 1<<63 {
			return nil, fmt.Errorf("value %v overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return toInt64(float64(x))
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
	default:
		return nil, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toSizedInt(v any, lo, hi int64) (any, error) {
	i, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	if n := i.(int64); n < lo || n > hi {
		return nil, fmt.Errorf("integer %d is out of range [%d, %d]", n, lo, hi)
	}
	return i, nil
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to float", v)
		}
		return float64(i.(int64)), nil
	}
}

func toDecimal(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), nil
	case []byte:
		return strings.TrimSpace(string(x)), nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to decimal", v)
		}
		return strconv.FormatInt(i.(int64), 10), nil
	}
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateTimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("cannot parse datetime %q", x)
	case []byte:
		return toTime(string(x))
	default:
		return nil, fmt.Errorf("cannot convert %T to datetime", v)
	}
}

func toBytes(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to binary", v)
	}
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(x)))
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to boolean", v)
		}
		return i.(int64) != 0, nil
	}
}

func toUUID(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case [16]byte:
		return uuid.UUID(x), nil
	case string:
		return uuid.Parse(strings.TrimSpace(x))
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	default:
		return nil, fmt.Errorf("cannot convert %T to guid", v)
	}
}

// ValuesEqual compares two canonical values.
func ValuesEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	default:
		return a == b
	}
}

// RowsEqual compares two rows value by value.
func RowsEqual(a, b SyncRow) bool {
	if a.State != b.State || len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if !ValuesEqual(a.Values[i], b.Values[i]) {
			return false
		}
	}
	return true
}

// RowKey renders canonical primary key values as a stable string usable as a map
// key and across the wire.
func RowKey(values []any) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte('|')
		}
		switch x := v.(type) {
		case nil:
			sb.WriteString("n:")
		case string:
			sb.WriteString("s:")
			sb.WriteString(strconv.Quote(x))
		case int64:
			sb.WriteString("i:")
			sb.WriteString(strconv.FormatInt(x, 10))
		case float64:
			sb.WriteString("f:")
			sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		case bool:
			sb.WriteString("b:")
			sb.WriteString(strconv.FormatBool(x))
		case time.Time:
			sb.WriteString("t:")
			sb.WriteString(x.UTC().Format(time.RFC3339Nano))
		case []byte:
			sb.WriteString("x:")
			sb.WriteString(hex.EncodeToString(x))
		case uuid.UUID:
			sb.WriteString("g:")
			sb.WriteString(x.String())
		default:
			sb.WriteString("v:")
			sb.WriteString(fmt.Sprint(x))
		}
	}
	return sb.String()
}
