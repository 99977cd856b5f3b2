package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// NormalizeRow returns a copy of row with every value passed through
// NormalizeValue.
func NormalizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue converts a driver value into a JSON-safe value. Nulls,
// booleans, integers, finite floats and strings pass through. Pointers are
// dereferenced, which matters for Decimal and Nullable columns the driver
// scans as pointers. NaN and Inf become nil.
func NormalizeValue(v any) any {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		elem := rv.Elem().Interface()
		// Types like big.Int only implement String on the pointer.
		if _, ok := elem.(fmt.Stringer); !ok {
			if s, ok := v.(fmt.Stringer); ok {
				return s.String()
			}
		}
		return NormalizeValue(elem)
	}

	switch val := v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(v)
	}
}

// FormatValue renders a value for plain-text output.
func FormatValue(v any) string {
	n := NormalizeValue(v)
	if n == nil {
		return ""
	}
	if s, ok := n.(string); ok {
		return s
	}
	return fmt.Sprint(n)
}

// FormatTable renders at most maxRows rows as a pipe-separated text table.
func FormatTable(columns []string, rows [][]any, maxRows int) string {
	if len(rows) == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Results (%d rows):\n", len(rows))
	sb.WriteString(strings.Join(columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")

	n := min(maxRows, len(rows))
	for _, row := range rows[:n] {
		values := make([]string, len(row))
		for i, v := range row {
			values[i] = FormatValue(v)
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if len(rows) > n {
		fmt.Fprintf(&sb, "... and %d more rows\n", len(rows)-n)
	}
	return sb.String()
}
