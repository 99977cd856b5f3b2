package executor

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAskData_Executor_NormalizeValue(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 12, 30, 0, 500, time.UTC)
	f := 3.14159
	pf := &f
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"nil pointer", (*float64)(nil), nil},
		{"pointer to float", &f, 3.14159},
		{"double pointer", &pf, 3.14159},
		{"bool", true, true},
		{"int64", int64(9999), int64(9999)},
		{"uint8", uint8(7), uint8(7)},
		{"string", "Jakarta", "Jakarta"},
		{"float32 widened", float32(1.5), 1.5},
		{"NaN", math.NaN(), nil},
		{"+Inf", math.Inf(1), nil},
		{"-Inf float32", float32(math.Inf(-1)), nil},
		{"time", ts, "2024-03-01T12:30:00.0000005Z"},
		{"time pointer", &ts, "2024-03-01T12:30:00.0000005Z"},
		{"bytes", []byte("abc"), "abc"},
		{"pointer stringer", big.NewInt(12345), "12345"},
		{"stringer", time.Duration(90 * time.Second), "1m30s"},
		{"slice", []int{1, 2}, "[1 2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeValue(tt.in))
		})
	}
}

// Pointers must never render as hex addresses.
func TestAskData_Executor_FormatValue_NoHexAddresses(t *testing.T) {
	t.Parallel()

	f := 3.14
	i := 42
	s := "test"
	for _, v := range []any{&f, &i, &s, func() any { p := &f; return &p }()} {
		got := FormatValue(v)
		assert.NotRegexp(t, `^0x[0-9a-f]+$`, got)
	}
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "100", FormatValue(float64(100)))
	assert.Equal(t, "false", FormatValue(false))
}

func TestAskData_Executor_FormatTable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Query returned no results.", FormatTable([]string{"a"}, nil, 10))

	out := FormatTable([]string{"province", "total"}, [][]any{{"Bali", int64(3)}, {"Aceh", nil}, {"Riau", 1.5}}, 2)
	assert.Contains(t, out, "Results (3 rows):")
	assert.Contains(t, out, "province | total")
	assert.Contains(t, out, "Bali | 3")
	assert.Contains(t, out, "Aceh | ")
	assert.NotContains(t, out, "Riau")
	assert.Contains(t, out, "... and 1 more rows")
}
