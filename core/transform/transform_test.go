package transform_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/transform"
)

var testNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func TestDaysToDate(t *testing.T) {
	fn, ok := transform.Lookup("daysToDate")
	require.True(t, ok)

	tests := []struct {
		name     string
		value    any
		expected string
		wantErr  bool
	}{
		{
			name:     "ninety days back",
			value:    float64(90),
			expected: "2025-03-17T00:00:00Z",
		},
		{
			name:     "one day back",
			value:    float64(1),
			expected: "2025-06-14T00:00:00Z",
		},
		{
			name:     "zero days is midnight today",
			value:    float64(0),
			expected: "2025-06-15T00:00:00Z",
		},
		{
			name:    "non numeric input",
			value:   "ninety",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fn(tt.value, testNow)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDaysToDateDeterministic(t *testing.T) {
	fn, ok := transform.Lookup("daysToDate")
	require.True(t, ok)

	first, err := fn(float64(30), testNow)
	require.NoError(t, err)
	second, err := fn(float64(30), testNow)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStringTransforms(t *testing.T) {
	tests := []struct {
		transform string
		value     any
		expected  any
	}{
		{"uppercase", "hello", "HELLO"},
		{"lowercase", "HeLLo", "hello"},
		{"trim", "  padded  ", "padded"},
		{"csvToArray", "a, b,c", []any{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.transform, func(t *testing.T) {
			fn, ok := transform.Lookup(tt.transform)
			require.True(t, ok)
			got, err := fn(tt.value, testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, ok := transform.Lookup("reverse")
	assert.False(t, ok)
	assert.False(t, transform.Exists("reverse"))
}

func TestNames(t *testing.T) {
	names := transform.Names()
	assert.Contains(t, names, "daysToDate")
	assert.Len(t, names, 5)
}
