package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/engine"
)

func TestMapSQLRows(t *testing.T) {
	raw := backends.SQLRows{
		Columns: []string{"user_id", "user_name", "age"},
		Rows: [][]any{
			{int64(1), "ada", "36"},
			{int64(2), "grace", "45"},
		},
	}
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "user_id", Name: "id", Type: "string"},
			{Source: "user_name", Name: "username"},
			{Source: "age", Name: "age", Type: "number"},
			{Source: "missing_col", Name: "ghost"},
		},
	}

	rows, err := engine.MapResult(raw, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "1", rows[0]["id"])
	assert.Equal(t, "ada", rows[0]["username"])
	assert.Equal(t, float64(36), rows[0]["age"])

	// Unmatched sources stay absent rather than appearing as nil.
	_, present := rows[0]["ghost"]
	assert.False(t, present)
}

func TestMapDirectoryEntries(t *testing.T) {
	raw := backends.DirectoryEntries{
		Entries: []backends.DirectoryEntry{
			{
				DN: "CN=ada,OU=Users,DC=example,DC=org",
				Attributes: map[string][]string{
					"sAMAccountName": {"ada"},
					"memberOf":       {"CN=eng", "CN=admins"},
				},
			},
		},
	}
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "dn", Name: "distinguishedName"},
			{Source: "sAMAccountName", Name: "username"},
			{Source: "memberOf", Name: "groups"},
		},
	}

	rows, err := engine.MapResult(raw, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "CN=ada,OU=Users,DC=example,DC=org", rows[0]["distinguishedName"])
	// Single-valued flattens to a scalar, multi-valued stays an array.
	assert.Equal(t, "ada", rows[0]["username"])
	assert.Equal(t, []any{"CN=eng", "CN=admins"}, rows[0]["groups"])
}

func TestMapGraphPayloadNestedPaths(t *testing.T) {
	raw := backends.GraphPayload{
		Value: []map[string]any{
			{
				"id": "d-1",
				"owner": map[string]any{
					"mail": "ada@example.org",
				},
			},
		},
	}
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "id", Name: "deviceId"},
			{Source: "owner.mail", Name: "ownerEmail"},
			{Source: "owner.phone", Name: "ownerPhone"},
		},
	}

	rows, err := engine.MapResult(raw, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada@example.org", rows[0]["ownerEmail"])
	_, present := rows[0]["ownerPhone"]
	assert.False(t, present)
}

func TestMapResultPostProcess(t *testing.T) {
	raw := backends.SQLRows{
		Columns: []string{"name", "score", "active"},
		Rows: [][]any{
			{"carol", float64(70), true},
			{"ada", float64(90), true},
			{"bob", float64(90), false},
			{"dan", float64(50), true},
		},
	}
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "name", Name: "name"},
			{Source: "score", Name: "score"},
			{Source: "active", Name: "active"},
		},
		PostProcess: &definition.PostProcess{
			Filter: []definition.Predicate{
				{Field: "active", Op: "eq", Value: true},
			},
			Sort: []definition.SortKey{
				{Field: "score", Descending: true},
				{Field: "name"},
			},
			Limit: 2,
		},
	}

	rows, err := engine.MapResult(raw, mapping)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ada", rows[0]["name"])
	assert.Equal(t, "carol", rows[1]["name"])
}

func TestMapResultFilterOps(t *testing.T) {
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "name", Name: "name"},
			{Source: "score", Name: "score"},
		},
	}
	raw := backends.SQLRows{
		Columns: []string{"name", "score"},
		Rows: [][]any{
			{"alpha", float64(10)},
			{"beta", float64(20)},
			{"gamma", float64(30)},
		},
	}

	tests := []struct {
		name     string
		pred     definition.Predicate
		expected []string
	}{
		{"gt", definition.Predicate{Field: "score", Op: "gt", Value: float64(15)}, []string{"beta", "gamma"}},
		{"lte", definition.Predicate{Field: "score", Op: "lte", Value: float64(20)}, []string{"alpha", "beta"}},
		{"ne", definition.Predicate{Field: "name", Op: "ne", Value: "beta"}, []string{"alpha", "gamma"}},
		{"contains", definition.Predicate{Field: "name", Op: "contains", Value: "AM"}, []string{"gamma"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mapping
			m.PostProcess = &definition.PostProcess{Filter: []definition.Predicate{tt.pred}}
			rows, err := engine.MapResult(raw, m)
			require.NoError(t, err)
			var names []string
			for _, row := range rows {
				names = append(names, row["name"].(string))
			}
			assert.Equal(t, tt.expected, names)
		})
	}
}

func TestMapResultStableSort(t *testing.T) {
	raw := backends.SQLRows{
		Columns: []string{"name", "rank"},
		Rows: [][]any{
			{"first", float64(1)},
			{"second", float64(1)},
			{"third", float64(1)},
		},
	}
	mapping := definition.ResultMapping{
		Fields: []definition.FieldMapping{
			{Source: "name", Name: "name"},
			{Source: "rank", Name: "rank"},
		},
		PostProcess: &definition.PostProcess{
			Sort: []definition.SortKey{{Field: "rank"}},
		},
	}

	rows, err := engine.MapResult(raw, mapping)
	require.NoError(t, err)
	// Ties keep their original order.
	assert.Equal(t, "first", rows[0]["name"])
	assert.Equal(t, "second", rows[1]["name"])
	assert.Equal(t, "third", rows[2]["name"])
}
