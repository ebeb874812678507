package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_Compile(t *testing.T) {
	q := Select{
		From:    "tasks",
		Columns: "task_id, status",
		Where:   []Eq{Where("status", "queued"), Where("type", "")},
		OrderBy: []Order{{Column: "created_at", Desc: true}, {Column: "task_id", Desc: true}},
		Limit:   10,
	}

	sql, params, err := q.Compile()
	require.NoError(t, err)

	assert.Equal(t, "SELECT task_id, status FROM tasks WHERE status = ? ORDER BY created_at DESC, task_id DESC LIMIT ?", sql)
	assert.Equal(t, []any{"queued", 10}, params)
	assert.NotContains(t, sql, "queued")
}

func TestSelect_Compile_NoFilters(t *testing.T) {
	sql, params, err := Select{
		From:    "runs",
		OrderBy: []Order{{Column: "run_id"}},
	}.Compile()
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM runs ORDER BY run_id ASC", sql)
	assert.Empty(t, params)
}

func TestSelect_Compile_KeepsExplicitEmptyValue(t *testing.T) {
	sql, params, err := Select{
		From:    "items",
		Where:   []Eq{{Column: "normalization_version", Value: ""}},
		OrderBy: []Order{{Column: "item_id"}},
	}.Compile()
	require.NoError(t, err)

	assert.Contains(t, sql, "WHERE normalization_version = ?")
	assert.Equal(t, []any{""}, params)
}

func TestSelect_Compile_Rejects(t *testing.T) {
	tests := []struct {
		name string
		q    Select
		want string
	}{
		{
			name: "missing order",
			q:    Select{From: "items"},
			want: "order by is required",
		},
		{
			name: "bad table",
			q:    Select{From: "items; DROP TABLE items", OrderBy: []Order{{Column: "item_id"}}},
			want: "invalid table",
		},
		{
			name: "bad column",
			q: Select{
				From:    "items",
				Where:   []Eq{Where("type = 1 OR 1", "x")},
				OrderBy: []Order{{Column: "item_id"}},
			},
			want: "invalid column",
		},
		{
			name: "bad order column",
			q:    Select{From: "items", OrderBy: []Order{{Column: "1item"}}},
			want: "invalid order column",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.q.Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, ClampLimit(0, 50, 1000))
	assert.Equal(t, 50, ClampLimit(-3, 50, 1000))
	assert.Equal(t, 7, ClampLimit(7, 50, 1000))
	assert.Equal(t, 1000, ClampLimit(5000, 50, 1000))
}
