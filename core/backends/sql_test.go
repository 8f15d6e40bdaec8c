package backends

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

func newMockSQLExecutor(t *testing.T, driver string) (*SQLExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &SQLExecutor{db: db, driver: driver, log: logging.New("backends:sql")}, mock
}

func sqlBound(statement string, params map[string]any, maxResults int) *definition.BoundQuery {
	return &definition.BoundQuery{
		Definition: &definition.QueryDefinition{
			ID:          "q",
			DataSource:  definition.DataSourceSQL,
			Constraints: definition.Constraints{MaxResults: maxResults},
			SQL:         &definition.SQLSpec{Statement: statement},
		},
		Parameters: params,
	}
}

func TestRewriteStatementPostgres(t *testing.T) {
	exec := &SQLExecutor{driver: "postgres"}

	tests := []struct {
		name     string
		in       string
		params   map[string]any
		expected string
		args     []any
	}{
		{
			name:     "single placeholder",
			in:       "SELECT * FROM users WHERE department = :department",
			params:   map[string]any{"department": "eng"},
			expected: "SELECT * FROM users WHERE department = $1",
			args:     []any{"eng"},
		},
		{
			name:     "repeated name reuses the same position",
			in:       "SELECT * FROM t WHERE a = :v OR b = :v",
			params:   map[string]any{"v": float64(1)},
			expected: "SELECT * FROM t WHERE a = $1 OR b = $1",
			args:     []any{float64(1)},
		},
		{
			name:     "cast syntax is not a placeholder",
			in:       "SELECT id::text FROM t WHERE name = :name",
			params:   map[string]any{"name": "ada"},
			expected: "SELECT id::text FROM t WHERE name = $1",
			args:     []any{"ada"},
		},
		{
			name:     "multiple distinct names",
			in:       "SELECT * FROM t WHERE a = :a AND b = :b",
			params:   map[string]any{"a": "x", "b": "y"},
			expected: "SELECT * FROM t WHERE a = $1 AND b = $2",
			args:     []any{"x", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rewritten, args, err := exec.rewriteStatement(tt.in, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, rewritten)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestRewriteStatementMySQL(t *testing.T) {
	exec := &SQLExecutor{driver: "mysql"}

	rewritten, args, err := exec.rewriteStatement(
		"SELECT * FROM t WHERE a = :v OR b = :v", map[string]any{"v": "x"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = ? OR b = ?", rewritten)
	// mysql has no positional reuse; the value repeats.
	assert.Equal(t, []any{"x", "x"}, args)
}

func TestRewriteStatementUnboundParameter(t *testing.T) {
	exec := &SQLExecutor{driver: "postgres"}

	_, _, err := exec.rewriteStatement("SELECT * FROM t WHERE a = :missing", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestSQLExecuteScansRows(t *testing.T) {
	exec, mock := newMockSQLExecutor(t, "postgres")

	mock.ExpectQuery("SELECT user_name, age FROM users WHERE department = $1 LIMIT 100").
		WithArgs("eng").
		WillReturnRows(sqlmock.NewRows([]string{"user_name", "age"}).
			AddRow([]byte("ada"), int64(36)).
			AddRow([]byte("grace"), int64(45)))

	bound := sqlBound("SELECT user_name, age FROM users WHERE department = :department",
		map[string]any{"department": "eng"}, 100)

	raw, err := exec.Execute(context.Background(), bound, ExecContext{Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	rows, ok := raw.(SQLRows)
	require.True(t, ok)
	assert.Equal(t, []string{"user_name", "age"}, rows.Columns)
	require.Len(t, rows.Rows, 2)
	// []byte columns surface as strings.
	assert.Equal(t, "ada", rows.Rows[0][0])
	assert.Equal(t, int64(36), rows.Rows[0][1])
}

func TestSQLExecuteKeepsExistingLimit(t *testing.T) {
	exec, mock := newMockSQLExecutor(t, "postgres")

	mock.ExpectQuery("SELECT user_name FROM users LIMIT 5").
		WillReturnRows(sqlmock.NewRows([]string{"user_name"}))

	bound := sqlBound("SELECT user_name FROM users LIMIT 5", map[string]any{}, 100)

	_, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecuteSubqueryLimitStillCapped(t *testing.T) {
	exec, mock := newMockSQLExecutor(t, "postgres")

	// The inner LIMIT belongs to the subquery; the outer statement is
	// unbounded and still gets the maxResults cap.
	statement := "SELECT u.user_name FROM (SELECT user_name FROM users ORDER BY created_at DESC LIMIT 10) u"
	mock.ExpectQuery(statement + " LIMIT 100").
		WillReturnRows(sqlmock.NewRows([]string{"user_name"}))

	bound := sqlBound(statement, map[string]any{}, 100)

	_, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecuteKeepsTrailingLimitVariants(t *testing.T) {
	tests := []struct {
		name      string
		statement string
	}{
		{"limit with offset", "SELECT user_name FROM users LIMIT 5 OFFSET 10"},
		{"trailing semicolon", "SELECT user_name FROM users LIMIT 5;"},
		{"fetch first rows only", "SELECT user_name FROM users FETCH FIRST 5 ROWS ONLY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, mock := newMockSQLExecutor(t, "postgres")
			mock.ExpectQuery(tt.statement).
				WillReturnRows(sqlmock.NewRows([]string{"user_name"}))

			bound := sqlBound(tt.statement, map[string]any{}, 100)

			_, err := exec.Execute(context.Background(), bound, ExecContext{})
			require.NoError(t, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errors.ErrorCode
	}{
		{"timeout", context.DeadlineExceeded, errors.ErrCodeBackendTimeout},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), errors.ErrCodeBackendUnavailable},
		{"syntax error", fmt.Errorf(`syntax error at or near "FORM"`), errors.ErrCodeBackendRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, mock := newMockSQLExecutor(t, "postgres")
			mock.ExpectQuery("SELECT 1").WillReturnError(tt.err)

			_, err := exec.Execute(context.Background(), sqlBound("SELECT 1", nil, 0), ExecContext{})
			require.Error(t, err)
			assert.Equal(t, tt.expected, errors.CodeOf(err))
		})
	}
}

func TestSQLExecuteMissingSpec(t *testing.T) {
	exec, _ := newMockSQLExecutor(t, "postgres")

	bound := &definition.BoundQuery{
		Definition: &definition.QueryDefinition{ID: "q", DataSource: definition.DataSourceSQL},
	}
	_, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnsupportedDataSource, errors.CodeOf(err))
}

func TestNewSQLExecutorRejectsUnknownDriver(t *testing.T) {
	_, err := NewSQLExecutor(SQLConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}
