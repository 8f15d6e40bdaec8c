package backends

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// SQLConfig configures the relational backend
type SQLConfig struct {
	Driver       string `yaml:"driver"` // postgres (default), pgx, mysql
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// SQLExecutor executes sql definitions against one relational database
type SQLExecutor struct {
	db     *sql.DB
	driver string
	log    *logging.Logger
}

var (
	// Named placeholders use the :name form. The leading character class
	// keeps postgres casts (::text) from being rewritten.
	namedParamPattern = regexp.MustCompile(`(^|[^:\w]):([a-zA-Z_]\w*)`)

	// A statement that already bounds its result set is left alone
	// Anchored to the statement tail so an inner subquery's LIMIT does not
	// suppress the maxResults cap on the outer query.
	limitPattern = regexp.MustCompile(`(?i)\b(limit\s+\d+(\s+offset\s+\d+)?|fetch\s+(first|next)\s+\d+(\s+rows?)?(\s+only)?)[\s;]*$`)
)

// NewSQLExecutor opens the connection pool. A backend that is down at
// startup is tolerated: the pool opens lazily and the health checker
// reports the real state.
func NewSQLExecutor(cfg SQLConfig) (*SQLExecutor, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	driverName, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	log := logging.New("backends:sql")
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Warnf("database not reachable yet: %v", err)
	}

	return &SQLExecutor{db: db, driver: driver, log: log}, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported sql driver '%s'", driver)
	}
}

// DataSource implements Executor
func (e *SQLExecutor) DataSource() definition.DataSource {
	return definition.DataSourceSQL
}

// Execute runs the definition's parameterized statement. Bound parameters
// are passed as driver placeholders, never concatenated into the statement.
func (e *SQLExecutor) Execute(ctx context.Context, bound *definition.BoundQuery, ec ExecContext) (RawResult, error) {
	spec := bound.Definition.SQL
	if spec == nil {
		return nil, errors.New(errors.ErrCodeUnsupportedDataSource,
			fmt.Sprintf("definition '%s' has no sql block", bound.Definition.ID))
	}

	statement, args, err := e.rewriteStatement(spec.Statement, bound.Parameters)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidationError, "statement placeholder binding failed", err)
	}

	if max := bound.Definition.Constraints.MaxResults; max > 0 && !limitPattern.MatchString(statement) {
		statement = fmt.Sprintf("%s LIMIT %d", strings.TrimRight(statement, " ;"), max)
	}

	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}

	rows, err := e.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendMalformedResponse, "read result columns", err)
	}

	result := SQLRows{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBackendMalformedResponse, "scan result row", err)
		}
		for i, v := range values {
			// []byte to string for stable canonical values
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError(err)
	}

	return result, nil
}

// rewriteStatement converts :name placeholders to the driver's positional
// form and produces the matching argument slice.
func (e *SQLExecutor) rewriteStatement(statement string, params map[string]any) (string, []any, error) {
	var args []any
	positions := make(map[string]int) // postgres: reuse $N for a repeated name
	var missing []string

	rewritten := namedParamPattern.ReplaceAllStringFunc(statement, func(match string) string {
		groups := namedParamPattern.FindStringSubmatch(match)
		prefix, name := groups[1], groups[2]

		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return match
		}

		if e.driver == "mysql" {
			args = append(args, value)
			return prefix + "?"
		}

		pos, seen := positions[name]
		if !seen {
			args = append(args, value)
			pos = len(args)
			positions[name] = pos
		}
		return fmt.Sprintf("%s$%d", prefix, pos)
	})

	if len(missing) > 0 {
		return "", nil, fmt.Errorf("statement references unbound parameter(s): %s", strings.Join(missing, ", "))
	}
	return rewritten, args, nil
}

// Ping implements Executor
func (e *SQLExecutor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Schema queries information_schema for the backend's available columns
func (e *SQLExecutor) Schema(ctx context.Context) ([]definition.FieldMetadata, error) {
	const stmt = `SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema', 'mysql', 'sys', 'performance_schema')
		ORDER BY table_name, ordinal_position`

	rows, err := e.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var fields []definition.FieldMetadata
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBackendMalformedResponse, "scan schema row", err)
		}
		fields = append(fields, definition.FieldMetadata{
			Name:       column,
			Type:       dataType,
			Entity:     table,
			Searchable: true,
		})
	}
	return fields, rows.Err()
}

// Close implements Executor
func (e *SQLExecutor) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

func mapSQLError(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeBackendTimeout, "sql statement timed out", err)
	case stderrors.Is(err, context.Canceled):
		return errors.Wrap(errors.ErrCodeBackendTimeout, "sql statement cancelled", err)
	case stderrors.Is(err, sql.ErrConnDone), isConnectionError(err):
		return errors.Wrap(errors.ErrCodeBackendUnavailable, "sql backend unavailable", err)
	default:
		return errors.Wrap(errors.ErrCodeBackendRejected, "sql backend rejected the statement", err)
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe")
}
