// Package warehouse runs catalog statements against a warehouse engine.
//
// Both engines serialise statements on a single connection, so session
// state such as a DuckDB secret stays in effect for the statements that
// follow it.
package warehouse

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/config"
)

// Common errors.
var (
	ErrClosed = errors.New("warehouse closed")
	ErrNoRows = errors.New("no rows")
)

// Warehouse executes SQL one statement at a time.
type Warehouse interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, sql string) error
	// Query runs a statement and buffers its rows.
	Query(ctx context.Context, sql string) (*Result, error)
	// Dialect reports which catalog dialect the engine speaks.
	Dialect() catalog.Dialect
	Close() error
}

// Result is a fully buffered query result.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Option configures a warehouse connection.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the engine selected by s.Warehouse.Dialect.
func Open(ctx context.Context, s *config.Settings, opts ...Option) (Warehouse, error) {
	switch s.Warehouse.Dialect {
	case catalog.Redshift:
		dsn, err := s.Cluster.DSN()
		if err != nil {
			return nil, err
		}
		return NewRedshift(ctx, dsn, opts...)
	case catalog.DuckDB:
		return NewDuckDB(ctx, s.Warehouse.DuckDBPath, opts...)
	}
	return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownDialect, s.Warehouse.Dialect)
}

// QueryInt runs a query expected to return a single integer, such as a
// COUNT(*).
func QueryInt(ctx context.Context, w Warehouse, sql string) (int64, error) {
	res, err := w.Query(ctx, sql)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, ErrNoRows
	}
	return toInt64(res.Rows[0][0])
}

// QueryString runs a query expected to return a single text value.
func QueryString(ctx context.Context, w Warehouse, sql string) (string, error) {
	res, err := w.Query(ctx, sql)
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return "", ErrNoRows
	}
	switch v := res.Rows[0][0].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", ErrNoRows
	default:
		return fmt.Sprint(v), nil
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v, want an integer", v, v)
}
