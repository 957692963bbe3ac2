package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
)

// DuckDB is an embedded warehouse, in memory or backed by a file.
type DuckDB struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *zap.Logger
}

// NewDuckDB opens the database file at path. An empty path opens an
// in-memory database.
func NewDuckDB(ctx context.Context, path string, opts ...Option) (*DuckDB, error) {
	o := buildOptions(opts)

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	// One connection: secrets and the in-memory catalog are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging duckdb: %w", err)
	}

	where := path
	if where == "" {
		where = ":memory:"
	}
	o.logger.Info("opened duckdb", zap.String("path", where))
	return &DuckDB{db: db, logger: o.logger}, nil
}

// Dialect implements Warehouse.
func (d *DuckDB) Dialect() catalog.Dialect {
	return catalog.DuckDB
}

// Exec implements Warehouse.
func (d *DuckDB) Exec(ctx context.Context, query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrClosed
	}
	_, err := d.db.ExecContext(ctx, query)
	return err
}

// Query implements Warehouse.
func (d *DuckDB) Query(ctx context.Context, query string) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil, ErrClosed
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the database. Further calls return ErrClosed.
func (d *DuckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
