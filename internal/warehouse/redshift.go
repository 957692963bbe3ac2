package warehouse

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
)

// Redshift is a warehouse backed by a single Redshift connection.
type Redshift struct {
	mu     sync.Mutex
	conn   *pgx.Conn
	logger *zap.Logger
}

// NewRedshift connects to the cluster at dsn.
func NewRedshift(ctx context.Context, dsn string, opts ...Option) (*Redshift, error) {
	o := buildOptions(opts)

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	// Redshift does not support the extended protocol's statement cache.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to cluster: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("pinging cluster: %w", err)
	}

	o.logger.Info("connected to redshift",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return &Redshift{conn: conn, logger: o.logger}, nil
}

// Dialect implements Warehouse.
func (r *Redshift) Dialect() catalog.Dialect {
	return catalog.Redshift
}

// Exec implements Warehouse.
func (r *Redshift) Exec(ctx context.Context, sql string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return ErrClosed
	}
	if _, err := r.conn.Exec(ctx, sql); err != nil {
		return err
	}
	return nil
}

// Query implements Warehouse.
func (r *Redshift) Query(ctx context.Context, sql string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil, ErrClosed
	}

	rows, err := r.conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &Result{Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the connection. Further calls return ErrClosed.
func (r *Redshift) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(context.Background())
	r.conn = nil
	return err
}
