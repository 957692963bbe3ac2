package warehouse

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/config"
)

func newDuckDB(t *testing.T) *DuckDB {
	t.Helper()
	d, err := NewDuckDB(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDuckDB_ExecQuery(t *testing.T) {
	ctx := context.Background()
	d := newDuckDB(t)

	require.NoError(t, d.Exec(ctx, "CREATE TABLE t (id INTEGER, name VARCHAR);"))
	require.NoError(t, d.Exec(ctx, "INSERT INTO t VALUES (1, 'a'), (2, NULL);"))

	res, err := d.Query(ctx, "SELECT id, name FROM t ORDER BY id;")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.EqualValues(t, 1, res.Rows[0][0])
	assert.Equal(t, "a", res.Rows[0][1])
	assert.Nil(t, res.Rows[1][1])

	n, err := QueryInt(ctx, d, "SELECT COUNT(*) FROM t;")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	s, err := QueryString(ctx, d, "SELECT name FROM t WHERE id = 1;")
	require.NoError(t, err)
	assert.Equal(t, "a", s)

	_, err = QueryInt(ctx, d, "SELECT id FROM t WHERE id > 10;")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestDuckDB_EmptyResult(t *testing.T) {
	ctx := context.Background()
	d := newDuckDB(t)

	require.NoError(t, d.Exec(ctx, "CREATE TABLE t (id INTEGER);"))
	res, err := d.Query(ctx, "SELECT * FROM t;")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
}

func TestDuckDB_Error(t *testing.T) {
	d := newDuckDB(t)
	assert.Error(t, d.Exec(context.Background(), "SELECT * FROM missing;"))
}

func TestDuckDB_Closed(t *testing.T) {
	ctx := context.Background()
	d, err := NewDuckDB(ctx, "")
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "closing twice is a no-op")

	assert.ErrorIs(t, d.Exec(ctx, "SELECT 1;"), ErrClosed)
	_, err = d.Query(ctx, "SELECT 1;")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDuckDB_FilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sparkify.duckdb")

	d, err := NewDuckDB(ctx, path)
	require.NoError(t, err)
	require.NoError(t, d.Exec(ctx, "CREATE TABLE t AS SELECT 42 AS answer;"))
	require.NoError(t, d.Close())

	d, err = NewDuckDB(ctx, path)
	require.NoError(t, err)
	defer d.Close()

	n, err := QueryInt(ctx, d, "SELECT answer FROM t;")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	w, err := Open(ctx, &config.Settings{Warehouse: config.Warehouse{Dialect: catalog.DuckDB}})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, catalog.DuckDB, w.Dialect())

	_, err = Open(ctx, &config.Settings{Warehouse: config.Warehouse{Dialect: "oracle"}})
	assert.ErrorIs(t, err, catalog.ErrUnknownDialect)

	_, err = Open(ctx, &config.Settings{Warehouse: config.Warehouse{Dialect: catalog.Redshift}})
	assert.ErrorIs(t, err, config.ErrMissingSetting, "no cluster host configured")
}

func TestToInt64(t *testing.T) {
	for _, v := range []any{int64(7), int32(7), int(7), int16(7), int8(7), uint64(7), uint32(7)} {
		n, err := toInt64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
	}
	_, err := toInt64("7")
	assert.Error(t, err)
}

func TestOffline(t *testing.T) {
	w := Offline(catalog.Redshift)
	assert.Equal(t, catalog.Redshift, w.Dialect())
	assert.ErrorIs(t, w.Exec(context.Background(), "SELECT 1;"), ErrOffline)
	_, err := w.Query(context.Background(), "SELECT 1;")
	assert.ErrorIs(t, err, ErrOffline)
	assert.NoError(t, w.Close())
}
