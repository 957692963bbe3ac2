// Package catalog holds the warehouse statements that stage raw song and
// event data and transform it into the songplays star schema.
//
// Statements are grouped the way an orchestrator runs them: drop, create,
// copy, insert. A fifth group, select, exists for ad-hoc inspection only.
// Every group is a fixed, ordered sequence; the only runtime input is the
// CopySource substituted into the bulk-load statements.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"path"
)

// Common errors.
var (
	ErrUnknownDialect = errors.New("unknown dialect")
	ErrUnknownTable   = errors.New("unknown table")
)

//go:embed sql
var sqlFS embed.FS

// Dialect selects the warehouse engine a catalog is written for.
type Dialect string

const (
	// Redshift is the original target: IDENTITY keys and COPY with IAM role credentials.
	Redshift Dialect = "redshift"
	// DuckDB is the embedded columnar engine used for local runs and tests.
	DuckDB Dialect = "duckdb"
)

// ParseDialect returns the dialect named by s.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(s); d {
	case Redshift, DuckDB:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, s)
}

// Group names an ordered set of statements.
type Group string

const (
	GroupDrop   Group = "drop"
	GroupCreate Group = "create"
	GroupCopy   Group = "copy"
	GroupInsert Group = "insert"
	GroupSelect Group = "select"
)

// Table names.
const (
	StagingEvents = "staging_events"
	StagingSongs  = "staging_songs"
	Songplays     = "songplays"
	Users         = "users"
	Songs         = "songs"
	Artists       = "artists"
	Time          = "time"
)

// songplaysSeq backs songplay_id on engines without IDENTITY columns.
const songplaysSeq = "songplays_seq"

// Statement is a single SQL statement and the object it acts on.
type Statement struct {
	Group Group
	Table string
	SQL   string
}

// StagingTables returns the staging tables in load order.
func StagingTables() []string {
	return []string{StagingEvents, StagingSongs}
}

// FinalTables returns the fact and dimension tables in insert order.
func FinalTables() []string {
	return []string{Songplays, Users, Songs, Artists, Time}
}

// AllTables returns every table in drop/create order.
func AllTables() []string {
	return append(StagingTables(), FinalTables()...)
}

// Catalog is the statement catalog for one dialect.
type Catalog struct {
	dialect Dialect
	drop    []Statement
	create  []Statement
	insert  []Statement
	sel     []Statement
}

// New loads the catalog for dialect d.
func New(d Dialect) (*Catalog, error) {
	if _, err := ParseDialect(string(d)); err != nil {
		return nil, err
	}

	c := &Catalog{dialect: d}

	for _, table := range AllTables() {
		if d == DuckDB && table == Songplays {
			// The table holds the sequence default, so it goes first.
			c.drop = append(c.drop,
				Statement{Group: GroupDrop, Table: table, SQL: c.dropTable(table)},
				Statement{Group: GroupDrop, Table: songplaysSeq, SQL: fmt.Sprintf("DROP SEQUENCE IF EXISTS %s;", songplaysSeq)},
			)

			seq, err := c.load(GroupCreate, songplaysSeq)
			if err != nil {
				return nil, err
			}
			c.create = append(c.create, Statement{Group: GroupCreate, Table: songplaysSeq, SQL: seq})
		} else {
			c.drop = append(c.drop, Statement{Group: GroupDrop, Table: table, SQL: c.dropTable(table)})
		}

		sql, err := c.load(GroupCreate, table)
		if err != nil {
			return nil, err
		}
		c.create = append(c.create, Statement{Group: GroupCreate, Table: table, SQL: sql})
	}

	for _, table := range FinalTables() {
		sql, err := c.load(GroupInsert, table)
		if err != nil {
			return nil, err
		}
		c.insert = append(c.insert, Statement{Group: GroupInsert, Table: table, SQL: sql})
		c.sel = append(c.sel, Statement{
			Group: GroupSelect,
			Table: table,
			SQL:   fmt.Sprintf("SELECT * FROM %s LIMIT 20;", c.Ident(table)),
		})
	}

	return c, nil
}

// MustNew is New for package-level initialisation and tests.
func MustNew(d Dialect) *Catalog {
	c, err := New(d)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) load(g Group, name string) (string, error) {
	b, err := sqlFS.ReadFile(path.Join("sql", string(c.dialect), string(g), name+".sql"))
	if err != nil {
		return "", fmt.Errorf("loading %s statement for %s: %w", g, name, err)
	}
	return string(b), nil
}

func (c *Catalog) dropTable(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", c.Ident(table))
}

// Dialect returns the catalog's dialect.
func (c *Catalog) Dialect() Dialect {
	return c.dialect
}

// Ident returns table as an identifier safe to splice into a statement.
// DuckDB reserves TIME as a type name, so it is quoted there.
func (c *Catalog) Ident(table string) string {
	if c.dialect == DuckDB && table == Time {
		return `"time"`
	}
	return table
}

// Drop returns the drop statements.
func (c *Catalog) Drop() []Statement { return clone(c.drop) }

// Create returns the create statements.
func (c *Catalog) Create() []Statement { return clone(c.create) }

// Insert returns the statements that fill the fact and dimension tables
// from staging. songplays comes first because time is derived from it.
func (c *Catalog) Insert() []Statement { return clone(c.insert) }

// Select returns the diagnostic select statements.
func (c *Catalog) Select() []Statement { return clone(c.sel) }

// SelectTable returns the diagnostic select statement for one final table.
func (c *Catalog) SelectTable(table string) (Statement, error) {
	for _, s := range c.sel {
		if s.Table == table {
			return s, nil
		}
	}
	return Statement{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

// Count returns a statement that counts the rows of table.
func (c *Catalog) Count(table string) (string, error) {
	for _, t := range AllTables() {
		if t == table {
			return fmt.Sprintf("SELECT COUNT(*) FROM %s;", c.Ident(table)), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

func clone(in []Statement) []Statement {
	out := make([]Statement, len(in))
	copy(out, in)
	return out
}
