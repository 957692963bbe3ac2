// Package inspect runs the diagnostic select statements.
package inspect

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/warehouse"
)

// TableResult is the sample of one table.
type TableResult struct {
	Table  string            `json:"table"`
	Result *warehouse.Result `json:"result"`
}

// Inspector samples the final tables.
type Inspector struct {
	wh  warehouse.Warehouse
	cat *catalog.Catalog
}

// New creates an Inspector for wh.
func New(wh warehouse.Warehouse) (*Inspector, error) {
	cat, err := catalog.New(wh.Dialect())
	if err != nil {
		return nil, err
	}
	return &Inspector{wh: wh, cat: cat}, nil
}

// Tables returns the tables that can be sampled.
func (i *Inspector) Tables() []string {
	return catalog.FinalTables()
}

// Table samples one final table.
func (i *Inspector) Table(ctx context.Context, table string) (*TableResult, error) {
	stmt, err := i.cat.SelectTable(table)
	if err != nil {
		return nil, err
	}
	res, err := i.wh.Query(ctx, stmt.SQL)
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", table, err)
	}
	return &TableResult{Table: table, Result: res}, nil
}

// CountRows returns the number of rows in table.
func (i *Inspector) CountRows(ctx context.Context, table string) (int64, error) {
	q, err := i.cat.Count(table)
	if err != nil {
		return 0, err
	}
	return warehouse.QueryInt(ctx, i.wh, q)
}

// All samples every final table in insert order.
func (i *Inspector) All(ctx context.Context) ([]TableResult, error) {
	var out []TableResult
	for _, stmt := range i.cat.Select() {
		res, err := i.wh.Query(ctx, stmt.SQL)
		if err != nil {
			return nil, fmt.Errorf("selecting from %s: %w", stmt.Table, err)
		}
		out = append(out, TableResult{Table: stmt.Table, Result: res})
	}
	return out, nil
}

// Print writes r as a tab-aligned table headed by its name.
func Print(w io.Writer, r TableResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "== %s (%d rows)\n", r.Table, len(r.Result.Rows))
	for j, c := range r.Result.Columns {
		if j > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range r.Result.Rows {
		for j, v := range row {
			if j > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, format(v))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func format(v any) string {
	if v == nil {
		return "NULL"
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}
