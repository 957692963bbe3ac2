package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/config"
	"github.com/justestif/sparkify-dwh/internal/iamrole"
	"github.com/justestif/sparkify-dwh/internal/inspect"
	"github.com/justestif/sparkify-dwh/internal/metrics"
	"github.com/justestif/sparkify-dwh/internal/pipeline"
	"github.com/justestif/sparkify-dwh/internal/runlog"
	"github.com/justestif/sparkify-dwh/internal/warehouse"
	"github.com/justestif/sparkify-dwh/internal/web"
)

// action runs a command once its flags are parsed.
type action func(ctx context.Context, a *app) error

// commands maps a command name to a function that registers its flags.
var commands = map[string]func(fs *flag.FlagSet) action{
	"create-tables": func(*flag.FlagSet) action { return runSteps(pipeline.CreateTables) },
	"etl":           func(*flag.FlagSet) action { return runSteps(pipeline.ETL) },
	"run":           func(*flag.FlagSet) action { return runSteps(pipeline.AllSteps) },
	"inspect":       inspectCmd,
	"serve":         serveCmd,
	"preflight":     func(*flag.FlagSet) action { return preflight },
	"history":       historyCmd,
	"statements":    statementsCmd,
}

// app carries what every command shares.
type app struct {
	globals
	logger *zap.Logger
	stdout io.Writer
}

func (a *app) settings() (*config.Settings, error) {
	s, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	a.logger.Debug("settings loaded",
		zap.String("path", a.configPath),
		zap.String("dialect", string(s.Warehouse.Dialect)),
	)
	return s, nil
}

func (a *app) openWarehouse(ctx context.Context, s *config.Settings) (warehouse.Warehouse, error) {
	wh, err := warehouse.Open(ctx, s, warehouse.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}
	return wh, nil
}

// openHistory opens the run history, or returns nil when none is configured.
func (a *app) openHistory() (*runlog.Store, error) {
	if a.history == "" {
		return nil, nil
	}
	h, err := runlog.Open(runlog.Options{Path: a.history, Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	return h, nil
}

func runSteps(steps []pipeline.Step) action {
	return func(ctx context.Context, a *app) error {
		s, err := a.settings()
		if err != nil {
			return err
		}

		wh, err := a.openWarehouse(ctx, s)
		if err != nil {
			return err
		}
		defer wh.Close()

		rec := metrics.New()
		opts := []pipeline.Option{
			pipeline.WithLogger(a.logger),
			pipeline.WithMetrics(rec),
		}

		hist, err := a.openHistory()
		if err != nil {
			return err
		}
		if hist != nil {
			defer hist.Close()
			opts = append(opts, pipeline.WithHistory(hist))
		}

		src := s.CopySource()
		if s.Warehouse.Dialect == catalog.DuckDB && src.Remote() && slices.Contains(steps, catalog.GroupCopy) {
			checker, err := iamrole.NewFromEnv(ctx, s.S3.Region, iamrole.WithLogger(a.logger))
			if err != nil {
				return err
			}
			opts = append(opts, pipeline.WithCredentials(checker))
		}

		svc, err := pipeline.New(wh, src, opts...)
		if err != nil {
			return err
		}

		res, runErr := svc.Run(ctx, steps...)

		if a.pushgateway != "" {
			if err := rec.Push(ctx, a.pushgateway, metrics.DefaultJob); err != nil {
				a.logger.Warn("pushing metrics", zap.Error(err))
			}
		}
		if runErr != nil {
			return runErr
		}

		printResult(a.stdout, res)
		return nil
	}
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "run %s: %d statements in %s\n",
		res.RunID, len(res.Statements), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if len(res.TableRows) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, t := range catalog.AllTables() {
		if n, ok := res.TableRows[t]; ok {
			fmt.Fprintf(tw, "%s\t%d\n", t, n)
		}
	}
	tw.Flush()
}

func inspectCmd(fs *flag.FlagSet) action {
	table := fs.String("table", "", "sample only this final table")

	return func(ctx context.Context, a *app) error {
		s, err := a.settings()
		if err != nil {
			return err
		}
		wh, err := a.openWarehouse(ctx, s)
		if err != nil {
			return err
		}
		defer wh.Close()

		insp, err := inspect.New(wh)
		if err != nil {
			return err
		}

		var results []inspect.TableResult
		if *table != "" {
			r, err := insp.Table(ctx, *table)
			if err != nil {
				return err
			}
			results = append(results, *r)
		} else if results, err = insp.All(ctx); err != nil {
			return err
		}

		for i, r := range results {
			if i > 0 {
				fmt.Fprintln(a.stdout)
			}
			if err := inspect.Print(a.stdout, r); err != nil {
				return err
			}
		}
		return nil
	}
}

func serveCmd(fs *flag.FlagSet) action {
	addr := fs.String("addr", web.DefaultAddr, "listen address")

	return func(ctx context.Context, a *app) error {
		s, err := a.settings()
		if err != nil {
			return err
		}
		wh, err := a.openWarehouse(ctx, s)
		if err != nil {
			return err
		}
		defer wh.Close()

		hist, err := a.openHistory()
		if err != nil {
			return err
		}
		if hist != nil {
			defer hist.Close()
		}

		srv, err := newServer(a, wh, hist, *addr)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}
}

// newServer wires the HTTP view of wh. Table sizes on /metrics are counted
// at scrape time; the last success time comes from hist, which may be nil.
func newServer(a *app, wh warehouse.Warehouse, hist *runlog.Store, addr string) (*web.Server, error) {
	insp, err := inspect.New(wh)
	if err != nil {
		return nil, err
	}

	rec := metrics.New(metrics.WithLiveTableRows(insp, catalog.AllTables()...))
	cfg := web.ServerConfig{
		Addr:   addr,
		Logger: a.logger,
		Tables: insp,
		Health: web.HealthFunc(func(ctx context.Context) error {
			_, err := wh.Query(ctx, "SELECT 1;")
			return err
		}),
		Metrics: rec.Handler(),
	}

	if hist != nil {
		cfg.History = hist

		runs, err := hist.List(0)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if r.Status == runlog.StatusSucceeded {
				rec.RunSucceeded(r.FinishedAt)
				break
			}
		}
	}

	srv, err := web.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	return srv, nil
}

func preflight(ctx context.Context, a *app) error {
	s, err := a.settings()
	if err != nil {
		return err
	}

	checker, err := iamrole.NewFromEnv(ctx, s.S3.Region, iamrole.WithLogger(a.logger))
	if err != nil {
		return err
	}
	r, err := checker.Check(ctx, s.IAMRole.ARN)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "role\t%s\n", r.RoleARN)
	fmt.Fprintf(tw, "role id\t%s\n", r.RoleID)
	fmt.Fprintf(tw, "caller\t%s\n", r.CallerARN)
	fmt.Fprintf(tw, "cross-account\t%t\n", r.CrossAccount)
	return tw.Flush()
}

func historyCmd(fs *flag.FlagSet) action {
	n := fs.Int("n", 10, "number of runs to list, newest first")

	return func(_ context.Context, a *app) error {
		hist, err := a.openHistory()
		if err != nil {
			return err
		}
		if hist == nil {
			return errors.New("history: no run history directory; set -history or " + EnvHistory)
		}
		defer hist.Close()

		runs, err := hist.List(*n)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTEPS\tSTATUS\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.StartedAt.Format(time.RFC3339),
				r.Duration().Round(time.Millisecond),
				strings.Join(r.Steps, ","),
				r.Status,
				r.Error,
			)
		}
		return tw.Flush()
	}
}

func statementsCmd(fs *flag.FlagSet) action {
	group := fs.String("group", "", "print only this group: drop, create, copy, insert or select")

	return func(ctx context.Context, a *app) error {
		s, err := a.settings()
		if err != nil {
			return err
		}

		// DuckDB reads the jsonpaths document through the engine, so a
		// throwaway in-memory database is enough. Redshift needs nothing.
		wh := warehouse.Offline(s.Warehouse.Dialect)
		if s.Warehouse.Dialect == catalog.DuckDB {
			mem, err := warehouse.NewDuckDB(ctx, "", warehouse.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer mem.Close()
			wh = mem
		}

		svc, err := pipeline.New(wh, s.CopySource(), pipeline.WithLogger(a.logger))
		if err != nil {
			return err
		}

		var stmts []catalog.Statement
		switch g := catalog.Group(*group); g {
		case catalog.GroupSelect:
			stmts = svc.Catalog().Select()
		case "":
			stmts, err = svc.Statements(ctx)
		default:
			stmts, err = svc.Statements(ctx, g)
		}
		if err != nil {
			return err
		}

		for _, st := range stmts {
			fmt.Fprintf(a.stdout, "-- %s %s\n%s\n\n", st.Group, st.Table, strings.TrimSpace(st.SQL))
		}
		return nil
	}
}
