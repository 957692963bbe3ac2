// Package pipeline runs the warehouse statement groups in their fixed
// order: drop, create, copy, insert.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/runlog"
	"github.com/justestif/sparkify-dwh/internal/warehouse"
)

// ErrUnknownStep is returned for a step name outside drop, create, copy
// and insert.
var ErrUnknownStep = errors.New("unknown step")

// Step is one statement group of the pipeline.
type Step = catalog.Group

// Steps in execution order.
var (
	AllSteps     = []Step{catalog.GroupDrop, catalog.GroupCreate, catalog.GroupCopy, catalog.GroupInsert}
	CreateTables = []Step{catalog.GroupDrop, catalog.GroupCreate}
	ETL          = []Step{catalog.GroupCopy, catalog.GroupInsert}
)

// ParseSteps validates step names and returns them in execution order,
// whatever order they were given in.
func ParseSteps(names ...string) ([]Step, error) {
	seen := make(map[Step]bool, len(names))
	for _, n := range names {
		s := Step(n)
		if !slices.Contains(AllSteps, s) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStep, n)
		}
		seen[s] = true
	}
	var out []Step
	for _, s := range AllSteps {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// StatementError reports the statement a run stopped at.
type StatementError struct {
	Group catalog.Group
	Table string
	Err   error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Group, e.Table, e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// Credentialer issues temporary credentials for a role.
type Credentialer interface {
	Credentials(ctx context.Context, roleARN string) (*catalog.Credentials, error)
}

// Recorder receives statement outcomes and table sizes.
type Recorder interface {
	Statement(group, table string, d time.Duration, err error)
	TableRows(table string, n int64)
	RunSucceeded(at time.Time)
}

// History stores finished runs.
type History interface {
	Record(run *runlog.Run) error
}

// Service executes statement groups against a warehouse.
type Service struct {
	wh      warehouse.Warehouse
	cat     *catalog.Catalog
	src     catalog.CopySource
	logger  *zap.Logger
	metrics Recorder
	history History
	creds   Credentialer
	newID   func() uuid.UUID
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics records every statement and the final table sizes.
func WithMetrics(r Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithHistory records every run, successful or not.
func WithHistory(h History) Option {
	return func(s *Service) {
		s.history = h
	}
}

// WithCredentials assumes the configured role before loading from S3 on
// engines that cannot assume it themselves. If the role cannot be assumed
// the load continues with the engine's default credential chain.
func WithCredentials(c Credentialer) Option {
	return func(s *Service) {
		s.creds = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service for wh. src supplies the copy statements.
func New(wh warehouse.Warehouse, src catalog.CopySource, opts ...Option) (*Service, error) {
	cat, err := catalog.New(wh.Dialect())
	if err != nil {
		return nil, err
	}
	s := &Service{
		wh:     wh,
		cat:    cat,
		src:    src,
		logger: zap.NewNop(),
		newID:  uuid.New,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog returns the statement catalog in use.
func (s *Service) Catalog() *catalog.Catalog {
	return s.cat
}

// StatementResult is the outcome of one executed statement.
type StatementResult struct {
	Group    catalog.Group
	Table    string
	Duration time.Duration
}

// Result describes a run.
type Result struct {
	RunID      uuid.UUID
	Steps      []Step
	StartedAt  time.Time
	FinishedAt time.Time
	Statements []StatementResult
	// TableRows holds the row count of each table a step filled: staging
	// tables after copy, final tables after insert.
	TableRows map[string]int64
}

// Run executes steps in execution order, one statement at a time, and
// stops at the first failing statement. Once the steps are valid the
// returned Result is non-nil, even on failure, and lists the statements
// that completed.
func (s *Service) Run(ctx context.Context, steps ...Step) (*Result, error) {
	steps, err := ParseSteps(stepNames(steps)...)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		steps = AllSteps
	}

	res := &Result{
		RunID:     s.newID(),
		Steps:     steps,
		StartedAt: s.now(),
		TableRows: map[string]int64{},
	}
	log := s.logger.With(zap.String("run_id", res.RunID.String()))
	log.Info("run started",
		zap.String("dialect", string(s.cat.Dialect())),
		zap.Strings("steps", stepNames(steps)),
	)

	err = s.run(ctx, log, res)
	res.FinishedAt = s.now()

	if err != nil {
		log.Error("run failed", zap.Error(err), zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
	} else {
		log.Info("run finished", zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))
		if s.metrics != nil {
			s.metrics.RunSucceeded(res.FinishedAt)
		}
	}
	s.record(log, res, err)
	return res, err
}

func stepNames(steps []Step) []string {
	out := make([]string, len(steps))
	for i, st := range steps {
		out[i] = string(st)
	}
	return out
}

func (s *Service) run(ctx context.Context, log *zap.Logger, res *Result) error {
	for _, step := range res.Steps {
		if err := s.runStep(ctx, log, res, step); err != nil {
			return err
		}

		var tables []string
		switch step {
		case catalog.GroupCopy:
			tables = catalog.StagingTables()
		case catalog.GroupInsert:
			tables = catalog.FinalTables()
		}
		for _, t := range tables {
			n, err := s.count(ctx, t)
			if err != nil {
				return fmt.Errorf("counting %s: %w", t, err)
			}
			res.TableRows[t] = n
			if s.metrics != nil {
				s.metrics.TableRows(t, n)
			}
			log.Info("table loaded", zap.String("table", t), zap.Int64("rows", n))
		}
	}
	return nil
}

func (s *Service) runStep(ctx context.Context, log *zap.Logger, res *Result, step Step) error {
	if step != catalog.GroupCopy {
		stmts, err := s.groupStatements(step)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if err := s.exec(ctx, log, res, stmt); err != nil {
				return err
			}
		}
		return nil
	}

	src := s.copySource(ctx, log)

	// Session statements come first: reading the jsonpaths document from
	// S3 needs them.
	for _, stmt := range s.cat.Session(src) {
		if err := s.exec(ctx, log, res, stmt); err != nil {
			return err
		}
	}
	src, err := s.readJSONPaths(ctx, src)
	if err != nil {
		return fmt.Errorf("preparing %s: %w", step, err)
	}
	stmts, err := s.cat.Copy(src)
	if err != nil {
		return fmt.Errorf("preparing %s: %w", step, err)
	}
	for _, stmt := range stmts {
		if err := s.exec(ctx, log, res, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) exec(ctx context.Context, log *zap.Logger, res *Result, stmt catalog.Statement) error {
	start := time.Now()
	err := s.wh.Exec(ctx, stmt.SQL)
	d := time.Since(start)

	if s.metrics != nil {
		s.metrics.Statement(string(stmt.Group), stmt.Table, d, err)
	}
	if err != nil {
		return &StatementError{Group: stmt.Group, Table: stmt.Table, Err: err}
	}

	res.Statements = append(res.Statements, StatementResult{Group: stmt.Group, Table: stmt.Table, Duration: d})
	log.Debug("statement executed",
		zap.String("group", string(stmt.Group)),
		zap.String("table", stmt.Table),
		zap.Duration("duration", d),
	)
	return nil
}

func (s *Service) count(ctx context.Context, table string) (int64, error) {
	q, err := s.cat.Count(table)
	if err != nil {
		return 0, err
	}
	return warehouse.QueryInt(ctx, s.wh, q)
}

func (s *Service) record(log *zap.Logger, res *Result, runErr error) {
	if s.history == nil {
		return
	}

	run := &runlog.Run{
		ID:         res.RunID,
		Dialect:    string(s.cat.Dialect()),
		Status:     runlog.StatusSucceeded,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		TableRows:  res.TableRows,
	}
	run.Steps = stepNames(res.Steps)
	for _, st := range res.Statements {
		run.Statements = append(run.Statements, runlog.Statement{
			Group:    string(st.Group),
			Table:    st.Table,
			Duration: st.Duration,
		})
	}
	if runErr != nil {
		run.Status = runlog.StatusFailed
		run.Error = runErr.Error()

		var se *StatementError
		if errors.As(runErr, &se) {
			run.Statements = append(run.Statements, runlog.Statement{
				Group: string(se.Group),
				Table: se.Table,
				Error: se.Err.Error(),
			})
		}
	}

	// A run that reached the warehouse is not undone by a history failure.
	if err := s.history.Record(run); err != nil {
		log.Warn("recording run history", zap.Error(err))
	}
}

// Statements returns the statements steps would execute. Nothing is run,
// with one exception: on DuckDB a jsonpaths document is read through the
// warehouse, after the session statements that let it reach S3. No role is
// assumed, so a DuckDB secret uses the default credential chain.
func (s *Service) Statements(ctx context.Context, steps ...Step) ([]catalog.Statement, error) {
	steps, err := ParseSteps(stepNames(steps)...)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		steps = AllSteps
	}

	var out []catalog.Statement
	for _, step := range steps {
		if step != catalog.GroupCopy {
			stmts, err := s.groupStatements(step)
			if err != nil {
				return nil, err
			}
			out = append(out, stmts...)
			continue
		}

		session := s.cat.Session(s.src)
		if _, ok := s.cat.JSONPathsQuery(s.src); ok {
			for _, stmt := range session {
				if err := s.wh.Exec(ctx, stmt.SQL); err != nil {
					return nil, &StatementError{Group: stmt.Group, Table: stmt.Table, Err: err}
				}
			}
		}
		src, err := s.readJSONPaths(ctx, s.src)
		if err != nil {
			return nil, fmt.Errorf("preparing %s: %w", step, err)
		}
		stmts, err := s.cat.Copy(src)
		if err != nil {
			return nil, fmt.Errorf("preparing %s: %w", step, err)
		}
		out = append(out, session...)
		out = append(out, stmts...)
	}
	return out, nil
}

func (s *Service) groupStatements(step Step) ([]catalog.Statement, error) {
	switch step {
	case catalog.GroupDrop:
		return s.cat.Drop(), nil
	case catalog.GroupCreate:
		return s.cat.Create(), nil
	case catalog.GroupInsert:
		return s.cat.Insert(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStep, step)
}

// copySource adds temporary credentials for engines that cannot assume
// the role themselves. When the role cannot be assumed the source is
// returned unchanged and the engine falls back to its default credential
// chain.
func (s *Service) copySource(ctx context.Context, log *zap.Logger) catalog.CopySource {
	src := s.src
	if s.creds == nil || src.Credentials != nil || s.cat.Dialect() != catalog.DuckDB || !src.Remote() {
		return src
	}

	cr, err := s.creds.Credentials(ctx, src.RoleARN)
	if err != nil {
		log.Warn("assuming warehouse role failed, using the default credential chain",
			zap.String("role_arn", src.RoleARN),
			zap.Error(err),
		)
		return src
	}
	src.Credentials = cr
	return src
}

// readJSONPaths reads the jsonpaths document on the warehouse connection,
// so it sees the same files and credentials as the copy itself.
func (s *Service) readJSONPaths(ctx context.Context, src catalog.CopySource) (catalog.CopySource, error) {
	q, ok := s.cat.JSONPathsQuery(src)
	if !ok {
		return src, nil
	}
	doc, err := warehouse.QueryString(ctx, s.wh, q)
	if err != nil {
		return src, fmt.Errorf("reading jsonpaths %s: %w", src.LogJSONPath, err)
	}
	if src.LogPaths, err = catalog.ParseJSONPaths([]byte(doc)); err != nil {
		return src, fmt.Errorf("jsonpaths %s: %w", src.LogJSONPath, err)
	}
	return src, nil
}
