package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justestif/sparkify-dwh/internal/catalog"
	"github.com/justestif/sparkify-dwh/internal/inspect"
	"github.com/justestif/sparkify-dwh/internal/runlog"
)

// DefaultRunLimit caps GET /runs without a limit parameter.
const DefaultRunLimit = 20

// TableSampler samples the final tables.
type TableSampler interface {
	Tables() []string
	Table(ctx context.Context, table string) (*inspect.TableResult, error)
}

// HealthChecker reports whether the warehouse answers.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// Ping implements HealthChecker.
func (f HealthFunc) Ping(ctx context.Context) error { return f(ctx) }

// RunHistory lists recorded runs.
type RunHistory interface {
	List(limit int) ([]runlog.Run, error)
	Get(id uuid.UUID) (*runlog.Run, error)
}

// Handlers contains the HTTP handlers.
type Handlers struct {
	tables  TableSampler
	health  HealthChecker
	history RunHistory
	logger  *zap.Logger
}

// NewHandlers creates a new Handlers instance. history may be nil.
func NewHandlers(tables TableSampler, health HealthChecker, history RunHistory, logger *zap.Logger) *Handlers {
	return &Handlers{
		tables:  tables,
		health:  health,
		history: history,
		logger:  logger,
	}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "warehouse unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTables handles GET /tables.
func (h *Handlers) ListTables(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"tables": h.tables.Tables()})
}

// SampleTable handles GET /tables/{table}.
func (h *Handlers) SampleTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	res, err := h.tables.Table(r.Context(), table)
	if errors.Is(err, catalog.ErrUnknownTable) {
		h.writeError(w, http.StatusNotFound, "unknown table "+strconv.Quote(table))
		return
	}
	if err != nil {
		h.logger.Error("sampling table", zap.String("table", table), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to sample table")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListRuns handles GET /runs?limit=n.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	limit := DefaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.history.List(limit)
	if err != nil {
		h.logger.Error("listing runs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string][]runlog.Run{"runs": runs})
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.history.Get(id)
	if errors.Is(err, runlog.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("getting run", zap.Stringer("run_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
