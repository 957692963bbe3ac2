// Package metrics records statement outcomes and table sizes as Prometheus
// metrics, served on /metrics or pushed to a Pushgateway at the end of a
// batch run.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultJob is the Pushgateway job name.
const DefaultJob = "sparkify_dwh"

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ScrapeTimeout bounds the row counts taken at scrape time.
const ScrapeTimeout = 10 * time.Second

// TableCounter counts the rows of a table.
type TableCounter interface {
	CountRows(ctx context.Context, table string) (int64, error)
}

// Recorder holds the warehouse metrics on a private registry.
type Recorder struct {
	reg *prometheus.Registry

	statements *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rows       *prometheus.GaugeVec
	lastRun    prometheus.Gauge

	live *tableCollector
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLiveTableRows reports dwh_table_rows by counting tables on every
// scrape instead of from the rows a run recorded. TableRows becomes a
// no-op.
func WithLiveTableRows(c TableCounter, tables ...string) Option {
	return func(r *Recorder) {
		r.live = &tableCollector{
			desc:    prometheus.NewDesc("dwh_table_rows", rowsHelp, []string{"table"}, nil),
			counter: c,
			tables:  tables,
		}
	}
}

const rowsHelp = "Row count of each table after the last run."

// New creates a Recorder with its own registry.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dwh",
				Name:      "statement_total",
				Help:      "Warehouse statements executed, by group, table and status.",
			},
			[]string{"group", "table", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dwh",
				Name:      "statement_duration_seconds",
				Help:      "Warehouse statement latency.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"group", "table"},
		),
		rows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dwh",
				Name:      "table_rows",
				Help:      rowsHelp,
			},
			[]string{"table"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dwh",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished.",
		}),
	}
	for _, opt := range opts {
		opt(r)
	}

	rows := prometheus.Collector(r.rows)
	if r.live != nil {
		rows = r.live
	}
	r.reg.MustRegister(r.statements, r.duration, rows, r.lastRun)
	return r
}

// Statement records one executed statement.
func (r *Recorder) Statement(group, table string, d time.Duration, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	r.statements.WithLabelValues(group, table, status).Inc()
	r.duration.WithLabelValues(group, table).Observe(d.Seconds())
}

// TableRows records the row count of a table.
func (r *Recorder) TableRows(table string, n int64) {
	if r.live != nil {
		return
	}
	r.rows.WithLabelValues(table).Set(float64(n))
}

// RunSucceeded marks the time a run finished without error.
func (r *Recorder) RunSucceeded(at time.Time) {
	r.lastRun.Set(float64(at.Unix()))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format. A table
// that cannot be counted is left out rather than failing the scrape.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:      r.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Push sends the registry to the Pushgateway at gatewayURL, replacing the
// job's previous metrics.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return fmt.Errorf("pushing metrics: gateway URL is required")
	}
	if job == "" {
		job = DefaultJob
	}
	if err := push.New(gatewayURL, job).Gatherer(r.reg).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

// tableCollector counts rows when the registry is gathered.
type tableCollector struct {
	desc    *prometheus.Desc
	counter TableCounter
	tables  []string
}

func (c *tableCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *tableCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), ScrapeTimeout)
	defer cancel()

	for _, t := range c.tables {
		n, err := c.counter.CountRows(ctx, t)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.desc, fmt.Errorf("counting %s: %w", t, err))
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), t)
	}
}
