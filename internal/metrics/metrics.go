// Package metrics exposes sync progress as Prometheus metrics.
//
// A Collector owns a private registry, so several collectors can coexist in
// one process (tests, multiple engines) without colliding on the default
// registry. It implements engine.Recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/storesync/internal/engine"
)

const namespace = "storesync"

// Collector holds every storesync metric.
type Collector struct {
	PagesFetched      *prometheus.CounterVec
	RecordsFetched    *prometheus.CounterVec
	RowsWritten       *prometheus.CounterVec
	Runs              *prometheus.CounterVec
	CheckpointRepairs *prometheus.CounterVec
	FetchRetries      *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Collector)(nil)

// New creates a Collector with its metrics registered.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total pages fetched from the source",
		},
		[]string{"collection"},
	)

	c.RecordsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Total records fetched from the source",
		},
		[]string{"collection"},
	)

	c.RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_upserted_total",
			Help:      "Total rows upserted by table",
		},
		[]string{"table"},
	)

	c.Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Tenant runs by outcome",
		},
		[]string{"mode", "collection", "status"}, // status: ok, failed, skipped
	)

	c.CheckpointRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_repairs_total",
			Help:      "Checkpoints rebuilt from the index table",
		},
		[]string{"collection"},
	)

	c.FetchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Page fetches retried after a transient error",
		},
		[]string{"collection"},
	)

	c.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of one tenant run",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"mode", "collection"},
	)

	c.registry.MustRegister(
		c.PagesFetched,
		c.RecordsFetched,
		c.RowsWritten,
		c.Runs,
		c.CheckpointRepairs,
		c.FetchRetries,
		c.RunDuration,
	)
	return c
}

// PageFetched implements engine.Recorder.
func (c *Collector) PageFetched(collection string, records int) {
	c.PagesFetched.WithLabelValues(collection).Inc()
	c.RecordsFetched.WithLabelValues(collection).Add(float64(records))
}

// RowsUpserted implements engine.Recorder.
func (c *Collector) RowsUpserted(table string, n int) {
	c.RowsWritten.WithLabelValues(table).Add(float64(n))
}

// CheckpointRepaired implements engine.Recorder.
func (c *Collector) CheckpointRepaired(collection string) {
	c.CheckpointRepairs.WithLabelValues(collection).Inc()
}

// RunFinished implements engine.Recorder.
func (c *Collector) RunFinished(mode engine.Mode, collection string, status engine.Status, d time.Duration) {
	c.Runs.WithLabelValues(string(mode), collection, string(status)).Inc()
	if status != engine.StatusSkipped {
		c.RunDuration.WithLabelValues(string(mode), collection).Observe(d.Seconds())
	}
}

// FetchRetried counts one retry. Its signature matches
// source.RetryingCollector.OnRetry.
func (c *Collector) FetchRetried(collection string, attempt int, err error) {
	c.FetchRetries.WithLabelValues(collection).Inc()
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
