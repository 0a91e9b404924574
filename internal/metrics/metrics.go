// Package metrics exposes Prometheus instrumentation for the HTTP surface,
// ingest, backups and the stats cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives measurements from handlers and services.
type Recorder interface {
	IncRequestsTotal(route string, status int)
	ObserveRequestDuration(route string, duration time.Duration)
	AddSessionsIngested(n int)
	IncBackupsStored(bytes int64)
	IncBackupsDeleted()
	IncCacheHits()
	IncCacheMisses()
}

// Prometheus records into its own registry, so tests can create any
// number of instances.
type Prometheus struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	sessionsIngested prometheus.Counter
	backupsStored    prometheus.Counter
	backupBytes      prometheus.Counter
	backupsDeleted   prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

// NewPrometheus creates the collectors and registers them together with
// the Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	m := &Prometheus{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playledger_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playledger_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		sessionsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_sessions_ingested_total",
			Help: "Total number of gameplay sessions recorded",
		}),
		backupsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_backups_stored_total",
			Help: "Total number of backups stored",
		}),
		backupBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_backup_bytes_total",
			Help: "Total uncompressed bytes of stored backups",
		}),
		backupsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_backups_deleted_total",
			Help: "Total number of backups deleted",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_stats_cache_hits_total",
			Help: "Total number of stats cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playledger_stats_cache_misses_total",
			Help: "Total number of stats cache misses",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.sessionsIngested,
		m.backupsStored,
		m.backupBytes,
		m.backupsDeleted,
		m.cacheHits,
		m.cacheMisses,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) IncRequestsTotal(route string, status int) {
	m.requestsTotal.WithLabelValues(route, statusBucket(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(route string, duration time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Prometheus) AddSessionsIngested(n int) {
	m.sessionsIngested.Add(float64(n))
}

func (m *Prometheus) IncBackupsStored(bytes int64) {
	m.backupsStored.Inc()
	m.backupBytes.Add(float64(bytes))
}

func (m *Prometheus) IncBackupsDeleted() { m.backupsDeleted.Inc() }
func (m *Prometheus) IncCacheHits()      { m.cacheHits.Inc() }
func (m *Prometheus) IncCacheMisses()    { m.cacheMisses.Inc() }

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) IncRequestsTotal(string, int)                {}
func (Noop) ObserveRequestDuration(string, time.Duration) {}
func (Noop) AddSessionsIngested(int)                     {}
func (Noop) IncBackupsStored(int64)                      {}
func (Noop) IncBackupsDeleted()                          {}
func (Noop) IncCacheHits()                               {}
func (Noop) IncCacheMisses()                             {}
