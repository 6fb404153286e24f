// Package metrics exposes a small Prometheus registry for the backup
// server's request and cache counters. Collection is optional: when the
// registry is not initialized, every recording function is a no-op, so
// callers never need to branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collector set served on the metrics HTTP listener.
type Metrics struct {
	registry *prometheus.Registry

	uploadsTotal     *prometheus.CounterVec
	downloadsTotal   *prometheus.CounterVec
	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	workerQueueDepth prometheus.Gauge
	activeSessions   prometheus.Gauge
}

var (
	once     sync.Once
	instance *Metrics
)

// Init builds the collector set and registers it with a fresh Prometheus
// registry held by the returned Metrics handle. Init is idempotent:
// subsequent calls return the instance built by the first call.
func Init() *Metrics {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		instance = &Metrics{
			registry: reg,
			uploadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "cloudbackup_uploads_total",
				Help: "Total number of multipart upload parts processed, by status.",
			}, []string{"status"}),
			downloadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
				Name: "cloudbackup_downloads_total",
				Help: "Total number of download requests, by status.",
			}, []string{"status"}),
			cacheHitsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cloudbackup_cache_hits_total",
				Help: "Total number of prefix-cache hits serving the first download chunk.",
			}),
			cacheMissesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "cloudbackup_cache_misses_total",
				Help: "Total number of prefix-cache misses serving the first download chunk.",
			}),
			workerQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "cloudbackup_worker_queue_depth",
				Help: "Current number of tasks queued in the worker pool.",
			}),
			activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
				Name: "cloudbackup_active_sessions",
				Help: "Current number of open client connections.",
			}),
		}
	})
	return instance
}

// Handler returns an http.Handler serving this collector set in the
// Prometheus text exposition format, suitable for mounting on the
// metrics listener's mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUpload records the outcome of one multipart part: "success" or
// "fail".
func (m *Metrics) RecordUpload(status string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(status).Inc()
}

// RecordDownload records the outcome of one download request: "200",
// "206", "404", or "error".
func (m *Metrics) RecordDownload(status string) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit records a prefix-cache hit on a download's first chunk.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a prefix-cache miss on a download's first chunk.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}

// SetWorkerQueueDepth reports the worker pool's current queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.workerQueueDepth.Set(float64(depth))
}

// SetActiveSessions reports the reactor's current open-connection count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}
