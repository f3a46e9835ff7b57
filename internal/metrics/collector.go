// Package metrics exposes ingestion metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records pipeline activity. Components receive one through their
// config; Noop is used when metrics are disabled.
type Collector interface {
	RecordFetch(artifact, status string, bytes int64)
	RecordStage(stage string, d time.Duration)
	RecordError(stage, errType string)
	SetRecordCount(kind string, n int)
	SetLastSuccess(t time.Time)
}

// PrometheusCollector is the Collector backed by a private registry.
type PrometheusCollector struct {
	fetchesTotal  *prometheus.CounterVec
	fetchedBytes  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec
	records       *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
	registry      *prometheus.Registry
	startTime     time.Time
}

func NewCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	c := &PrometheusCollector{
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliancegraph_fetches_total",
			Help: "Artifact downloads by artifact and outcome.",
		}, []string{"artifact", "status"}),
		fetchedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliancegraph_fetched_bytes_total",
			Help: "Bytes written to disk by artifact.",
		}, []string{"artifact"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliancegraph_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliancegraph_errors_total",
			Help: "Errors by stage and error class.",
		}, []string{"stage", "error_type"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "compliancegraph_records",
			Help: "Records in the knowledge store by kind.",
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compliancegraph_last_success_timestamp_seconds",
			Help: "Unix time of the last successful ingestion run.",
		}),
		registry:  registry,
		startTime: time.Now(),
	}

	registry.MustRegister(
		c.fetchesTotal,
		c.fetchedBytes,
		c.stageDuration,
		c.errorsTotal,
		c.records,
		c.lastSuccess,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "compliancegraph_uptime_seconds",
			Help: "Seconds since the collector was created.",
		}, func() float64 { return c.Uptime().Seconds() }),
		collectors.NewGoCollector(),
	)
	return c
}

// Uptime returns how long the collector has been running.
func (c *PrometheusCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

func (c *PrometheusCollector) RecordFetch(artifact, status string, bytes int64) {
	c.fetchesTotal.WithLabelValues(artifact, status).Inc()
	if bytes > 0 {
		c.fetchedBytes.WithLabelValues(artifact).Add(float64(bytes))
	}
}

func (c *PrometheusCollector) RecordStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *PrometheusCollector) RecordError(stage, errType string) {
	c.errorsTotal.WithLabelValues(stage, errType).Inc()
}

func (c *PrometheusCollector) SetRecordCount(kind string, n int) {
	c.records.WithLabelValues(kind).Set(float64(n))
}

func (c *PrometheusCollector) SetLastSuccess(t time.Time) {
	c.lastSuccess.Set(float64(t.Unix()))
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
