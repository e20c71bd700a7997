// Package metrics collects gateway metrics and exposes them for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the recorder interfaces of the extraction client,
// the session manager, the quota tracker and the gate.
type Collector struct {
	reg               prometheus.Registerer
	extractions       *prometheus.CounterVec
	extractionLatency *prometheus.HistogramVec
	refreshes         *prometheus.CounterVec
	increments        *prometheus.CounterVec
	denials           *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipereader_extractions_total",
			Help: "Extraction calls by input kind and outcome.",
		}, []string{"kind", "outcome"}),
		extractionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recipereader_extraction_duration_seconds",
			Help:    "Extraction call latency in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"kind"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipereader_session_refreshes_total",
			Help: "Session token refresh attempts by outcome.",
		}, []string{"outcome"}),
		increments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipereader_quota_increments_total",
			Help: "Quota usage increments by outcome.",
		}, []string{"outcome"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recipereader_extraction_denials_total",
			Help: "Extraction requests refused before any network call.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.extractions,
		c.extractionLatency,
		c.refreshes,
		c.increments,
		c.denials,
	)

	return c
}

// ObserveExtraction records a completed extraction call.
func (c *Collector) ObserveExtraction(kind, outcome string, duration time.Duration) {
	c.extractions.WithLabelValues(kind, outcome).Inc()
	c.extractionLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRefresh records a session refresh attempt.
func (c *Collector) ObserveRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// ObserveIncrement records a quota increment.
func (c *Collector) ObserveIncrement(outcome string) {
	c.increments.WithLabelValues(outcome).Inc()
}

// ObserveDenied records a refused extraction.
func (c *Collector) ObserveDenied(reason string) {
	c.denials.WithLabelValues(reason).Inc()
}

// TrackGauge registers a gauge sampled from fn at scrape time.
func (c *Collector) TrackGauge(name, help string, fn func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, func() float64 { return float64(fn()) }))
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
