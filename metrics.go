package pocketfence

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the filter.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  *prometheus.CounterVec
	threatScore      prometheus.Histogram
	requestDuration  *prometheus.HistogramVec
	activeTunnels    prometheus.Gauge
	upstreamErrors   prometheus.Counter
	rejectedClients  *prometheus.CounterVec
	childDetections  *prometheus.CounterVec
	keywordCount     prometheus.Gauge
	keywordReloads   prometheus.Counter
	keywordReloadErr prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "requests_total",
			Help:      "Requests received by the proxy.",
		}, []string{"kind"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "requests_blocked_total",
			Help:      "Requests answered with the block page.",
		}, []string{"age_level", "signal"}),

		threatScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pocketfence",
			Name:      "threat_score",
			Help:      "Combined threat score of scored requests.",
			Buckets:   []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pocketfence",
			Name:      "forward_duration_seconds",
			Help:      "Time spent forwarding allowed requests.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pocketfence",
			Name:      "active_tunnels",
			Help:      "Open CONNECT tunnels.",
		}),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "upstream_errors_total",
			Help:      "Forwarding or tunnel dial failures.",
		}),

		rejectedClients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "rejected_requests_total",
			Help:      "Requests refused before scoring.",
		}, []string{"reason"}),

		childDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "child_safety_detections_total",
			Help:      "Child-safety analyses scoring above the threshold.",
		}, []string{"age_level"}),

		keywordCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pocketfence",
			Name:      "keyword_count",
			Help:      "Phrases in the active keyword tables.",
		}),

		keywordReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "keyword_reloads_total",
			Help:      "Successful keyword table reloads.",
		}),

		keywordReloadErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pocketfence",
			Name:      "keyword_reload_errors_total",
			Help:      "Failed keyword table reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.threatScore,
		m.requestDuration,
		m.activeTunnels,
		m.upstreamErrors,
		m.rejectedClients,
		m.childDetections,
		m.keywordCount,
		m.keywordReloads,
		m.keywordReloadErr,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts a request of the given kind ("http" or "connect").
func (m *Metrics) RecordRequest(kind string) {
	m.requestsTotal.WithLabelValues(kind).Inc()
}

// RecordAssessment records the score of a request and whether it was blocked.
func (m *Metrics) RecordAssessment(a Assessment) {
	m.threatScore.Observe(a.Score)
	if a.Blocked {
		m.requestsBlocked.WithLabelValues(a.Level.String(), a.Signal).Inc()
	}
}

// RecordForward records the duration of a forwarded request.
func (m *Metrics) RecordForward(statusCode int, d time.Duration) {
	m.requestDuration.WithLabelValues(strconv.Itoa(statusCode)).Observe(d.Seconds())
}

// IncTunnels increments the open tunnel gauge.
func (m *Metrics) IncTunnels() {
	m.activeTunnels.Inc()
}

// DecTunnels decrements the open tunnel gauge.
func (m *Metrics) DecTunnels() {
	m.activeTunnels.Dec()
}

// RecordUpstreamError counts a failed forward or dial.
func (m *Metrics) RecordUpstreamError() {
	m.upstreamErrors.Inc()
}

// RecordRejected counts a request refused by the rate limiter or client ACL.
func (m *Metrics) RecordRejected(reason string) {
	m.rejectedClients.WithLabelValues(reason).Inc()
}

// RecordChildDetection counts a child-safety score above the threshold.
func (m *Metrics) RecordChildDetection(level AgeLevel) {
	m.childDetections.WithLabelValues(level.String()).Inc()
}

// SetKeywordCount sets the active phrase count.
func (m *Metrics) SetKeywordCount(n int) {
	m.keywordCount.Set(float64(n))
}

// RecordKeywordReload counts a successful reload.
func (m *Metrics) RecordKeywordReload() {
	m.keywordReloads.Inc()
}

// RecordKeywordReloadError counts a failed reload.
func (m *Metrics) RecordKeywordReloadError() {
	m.keywordReloadErr.Inc()
}
