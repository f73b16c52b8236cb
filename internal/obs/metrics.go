package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. Methods are safe on a
// nil receiver so that libraries can run without instrumentation.
type Metrics struct {
	registry prometheus.Gatherer

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	accessDecisions   *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
	downgradesSkipped prometheus.Counter
	reparents         prometheus.Counter
	rebasedNodes      prometheus.Histogram
	bulkRecords       *prometheus.CounterVec
	buildInfo         *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Hierarchy access decisions by result.",
		}, []string{"result"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_reconciliations_total",
			Help: "Identity reconciliations by outcome.",
		}, []string{"outcome"}),
		downgradesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_downgrades_skipped_total",
			Help: "Role downgrades refused during identity sync.",
		}),
		reparents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hierarchy_reparent_total",
			Help: "Successful parent reassignments.",
		}),
		rebasedNodes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hierarchy_subtree_rebased_nodes",
			Help:    "Descendants rewritten per parent reassignment.",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		bulkRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulk_import_records_total",
			Help: "Bulk import records by result.",
		}, []string{"result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Portal API build information.",
		}, []string{"version", "commit"}),
	}
	reg.MustRegister(
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.accessDecisions, m.reconciliations, m.downgradesSkipped,
		m.reparents, m.rebasedNodes, m.bulkRecords, m.buildInfo,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo publishes build_info{version,commit} 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// RequestStarted tracks an in-flight request; call the returned func when done.
func (m *Metrics) RequestStarted() func(method, route string, status int) {
	if m == nil {
		return func(string, string, int) {}
	}
	m.httpInFlight.Inc()
	start := time.Now()
	return func(method, route string, status int) {
		code := strconv.Itoa(status)
		m.httpRequestDuration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(method, route, code).Inc()
		m.httpInFlight.Dec()
	}
}

func (m *Metrics) AccessDecision(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.accessDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DowngradeSkipped() {
	if m == nil {
		return
	}
	m.downgradesSkipped.Inc()
}

func (m *Metrics) Reparented(rebased int64) {
	if m == nil {
		return
	}
	m.reparents.Inc()
	m.rebasedNodes.Observe(float64(rebased))
}

func (m *Metrics) BulkRecord(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.bulkRecords.WithLabelValues(result).Inc()
}
