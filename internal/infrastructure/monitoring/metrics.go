package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Ingest metrics
	IngestEntries *prometheus.CounterVec
	IngestBatch   prometheus.Histogram

	// Stream metrics
	StreamsActive *prometheus.GaugeVec
	StreamEvents  *prometheus.CounterVec

	// Broadcast metrics
	SubscriberKeys      prometheus.Gauge
	SubscriberListeners prometheus.Gauge

	// Adaptive metrics
	AdaptiveCorrelations *prometheus.GaugeVec
	AdaptiveTransitions  *prometheus.CounterVec

	// Maintenance metrics
	MaintenanceDuration *prometheus.HistogramVec
	MaintenanceErrors   *prometheus.CounterVec
	RetentionDeleted    prometheus.Counter

	// Rate limit metrics
	RecentRejected prometheus.Counter

	startTime time.Time

	// Snapshot for /stats - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds HTTP totals for the JSON stats endpoint.
type Snapshot struct {
	TotalRequests int64   `json:"total"`
	TotalErrors   int64   `json:"errors"`
	TotalDuration float64 `json:"-"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracehub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracehub_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracehub_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// Ingest metrics
		IngestEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_ingest_entries_total",
				Help: "Submitted trace entries by storage outcome",
			},
			[]string{"outcome"},
		),
		IngestBatch: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracehub_ingest_batch_size",
				Help:    "Entries per ingest request",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
			},
		),

		// Stream metrics
		StreamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracehub_streams_active",
				Help: "Open live streams by transport",
			},
			[]string{"transport"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_stream_events_total",
				Help: "Frames written to live streams",
			},
			[]string{"transport", "type"},
		),

		// Broadcast metrics
		SubscriberKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracehub_subscriber_correlations",
				Help: "Correlation ids with at least one live listener",
			},
		),
		SubscriberListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracehub_subscriber_queues",
				Help: "Registered live listener queues",
			},
		),

		// Adaptive metrics
		AdaptiveCorrelations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tracehub_adaptive_correlations",
				Help: "Tracked correlation ids by sampling state",
			},
			[]string{"state"},
		),
		AdaptiveTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_adaptive_transitions_total",
				Help: "Sampling state transitions",
			},
			[]string{"transition"},
		),

		// Maintenance metrics
		MaintenanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracehub_maintenance_duration_seconds",
				Help:    "Maintenance task duration in seconds",
				Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 30},
			},
			[]string{"task"},
		),
		MaintenanceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracehub_maintenance_errors_total",
				Help: "Maintenance task failures",
			},
			[]string{"task"},
		),
		RetentionDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tracehub_retention_deleted_total",
				Help: "Rows removed by the retention sweep",
			},
		),

		RecentRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tracehub_recent_rejected_total",
				Help: "Recent-traces requests rejected by the global cap",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tracehub_uptime_seconds",
			Help: "TraceHub uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// HTTPSnapshot returns request totals and the mean latency.
func (m *Metrics) HTTPSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgLatencyMS = s.TotalDuration / float64(s.TotalRequests) * 1000
	}
	return s
}

// RecordIngest records one entry's storage outcome
func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestEntries.WithLabelValues(outcome).Inc()
}

// RecordIngestBatch records the size of an ingest request
func (m *Metrics) RecordIngestBatch(size int) {
	if m == nil {
		return
	}
	m.IngestBatch.Observe(float64(size))
}

// StreamOpened increments the open stream gauge
func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(transport).Inc()
}

// StreamClosed decrements the open stream gauge
func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(transport).Dec()
}

// RecordStreamEvent records a frame written to a stream
func (m *Metrics) RecordStreamEvent(transport, eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(transport, eventType).Inc()
}

// SetSubscribers sets the broadcast registration gauges
func (m *Metrics) SetSubscribers(keys, listeners int) {
	if m == nil {
		return
	}
	m.SubscriberKeys.Set(float64(keys))
	m.SubscriberListeners.Set(float64(listeners))
}

// SetAdaptive sets the tracked id gauges
func (m *Metrics) SetAdaptive(hot, warm int) {
	if m == nil {
		return
	}
	m.AdaptiveCorrelations.WithLabelValues("hot").Set(float64(hot))
	m.AdaptiveCorrelations.WithLabelValues("warm").Set(float64(warm))
}

// RecordTransitions adds n transitions of the given kind
func (m *Metrics) RecordTransitions(transition string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AdaptiveTransitions.WithLabelValues(transition).Add(float64(n))
}

// RecordMaintenance records a maintenance task run
func (m *Metrics) RecordMaintenance(task string, duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.MaintenanceDuration.WithLabelValues(task).Observe(duration.Seconds())
	if failed {
		m.MaintenanceErrors.WithLabelValues(task).Inc()
	}
}

// AddRetentionDeleted counts rows removed by retention
func (m *Metrics) AddRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}

// IncRecentRejected counts a rejected recent-traces request
func (m *Metrics) IncRecentRejected() {
	if m == nil {
		return
	}
	m.RecentRejected.Inc()
}
