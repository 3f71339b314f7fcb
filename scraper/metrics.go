package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for a run.
type Metrics struct {
	Registry          *prometheus.Registry
	PagesFetchedTotal *prometheus.CounterVec
	PagesFailedTotal  *prometheus.CounterVec
	RecordsTotal      *prometheus.CounterVec
	FieldMissesTotal  *prometheus.CounterVec
	RetriesTotal      prometheus.Counter
	RequestDuration   prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pagesFetched := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_fetched_total",
			Help: "Pages fetched successfully, by page type.",
		},
		[]string{"page_type"},
	)
	pagesFailed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_failed_total",
			Help: "Pages skipped after exhausting retries, by error type.",
		},
		[]string{"error_type"},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_records_total",
			Help: "Candidate records by pipeline outcome.",
		},
		[]string{"outcome"},
	)
	fieldMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_field_parse_misses_total",
			Help: "Fields that could not be parsed and were left absent.",
		},
		[]string{"field"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Retry attempts scheduled for failed page fetches.",
		},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for page fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(pagesFetched, pagesFailed, records, fieldMisses, retries, requestDuration)

	return &Metrics{
		Registry:          registry,
		PagesFetchedTotal: pagesFetched,
		PagesFailedTotal:  pagesFailed,
		RecordsTotal:      records,
		FieldMissesTotal:  fieldMisses,
		RetriesTotal:      retries,
		RequestDuration:   requestDuration,
	}
}

// IncPageFetched counts a successful page fetch.
func (m *Metrics) IncPageFetched(pageType string) {
	if m == nil {
		return
	}
	m.PagesFetchedTotal.WithLabelValues(pageType).Inc()
}

// IncPageFailed counts a page skipped after exhausting retries.
func (m *Metrics) IncPageFailed(errorType string) {
	if m == nil {
		return
	}
	m.PagesFailedTotal.WithLabelValues(errorType).Inc()
}

// IncRecord counts one candidate record by pipeline outcome.
func (m *Metrics) IncRecord(outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(outcome).Inc()
}

// IncFieldMiss counts one unparseable field.
func (m *Metrics) IncFieldMiss(field string) {
	if m == nil {
		return
	}
	m.FieldMissesTotal.WithLabelValues(field).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}
