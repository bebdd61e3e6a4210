package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mlerrors "github.com/mldata/mldata/internal/errors"
)

// Metrics bundles the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	conversionsTotal   *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	ingestsTotal       *prometheus.CounterVec
	scraperItemsTotal  *prometheus.CounterVec
	extractFailures    prometheus.Counter

	Routes *ConversionStats
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mldata_conversions_total",
				Help: "Conversions by input format, output format and status",
			},
			[]string{"in_format", "out_format", "status"},
		),
		conversionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mldata_conversion_duration_seconds",
				Help:    "Time taken by one conversion including verification",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"in_format", "out_format"},
		),
		ingestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mldata_ingests_total",
				Help: "Uploads processed by detected format and outcome",
			},
			[]string{"format", "status"},
		),
		scraperItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mldata_scraper_items_total",
				Help: "Items handled by the scraper per source and outcome",
			},
			[]string{"source", "status"},
		),
		extractFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mldata_extract_failures_total",
				Help: "Preview extractions that degraded to an empty result",
			},
		),
		Routes: NewConversionStats(time.Hour),
	}

	m.registry.MustRegister(
		m.conversionsTotal,
		m.conversionDuration,
		m.ingestsTotal,
		m.scraperItemsTotal,
		m.extractFailures,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveConversion records one conversion and its outcome.
func (m *Metrics) ObserveConversion(in, out string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := statusOf(err)
	m.conversionsTotal.WithLabelValues(in, out, status).Inc()
	m.conversionDuration.WithLabelValues(in, out).Observe(elapsed.Seconds())
	code := ""
	if err != nil {
		code = failureCode(err)
	}
	m.Routes.Record(in+"->"+out, code)
}

// ObserveIngest records one upload.
func (m *Metrics) ObserveIngest(format string, err error) {
	if m == nil {
		return
	}
	m.ingestsTotal.WithLabelValues(format, statusOf(err)).Inc()
}

// ObserveScraperItem records one scraped dataset or task.
func (m *Metrics) ObserveScraperItem(source string, err error) {
	if m == nil {
		return
	}
	m.scraperItemsTotal.WithLabelValues(source, statusOf(err)).Inc()
}

// ExtractFailed counts a degraded preview.
func (m *Metrics) ExtractFailed() {
	if m == nil {
		return
	}
	m.extractFailures.Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// failureCode reports the innermost typed code in err's chain.
func failureCode(err error) string {
	code := mlerrors.CodeUnexpected
	for ; err != nil; err = errors.Unwrap(err) {
		if e, ok := err.(*mlerrors.MLDataError); ok {
			code = e.Code
		}
	}
	return code
}
