package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements shared.MetricsRecorder using Prometheus.
type Recorder struct {
	registry             *prometheus.Registry
	updatesTotal         *prometheus.CounterVec
	seriesLength         *prometheus.GaugeVec
	snapshotFetches      *prometheus.CounterVec
	snapshotLatency      *prometheus.HistogramVec
	subscriptionFailures *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpLatency          *prometheus.HistogramVec
}

// Ensure the Recorder implements the MetricsRecorder interface.
var _ shared.MetricsRecorder = (*Recorder)(nil)

// New creates a new Prometheus metrics recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		updatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlestream_live_updates_total",
				Help: "Total number of live candle updates by outcome",
			},
			[]string{"market", "timeframe", "outcome"},
		),
		seriesLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candlestream_series_length",
				Help: "Number of candles held by a series after a snapshot load",
			},
			[]string{"market", "timeframe"},
		),
		snapshotFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlestream_snapshot_fetches_total",
				Help: "Total number of historical snapshot fetches by result",
			},
			[]string{"market", "timeframe", "result"},
		),
		snapshotLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlestream_snapshot_fetch_duration_seconds",
				Help:    "Duration of historical snapshot fetches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"market", "timeframe"},
		),
		subscriptionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlestream_subscription_failures_total",
				Help: "Total number of live subscription failures",
			},
			[]string{"market"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlestream_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlestream_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "method"},
		),
	}
}

// Registry returns the registry metrics are registered with.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns the http handler exposing the recorded metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// RecordUpdate records the outcome of a live update.
func (r *Recorder) RecordUpdate(market string, timeframe string, outcome shared.UpdateOutcome) {
	r.updatesTotal.WithLabelValues(market, timeframe, outcome.String()).Inc()
}

// RecordSeriesLength records the current length of a series.
func (r *Recorder) RecordSeriesLength(market string, timeframe string, length int) {
	r.seriesLength.WithLabelValues(market, timeframe).Set(float64(length))
}

// RecordSnapshotFetch records a snapshot fetch and its duration.
func (r *Recorder) RecordSnapshotFetch(market string, timeframe string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}

	r.snapshotFetches.WithLabelValues(market, timeframe, result).Inc()
	r.snapshotLatency.WithLabelValues(market, timeframe).Observe(elapsed.Seconds())
}

// RecordSubscriptionFailure records a live subscription failure.
func (r *Recorder) RecordSubscriptionFailure(market string) {
	r.subscriptionFailures.WithLabelValues(market).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (r *Recorder) RecordHTTPRequest(route string, method string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
