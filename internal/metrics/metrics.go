// Package metrics exposes Prometheus collectors for the feed sampler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	roundsTotal                *prometheus.CounterVec
	roundDurationSeconds       prometheus.Histogram
	outcomesTotal              *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchesInFlight            prometheus.Gauge
	archiveAppendFailuresTotal prometheus.Counter
	archiveFinalizedTotal      prometheus.Counter
	uploadsTotal               *prometheus.CounterVec
	uploadBytesTotal           prometheus.Counter
	uploadsInFlight            prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		roundsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rater_rounds_total",
				Help: "Total number of sampling rounds, labeled by result.",
			},
			[]string{"result"},
		)

		roundDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rater_round_duration_seconds",
				Help:    "Histogram of sampling round durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rater_outcomes_total",
				Help: "Total number of sample outcomes, labeled by kind.",
			},
			[]string{"kind"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rater_fetch_duration_seconds",
				Help:    "Histogram of feed fetch latencies, labeled by host.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rater_fetch_bytes_total",
				Help: "Total number of feed bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		fetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rater_fetches_in_flight",
				Help: "Number of feed fetches currently running.",
			},
		)

		archiveAppendFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rater_archive_append_failures_total",
				Help: "Total number of outcomes dropped because the archive append failed.",
			},
		)

		archiveFinalizedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rater_archive_finalized_total",
				Help: "Total number of archive files finalized at a day boundary.",
			},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rater_uploads_total",
				Help: "Total number of archive uploads, labeled by result.",
			},
			[]string{"result"},
		)

		uploadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rater_upload_bytes_total",
				Help: "Total number of bytes written to the blob store.",
			},
		)

		uploadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rater_uploads_in_flight",
				Help: "Number of background uploads currently running.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rater_rate_limit_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rater_http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rater_http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid and "local" for file paths.
func SanitizeHost(rawURL string) string {
	if strings.HasPrefix(rawURL, "file://") || strings.HasPrefix(rawURL, "/") {
		return "local"
	}
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRound records a completed or cancelled round.
func ObserveRound(result string, duration time.Duration) {
	Init()
	roundsTotal.WithLabelValues(result).Inc()
	roundDurationSeconds.Observe(duration.Seconds())
}

// ObserveOutcome increments the outcome counter for the given kind.
func ObserveOutcome(kind string) {
	Init()
	outcomesTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records the latency and size of one feed fetch.
func ObserveFetch(endpoint string, duration time.Duration, bytesFetched int) {
	Init()
	host := SanitizeHost(endpoint)
	fetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// IncFetchesInFlight increments the in-flight fetch gauge.
func IncFetchesInFlight() {
	Init()
	fetchesInFlight.Inc()
}

// DecFetchesInFlight decrements the in-flight fetch gauge.
func DecFetchesInFlight() {
	Init()
	fetchesInFlight.Dec()
}

// ObserveAppendFailure counts an outcome dropped by a failed archive append.
func ObserveAppendFailure() {
	Init()
	archiveAppendFailuresTotal.Inc()
}

// ObserveFinalized counts archive files finalized in one rotation.
func ObserveFinalized(n int) {
	Init()
	archiveFinalizedTotal.Add(float64(n))
}

// ObserveUpload records the result of one background upload.
func ObserveUpload(result string, bytesWritten int) {
	Init()
	uploadsTotal.WithLabelValues(result).Inc()
	if bytesWritten > 0 {
		uploadBytesTotal.Add(float64(bytesWritten))
	}
}

// IncUploadsInFlight increments the in-flight upload gauge.
func IncUploadsInFlight() {
	Init()
	uploadsInFlight.Inc()
}

// DecUploadsInFlight decrements the in-flight upload gauge.
func DecUploadsInFlight() {
	Init()
	uploadsInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
