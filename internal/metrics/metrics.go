// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package metrics exposes Prometheus collectors for harvest and fetch runs.
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
	harvestPagesTotal          *prometheus.CounterVec
	harvestRecordsTotal        *prometheus.CounterVec
	harvestRunsTotal           *prometheus.CounterVec
	fetchArtifactsTotal        *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	mirrorUploadsTotal         *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		harvestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_pages_total",
				Help: "Pages fetched from sources, labeled by source.",
			},
			[]string{"source"},
		)

		harvestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Candidate records processed, labeled by source and outcome (inserted, updated, error).",
			},
			[]string{"source", "outcome"},
		)

		harvestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_runs_total",
				Help: "Completed harvest runs, labeled by source and terminal status.",
			},
			[]string{"source", "status"},
		)

		fetchArtifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_artifacts_total",
				Help: "Artifact fetch outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Artifact bytes written, labeled by site.",
			},
			[]string{"site"},
		)

		mirrorUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_uploads_total",
				Help: "Artifact mirror uploads, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimit_wait_seconds",
				Help:    "Time spent waiting for an origin's politeness delay.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"origin"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Status API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one fetched source page.
func ObservePage(source string) {
	Init()
	harvestPagesTotal.WithLabelValues(source).Inc()
}

// ObserveRecord counts one processed candidate.
func ObserveRecord(source, outcome string) {
	Init()
	harvestRecordsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveHarvestRun counts one finished harvest run.
func ObserveHarvestRun(source, status string) {
	Init()
	harvestRunsTotal.WithLabelValues(source, status).Inc()
}

// ObserveFetch counts one artifact outcome and the bytes it wrote.
func ObserveFetch(rawURL, status string, bytesWritten int64) {
	Init()
	fetchArtifactsTotal.WithLabelValues(status).Inc()
	if bytesWritten > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesWritten))
	}
}

// ObserveMirrorUpload counts one mirror upload attempt.
func ObserveMirrorUpload(provider string, err error) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	mirrorUploadsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveRateLimitWait records how long a caller waited for an origin.
func ObserveRateLimitWait(origin string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(SanitizeSite(origin)).Observe(d.Seconds())
}

// ObserveHTTPRequest records one status API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
