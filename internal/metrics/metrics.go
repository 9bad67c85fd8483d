// Package metrics exposes Prometheus collectors for the crawler.
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

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

var (
	papersTotal                   *prometheus.CounterVec
	paperFetchSeconds             prometheus.Histogram
	proceedingsTotal              *prometheus.CounterVec
	proceedingDurationSeconds     prometheus.Histogram
	checkpointNextIndex           prometheus.Gauge
	checkpointTotalPapers         prometheus.Gauge
	checkpointSavesTotal          prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	robotsFallbacksTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		papersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papercrawl_papers_total",
				Help: "Total number of paper pages processed, labeled by year and status.",
			},
			[]string{"year", "status"},
		)

		paperFetchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "papercrawl_paper_fetch_seconds",
				Help:    "Histogram of paper page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		proceedingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papercrawl_proceedings_total",
				Help: "Total number of proceedings finished, labeled by outcome.",
			},
			[]string{"status"},
		)

		proceedingDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "papercrawl_proceeding_duration_seconds",
				Help:    "Histogram of time spent crawling one proceeding.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		)

		checkpointNextIndex = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "papercrawl_checkpoint_next_proc_idx",
				Help: "Index of the next proceeding to process in the active run.",
			},
		)

		checkpointTotalPapers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "papercrawl_checkpoint_total_papers",
				Help: "Papers recorded by the last saved checkpoint.",
			},
		)

		checkpointSavesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "papercrawl_checkpoint_saves_total",
				Help: "Total number of checkpoints written.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "papercrawl_robots_fallbacks_total",
				Help: "Hosts whose robots.txt stayed unreachable and were crawled under allow-all.",
			},
			[]string{"site", "reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait. Its
// signature matches ratelimit.DelayFunc.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a host whose robots.txt could not be read.
func ObserveRobotsFallback(host, reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(SanitizeSite(host), reason).Inc()
}

// Observer feeds pipeline progress into the collectors.
type Observer struct{}

// NewObserver initializes the collectors and returns an Observer.
func NewObserver() Observer {
	Init()
	return Observer{}
}

var _ crawler.Observer = Observer{}

// PaperFetched implements crawler.Observer.
func (Observer) PaperFetched(p crawler.Proceeding, dur time.Duration) {
	papersTotal.WithLabelValues(p.Year, "fetched").Inc()
	paperFetchSeconds.Observe(dur.Seconds())
}

// PaperFailed implements crawler.Observer.
func (Observer) PaperFailed(p crawler.Proceeding, _ error) {
	papersTotal.WithLabelValues(p.Year, "failed").Inc()
}

// ProceedingCommitted implements crawler.Observer.
func (Observer) ProceedingCommitted(_ crawler.Proceeding, _ int, dur time.Duration) {
	proceedingsTotal.WithLabelValues("committed").Inc()
	proceedingDurationSeconds.Observe(dur.Seconds())
}

// ProceedingSkipped implements crawler.Observer.
func (Observer) ProceedingSkipped(crawler.Proceeding) {
	proceedingsTotal.WithLabelValues("skipped").Inc()
}

// CheckpointSaved implements crawler.Observer.
func (Observer) CheckpointSaved(state crawler.CheckpointState) {
	checkpointSavesTotal.Inc()
	checkpointNextIndex.Set(float64(state.NextProceedingIndex))
	checkpointTotalPapers.Set(float64(state.TotalPaperCount))
}
