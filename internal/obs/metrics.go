package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the verification pipeline.
var (
	verifyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verify_requests_total",
			Help: "Verification attempts by terminal outcome.",
		},
		[]string{"outcome"},
	)

	processorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_requests_total",
			Help: "Requests to the payment processor API by result.",
		},
		[]string{"result"},
	)

	indexRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "purchase_index_refresh_seconds",
			Help:    "Wall time of purchase index refresh scans.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		verifyOutcomes, processorRequests, indexRefreshDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveVerify records one terminal verification outcome.
func ObserveVerify(outcome string) {
	verifyOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveProcessorRequest records one processor API call result
// ("ok", "auth_expired", "unavailable").
func ObserveProcessorRequest(result string) {
	processorRequests.WithLabelValues(result).Inc()
}

// ObserveIndexRefresh records the duration of a completed refresh scan.
func ObserveIndexRefresh(d time.Duration) {
	indexRefreshDuration.Observe(d.Seconds())
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-record path segments so metric label
// cardinality stays bounded regardless of how many emails are queried.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	const prefix = "/v1/verifications/"
	if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") && p != prefix {
		return prefix + ":email"
	}
	return p
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
