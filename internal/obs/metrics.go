package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

// Метрики движка
var (
	ledgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_total",
			Help: "Transaction events materialized, by outcome.",
		},
		[]string{"action", "kind", "outcome"},
	)

	materializeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_materialize_duration_seconds",
			Help:    "Latency of one apply or reverse unit.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	rebuildItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rebuild_items_total",
			Help: "Documents processed by rebuild runs, by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_ready",
		Help: "1 when the store is reachable.",
	})
)

// Init registers all collectors in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration)
	prometheus.MustRegister(ledgerEvents, materializeDuration, rebuildItems, ready)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEvent records one materializer outcome.
func ObserveEvent(action, kind, outcome string, took time.Duration) {
	ledgerEvents.WithLabelValues(action, kind, outcome).Inc()
	materializeDuration.WithLabelValues(action).Observe(took.Seconds())
}

// ObserveRebuild adds n processed documents to the rebuild tally.
func ObserveRebuild(operation, outcome string, n int) {
	if n <= 0 {
		return
	}
	rebuildItems.WithLabelValues(operation, outcome).Add(float64(n))
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "ledgers":
		switch len(parts) {
		case 5:
			return "/v1/ledgers/:kind/:entity/:fy"
		case 6:
			if parts[5] == "months" {
				return "/v1/ledgers/:kind/:entity/:fy/months"
			}
		}
	case "attendance":
		if len(parts) == 4 {
			return "/v1/attendance/:employee/:fy"
		}
	case "analytics":
		if len(parts) == 4 {
			return "/v1/analytics/:org/:fy"
		}
	}
	return path
}

// Instrument wraps next with request count, latency and in-flight metrics.
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

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
