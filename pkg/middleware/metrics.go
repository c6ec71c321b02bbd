package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segments_http_requests_total",
			Help: "HTTP requests handled by the segment service",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segments_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// unmatchedPath is the label used for any path outside the known routes.
const unmatchedPath = "other"

// Metrics returns middleware that records request counts and durations.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := NormalizePath(r.URL.Path)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// NormalizePath replaces UUID path segments with {id} and collapses unknown
// paths into a single label, keeping metric cardinality bounded.
//
//	/api/segments/3f0c...e1/refresh -> /api/segments/{id}/refresh
func NormalizePath(path string) string {
	switch path {
	case "/health", "/ping", "/metrics", "/mcp":
		return path
	}
	if path != "/api/segments" && !strings.HasPrefix(path, "/api/segments/") {
		return unmatchedPath
	}

	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := uuid.Parse(p); err == nil {
			parts[i] = "{id}"
		} else if i == 3 {
			// Malformed ids still belong to the same route.
			parts[i] = "{id}"
		}
	}
	if len(parts) > 5 {
		return unmatchedPath
	}
	return strings.Join(parts, "/")
}
