package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stata_mcp_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stata_mcp_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently live sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stata_mcp_active_sessions",
			Help: "Number of live Stata sessions",
		},
	)

	// RunsTotal counts completed runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stata_mcp_runs_total",
			Help: "Total number of completed runs",
		},
		[]string{"kind", "status"},
	)

	// RunDuration tracks how long runs take
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stata_mcp_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind", "status"},
	)

	// ActiveStreams tracks open SSE streams
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stata_mcp_active_streams",
			Help: "Number of open SSE streams",
		},
	)

	// GraphsExported counts exported graph images
	GraphsExported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stata_mcp_graphs_exported_total",
			Help: "Total number of graph images exported",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stata_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses parameterized paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/mcp", "/mcp-streamable",
		"/run_selection", "/run_selection/stream",
		"/run_file", "/run_file/stream",
		"/stop_execution", "/execution_status",
		"/view_data", "/v1/tools", "/sessions",
		"/sessions/restart", "/history", "/clear_history":
		return path
	}
	switch {
	case strings.HasPrefix(path, "/graphs/"):
		return "/graphs/:name"
	case strings.HasPrefix(path, "/sessions/"):
		if strings.HasSuffix(path, "/stop") {
			return "/sessions/:id/stop"
		}
		return "/sessions/:id"
	case strings.HasPrefix(path, "/mcp"):
		return "/mcp"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd() {
	ActiveSessions.Dec()
}

// RecordRun records a completed run
func RecordRun(kind, status string, durationSeconds float64) {
	RunsTotal.WithLabelValues(kind, status).Inc()
	RunDuration.WithLabelValues(kind, status).Observe(durationSeconds)
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordGraphExport counts exported graph images
func RecordGraphExport(n int) {
	GraphsExported.Add(float64(n))
}

// StreamOpened increments the SSE stream gauge
func StreamOpened() {
	ActiveStreams.Inc()
}

// StreamClosed decrements the SSE stream gauge
func StreamClosed() {
	ActiveStreams.Dec()
}
