package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/metrics"
)

// Server is the HTTP surface: execution endpoints, session CRUD,
// graphs, health, and the MCP transport mounts.
type Server struct {
	svc *Service

	// MCP transports, mounted when non-nil
	mcpSSE        http.Handler
	mcpStreamable http.Handler

	// tool registry backing /v1/tools, mounted when non-nil
	tools ToolInvoker

	version string
}

// NewServer builds the HTTP server around the orchestration service.
func NewServer(svc *Service, version string) *Server {
	return &Server{svc: svc, version: version}
}

// MountMCP attaches the MCP transport handlers. sse serves the legacy
// SSE transport at /mcp, streamable the JSON-RPC transport at
// /mcp-streamable.
func (s *Server) MountMCP(sse, streamable http.Handler) {
	s.mcpSSE = sse
	s.mcpStreamable = streamable
}

// MountTools attaches the tool registry that backs /v1/tools. The MCP
// transports dispatch through the same registry, so the two surfaces
// expose identical tools.
func (s *Server) MountTools(tools ToolInvoker) {
	s.tools = tools
}

// Handler assembles the route table. Health and metrics bypass the
// request middleware so probes stay cheap.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	api.HandleFunc("POST /run_selection", s.handleRunSelection)
	api.HandleFunc("GET /run_selection/stream", s.handleRunSelectionStream)
	api.HandleFunc("GET /run_file", s.handleRunFile)
	api.HandleFunc("GET /run_file/stream", s.handleRunFileStream)
	api.HandleFunc("POST /stop_execution", s.handleStopExecution)
	api.HandleFunc("GET /execution_status", s.handleExecutionStatus)
	api.HandleFunc("GET /view_data", s.handleViewData)
	api.HandleFunc("GET /graphs/{name}", s.handleGraph)

	api.HandleFunc("POST /sessions", s.handleSessionCreate)
	api.HandleFunc("GET /sessions", s.handleSessionList)
	api.HandleFunc("GET /sessions/{id}", s.handleSessionGet)
	api.HandleFunc("DELETE /sessions/{id}", s.handleSessionDestroy)
	api.HandleFunc("POST /sessions/{id}/stop", s.handleSessionStop)
	api.HandleFunc("POST /sessions/restart", s.handleSessionRestart)

	api.HandleFunc("GET /history", s.handleHistory)
	api.HandleFunc("POST /clear_history", s.handleClearHistory)

	api.HandleFunc("POST /v1/tools", s.handleToolInvoke)

	if s.mcpSSE != nil {
		api.Handle("/mcp", s.mcpSSE)
		api.Handle("/mcp/", s.mcpSSE)
	}
	if s.mcpStreamable != nil {
		api.Handle("/mcp-streamable", s.mcpStreamable)
		api.Handle("/mcp-streamable/", s.mcpStreamable)
	}

	mux.Handle("/", metrics.Middleware(requestIDMiddleware(api)))
	return mux
}

func generateRequestID() string {
	return uuid.NewString()
}

// requestIDMiddleware tags every request with a correlation id used in
// logs and echoed back to the client.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.DebugContext(ctx, "http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := asAPIError(err)
	writeJSON(w, apiErr.HTTPStatus(), map[string]string{
		"status":  "error",
		"code":    apiErr.Kind,
		"message": apiErr.Message,
	})
}

// writeRunResult maps result statuses onto HTTP codes: engine errors
// and cancellations are ordinary 200 results, timeouts are 504.
func writeRunResult(w http.ResponseWriter, rr *RunResult) {
	status := http.StatusOK
	if rr.Status == "timeout" {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, rr)
}

// decodeBody decodes a JSON body into v, tolerating an empty body.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return NewError(KindBadRequest, "invalid JSON body: %v", err)
	}
	return nil
}
