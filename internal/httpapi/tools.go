package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/statacorp/stata-mcp-server/internal/metrics"
)

// ToolInvoker dispatches unified tool calls by name. The MCP tool
// registry implements it, so /v1/tools and the MCP transports share
// one tool surface instead of drifting apart.
type ToolInvoker interface {
	HasTool(name string) bool
	CallTool(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// toolRequest is the unified invocation envelope used by editor
// clients that do not speak full MCP.
type toolRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// canonicalToolName folds the prefixed and bare spellings together so
// both `stata_run_selection` and `run_selection` invoke the same tool.
func canonicalToolName(name string) string {
	aliases := map[string]string{
		"run_selection":    "stata_run_selection",
		"run_file":         "stata_run_file",
		"view_data":        "stata_view_data",
		"sessions_list":    "stata_sessions_list",
		"sessions_create":  "stata_sessions_create",
		"sessions_destroy": "stata_sessions_destroy",
	}
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	var req toolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Tool == "" {
		writeError(w, NewError(KindBadRequest, "tool is required"))
		return
	}
	if s.tools == nil {
		writeError(w, NewError(KindInternal, "tool registry is not mounted"))
		return
	}

	tool := canonicalToolName(req.Tool)
	if !s.tools.HasTool(tool) {
		writeError(w, NewError(KindBadRequest, "unknown tool %q", req.Tool))
		return
	}

	result, err := s.tools.CallTool(r.Context(), tool, req.Arguments)
	if err != nil {
		metrics.RecordToolCall(tool, "error")
		writeError(w, err)
		return
	}
	metrics.RecordToolCall(tool, "success")
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "result": result})
}
