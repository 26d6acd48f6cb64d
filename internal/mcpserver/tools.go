package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/httpapi"
	"github.com/statacorp/stata-mcp-server/internal/metrics"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

// progressInterval paces MCP progress notifications during file runs.
const progressInterval = 5 * time.Second

// RunSelectionParams are the arguments for stata_run_selection.
type RunSelectionParams struct {
	Selection  string `json:"selection" description:"Stata code to execute"`
	SessionID  string `json:"session_id,omitempty" description:"Target session id; defaults to the shared default session"`
	Timeout    int    `json:"timeout,omitempty" description:"Run timeout in seconds (default 600)"`
	SkipFilter bool   `json:"skip_filter,omitempty" description:"Return unfiltered output (the token cap still applies)"`
}

// RunFileParams are the arguments for stata_run_file.
type RunFileParams struct {
	FilePath   string `json:"file_path" description:"Path to the .do file, absolute or relative to the workspace root"`
	SessionID  string `json:"session_id,omitempty" description:"Target session id; defaults to the shared default session"`
	Timeout    int    `json:"timeout,omitempty" description:"Run timeout in seconds (default 600)"`
	SkipFilter bool   `json:"skip_filter,omitempty" description:"Return unfiltered output (the token cap still applies)"`
}

// ViewDataParams are the arguments for stata_view_data.
type ViewDataParams struct {
	SessionID   string `json:"session_id,omitempty" description:"Target session id; defaults to the shared default session"`
	IfCondition string `json:"if_condition,omitempty" description:"Stata if-expression used to subset observations"`
	MaxRows     int    `json:"max_rows,omitempty" description:"Maximum observations to return (default 100)"`
}

// SessionsCreateParams are the arguments for stata_sessions_create.
type SessionsCreateParams struct {
	Name string `json:"name,omitempty" description:"Optional display name for the session"`
}

// SessionsDestroyParams are the arguments for stata_sessions_destroy.
type SessionsDestroyParams struct {
	SessionID string `json:"session_id" description:"Session id to destroy; the default session cannot be destroyed"`
}

type emptyParams struct{}

// registerAllTools wires the Stata tools against the shared execution
// service. The HTTP handlers run through the same service, so both
// surfaces return identical results.
func (s *Server) registerAllTools(r *Registry) {
	Register(r, ToolDef{
		Name:        "stata_run_selection",
		Description: "Execute a fragment of Stata code in the interpreter and return the filtered log output.",
	}, s.handleRunSelection)

	Register(r, ToolDef{
		Name:        "stata_run_file",
		Description: "Execute a complete .do file in the interpreter and return the filtered log output.",
	}, s.handleRunFile)

	Register(r, ToolDef{
		Name:        "stata_view_data",
		Description: "Snapshot the dataset currently in memory, optionally subset by an if-condition.",
	}, s.handleViewData)

	Register(r, ToolDef{
		Name:        "stata_sessions_list",
		Description: "List all interpreter sessions with their state and last-use time.",
	}, s.handleSessionsList)

	Register(r, ToolDef{
		Name:        "stata_sessions_create",
		Description: "Create a new isolated interpreter session and return its id.",
	}, s.handleSessionsCreate)

	Register(r, ToolDef{
		Name:        "stata_sessions_destroy",
		Description: "Destroy an interpreter session and release its worker process.",
	}, s.handleSessionsDestroy)
}

func (s *Server) handleRunSelection(ctx context.Context, req *mcp_sdk.CallToolRequest, params RunSelectionParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_run_selection", "called")

	rr, err := s.svc.RunSelection(ctx, params.Selection, httpapi.RunOptions{
		SessionID:  params.SessionID,
		Timeout:    time.Duration(params.Timeout) * time.Second,
		SkipFilter: params.SkipFilter,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, rr, nil
}

func (s *Server) handleRunFile(ctx context.Context, req *mcp_sdk.CallToolRequest, params RunFileParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_run_file", "called")

	opts := httpapi.RunOptions{
		SessionID:  params.SessionID,
		Timeout:    time.Duration(params.Timeout) * time.Second,
		SkipFilter: params.SkipFilter,
	}

	var token any
	if req != nil && req.Params != nil {
		token = req.Params.GetProgressToken()
	}
	if token == nil || req.Session == nil {
		rr, err := s.svc.RunFile(ctx, params.FilePath, opts)
		if err != nil {
			return nil, nil, err
		}
		return nil, rr, nil
	}
	return s.runFileWithProgress(ctx, req, token, params.FilePath, opts)
}

// runFileWithProgress executes the file while sending a progress
// notification with the last few log lines every few seconds.
func (s *Server) runFileWithProgress(ctx context.Context, req *mcp_sdk.CallToolRequest, token any, filePath string, opts httpapi.RunOptions) (*mcp_sdk.CallToolResult, any, error) {
	run, err := s.svc.StartFileStream(ctx, filePath, opts)
	if err != nil {
		return nil, nil, err
	}

	buf := session.NewLineBuffer(session.DefaultLineBufferSize)
	tailer := session.NewTailer(run.LogPath, buf, 0)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-ticker.C:
			tailer.Poll()
			step++
			_ = req.Session.NotifyProgress(ctx, &mcp_sdk.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      float64(step),
				Message:       lastLogLines(buf, 5),
			})

		case outcome := <-run.Done:
			if outcome.Err != nil {
				return nil, nil, outcome.Err
			}
			return nil, outcome.Result, nil
		}
	}
}

func lastLogLines(buf *session.LineBuffer, n int) string {
	return strings.Join(buf.Last(n), "\n")
}

func (s *Server) handleViewData(ctx context.Context, req *mcp_sdk.CallToolRequest, params ViewDataParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_view_data", "called")

	res, err := s.svc.ViewData(ctx, params.SessionID, params.IfCondition, params.MaxRows)
	if err != nil {
		return nil, nil, err
	}
	if res.Status != engine.StatusSuccess {
		return nil, nil, fmt.Errorf("view_data failed: %s", res.Error)
	}
	return nil, res.Data, nil
}

func (s *Server) handleSessionsList(ctx context.Context, req *mcp_sdk.CallToolRequest, params emptyParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_sessions_list", "called")

	summaries := s.svc.Sessions().List()
	return nil, map[string]any{"sessions": summaries, "count": len(summaries)}, nil
}

func (s *Server) handleSessionsCreate(ctx context.Context, req *mcp_sdk.CallToolRequest, params SessionsCreateParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_sessions_create", "called")

	sess, err := s.svc.Sessions().Create(params.Name)
	if err != nil {
		return nil, nil, err
	}
	return nil, map[string]any{
		"session_id": sess.ID,
		"name":       sess.Name,
		"created_at": sess.CreatedAt,
	}, nil
}

func (s *Server) handleSessionsDestroy(ctx context.Context, req *mcp_sdk.CallToolRequest, params SessionsDestroyParams) (*mcp_sdk.CallToolResult, any, error) {
	metrics.RecordToolCall("stata_sessions_destroy", "called")

	if err := s.svc.Sessions().Destroy(params.SessionID); err != nil {
		return nil, nil, err
	}
	s.svc.Graphs().Forget(params.SessionID)
	return nil, map[string]string{"status": "destroyed", "session_id": params.SessionID}, nil
}
