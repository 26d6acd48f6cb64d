package httpapi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/filter"
	"github.com/statacorp/stata-mcp-server/internal/graphs"
	"github.com/statacorp/stata-mcp-server/internal/history"
	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

// Service orchestrates one execution end to end: dispatch to the
// session worker, filter the output, index graphs, record history.
// Both the HTTP handlers and the MCP tools run through it so the two
// surfaces cannot drift.
type Service struct {
	cfg      *config.Config
	sessions *session.Manager
	graphs   *graphs.Registry
	history  *history.Store // optional
}

// NewService wires the orchestration layer. history may be nil.
func NewService(cfg *config.Config, sessions *session.Manager, registry *graphs.Registry, hist *history.Store) *Service {
	return &Service{cfg: cfg, sessions: sessions, graphs: registry, history: hist}
}

// Sessions exposes the session manager for handlers that act on
// sessions directly.
func (svc *Service) Sessions() *session.Manager { return svc.sessions }

// Graphs exposes the graph registry.
func (svc *Service) Graphs() *graphs.Registry { return svc.graphs }

// History exposes the run-history store, possibly nil.
func (svc *Service) History() *history.Store { return svc.history }

// Config exposes the server configuration.
func (svc *Service) Config() *config.Config { return svc.cfg }

// RunResult is the client-facing outcome of an execution.
type RunResult struct {
	Status          string             `json:"status"`
	Output          string             `json:"output"`
	LogFile         string             `json:"log_file,omitempty"`
	Graphs          []engine.GraphRef  `json:"graphs,omitempty"`
	TruncatedToFile string             `json:"truncated_to_file,omitempty"`
	Error           string             `json:"error,omitempty"`
	ReturnCode      int                `json:"return_code,omitempty"`
	SessionID       string             `json:"session_id"`
	DurationMs      int64              `json:"duration_ms"`
	Data            *engine.DataSnapshot `json:"-"`
}

// RunOptions are the knobs shared by selection and file runs.
type RunOptions struct {
	SessionID  string
	Timeout    time.Duration
	SkipFilter bool
}

// RunSelection executes a code fragment on the session's worker.
func (svc *Service) RunSelection(ctx context.Context, code string, opts RunOptions) (*RunResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, NewError(KindBadRequest, "selection is required")
	}

	logPath := engine.LogFilePath(svc.cfg, "", "stata_selection", opts.SessionID)
	req := &engine.Request{
		Kind:    engine.RequestRunSelection,
		Code:    code,
		Timeout: opts.Timeout,
		LogPath: logPath,
	}
	return svc.dispatch(ctx, req, opts, code)
}

// RunFile executes a .do file. The path is resolved against the
// workspace root before dispatch so the log lands next to the real
// file under dofile/parent log policies.
func (svc *Service) RunFile(ctx context.Context, filePath string, opts RunOptions) (*RunResult, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, NewError(KindBadRequest, "file_path is required")
	}

	resolved, candidates := engine.ResolveDoFilePath(filePath, svc.cfg.WorkspaceRoot)
	if resolved == "" {
		// engine-level failure, not an HTTP one: the client gets a
		// normal error result it can show verbatim
		msg := "File not found: " + filePath + " (tried: " + strings.Join(candidates, ", ") + ")" + engine.WindowsPathHelp()
		return &RunResult{Status: string(engine.StatusError), Error: msg, Output: msg, SessionID: svc.resolveSessionID(opts.SessionID)}, nil
	}

	base := strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
	logPath := engine.LogFilePath(svc.cfg, resolved, base, opts.SessionID)
	req := &engine.Request{
		Kind:     engine.RequestRunFile,
		FilePath: resolved,
		Timeout:  opts.Timeout,
		LogPath:  logPath,
	}
	return svc.dispatch(ctx, req, opts, resolved)
}

func (svc *Service) dispatch(ctx context.Context, req *engine.Request, opts RunOptions, source string) (*RunResult, error) {
	start := time.Now()
	res, err := svc.sessions.Dispatch(opts.SessionID, req)
	if err != nil {
		return nil, asAPIError(err)
	}

	sessionID := svc.resolveSessionID(opts.SessionID)
	out := &RunResult{
		Status:     string(res.Status),
		LogFile:    res.LogPath,
		Error:      res.Error,
		ReturnCode: res.ReturnCode,
		SessionID:  sessionID,
		DurationMs: time.Since(start).Milliseconds(),
	}

	out.Output, out.TruncatedToFile = svc.filterOutput(res.Output, res.LogPath, opts.SkipFilter)

	if res.Status == engine.StatusSuccess {
		svc.graphs.RecordRun(sessionID, res.Graphs)
		out.Graphs = res.Graphs
	}

	logger.InfoContext(ctx, "run completed",
		"session_id", sessionID, "kind", string(req.Kind),
		"status", string(res.Status), "duration_ms", out.DurationMs)

	if svc.history != nil {
		svc.history.Record(ctx, history.Run{
			SessionID:  sessionID,
			Kind:       string(req.Kind),
			Source:     source,
			Status:     string(res.Status),
			StartedAt:  start,
			DurationMs: out.DurationMs,
			GraphCount: len(res.Graphs),
		})
	}
	return out, nil
}

// filterOutput applies the display-mode filter and the token cap.
// skipFilter bypasses compaction but never the cap; unbounded output
// is an operator setting, not a per-request one.
func (svc *Service) filterOutput(output, logPath string, skipFilter bool) (string, string) {
	mode := svc.cfg.ResultDisplayMode
	if skipFilter {
		mode = config.DisplayFull
	}
	filtered, spill, err := filter.Process(output, mode, svc.cfg.MaxOutputTokens, svc.cfg.ExtensionPath, logPath, mode == config.DisplayCompact)
	if err != nil {
		// spill failure falls back to the unfiltered-but-capped text
		return filtered, ""
	}
	return filtered, spill
}

// ViewData snapshots the session's in-memory dataset.
func (svc *Service) ViewData(ctx context.Context, sessionID, ifCondition string, maxRows int) (*engine.Result, error) {
	req := &engine.Request{
		Kind:        engine.RequestViewData,
		IfCondition: ifCondition,
		MaxRows:     maxRows,
	}
	res, err := svc.sessions.Dispatch(sessionID, req)
	if err != nil {
		return nil, asAPIError(err)
	}
	return res, nil
}

// Stop sends a break to the session's active run. The returned status
// is one of stopped, stop_requested, no_execution.
func (svc *Service) Stop(sessionID string) (string, error) {
	stopped, err := svc.sessions.Break(sessionID)
	if err != nil {
		return "", asAPIError(err)
	}
	if !stopped {
		return "no_execution", nil
	}

	// the break is cooperative; report stopped only when the worker is
	// already back to ready
	if s, err := svc.sessions.Get(sessionID); err == nil && !s.Busy() {
		return "stopped", nil
	}
	return "stop_requested", nil
}

// Restart wipes a session's interpreter state and clears its graphs.
func (svc *Service) Restart(sessionID string) error {
	if err := svc.sessions.Restart(sessionID); err != nil {
		return asAPIError(err)
	}
	svc.graphs.Forget(svc.resolveSessionID(sessionID))
	return nil
}

// StreamRun is an execution started for an SSE consumer: the log to
// tail plus a channel that delivers the final outcome.
type StreamRun struct {
	LogPath   string
	Selection bool
	Done      <-chan StreamOutcome
}

// StreamOutcome carries either the run result or a dispatch error.
type StreamOutcome struct {
	Result *RunResult
	Err    error
}

// StartSelectionStream begins a selection run for streaming. The log
// is truncated up front so the tail never replays a previous run.
func (svc *Service) StartSelectionStream(ctx context.Context, code string, opts RunOptions) (*StreamRun, error) {
	if strings.TrimSpace(code) == "" {
		return nil, NewError(KindBadRequest, "selection is required")
	}
	if err := svc.checkDispatchable(opts.SessionID); err != nil {
		return nil, err
	}

	logPath := engine.LogFilePath(svc.cfg, "", "stata_selection", opts.SessionID)
	truncateLog(logPath)

	done := make(chan StreamOutcome, 1)
	go func() {
		req := &engine.Request{
			Kind:    engine.RequestRunSelection,
			Code:    code,
			Timeout: opts.Timeout,
			LogPath: logPath,
		}
		rr, err := svc.dispatch(ctx, req, opts, code)
		done <- StreamOutcome{Result: rr, Err: err}
	}()
	return &StreamRun{LogPath: logPath, Selection: true, Done: done}, nil
}

// StartFileStream begins a do-file run for streaming.
func (svc *Service) StartFileStream(ctx context.Context, filePath string, opts RunOptions) (*StreamRun, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, NewError(KindBadRequest, "file_path is required")
	}
	if err := svc.checkDispatchable(opts.SessionID); err != nil {
		return nil, err
	}

	resolved, candidates := engine.ResolveDoFilePath(filePath, svc.cfg.WorkspaceRoot)
	if resolved == "" {
		return nil, NewError(KindBadRequest, "File not found: %s (tried: %s)%s",
			filePath, strings.Join(candidates, ", "), engine.WindowsPathHelp())
	}

	base := strings.TrimSuffix(filepath.Base(resolved), filepath.Ext(resolved))
	logPath := engine.LogFilePath(svc.cfg, resolved, base, opts.SessionID)
	truncateLog(logPath)

	done := make(chan StreamOutcome, 1)
	go func() {
		req := &engine.Request{
			Kind:     engine.RequestRunFile,
			FilePath: resolved,
			Timeout:  opts.Timeout,
			LogPath:  logPath,
		}
		rr, err := svc.dispatch(ctx, req, opts, resolved)
		done <- StreamOutcome{Result: rr, Err: err}
	}()
	return &StreamRun{LogPath: logPath, Done: done}, nil
}

// checkDispatchable rejects a stream before SSE headers go out when
// the session obviously cannot take the run.
func (svc *Service) checkDispatchable(sessionID string) error {
	s, err := svc.sessions.Get(sessionID)
	if err != nil {
		return asAPIError(err)
	}
	if s.Busy() {
		return asAPIError(session.ErrBusy)
	}
	if st := s.Engine().State(); st == engine.StateDead || st == engine.StateTerminating {
		return asAPIError(session.ErrWorkerDead)
	}
	return nil
}

func truncateLog(path string) {
	_ = os.WriteFile(path, nil, 0o644)
}

// resolveSessionID normalizes the id the same way the manager does so
// responses always name the session that actually ran.
func (svc *Service) resolveSessionID(id string) string {
	if s, err := svc.sessions.Get(id); err == nil {
		return s.ID
	}
	if id == "" {
		return session.DefaultSessionID
	}
	return id
}
