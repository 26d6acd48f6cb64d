package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/logger"
)

type runSelectionRequest struct {
	Selection  string `json:"selection"`
	Code       string `json:"code"` // accepted as an alias for selection
	SessionID  string `json:"session_id"`
	Timeout    int    `json:"timeout"` // seconds
	SkipFilter bool   `json:"skip_filter"`
}

func (req *runSelectionRequest) code() string {
	if req.Selection != "" {
		return req.Selection
	}
	return req.Code
}

func (s *Server) handleRunSelection(w http.ResponseWriter, r *http.Request) {
	var req runSelectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rr, err := s.svc.RunSelection(r.Context(), req.code(), RunOptions{
		SessionID:  req.SessionID,
		Timeout:    time.Duration(req.Timeout) * time.Second,
		SkipFilter: req.SkipFilter,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeRunResult(w, rr)
}

func (s *Server) handleRunFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeout, err := parseTimeout(q.Get("timeout"))
	if err != nil {
		writeError(w, err)
		return
	}

	rr, err := s.svc.RunFile(r.Context(), q.Get("file_path"), RunOptions{
		SessionID:  q.Get("session_id"),
		Timeout:    timeout,
		SkipFilter: boolParam(q.Get("skip_filter")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeRunResult(w, rr)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	status, err := s.svc.Stop(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions().Get(r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"state":      sess.Engine().State(),
		"session_id": sess.ID,
	}
	if run := sess.CurrentRun(); run != nil {
		resp["elapsed_ms"] = time.Since(run.StartedAt).Milliseconds()
		resp["kind"] = run.Kind
		if run.LogPath != "" {
			resp["log_file"] = run.LogPath
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViewData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxRows := 0
	if raw := q.Get("max_rows"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, NewError(KindBadRequest, "max_rows must be a non-negative integer"))
			return
		}
		maxRows = n
	}

	res, err := s.svc.ViewData(r.Context(), q.Get("session_id"), q.Get("if_condition"), maxRows)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Status != engine.StatusSuccess {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": res.Error})
		return
	}

	d := res.Data
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"columns":        d.Columns,
		"data":           d.Rows,
		"dtypes":         d.Dtypes,
		"index":          d.Index,
		"rows":           d.DisplayedRows,
		"total_rows":     d.TotalRows,
		"displayed_rows": d.DisplayedRows,
		"max_rows":       d.MaxRows,
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	path, err := s.svc.Graphs().Resolve(r.PathValue("name"))
	if err != nil {
		writeError(w, NewError(KindSessionNotFound, "%v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := engine.Health{State: engine.StateDead}
	if sess, err := s.svc.Sessions().Get(""); err == nil {
		health = sess.Engine().Health()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               health.EngineAvailable,
		"engine_available": health.EngineAvailable,
		"version":          s.version,
		"engine_version":   health.Version,
		"engine_edition":   health.Edition,
		"state":            health.State,
		"sessions":         s.svc.Sessions().Count(),
	})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.svc.Sessions().Create(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "created",
		"session_id": sess.ID,
		"name":       sess.Name,
		"created_at": sess.CreatedAt,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	summaries := s.svc.Sessions().List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries,
		"count":    len(summaries),
	})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	summary := sess.ToSummary()
	writeJSON(w, http.StatusOK, map[string]any{
		"session": summary,
		"graphs":  s.svc.Graphs().List(sess.ID),
	})
}

func (s *Server) handleSessionDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Sessions().Destroy(id); err != nil {
		writeError(w, err)
		return
	}
	s.svc.Graphs().Forget(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "session_id": id})
}

// handleSessionStop is the path-addressed variant of /stop_execution.
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.svc.Stop(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "session_id": id})
}

// handleSessionRestart restarts by body session_id, falling back to
// the default session so older single-session clients keep working.
func (s *Server) handleSessionRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.svc.Restart(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist := s.svc.History()
	if hist == nil {
		writeError(w, NewError(KindBadRequest, "run history is not enabled"))
		return
	}

	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	var err error
	var runs any
	if sid := q.Get("session_id"); sid != "" {
		runs, err = hist.BySession(r.Context(), sid, limit)
	} else {
		runs, err = hist.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	hist := s.svc.History()
	if hist == nil {
		writeError(w, NewError(KindBadRequest, "run history is not enabled"))
		return
	}

	n, err := hist.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("Run history cleared (%d entries)", n)
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "deleted": n})
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, NewError(KindBadRequest, "timeout must be a non-negative integer of seconds")
	}
	return time.Duration(secs) * time.Second, nil
}

func boolParam(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
