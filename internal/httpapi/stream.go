package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/metrics"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

// sseFrame is one streamed event. Kind is stdout for log lines,
// status for run lifecycle markers, error or done for the final frame.
type sseFrame struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	// done frames carry the run summary instead of text
	Summary *RunResult `json:"summary,omitempty"`
}

func (s *Server) handleRunSelectionStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("selection")
	if code == "" {
		code = q.Get("code")
	}
	timeout, err := parseTimeout(q.Get("timeout"))
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := s.svc.StartSelectionStream(r.Context(), code, RunOptions{
		SessionID:  q.Get("session_id"),
		Timeout:    timeout,
		SkipFilter: boolParam(q.Get("skip_filter")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamRun(w, r, run)
}

func (s *Server) handleRunFileStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeout, err := parseTimeout(q.Get("timeout"))
	if err != nil {
		writeError(w, err)
		return
	}

	run, err := s.svc.StartFileStream(r.Context(), q.Get("file_path"), RunOptions{
		SessionID:  q.Get("session_id"),
		Timeout:    timeout,
		SkipFilter: boolParam(q.Get("skip_filter")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamRun(w, r, run)
}

// streamRun tails the run's log into SSE frames until the result
// arrives or the client goes away. A disconnect stops the tail only;
// the run keeps going on the worker and must be cancelled via
// /stop_execution.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *StreamRun) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, NewError(KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	writeFrame(w, flusher, sseFrame{Kind: "status", Text: "Starting execution..."})

	buf := session.NewLineBuffer(session.DefaultLineBufferSize)
	tailer := session.NewTailer(run.LogPath, buf, 0)
	filter := newStreamFilter(run.Selection)

	ticker := time.NewTicker(session.DefaultTailInterval)
	defer ticker.Stop()

	lastIndex := -1
	emit := func() {
		lines, err := buf.After(lastIndex)
		if err != nil {
			// fell behind the ring buffer; resume from what is left
			lines, _ = buf.After(-1)
		}
		for _, line := range lines {
			lastIndex = line.Index
			if frame, ok := filter.classify(line.Text); ok {
				writeFrame(w, flusher, frame)
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("SSE client disconnected, run continues on worker")
			return

		case <-ticker.C:
			tailer.Poll()
			emit()

		case outcome := <-run.Done:
			tailer.Poll()
			tailer.Flush()
			emit()

			if outcome.Err != nil {
				apiErr := asAPIError(outcome.Err)
				writeFrame(w, flusher, sseFrame{Kind: "error", Text: apiErr.Message})
				return
			}
			rr := outcome.Result
			if rr.Status == string(engine.StatusError) && rr.Error != "" {
				writeFrame(w, flusher, sseFrame{Kind: "error", Text: rr.Error})
			}
			writeFrame(w, flusher, sseFrame{Kind: "done", Summary: rr})
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame sseFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

// streamFilter decides which log lines reach the client and as what
// kind. Selection runs only stream the span between the output
// markers; file runs stream everything inside the run markers.
type streamFilter struct {
	selection bool
	inRun     bool
	inUser    bool
}

func newStreamFilter(selection bool) *streamFilter {
	return &streamFilter{selection: selection, inUser: !selection}
}

func (f *streamFilter) classify(line string) (sseFrame, bool) {
	switch {
	case strings.Contains(line, engine.RunStartedMarker):
		f.inRun = true
		return sseFrame{Kind: "status", Text: "Execution started"}, true
	case strings.Contains(line, engine.RunEndedMarker):
		f.inRun = false
		return sseFrame{Kind: "status", Text: "Execution ended"}, true
	}
	if !f.inRun {
		return sseFrame{}, false
	}

	if f.selection {
		if strings.Contains(line, engine.OutputStartMarker) {
			if !strings.HasPrefix(strings.TrimSpace(line), ".") {
				f.inUser = true
			}
			return sseFrame{}, false
		}
		if strings.Contains(line, engine.OutputEndMarker) {
			if !strings.HasPrefix(strings.TrimSpace(line), ".") {
				f.inUser = false
			}
			return sseFrame{}, false
		}
	}

	if strings.HasPrefix(line, "GRAPHS DETECTED:") {
		return sseFrame{Kind: "status", Text: line}, true
	}
	if isStreamNoise(line) {
		return sseFrame{}, false
	}
	if !f.inUser && !strings.HasPrefix(line, "  •") {
		return sseFrame{}, false
	}
	return sseFrame{Kind: "stdout", Text: line}, true
}

func isStreamNoise(line string) bool {
	return strings.Contains(line, "__STATA_MCP_") ||
		strings.Contains(line, "__mcp_") ||
		strings.Contains(line, "_gr_list")
}
