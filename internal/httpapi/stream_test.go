package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/engine"
)

// collectFrames reads a full SSE response body into decoded frames.
func collectFrames(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	defer resp.Body.Close()

	var frames []sseFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame sseFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return frames
}

func TestStreamSelectionFrames(t *testing.T) {
	env := newTestEnv(t)
	env.engines["default"].submit = func(req *engine.Request) *engine.Result {
		log := strings.Join([]string{
			engine.RunStartedMarker + " at 12:00:00",
			". display \"__STATA_MCP_OUTPUT_START__\"",
			engine.OutputStartMarker,
			"hello stream",
			"line two",
			engine.OutputEndMarker,
			engine.RunEndedMarker + " at 12:00:01",
			"",
		}, "\n")
		if err := os.WriteFile(req.LogPath, []byte(log), 0o644); err != nil {
			t.Error(err)
		}
		return &engine.Result{Status: engine.StatusSuccess, Output: "hello stream\nline two", LogPath: req.LogPath}
	}

	resp, err := http.Get(env.ts.URL + "/run_selection/stream?selection=display+1")
	if err != nil {
		t.Fatal(err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	frames := collectFrames(t, resp)
	if len(frames) < 4 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Kind != "status" {
		t.Errorf("first frame = %+v", frames[0])
	}

	var stdout []string
	for _, f := range frames {
		if f.Kind == "stdout" {
			stdout = append(stdout, f.Text)
		}
	}
	if len(stdout) != 2 || stdout[0] != "hello stream" || stdout[1] != "line two" {
		t.Errorf("stdout frames = %v", stdout)
	}

	last := frames[len(frames)-1]
	if last.Kind != "done" || last.Summary == nil {
		t.Fatalf("last frame = %+v", last)
	}
	if last.Summary.Status != "success" {
		t.Errorf("summary = %+v", last.Summary)
	}
}

func TestStreamEngineErrorEmitsErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	env.engines["default"].submit = func(req *engine.Request) *engine.Result {
		log := strings.Join([]string{
			engine.RunStartedMarker,
			engine.RunEndedMarker,
			"",
		}, "\n")
		os.WriteFile(req.LogPath, []byte(log), 0o644)
		return &engine.Result{Status: engine.StatusError, Error: "no; r(199);", ReturnCode: 199, LogPath: req.LogPath}
	}

	resp, err := http.Get(env.ts.URL + "/run_selection/stream?selection=no")
	if err != nil {
		t.Fatal(err)
	}
	frames := collectFrames(t, resp)

	var kinds []string
	for _, f := range frames {
		kinds = append(kinds, f.Kind)
	}
	if kinds[len(kinds)-1] != "done" || kinds[len(kinds)-2] != "error" {
		t.Errorf("kinds = %v", kinds)
	}
	if frames[len(frames)-1].Summary.Status != "error" {
		t.Errorf("summary = %+v", frames[len(frames)-1].Summary)
	}
}

func TestStreamRejectsBusySessionBeforeHeaders(t *testing.T) {
	env := newTestEnv(t)
	env.engines["default"].delay = 400 * time.Millisecond

	go http.Get(env.ts.URL + "/run_selection/stream?selection=display+1")

	sess, _ := env.svc.Sessions().Get("")
	deadline := time.Now().Add(2 * time.Second)
	for !sess.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("session never went busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(env.ts.URL + "/run_selection/stream?selection=display+2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if m := decodeMap(t, resp); m["code"] != KindSessionBusy {
		t.Errorf("body = %v", m)
	}
}

func TestStreamFileMissingIs400(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/run_file/stream?file_path=/no/such.do")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
