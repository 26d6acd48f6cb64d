package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/graphs"
	"github.com/statacorp/stata-mcp-server/internal/httpapi"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

type fakeEngine struct {
	submit func(*engine.Request) *engine.Result
}

func (e *fakeEngine) Submit(req *engine.Request) *engine.Result {
	if e.submit != nil {
		return e.submit(req)
	}
	return &engine.Result{Status: engine.StatusSuccess, Output: "42", LogPath: req.LogPath}
}
func (e *fakeEngine) Break() bool         { return false }
func (e *fakeEngine) Restart() error      { return nil }
func (e *fakeEngine) Close()              {}
func (e *fakeEngine) State() engine.State { return engine.StateReady }
func (e *fakeEngine) Health() engine.Health {
	return engine.Health{EngineAvailable: true, Version: "18.5", State: engine.StateReady}
}

func newTestServer(t *testing.T) (*Server, map[string]*fakeEngine) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.StataPath = "/fake"
	cfg.ExtensionPath = dir
	cfg.WorkspaceRoot = dir

	engines := make(map[string]*fakeEngine)
	mgr, err := session.NewManager(cfg, func(id string) (session.Engine, error) {
		e := &fakeEngine{}
		engines[id] = e
		return e, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Shutdown)

	registry := graphs.NewRegistry(filepath.Join(dir, "graphs"))
	svc := httpapi.NewService(cfg, mgr, registry, nil)
	return NewServer(svc, "0.1.0-test"), engines
}

func TestToolRunSelection(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.Registry().CallTool(context.Background(), "stata_run_selection",
		json.RawMessage(`{"selection":"display 42"}`))
	if err != nil {
		t.Fatal(err)
	}
	rr := res.(*httpapi.RunResult)
	if rr.Status != "success" || rr.Output != "42" {
		t.Errorf("result = %+v", rr)
	}
}

func TestToolRunSelectionEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	if _, err := srv.Registry().CallTool(context.Background(), "stata_run_selection",
		json.RawMessage(`{"selection":""}`)); err == nil {
		t.Error("expected error for empty selection")
	}
}

func TestToolViewDataError(t *testing.T) {
	srv, engines := newTestServer(t)
	engines[session.DefaultSessionID].submit = func(req *engine.Request) *engine.Result {
		return &engine.Result{Status: engine.StatusError, Error: "no variables defined"}
	}

	if _, err := srv.Registry().CallTool(context.Background(), "stata_view_data", nil); err == nil {
		t.Error("expected error when snapshot fails")
	}
}

func TestToolSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	res, err := srv.Registry().CallTool(ctx, "stata_sessions_create", json.RawMessage(`{"name":"scratch"}`))
	if err != nil {
		t.Fatal(err)
	}
	id := res.(map[string]any)["session_id"].(string)

	res, err = srv.Registry().CallTool(ctx, "stata_sessions_list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if count := res.(map[string]any)["count"].(int); count != 2 {
		t.Errorf("count = %d", count)
	}

	if _, err := srv.Registry().CallTool(ctx, "stata_sessions_destroy",
		json.RawMessage(`{"session_id":"`+id+`"}`)); err != nil {
		t.Fatal(err)
	}

	if _, err := srv.Registry().CallTool(ctx, "stata_sessions_destroy",
		json.RawMessage(`{"session_id":"default"}`)); err == nil {
		t.Error("default session must not be destroyable")
	}
}

func TestAllToolsRegistered(t *testing.T) {
	srv, _ := newTestServer(t)

	want := []string{
		"stata_run_selection",
		"stata_run_file",
		"stata_view_data",
		"stata_sessions_list",
		"stata_sessions_create",
		"stata_sessions_destroy",
	}
	tools := srv.Registry().GetAllTools()
	if len(tools) != len(want) {
		t.Fatalf("tool count = %d", len(tools))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tools[%d] = %q, want %q", i, tools[i].Name, name)
		}
		if tools[i].InputSchema == nil {
			t.Errorf("%s has no input schema", name)
		}
	}
}
