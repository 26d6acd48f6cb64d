package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/statacorp/stata-mcp-server/internal/httpapi"
)

func TestSSETransportHandshake(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.SSEHandler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	// the stream must open with the endpoint event naming the URL the
	// client POSTs its messages to
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event: endpoint") {
		t.Fatalf("first event = %q, want endpoint", line)
	}
}

func TestUnifiedToolEndpointUsesRegistry(t *testing.T) {
	srv, _ := newTestServer(t)

	api := httpapi.NewServer(srv.svc, "0.1.0-test")
	api.MountTools(srv.Registry())
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	for _, tool := range []string{"stata_run_selection", "run_selection"} {
		payload, _ := json.Marshal(map[string]any{
			"tool":      tool,
			"arguments": map[string]any{"selection": "display 42"},
		})
		resp, err := http.Post(ts.URL+"/v1/tools", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK || body["status"] != "success" {
			t.Fatalf("%s = %d %v", tool, resp.StatusCode, body)
		}
		result, ok := body["result"].(map[string]any)
		if !ok || result["status"] != "success" || result["output"] != "42" {
			t.Errorf("%s result = %v", tool, body["result"])
		}
	}

	payload, _ := json.Marshal(map[string]any{"tool": "no_such_tool"})
	resp, err := http.Post(ts.URL+"/v1/tools", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown tool status = %d, want 400", resp.StatusCode)
	}
}
