// Package graphs indexes the PNG files exported during runs and
// resolves client-facing graph names to files on disk.
package graphs

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/metrics"
)

// Registry tracks, per session, the graphs of the most recent run that
// produced any. A run with graphs replaces the previous set wholesale;
// a run without graphs leaves the last set visible.
type Registry struct {
	dir string

	mu        sync.RWMutex
	bySession map[string][]engine.GraphRef
}

// NewRegistry indexes graphs exported under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:       dir,
		bySession: make(map[string][]engine.GraphRef),
	}
}

// Dir returns the export directory.
func (r *Registry) Dir() string {
	return r.dir
}

// RecordRun replaces the session's graph set with refs. Failed runs
// must not be recorded; callers gate on run success.
func (r *Registry) RecordRun(sessionID string, refs []engine.GraphRef) {
	if len(refs) == 0 {
		return
	}
	if sessionID == "" {
		sessionID = "default"
	}

	r.mu.Lock()
	r.bySession[sessionID] = append([]engine.GraphRef(nil), refs...)
	r.mu.Unlock()

	metrics.RecordGraphExport(len(refs))
}

// List returns the session's current graph set in export order.
func (r *Registry) List(sessionID string) []engine.GraphRef {
	if sessionID == "" {
		sessionID = "default"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.GraphRef(nil), r.bySession[sessionID]...)
}

// Forget drops a session's graph entries, e.g. when the session is
// destroyed or restarted.
func (r *Registry) Forget(sessionID string) {
	if sessionID == "" {
		sessionID = "default"
	}
	r.mu.Lock()
	delete(r.bySession, sessionID)
	r.mu.Unlock()
}

// ParseDetectedBlock extracts graph references from run output
// containing a GRAPHS DETECTED block. Streaming consumers use it to
// turn the trailer text back into structured refs.
func ParseDetectedBlock(output string) []engine.GraphRef {
	var refs []engine.GraphRef
	inBlock := false
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "GRAPHS DETECTED:") {
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		m := detectedLineRe.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) != "" && !isSeparator(line) {
				inBlock = false
			}
			continue
		}
		refs = append(refs, engine.GraphRef{
			Name:     strings.TrimSpace(m[1]),
			Path:     strings.TrimSpace(m[2]),
			Sequence: len(refs),
		})
	}
	return refs
}

// DetectedCount parses the graph count out of a GRAPHS DETECTED
// header line, or 0.
func DetectedCount(output string) int {
	m := detectedHeaderRe.FindStringSubmatch(output)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

var (
	detectedLineRe   = regexp.MustCompile(`^\s*•\s+([^:]+):\s+(.+)$`)
	detectedHeaderRe = regexp.MustCompile(`GRAPHS DETECTED:\s*(\d+)`)
)

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && strings.Count(trimmed, "=") == len(trimmed)
}

// Resolve maps a client-supplied graph name to a PNG path inside the
// export directory. The name is URL-decoded, gets .png appended when
// missing, and is rejected if it escapes the export directory.
func (r *Registry) Resolve(rawName string) (string, error) {
	name, err := url.PathUnescape(rawName)
	if err != nil {
		name = rawName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".png") {
		name += ".png"
	}

	full := filepath.Join(r.dir, name)

	// normalize both sides so ../ tricks and symlinked export dirs
	// cannot escape
	absDir, err := filepath.Abs(r.dir)
	if err != nil {
		return "", fmt.Errorf("graphs directory unavailable: %w", err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("invalid graph name %q", rawName)
	}
	if resolved, err := filepath.EvalSymlinks(absDir); err == nil {
		absDir = resolved
	}
	if resolved, err := filepath.EvalSymlinks(absFull); err == nil {
		absFull = resolved
	}
	if absFull != absDir && !strings.HasPrefix(absFull, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("graph name %q escapes the export directory", rawName)
	}

	info, err := os.Stat(absFull)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("graph %q not found", strings.TrimSuffix(name, ".png"))
	}
	return absFull, nil
}
