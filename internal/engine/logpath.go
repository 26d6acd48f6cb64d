package engine

import (
	"os"
	"path/filepath"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/logger"
)

// LogFilePath decides where the run log for a .do file goes, honoring
// the --log-file-location policy with fallbacks when the chosen
// directory is unusable. sessionID, when set, is suffixed into the
// filename so parallel sessions never contend for one log.
func LogFilePath(cfg *config.Config, doFilePath, baseName, sessionID string) string {
	name := baseName
	if sessionID != "" {
		name += "_" + sessionID
	}
	name += ".log"

	dir := logDirFor(cfg, doFilePath)
	if !dirWritable(dir) {
		fallback := filepath.Join(os.TempDir(), "stata_mcp_logs")
		logger.Warn("Log directory %s not writable, falling back to %s", dir, fallback)
		dir = fallback
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name)
}

func logDirFor(cfg *config.Config, doFilePath string) string {
	switch cfg.LogFileLocation {
	case config.LogLocationDofile:
		if doFilePath != "" {
			return filepath.Dir(doFilePath)
		}
	case config.LogLocationParent:
		if doFilePath != "" {
			return filepath.Dir(filepath.Dir(doFilePath))
		}
	case config.LogLocationWorkspace:
		if cfg.WorkspaceRoot != "" {
			return cfg.WorkspaceRoot
		}
	case config.LogLocationCustom:
		if cfg.CustomLogDirectory != "" {
			return cfg.CustomLogDirectory
		}
	}
	// extension mode, and the fallback for every mode whose input is
	// missing
	if cfg.ExtensionPath != "" {
		return filepath.Join(cfg.ExtensionPath, "logs")
	}
	return filepath.Join(os.TempDir(), "stata_mcp_logs")
}

func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_probe_*")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}
