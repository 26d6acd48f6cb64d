// Package config holds the fixed server configuration record bound to
// CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Log file location modes for .do file logs.
const (
	LogLocationDofile    = "dofile"
	LogLocationParent    = "parent"
	LogLocationWorkspace = "workspace"
	LogLocationExtension = "extension"
	LogLocationCustom    = "custom"
)

// Result display modes.
const (
	DisplayCompact = "compact"
	DisplayFull    = "full"
)

// Config is the complete server configuration. Every field maps to one
// CLI flag; there is no config file.
type Config struct {
	Host      string
	Port      int
	ForcePort bool

	StataPath    string
	StataEdition string // mp, se, be

	LogFile            string
	LogLevel           string
	LogFileLocation    string // dofile, parent, workspace, extension, custom
	CustomLogDirectory string
	WorkspaceRoot      string

	// ExtensionPath is derived from LogFile (its parent, or grandparent
	// when the log sits in a logs/ subdirectory). The graphs directory
	// lives under it.
	ExtensionPath string

	ResultDisplayMode string // compact, full
	MaxOutputTokens   int

	MultiSession   bool
	MaxSessions    int
	SessionTimeout int // seconds
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Host:              "localhost",
		Port:              4000,
		StataEdition:      "mp",
		LogLevel:          "INFO",
		LogFileLocation:   LogLocationExtension,
		ResultDisplayMode: DisplayCompact,
		MaxOutputTokens:   10000,
		MultiSession:      true,
		MaxSessions:       100,
		SessionTimeout:    3600,
	}
}

// Validate checks field constraints and fills derived fields.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	switch c.StataEdition {
	case "mp", "se", "be":
	default:
		return fmt.Errorf("stata-edition must be one of mp, se, be, got %q", c.StataEdition)
	}

	switch c.LogFileLocation {
	case LogLocationDofile, LogLocationParent, LogLocationWorkspace,
		LogLocationExtension, LogLocationCustom:
	default:
		return fmt.Errorf("log-file-location must be one of dofile, parent, workspace, extension, custom, got %q", c.LogFileLocation)
	}
	if c.LogFileLocation == LogLocationCustom && c.CustomLogDirectory == "" {
		return fmt.Errorf("custom-log-directory is required when log-file-location is custom")
	}

	switch c.ResultDisplayMode {
	case DisplayCompact, DisplayFull:
	default:
		return fmt.Errorf("result-display-mode must be compact or full, got %q", c.ResultDisplayMode)
	}

	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max-output-tokens must be >= 0, got %d", c.MaxOutputTokens)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max-sessions must be >= 1, got %d", c.MaxSessions)
	}
	if c.SessionTimeout < 1 {
		return fmt.Errorf("session-timeout must be >= 1, got %d", c.SessionTimeout)
	}

	if c.StataPath == "" {
		c.StataPath = defaultStataPath()
	}

	c.ExtensionPath = deriveExtensionPath(c.LogFile)
	return nil
}

// GraphsDir returns the directory graph images are exported to.
func (c *Config) GraphsDir() string {
	if c.ExtensionPath != "" {
		return filepath.Join(c.ExtensionPath, "graphs")
	}
	return filepath.Join(os.TempDir(), "stata_mcp_graphs")
}

// StataBinary returns the edition-specific interpreter path under
// StataPath.
func (c *Config) StataBinary() string {
	switch runtime.GOOS {
	case "darwin":
		app := map[string]string{
			"mp": "StataMP.app/Contents/MacOS/stata-mp",
			"se": "StataSE.app/Contents/MacOS/stata-se",
			"be": "StataBE.app/Contents/MacOS/stata-be",
		}[c.StataEdition]
		return filepath.Join(c.StataPath, app)
	case "windows":
		exe := map[string]string{
			"mp": "StataMP-64.exe",
			"se": "StataSE-64.exe",
			"be": "StataBE-64.exe",
		}[c.StataEdition]
		return filepath.Join(c.StataPath, exe)
	default:
		return filepath.Join(c.StataPath, "stata-"+c.StataEdition)
	}
}

func defaultStataPath() string {
	if p := os.Getenv("STATA_PATH"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "darwin":
		return "/Applications/Stata"
	case "windows":
		for _, p := range []string{
			`C:\Program Files\Stata18`,
			`C:\Program Files\Stata17`,
			`C:\Program Files\Stata16`,
			`C:\Program Files (x86)\Stata18`,
			`C:\Program Files (x86)\Stata17`,
			`C:\Program Files (x86)\Stata16`,
		} {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
		return `C:\Program Files\Stata18`
	default:
		return "/usr/local/stata"
	}
}

// deriveExtensionPath infers the extension install directory from the
// server log file path. A log in a logs/ subdirectory points one level
// higher.
func deriveExtensionPath(logFile string) string {
	if logFile == "" {
		return ""
	}
	abs, err := filepath.Abs(logFile)
	if err != nil {
		return ""
	}
	dir := filepath.Dir(abs)
	if filepath.Base(dir) == "logs" {
		return filepath.Dir(dir)
	}
	return dir
}
