package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/statacorp/stata-mcp-server/internal/filter"
	"github.com/statacorp/stata-mcp-server/internal/logger"
)

var (
	graphCmdRe  = regexp.MustCompile(`(?i)^(\s*)(scatter|histogram|twoway|kdensity|graph\s+(bar|box|dot|pie|matrix|hbar|hbox|combine))\s+(.*)$`)
	graphNameRe = regexp.MustCompile(`(?i)\bname\s*\(`)
	graphNumRe  = regexp.MustCompile(`(?i)\bname\s*\(\s*graph(\d+)`)
)

// PreprocessDoFile rewrites a .do file into a temp copy with line
// continuations joined and anonymous graph commands auto-named
// name(graphN, replace), skipping numbers already taken. The original
// file is never modified. On any error the original path is returned.
func PreprocessDoFile(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Error pre-processing do file: %v", err)
		return path
	}

	processed := PreprocessCode(string(content))

	tmp, err := os.CreateTemp("", "stata_mcp_*.do")
	if err != nil {
		logger.Error("Error creating temp do file: %v", err)
		return path
	}
	if _, err := tmp.WriteString(processed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		logger.Error("Error writing temp do file: %v", err)
		return path
	}
	tmp.Close()
	return tmp.Name()
}

// PreprocessCode joins continuations and auto-names graph commands in
// a code fragment.
func PreprocessCode(code string) string {
	joined := strings.Split(filter.JoinContinuations(code), "\n")

	// collect existing graphN names so auto-naming never collides
	maxExisting := 0
	for _, line := range joined {
		for _, m := range graphNumRe.FindAllStringSubmatch(line, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxExisting {
				maxExisting = n
			}
		}
	}

	counter := maxExisting
	var out strings.Builder
	for _, line := range joined {
		m := graphCmdRe.FindStringSubmatch(line)
		if m != nil && !graphNameRe.MatchString(m[4]) {
			counter++
			name := fmt.Sprintf("graph%d", counter)
			rest := m[4]
			if idx := strings.Index(rest, ","); idx >= 0 {
				rest = rest[:idx] + fmt.Sprintf(", name(%s, replace)", name) + rest[idx+1:]
			} else {
				rest = strings.TrimRight(rest, " \t") + fmt.Sprintf(", name(%s, replace)", name)
			}
			out.WriteString(m[1] + m[2] + " " + rest + "\n")
			continue
		}
		out.WriteString(line + "\n")
	}

	if counter > maxExisting {
		logger.Info("Pre-processed %d graph commands for auto-naming (starting from graph%d)", counter-maxExisting, maxExisting+1)
	}
	return out.String()
}

// ResolveDoFilePath probes likely locations for a .do file that does
// not exist at the given path. It returns the resolved absolute path,
// or "" plus the list of candidates tried.
func ResolveDoFilePath(path, workspaceRoot string) (string, []string) {
	var candidates []string

	tryPath := func(p string) string {
		abs, err := filepath.Abs(p)
		if err != nil {
			return ""
		}
		candidates = append(candidates, abs)
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			return abs
		}
		return ""
	}

	if resolved := tryPath(path); resolved != "" {
		return resolved, candidates
	}

	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			if resolved := tryPath(filepath.Join(home, path[1:])); resolved != "" {
				return resolved, candidates
			}
		}
	}

	if workspaceRoot != "" && !filepath.IsAbs(path) {
		if resolved := tryPath(filepath.Join(workspaceRoot, path)); resolved != "" {
			return resolved, candidates
		}
	}

	if cwd, err := os.Getwd(); err == nil && !filepath.IsAbs(path) {
		if resolved := tryPath(filepath.Join(cwd, path)); resolved != "" {
			return resolved, candidates
		}
	}

	return "", candidates
}

// WindowsPathHelp is appended to file-not-found results on Windows,
// where backslash escaping in JSON arguments is a recurring trap.
func WindowsPathHelp() string {
	if runtime.GOOS != "windows" {
		return ""
	}
	return "\n\nHint: on Windows, pass paths with forward slashes " +
		`(C:/project/analysis.do) or escaped backslashes ` +
		`(C:\\project\\analysis.do).`
}

// StataPath converts a host path to the forward-slash form Stata
// accepts on every platform inside quoted strings.
func StataPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(filepath.Clean(p)), `\`, "/")
}
