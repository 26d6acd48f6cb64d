// Package filter post-processes interpreter output for token-bounded
// consumers and normalizes user input before submission.
package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// BytesPerToken is the rough byte cost of one token for sizing output.
const BytesPerToken = 4

// JoinContinuations joins lines ending with the Stata continuation
// token (///) to the following line, so options like legend(off) are
// not treated as separate commands.
func JoinContinuations(code string) string {
	rawLines := strings.Split(code, "\n")
	joined := make([]string, 0, len(rawLines))
	current := ""

	for _, raw := range rawLines {
		stripped := strings.TrimRight(raw, " \t\r")
		if strings.HasSuffix(stripped, "///") {
			current += strings.TrimRight(stripped[:len(stripped)-3], " \t") + " "
			continue
		}
		current += strings.TrimRight(raw, "\r")
		joined = append(joined, current)
		current = ""
	}
	if current != "" {
		joined = append(joined, current)
	}

	return strings.Join(joined, "\n")
}

var (
	// command echo: ". summarize price"
	echoRe = regexp.MustCompile(`^\. \S`)
	// wrapped echo continuation: "> legend(off)"
	continuationRe = regexp.MustCompile(`^> `)
	// numbered loop-body or program-body echo: "  2. replace x = 1"
	numberedRe = regexp.MustCompile(`^(\s*)(\d+)\.(\s|$)`)
	// loop openers echoed with a trailing brace
	loopOpenRe = regexp.MustCompile(`^\. (foreach|forvalues|forval|while)\b.*\{\s*$`)
	// program / inline-language block openers
	blockOpenRe  = regexp.MustCompile(`^\. (program\s+(define\s+)?\S+|mata:?\s*$|python:?\s*$)`)
	blockCloseRe = regexp.MustCompile(`^(\s*\d+\.\s*)?end\s*$`)
	// cosmetic notes
	cosmeticRe = regexp.MustCompile(`^\(\d[\d,]* (real changes? made|missing values? generated)(, \d[\d,]* to missing)?\)$`)
)

// Options controls compact filtering.
type Options struct {
	// FilterCommandEcho removes ". command" echo lines. Enabled for
	// run_file output (the caller already knows the file contents),
	// disabled for run_selection to preserve command context.
	FilterCommandEcho bool
}

// Compact reduces raw interpreter output, preserving results and
// errors while dropping echoes, loop-body echoes, program definitions,
// cosmetic notes and orphaned numbered lines. Line endings are
// normalized to \n. Compact is idempotent.
func Compact(output string, opts Options) string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	lines := strings.Split(output, "\n")
	kept := make([]string, 0, len(lines))

	inLoop := false
	loopDepth := 0
	inBlock := false

	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")

		if inBlock {
			if blockCloseRe.MatchString(trimmed) {
				inBlock = false
			}
			continue
		}

		if inLoop {
			// numbered echoes are the loop body; values printed inside
			// the loop arrive unnumbered and are kept
			if m := numberedRe.FindStringSubmatch(trimmed); m != nil {
				rest := trimmed[len(m[0]):]
				if strings.HasSuffix(strings.TrimSpace(rest), "{") {
					loopDepth++
				}
				if strings.TrimSpace(rest) == "}" {
					loopDepth--
					if loopDepth <= 0 {
						inLoop = false
					}
				}
				continue
			}
			if strings.TrimSpace(trimmed) == "}" {
				loopDepth--
				if loopDepth <= 0 {
					inLoop = false
				}
				continue
			}
			if trimmed == "" {
				continue
			}
			kept = append(kept, line)
			continue
		}

		switch {
		case loopOpenRe.MatchString(trimmed):
			inLoop = true
			loopDepth = 1
			continue
		case blockOpenRe.MatchString(trimmed):
			inBlock = true
			continue
		case continuationRe.MatchString(trimmed):
			continue
		case echoRe.MatchString(trimmed):
			if opts.FilterCommandEcho {
				continue
			}
			kept = append(kept, line)
			continue
		case trimmed == ".":
			continue
		case cosmeticRe.MatchString(strings.TrimSpace(trimmed)):
			continue
		}

		// orphaned numbered line with no content; numbered lines with
		// content outside a loop are real output (list tables) and stay
		if m := numberedRe.FindStringSubmatch(trimmed); m != nil {
			if strings.TrimSpace(trimmed[len(m[0]):]) == "" {
				continue
			}
		}

		kept = append(kept, line)
	}

	result := strings.Join(kept, "\n")
	// collapse runs of blank lines left behind by removals
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return result
}

// EstimateTokens returns the approximate token count of text.
func EstimateTokens(text string) int {
	return (len(text) + BytesPerToken - 1) / BytesPerToken
}

// ApplyTokenCap enforces maxTokens on text (0 means unlimited). When
// the cap is exceeded the full text is written to a uniquely named
// file beside logPath (or in spillDir when logPath is empty) and the
// returned string is the truncated text plus a marker naming the file.
// The second return is the spill path, empty when no spill occurred.
func ApplyTokenCap(text string, maxTokens int, spillDir, logPath string) (string, string, error) {
	if maxTokens <= 0 {
		return text, "", nil
	}
	limit := maxTokens * BytesPerToken
	if len(text) <= limit {
		return text, "", nil
	}

	dir := spillDir
	if logPath != "" {
		dir = filepath.Dir(logPath)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return text, "", fmt.Errorf("failed to create spill directory: %w", err)
	}

	name := fmt.Sprintf("stata_output_%s.txt", time.Now().Format("20060102_150405.000"))
	spillPath := filepath.Join(dir, name)
	if err := os.WriteFile(spillPath, []byte(text), 0o644); err != nil {
		return text, "", fmt.Errorf("failed to write spill file: %w", err)
	}

	truncated := text[:limit]
	// cut at a line boundary so the marker is not glued mid-line
	if i := strings.LastIndexByte(truncated, '\n'); i > 0 {
		truncated = truncated[:i]
	}
	marker := fmt.Sprintf(
		"\n\n[Output truncated at %d tokens (~%d total). Full output saved to: %s]",
		maxTokens, EstimateTokens(text), spillPath)
	return truncated + marker, spillPath, nil
}

// Process applies display-mode filtering and the token cap in one
// pass, mirroring the order the results pipeline uses.
func Process(output, displayMode string, maxTokens int, spillDir, logPath string, filterEcho bool) (string, string, error) {
	if displayMode == "compact" {
		output = Compact(output, Options{FilterCommandEcho: filterEcho})
	} else {
		output = strings.ReplaceAll(output, "\r\n", "\n")
	}
	return ApplyTokenCap(output, maxTokens, spillDir, logPath)
}
