package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Separator width of the GRAPHS DETECTED block in run logs.
const graphBlockSeparator = "============================================================"

var (
	userLogCmdRe = regexp.MustCompile(`(?i)^\s*(cap(ture)?\s+)?log\s+(using|close|off|on)\b`)
	clsCmdRe     = regexp.MustCompile(`(?i)^\s*cls\s*$`)
)

// sanitizeUserCode comments out user log management and screen-clear
// commands that would fight the driver's own log handling.
func sanitizeUserCode(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if userLogCmdRe.MatchString(line) || clsCmdRe.MatchString(line) {
			lines[i] = "* COMMENTED OUT BY MCP: " + line
		}
	}
	return strings.Join(lines, "\n")
}

// driverOptions parameterizes run-driver generation.
type driverOptions struct {
	UserDoPath  string // preprocessed user .do file, forward slashes
	LogPath     string
	WorkingDir  string
	GraphsDir   string
	EmitMarkers bool // wrap user output in selection stream markers
}

// buildRunDriver generates the wrapper .do that every run executes:
// open the session log, reset graph tracking, run the user file, then
// export any new graphs and print the GRAPHS DETECTED block before
// closing the log. The wrapper always runs to completion so the log is
// closed even when the user code errors; the return code is parked in
// a global the worker reads back over stdout.
func buildRunDriver(opts driverOptions) string {
	var b strings.Builder

	b.WriteString("capture log close _all\n")
	fmt.Fprintf(&b, "log using \"%s\", replace text\n", StataPath(opts.LogPath))
	fmt.Fprintf(&b, "display \"%s: $S_DATE $S_TIME ***\"\n", RunStartedMarker)

	if opts.WorkingDir != "" {
		fmt.Fprintf(&b, "capture cd \"%s\"\n", StataPath(opts.WorkingDir))
	}

	// reset the interpreter's graph list so only this run's graphs are
	// enumerated afterwards
	b.WriteString("capture quietly _gr_list off\n")
	b.WriteString("capture quietly _gr_list on\n")

	if opts.EmitMarkers {
		fmt.Fprintf(&b, "display \"%s\"\n", OutputStartMarker)
	}
	fmt.Fprintf(&b, "capture noisily do \"%s\"\n", StataPath(opts.UserDoPath))
	b.WriteString("global __mcp_rc = _rc\n")
	if opts.EmitMarkers {
		fmt.Fprintf(&b, "display \"%s\"\n", OutputEndMarker)
	}

	writeGraphEpilogue(&b, opts.GraphsDir)

	fmt.Fprintf(&b, "display \"%s: $S_DATE $S_TIME ***\"\n", RunEndedMarker)
	b.WriteString("capture log close _all\n")
	return b.String()
}

// writeGraphEpilogue emits the in-interpreter graph export pass: list
// graphs created since the reset, export each as PNG, and print the
// block the indexer and clients parse.
func writeGraphEpilogue(b *strings.Builder, graphsDir string) {
	dir := StataPath(graphsDir)
	b.WriteString("capture quietly _gr_list list\n")
	b.WriteString("local __mcp_graphs `r(_grlist)'\n")
	b.WriteString("local __mcp_n : word count `__mcp_graphs'\n")
	b.WriteString("if `__mcp_n' > 0 {\n")
	b.WriteString("    display \"\"\n")
	fmt.Fprintf(b, "    display \"%s\"\n", graphBlockSeparator)
	b.WriteString("    display \"GRAPHS DETECTED: `__mcp_n' graph(s) created\"\n")
	fmt.Fprintf(b, "    display \"%s\"\n", graphBlockSeparator)
	b.WriteString("    foreach __mcp_g of local __mcp_graphs {\n")
	b.WriteString("        capture quietly graph display `__mcp_g'\n")
	fmt.Fprintf(b, "        capture quietly graph export \"%s/`__mcp_g'.png\", name(`__mcp_g') replace width(800) height(600)\n", dir)
	fmt.Fprintf(b, "        display `\"  • `__mcp_g': %s/`__mcp_g'.png\"'\n", dir)
	b.WriteString("    }\n")
	b.WriteString("}\n")
}

// ViewData in-log markers the worker parses back.
const (
	viewDataErrMarker   = "__MCP_VIEWDATA_ERR__"
	viewDataTotalMarker = "__MCP_VIEWDATA_TOTAL__"
	viewDataShownMarker = "__MCP_VIEWDATA_SHOWN__"
)

// buildViewDataDriver generates the snapshot script: preserve, tag
// original observation numbers, push the if-predicate down to the
// interpreter, cap rows, export CSV, restore.
func buildViewDataDriver(logPath, csvPath, ifCondition string, maxRows int) string {
	var b strings.Builder

	b.WriteString("capture log close _all\n")
	fmt.Fprintf(&b, "log using \"%s\", replace text\n", StataPath(logPath))
	b.WriteString("preserve\n")
	b.WriteString("capture quietly gen long __mcp_obs = _n - 1\n")
	if ifCondition != "" {
		fmt.Fprintf(&b, "capture quietly keep if %s\n", ifCondition)
		b.WriteString("if _rc != 0 {\n")
		fmt.Fprintf(&b, "    display \"%s \" _rc\n", viewDataErrMarker)
		b.WriteString("    restore\n")
		b.WriteString("    capture log close _all\n")
		b.WriteString("    exit\n")
		b.WriteString("}\n")
	}
	fmt.Fprintf(&b, "display \"%s \" _N\n", viewDataTotalMarker)
	fmt.Fprintf(&b, "if _N > %d {\n", maxRows)
	fmt.Fprintf(&b, "    quietly keep in 1/%d\n", maxRows)
	b.WriteString("}\n")
	fmt.Fprintf(&b, "display \"%s \" _N\n", viewDataShownMarker)
	fmt.Fprintf(&b, "capture quietly export delimited using \"%s\", replace\n", StataPath(csvPath))
	b.WriteString("restore\n")
	b.WriteString("capture log close _all\n")
	return b.String()
}

// buildRestartScript is the soft reset issued on session restart in
// single-session mode. clear all resets `set more on`, which would
// deadlock the interpreter on long output, so more is forced back off.
func buildRestartScript() string {
	return strings.Join([]string{
		"capture log close _all",
		"capture clear all",
		"capture graph drop _all",
		"capture set more off",
		"set more off",
	}, "\n") + "\n"
}
