package engine

import (
	"strings"
	"testing"
)

func TestSanitizeUserCode(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		commented bool
	}{
		{"log using", `log using "mine.log", replace`, true},
		{"log close", "log close", true},
		{"capture log close", "capture log close _all", true},
		{"cap log off", "cap log off", true},
		{"cls", "cls", true},
		{"display with log function", "display log(10)", false},
		{"ordinary command", "summarize price", false},
		{"logit is not log", "logit foreign price", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeUserCode(tt.line)
			commented := strings.HasPrefix(got, "* COMMENTED OUT BY MCP: ")
			if commented != tt.commented {
				t.Errorf("sanitizeUserCode(%q) = %q, commented = %v, want %v", tt.line, got, commented, tt.commented)
			}
		})
	}
}

func TestBuildRunDriver(t *testing.T) {
	driver := buildRunDriver(driverOptions{
		UserDoPath:  "/tmp/user.do",
		LogPath:     "/tmp/session.log",
		WorkingDir:  "/tmp/work",
		GraphsDir:   "/tmp/graphs",
		EmitMarkers: true,
	})

	for _, want := range []string{
		`log using "/tmp/session.log", replace text`,
		RunStartedMarker,
		`capture cd "/tmp/work"`,
		"capture quietly _gr_list off",
		OutputStartMarker,
		`capture noisily do "/tmp/user.do"`,
		"global __mcp_rc = _rc",
		OutputEndMarker,
		"GRAPHS DETECTED:",
		`graph export "/tmp/graphs/`,
		RunEndedMarker,
	} {
		if !strings.Contains(driver, want) {
			t.Errorf("driver missing %q:\n%s", want, driver)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(driver), "capture log close _all") {
		t.Error("driver must close the log last")
	}
}

func TestBuildRunDriverWithoutMarkers(t *testing.T) {
	driver := buildRunDriver(driverOptions{
		UserDoPath: "/tmp/user.do",
		LogPath:    "/tmp/session.log",
		GraphsDir:  "/tmp/graphs",
	})
	if strings.Contains(driver, OutputStartMarker) {
		t.Error("file runs must not emit selection markers")
	}
	if strings.Contains(driver, "capture cd") {
		t.Error("no cd without a working directory")
	}
}

func TestBuildViewDataDriver(t *testing.T) {
	driver := buildViewDataDriver("/tmp/v.log", "/tmp/v.csv", "price > 5000", 250)

	for _, want := range []string{
		"preserve",
		"gen long __mcp_obs = _n - 1",
		"capture quietly keep if price > 5000",
		viewDataErrMarker,
		viewDataTotalMarker,
		"quietly keep in 1/250",
		viewDataShownMarker,
		`export delimited using "/tmp/v.csv"`,
		"restore",
	} {
		if !strings.Contains(driver, want) {
			t.Errorf("driver missing %q:\n%s", want, driver)
		}
	}
}

func TestBuildViewDataDriverNoCondition(t *testing.T) {
	driver := buildViewDataDriver("/tmp/v.log", "/tmp/v.csv", "", 100)
	if strings.Contains(driver, "keep if") {
		t.Error("unconditional snapshot must not filter")
	}
	if strings.Contains(driver, viewDataErrMarker) {
		t.Error("no condition means no error branch")
	}
}

func TestBuildRestartScriptKeepsMoreOff(t *testing.T) {
	script := buildRestartScript()
	if !strings.Contains(script, "clear all") {
		t.Error("restart must clear interpreter state")
	}
	// clear all re-enables pagination, which stalls a piped interpreter
	if !strings.HasSuffix(strings.TrimSpace(script), "set more off") {
		t.Errorf("restart script must end with set more off:\n%s", script)
	}
}
