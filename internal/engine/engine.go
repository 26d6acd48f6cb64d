// Package engine drives one Stata interpreter subprocess per worker.
// All interpreter access is serialized through the worker's request
// loop; cancellation is cooperative via the interpreter's break hook.
package engine

import "time"

// State is the worker lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateTerminating  State = "terminating"
	StateDead         State = "dead"
)

// RequestKind tags the request union.
type RequestKind string

const (
	RequestRunSelection RequestKind = "run_selection"
	RequestRunFile      RequestKind = "run_file"
	RequestViewData     RequestKind = "view_data"
	RequestIntrospect   RequestKind = "introspect"
)

// Request is a unit of work submitted to a worker. Break and Restart
// are not Requests: they are out-of-band signals (Break) or lifecycle
// transitions (Restart) and never queue behind a run.
type Request struct {
	Kind RequestKind

	// RunSelection
	Code string

	// RunFile
	FilePath string

	// Common run fields
	WorkingDir string
	Timeout    time.Duration
	SkipFilter bool
	LogPath    string // per-run log override; empty means the session log

	// ViewData
	IfCondition string
	MaxRows     int
}

// Status classifies a completed run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// GraphRef points at one exported graph image.
type GraphRef struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  int       `json:"sequence"`
}

// Result is the outcome of a submitted request.
type Result struct {
	Status          Status     `json:"status"`
	Output          string     `json:"output"`
	LogPath         string     `json:"log_path,omitempty"`
	Graphs          []GraphRef `json:"graphs,omitempty"`
	TruncatedToFile string     `json:"truncated_to_file,omitempty"`
	Error           string     `json:"error,omitempty"`
	ReturnCode      int        `json:"return_code,omitempty"`

	// ViewData payload
	Data *DataSnapshot `json:"data,omitempty"`
}

// DataSnapshot is a column-major view of the in-memory dataset.
type DataSnapshot struct {
	Columns       []string          `json:"columns"`
	Rows          [][]any           `json:"data"`
	Dtypes        map[string]string `json:"dtypes"`
	TotalRows     int               `json:"total_rows"`
	DisplayedRows int               `json:"displayed_rows"`
	MaxRows       int               `json:"max_rows"`
	Index         []int             `json:"index"`
}

// Health reports worker and Engine availability.
type Health struct {
	EngineAvailable bool   `json:"engine_available"`
	Version         string `json:"version,omitempty"`
	Edition         string `json:"edition,omitempty"`
	State           State  `json:"state"`
}

// Run boundary markers written into the session log.
const (
	RunStartedMarker = "*** Execution started"
	RunEndedMarker   = "*** Execution ended"
	RunStoppedMarker = "=== Execution stopped ==="
	BreakMarker      = "--Break--"
)

// Output boundary markers for selection streams.
const (
	OutputStartMarker = "__STATA_MCP_OUTPUT_START__"
	OutputEndMarker   = "__STATA_MCP_OUTPUT_END__"
)
