package engine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/logger"
)

// stdout sentinels the worker exchanges with the interpreter.
const (
	initSentinel = "__STATA_MCP_INIT__"
	doneSentinel = "__STATA_MCP_DONE__"
)

const (
	defaultRunTimeout  = 600 * time.Second
	defaultInitTimeout = 60 * time.Second
	viewDataTimeout    = 120 * time.Second

	// break escalation grace periods
	breakGrace     = 5 * time.Second
	interruptGrace = 2 * time.Second
)

// Config describes how to spawn and drive one interpreter process.
type Config struct {
	Binary      string
	Edition     string
	GraphsDir   string
	LogPath     string // session log; per-request LogPath overrides
	WorkingDir  string
	InitTimeout time.Duration
}

// Worker owns a single interpreter subprocess. Submissions are
// serialized by runMu; Break is the only call that may overlap a run.
type Worker struct {
	cfg Config

	mu       sync.Mutex // guards state, cmd, stdin
	state    State
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	procDone chan struct{}

	runMu     sync.Mutex
	sentinels chan string
	version   string

	breakMu        sync.Mutex
	breakRequested bool

	breakGrace     time.Duration
	interruptGrace time.Duration
}

// NewWorker spawns the interpreter process and waits for it to report
// ready. The session log is truncated as part of initialization.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	w := &Worker{
		cfg:            cfg,
		state:          StateInitializing,
		breakGrace:     breakGrace,
		interruptGrace: interruptGrace,
	}
	if err := w.start(); err != nil {
		w.setState(StateDead)
		return nil, err
	}
	return w, nil
}

func (w *Worker) start() error {
	if w.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(w.cfg.LogPath), 0o755); err == nil {
			_ = os.WriteFile(w.cfg.LogPath, nil, 0o644)
		}
	}
	if w.cfg.GraphsDir != "" {
		_ = os.MkdirAll(w.cfg.GraphsDir, 0o755)
	}

	cmd := exec.Command(w.cfg.Binary, "-q")
	if w.cfg.WorkingDir != "" {
		cmd.Dir = w.cfg.WorkingDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start interpreter %s: %w", w.cfg.Binary, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.procDone = make(chan struct{})
	w.sentinels = make(chan string, 16)
	w.mu.Unlock()

	go w.scanStdout(stdout)
	go func(c *exec.Cmd, done chan struct{}) {
		_ = c.Wait()
		close(done)
	}(cmd, w.procDone)

	// force pagination off before anything else; `more` on a pipe
	// stalls the process forever
	init := strings.Join([]string{
		"set more off",
		"set linesize 255",
		`display "` + initSentinel + ` " c(stata_version)`,
	}, "\n") + "\n"
	if err := w.write(init); err != nil {
		w.kill()
		return err
	}

	select {
	case line := <-w.sentinels:
		if strings.HasPrefix(line, initSentinel) {
			w.version = strings.TrimSpace(strings.TrimPrefix(line, initSentinel))
		}
	case <-w.procDone:
		return fmt.Errorf("interpreter exited during initialization")
	case <-time.After(w.cfg.InitTimeout):
		w.kill()
		return fmt.Errorf("interpreter did not become ready within %s", w.cfg.InitTimeout)
	}

	w.setState(StateReady)
	logger.Info("Engine worker ready (version %s, log %s)", w.version, w.cfg.LogPath)
	return nil
}

func (w *Worker) scanStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, initSentinel) || strings.HasPrefix(line, doneSentinel) {
			select {
			case w.sentinels <- line:
			default:
			}
		}
	}
}

func (w *Worker) write(s string) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("interpreter stdin closed")
	}
	_, err := io.WriteString(stdin, s)
	return err
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Health reports interpreter availability.
func (w *Worker) Health() Health {
	s := w.State()
	return Health{
		EngineAvailable: s == StateReady || s == StateBusy,
		Version:         w.version,
		Edition:         w.cfg.Edition,
		State:           s,
	}
}

// Break signals the interpreter to stop the current command at its
// next checkpoint. Returns false when nothing is running.
func (w *Worker) Break() bool {
	if w.State() != StateBusy {
		return false
	}
	w.breakMu.Lock()
	w.breakRequested = true
	w.breakMu.Unlock()
	return w.interrupt()
}

func (w *Worker) interrupt() bool {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		logger.Debug("Break signal failed: %v", err)
		return false
	}
	return true
}

func (w *Worker) takeBreakRequested() bool {
	w.breakMu.Lock()
	defer w.breakMu.Unlock()
	v := w.breakRequested
	w.breakRequested = false
	return v
}

func (w *Worker) kill() {
	w.mu.Lock()
	cmd := w.cmd
	stdin := w.stdin
	w.cmd = nil
	w.stdin = nil
	w.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Close tears the worker down. Idempotent.
func (w *Worker) Close() {
	if w.State() == StateDead {
		return
	}
	w.setState(StateTerminating)
	w.kill()
	w.setState(StateDead)
}

// Restart wipes all interpreter state. On a live interpreter the
// reset is soft: close logs, clear data and programs, drop graphs,
// keeping the process and its startup cost. The process is torn down
// and respawned only when it is dead or the reset script fails.
func (w *Worker) Restart() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.State() == StateReady {
		err := w.softReset()
		if err == nil {
			return nil
		}
		logger.Warn("Soft reset failed, respawning interpreter: %v", err)
	}

	w.setState(StateTerminating)
	w.kill()
	w.setState(StateInitializing)

	if err := w.start(); err != nil {
		w.setState(StateDead)
		return fmt.Errorf("restart failed: %w", err)
	}
	return nil
}

// softReset runs the reset command sequence on the live interpreter
// and waits for the done sentinel. The session log is truncated so the
// next run starts clean. Caller holds runMu.
func (w *Worker) softReset() error {
	driverPath, err := writeTempDo(buildRestartScript())
	if err != nil {
		return err
	}
	defer os.Remove(driverPath)

	for {
		select {
		case <-w.sentinels:
			continue
		default:
		}
		break
	}

	cmds := fmt.Sprintf("do \"%s\"\ndisplay \"%s \" \"0\"\n", StataPath(driverPath), doneSentinel)
	if err := w.write(cmds); err != nil {
		return err
	}

	select {
	case line := <-w.sentinels:
		if _, ok := parseDone(line); !ok {
			return fmt.Errorf("unexpected sentinel during reset: %q", line)
		}
	case <-w.procDone:
		return fmt.Errorf("interpreter exited during reset")
	case <-time.After(w.cfg.InitTimeout):
		return fmt.Errorf("reset did not complete within %s", w.cfg.InitTimeout)
	}

	if w.cfg.LogPath != "" {
		_ = os.WriteFile(w.cfg.LogPath, nil, 0o644)
	}
	return nil
}

// Submit runs one request to completion. Concurrent submits serialize;
// the session layer is expected to reject them before they get here.
func (w *Worker) Submit(req *Request) *Result {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	switch w.State() {
	case StateReady:
	case StateDead, StateTerminating:
		return &Result{Status: StatusError, Error: "worker is dead"}
	default:
		return &Result{Status: StatusError, Error: fmt.Sprintf("worker not ready (state %s)", w.State())}
	}

	w.setState(StateBusy)
	defer func() {
		if w.State() == StateBusy {
			w.setState(StateReady)
		}
	}()

	switch req.Kind {
	case RequestRunSelection:
		return w.runSelection(req)
	case RequestRunFile:
		return w.runFile(req)
	case RequestViewData:
		return w.viewData(req)
	case RequestIntrospect:
		h := w.Health()
		return &Result{Status: StatusSuccess, Output: fmt.Sprintf("version %s edition %s", h.Version, h.Edition)}
	default:
		return &Result{Status: StatusError, Error: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}

func (w *Worker) runSelection(req *Request) *Result {
	code := sanitizeUserCode(PreprocessCode(req.Code))
	userDo, err := writeTempDo(code)
	if err != nil {
		return &Result{Status: StatusError, Error: err.Error()}
	}
	defer os.Remove(userDo)
	return w.run(req, userDo, true)
}

func (w *Worker) runFile(req *Request) *Result {
	resolved, candidates := ResolveDoFilePath(req.FilePath, "")
	if resolved == "" {
		msg := fmt.Sprintf("File not found: %s (tried: %s)%s",
			req.FilePath, strings.Join(candidates, ", "), WindowsPathHelp())
		return &Result{Status: StatusError, Error: msg, Output: msg}
	}

	userDo := PreprocessDoFile(resolved)
	if userDo != resolved {
		defer os.Remove(userDo)
	}

	// rewrite through the sanitizer so user log commands cannot hijack
	// the session log
	content, err := os.ReadFile(userDo)
	if err == nil {
		sanitized := sanitizeUserCode(string(content))
		if tmp, werr := writeTempDo(sanitized); werr == nil {
			if userDo != resolved {
				os.Remove(userDo)
			}
			userDo = tmp
			defer os.Remove(tmp)
		}
	}

	if req.WorkingDir == "" {
		req.WorkingDir = filepath.Dir(resolved)
	}
	return w.run(req, userDo, false)
}

func writeTempDo(code string) (string, error) {
	tmp, err := os.CreateTemp("", "stata_mcp_user_*.do")
	if err != nil {
		return "", fmt.Errorf("failed to create temp do file: %w", err)
	}
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp do file: %w", err)
	}
	tmp.Close()
	return tmp.Name(), nil
}

// run executes the driver protocol: write the wrapper .do, ask the
// interpreter to run it, wait for the stdout sentinel under the
// request timeout, then read the run output back out of the log.
func (w *Worker) run(req *Request, userDo string, selectionMarkers bool) *Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	logPath := req.LogPath
	if logPath == "" {
		logPath = w.cfg.LogPath
	}

	driver := buildRunDriver(driverOptions{
		UserDoPath:  userDo,
		LogPath:     logPath,
		WorkingDir:  req.WorkingDir,
		GraphsDir:   w.cfg.GraphsDir,
		EmitMarkers: selectionMarkers,
	})
	driverPath, err := writeTempDo(driver)
	if err != nil {
		return &Result{Status: StatusError, Error: err.Error()}
	}
	defer os.Remove(driverPath)

	// drain sentinels left over from an interrupted exchange
	for {
		select {
		case <-w.sentinels:
			continue
		default:
		}
		break
	}

	cmds := fmt.Sprintf("do \"%s\"\ndisplay \"%s \" \"$__mcp_rc\"\n", StataPath(driverPath), doneSentinel)
	if err := w.write(cmds); err != nil {
		w.markDead()
		return &Result{Status: StatusError, Error: "worker is dead: " + err.Error()}
	}

	rc, waitStatus := w.awaitDone(timeout)
	userBreak := w.takeBreakRequested()

	switch waitStatus {
	case waitKilled:
		return &Result{
			Status:  StatusTimeout,
			Error:   fmt.Sprintf("execution exceeded %s; worker killed", timeout),
			LogPath: logPath,
			Output:  readRunOutput(logPath, selectionMarkers),
		}
	case waitProcessDied:
		w.markDead()
		return &Result{
			Status:  StatusError,
			Error:   "worker process exited unexpectedly",
			LogPath: logPath,
			Output:  readRunOutput(logPath, selectionMarkers),
		}
	}

	output := readRunOutput(logPath, selectionMarkers)
	res := &Result{LogPath: logPath, Output: output, ReturnCode: rc}

	switch {
	case rc == 1 || strings.Contains(output, BreakMarker):
		res.Status = StatusCancelled
		if waitStatus == waitTimedOut {
			res.Status = StatusTimeout
			res.Error = fmt.Sprintf("execution exceeded %s; stopped via break", timeout)
		} else if userBreak {
			res.Output = strings.TrimRight(output, "\n") + "\n" + RunStoppedMarker
		}
	case rc != 0:
		res.Status = StatusError
		res.Error = extractErrorText(output, rc)
	default:
		res.Status = StatusSuccess
		res.Graphs = parseGraphRefs(output)
	}
	return res
}

type waitOutcome int

const (
	waitCompleted waitOutcome = iota
	waitTimedOut              // break succeeded after the timeout fired
	waitKilled                // escalation killed the process
	waitProcessDied
)

// awaitDone waits for the done sentinel, escalating on timeout:
// cooperative break, then a second interrupt, then process kill. The
// timer runs on the wall clock regardless of interpreter health.
func (w *Worker) awaitDone(timeout time.Duration) (int, waitOutcome) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line := <-w.sentinels:
			if rc, ok := parseDone(line); ok {
				return rc, waitCompleted
			}
		case <-w.procDone:
			return -1, waitProcessDied
		case <-timer.C:
			return w.escalate()
		}
	}
}

func (w *Worker) escalate() (int, waitOutcome) {
	logger.Warn("Run timed out, sending break to interpreter")
	w.interrupt()
	if rc, ok := w.awaitSentinel(w.breakGrace); ok {
		return rc, waitTimedOut
	}

	logger.Warn("Break ignored, interrupting again")
	w.interrupt()
	if rc, ok := w.awaitSentinel(w.interruptGrace); ok {
		return rc, waitTimedOut
	}

	logger.Error("Interpreter unresponsive after break escalation, killing worker")
	w.kill()
	w.markDead()
	return -1, waitKilled
}

func (w *Worker) awaitSentinel(grace time.Duration) (int, bool) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case line := <-w.sentinels:
			if rc, ok := parseDone(line); ok {
				return rc, true
			}
		case <-w.procDone:
			return -1, false
		case <-timer.C:
			return -1, false
		}
	}
}

func (w *Worker) markDead() {
	w.setState(StateDead)
}

func parseDone(line string) (int, bool) {
	if !strings.HasPrefix(line, doneSentinel) {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, doneSentinel))
	if rest == "" {
		return -1, true
	}
	rc, err := strconv.Atoi(rest)
	if err != nil {
		return -1, true
	}
	return rc, true
}

var (
	stataErrRe    = regexp.MustCompile(`(?m)^r\((\d+)\);`)
	driverNoiseRe = regexp.MustCompile(`__mcp_|__STATA_MCP_|_gr_list|GRAPHS DETECTED|^={10,}$`)
)

// readRunOutput extracts this run's output from the log: the text
// between the start and end markers, with driver plumbing lines
// removed. For selections only the span between the output markers is
// user-visible.
func readRunOutput(logPath string, selectionMarkers bool) string {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return ""
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	inRun := false
	inUser := !selectionMarkers
	var kept []string
	var graphBlock []string
	inGraphBlock := false

	for _, line := range lines {
		switch {
		case strings.Contains(line, RunStartedMarker):
			inRun = true
			continue
		case strings.Contains(line, RunEndedMarker):
			inRun = false
			continue
		}
		if !inRun {
			continue
		}
		if selectionMarkers {
			if strings.Contains(line, OutputStartMarker) {
				// the marker echoes once (". display ...") and prints
				// once; only the printed line flips state
				if !strings.HasPrefix(strings.TrimSpace(line), ".") {
					inUser = true
				}
				continue
			}
			if strings.Contains(line, OutputEndMarker) {
				if !strings.HasPrefix(strings.TrimSpace(line), ".") {
					inUser = false
				}
				continue
			}
		}
		// the graphs block prints after the user span but belongs in
		// the returned output
		if strings.HasPrefix(line, "GRAPHS DETECTED:") {
			inGraphBlock = true
			graphBlock = append(graphBlock, graphBlockSeparator, line)
			continue
		}
		if inGraphBlock {
			if strings.HasPrefix(strings.TrimSpace(line), "•") || strings.HasPrefix(line, "  •") {
				graphBlock = append(graphBlock, line)
				continue
			}
			if strings.TrimSpace(line) == graphBlockSeparator {
				graphBlock = append(graphBlock, line)
				continue
			}
			inGraphBlock = false
		}
		if !inUser {
			continue
		}
		if driverNoiseRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.TrimRight(strings.Join(kept, "\n"), "\n")
	if len(graphBlock) > 0 {
		out += "\n\n" + strings.Join(graphBlock, "\n")
	}
	return out
}

func extractErrorText(output string, rc int) string {
	if m := stataErrRe.FindStringIndex(output); m != nil {
		// include a little context above the r(NNN); line
		start := strings.LastIndex(output[:m[0]], "\n\n")
		if start < 0 {
			start = 0
		}
		return strings.TrimSpace(output[start:m[1]])
	}
	return fmt.Sprintf("command failed with r(%d)", rc)
}

var graphLineRe = regexp.MustCompile(`^\s*•\s+([^:]+):\s+(.+)$`)

// parseGraphRefs pulls GraphRefs out of the GRAPHS DETECTED block.
func parseGraphRefs(output string) []GraphRef {
	var refs []GraphRef
	now := time.Now()
	for _, line := range strings.Split(output, "\n") {
		if m := graphLineRe.FindStringSubmatch(line); m != nil {
			refs = append(refs, GraphRef{
				Name:      strings.TrimSpace(m[1]),
				Path:      strings.TrimSpace(m[2]),
				CreatedAt: now,
				Sequence:  len(refs),
			})
		}
	}
	return refs
}

// viewData runs the snapshot script and parses the exported CSV into
// a column-major payload.
func (w *Worker) viewData(req *Request) *Result {
	maxRows := req.MaxRows
	if maxRows < 100 {
		maxRows = 100
	}

	csvFile, err := os.CreateTemp("", "stata_mcp_view_*.csv")
	if err != nil {
		return &Result{Status: StatusError, Error: err.Error()}
	}
	csvFile.Close()
	csvPath := csvFile.Name()
	defer os.Remove(csvPath)

	logPath := filepath.Join(filepath.Dir(w.cfg.LogPath), "viewdata.log")
	if w.cfg.LogPath == "" {
		logPath = filepath.Join(os.TempDir(), "stata_mcp_viewdata.log")
	}

	driver := buildViewDataDriver(logPath, csvPath, req.IfCondition, maxRows)
	driverPath, err := writeTempDo(driver)
	if err != nil {
		return &Result{Status: StatusError, Error: err.Error()}
	}
	defer os.Remove(driverPath)

	cmds := fmt.Sprintf("do \"%s\"\ndisplay \"%s \" \"0\"\n", StataPath(driverPath), doneSentinel)
	if err := w.write(cmds); err != nil {
		w.markDead()
		return &Result{Status: StatusError, Error: "worker is dead: " + err.Error()}
	}

	if _, status := w.awaitDone(viewDataTimeout); status != waitCompleted && status != waitTimedOut {
		w.markDead()
		return &Result{Status: StatusError, Error: "worker died during data snapshot"}
	}

	logData, _ := os.ReadFile(logPath)
	logText := string(logData)

	if m := regexp.MustCompile(viewDataErrMarker + `\s+(\d+)`).FindStringSubmatch(logText); m != nil {
		return &Result{Status: StatusError, Error: fmt.Sprintf("invalid condition syntax: %s (r(%s))", req.IfCondition, m[1])}
	}

	total := parseMarkerInt(logText, viewDataTotalMarker)
	shown := parseMarkerInt(logText, viewDataShownMarker)

	snapshot, err := parseViewDataCSV(csvPath, maxRows)
	if err != nil {
		if total == 0 {
			// no dataset in memory exports nothing
			return &Result{Status: StatusSuccess, Data: &DataSnapshot{
				Columns: []string{}, Rows: [][]any{}, Dtypes: map[string]string{}, MaxRows: maxRows,
			}}
		}
		return &Result{Status: StatusError, Error: fmt.Sprintf("failed to read snapshot: %v", err)}
	}
	snapshot.TotalRows = total
	snapshot.DisplayedRows = shown
	snapshot.MaxRows = maxRows
	return &Result{Status: StatusSuccess, Data: snapshot}
}

func parseMarkerInt(text, marker string) int {
	re := regexp.MustCompile(regexp.QuoteMeta(marker) + `\s+(\d+)`)
	if m := re.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}
