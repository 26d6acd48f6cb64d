package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/statacorp/stata-mcp-server/internal/config"
	"github.com/statacorp/stata-mcp-server/internal/engine"
	"github.com/statacorp/stata-mcp-server/internal/graphs"
	"github.com/statacorp/stata-mcp-server/internal/history"
	"github.com/statacorp/stata-mcp-server/internal/httpapi"
	"github.com/statacorp/stata-mcp-server/internal/logger"
	"github.com/statacorp/stata-mcp-server/internal/mcpserver"
	"github.com/statacorp/stata-mcp-server/internal/session"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Interface to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	flag.BoolVar(&cfg.ForcePort, "force-port", cfg.ForcePort, "Evict whatever process holds the port instead of failing")
	flag.StringVar(&cfg.StataPath, "stata-path", cfg.StataPath, "Stata installation directory (default: auto-detect)")
	flag.StringVar(&cfg.StataEdition, "stata-edition", cfg.StataEdition, "Stata edition: mp, se, be")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Server log file (default: console only)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: DEBUG, INFO, WARN, ERROR")
	flag.StringVar(&cfg.LogFileLocation, "log-file-location", cfg.LogFileLocation, "Where .do file logs go: dofile, parent, workspace, extension, custom")
	flag.StringVar(&cfg.CustomLogDirectory, "custom-log-directory", cfg.CustomLogDirectory, "Log directory when --log-file-location=custom")
	flag.StringVar(&cfg.WorkspaceRoot, "workspace-root", cfg.WorkspaceRoot, "Root for resolving relative .do file paths (default: cwd)")
	flag.StringVar(&cfg.ResultDisplayMode, "result-display-mode", cfg.ResultDisplayMode, "Run output mode: compact, full")
	flag.IntVar(&cfg.MaxOutputTokens, "max-output-tokens", cfg.MaxOutputTokens, "Approximate token cap on run output (0 = unlimited)")
	flag.BoolVar(&cfg.MultiSession, "multi-session", cfg.MultiSession, "Allow multiple concurrent interpreter sessions")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Maximum concurrent sessions")
	flag.IntVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Idle seconds before a session is evicted")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stata-mcp-server %s\n", Version)
		return
	}

	if cfg.WorkspaceRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			cfg.WorkspaceRoot = cwd
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogFile, logger.ParseLevel(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitSlog(cfg.LogFile, logger.ParseLevel(cfg.LogLevel), false); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Close()
		_ = logger.CloseSlog()
	}()

	logger.Info("Stata MCP server %s", Version)
	logger.Info("Stata binary: %s (edition %s)", cfg.StataBinary(), cfg.StataEdition)
	logger.Info("Workspace root: %s", cfg.WorkspaceRoot)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := listenWithPreflight(addr, cfg.Port, cfg.ForcePort)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	factory := func(sessionID string) (session.Engine, error) {
		return engine.NewWorker(engine.Config{
			Binary:     cfg.StataBinary(),
			Edition:    cfg.StataEdition,
			GraphsDir:  cfg.GraphsDir(),
			LogPath:    engine.LogFilePath(cfg, "", "stata_session", sessionID),
			WorkingDir: cfg.WorkspaceRoot,
		})
	}

	mgr, err := session.NewManager(cfg, factory)
	if err != nil {
		logger.Fatalf("Failed to start the Stata interpreter: %v", err)
	}
	if err := mgr.Start(); err != nil {
		logger.Fatalf("Failed to start the session sweeper: %v", err)
	}

	var hist *history.Store
	if path := historyPath(cfg); path != "" {
		hist, err = history.Open(path)
		if err != nil {
			logger.Warn("Run history disabled: %v", err)
			hist = nil
		} else {
			logger.Info("Run history database: %s", path)
		}
	}

	registry := graphs.NewRegistry(cfg.GraphsDir())
	svc := httpapi.NewService(cfg, mgr, registry, hist)
	srv := httpapi.NewServer(svc, Version)

	mcpSrv := mcpserver.NewServer(svc, Version)
	srv.MountMCP(mcpSrv.SSEHandler(), mcpSrv.Handler())
	srv.MountTools(mcpSrv.Registry())

	httpServer := &http.Server{Handler: srv.Handler()}

	logger.Info("Listening on http://%s", addr)
	logger.Info("MCP endpoint: http://%s/mcp", addr)
	logger.Info("Health check: http://%s/health", addr)
	logger.Info("Metrics: http://%s/metrics", addr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(ln)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdown:
		logger.Info("Received %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = httpServer.Shutdown(ctx)
		cancel()

		mgr.Shutdown()
		if hist != nil {
			_ = hist.Close()
		}
		logger.Info("Shutdown complete")
	}
}

// listenWithPreflight binds the server port. When the port is taken,
// --force-port evicts the holder and retries; otherwise the bind error
// is surfaced immediately so a stale server never lingers unnoticed.
func listenWithPreflight(addr string, port int, force bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !force {
		return nil, fmt.Errorf("port %d is already in use (pass --force-port to evict the holder): %w", port, err)
	}

	if killErr := killPortHolder(port); killErr != nil {
		return nil, fmt.Errorf("port %d is in use and the holder could not be evicted: %w", port, killErr)
	}
	for i := 0; i < 10; i++ {
		time.Sleep(300 * time.Millisecond)
		if ln, err = net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("port %d did not free up after evicting the holder: %w", port, err)
}

// killPortHolder terminates the process listening on port.
func killPortHolder(port int) error {
	if runtime.GOOS == "windows" {
		return fmt.Errorf("--force-port eviction is not supported on windows")
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port)).Output()
	if err != nil {
		return fmt.Errorf("lsof failed: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return fmt.Errorf("no process found holding port %d", port)
	}

	for _, f := range fields {
		pid, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		logger.Warn("Terminating process %d holding port %d", pid, port)
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}
	return nil
}

// historyPath places the run-history database next to the graphs
// directory, or in the system temp dir when no extension path exists.
func historyPath(cfg *config.Config) string {
	dir := cfg.ExtensionPath
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "stata_mcp_data")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "history.db")
}
