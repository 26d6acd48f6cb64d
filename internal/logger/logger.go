package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level controls which messages reach the sinks.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a --log-level flag value to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	instance *Logger
	once     sync.Once
)

// Logger handles dual logging to console and file with a level gate.
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	logFile     *os.File
	level       Level
	mu          sync.Mutex
}

// Init initializes the global logger instance. logFilePath may be empty,
// in which case only console output is produced.
func Init(logFilePath string, level Level) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logFilePath, level)
	})
	return initErr
}

func newLogger(logFilePath string, level Level) (*Logger, error) {
	var logFile *os.File
	infoWriter := io.Writer(os.Stdout)
	errorWriter := io.Writer(os.Stderr)

	if logFilePath != "" {
		if dir := filepath.Dir(logFilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		infoWriter = io.MultiWriter(os.Stdout, logFile)
		errorWriter = io.MultiWriter(os.Stderr, logFile)
	}

	return &Logger{
		infoLogger:  log.New(infoWriter, "", log.LstdFlags),
		errorLogger: log.New(errorWriter, "ERROR: ", log.LstdFlags),
		logFile:     logFile,
		level:       level,
	}, nil
}

// Close closes the log file.
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

// SetLevel changes the level gate at runtime.
func SetLevel(level Level) {
	if instance != nil {
		instance.mu.Lock()
		instance.level = level
		instance.mu.Unlock()
	}
}

func logAt(level Level, prefix, format string, v ...interface{}) {
	if instance == nil {
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	if level < instance.level {
		return
	}
	if level >= LevelError {
		instance.errorLogger.Printf(format, v...)
		return
	}
	if prefix != "" {
		instance.infoLogger.Printf(prefix+" "+format, v...)
		return
	}
	instance.infoLogger.Printf(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	logAt(LevelDebug, "DEBUG:", format, v...)
}

// Info logs an informational message.
func Info(format string, v ...interface{}) {
	logAt(LevelInfo, "", format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	logAt(LevelWarn, "WARN:", format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	logAt(LevelError, "", format, v...)
}

// Println logs a simple message.
func Println(v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.infoLogger.Println(v...)
	}
}

// Printf logs a formatted message.
func Printf(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.infoLogger.Printf(format, v...)
	}
}

// Fatal logs a fatal error and exits.
func Fatal(v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		instance.errorLogger.Fatal(v...)
		instance.mu.Unlock()
	} else {
		log.Fatal(v...)
	}
}

// Fatalf logs a formatted fatal error and exits.
func Fatalf(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		instance.errorLogger.Fatalf(format, v...)
		instance.mu.Unlock()
	} else {
		log.Fatalf(format, v...)
	}
}
