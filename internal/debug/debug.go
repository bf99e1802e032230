// Package debug provides the logging infrastructure for deltapatch.
// Detail logging is only enabled when the --debug flag (or debug: true) is set.
// Logs are written to ~/.deltapatch/debug.log, truncated on each launch.
// Warnings and errors are additionally mirrored to an optional writer so they
// surface even when the detail log is off.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// LogFileName is the name of the debug log file.
	LogFileName = "debug.log"
	// LogDirName is the name of the directory containing the log file.
	LogDirName = ".deltapatch"

	tag = "[patch] "
)

var (
	mu      sync.RWMutex
	enabled bool
	logger  *log.Logger
	logFile *os.File
	mirror  io.Writer

	// getLogPath is a function variable to allow overriding in tests.
	getLogPath = defaultGetLogPath
)

// Init initializes the debug logging system.
// If enable is false, detail logging becomes a no-op.
// If enable is true, the log file is created/truncated at ~/.deltapatch/debug.log.
func Init(enable bool) error {
	mu.Lock()
	defer mu.Unlock()

	enabled = enable
	if !enable {
		logger = log.New(io.Discard, "", 0)
		return nil
	}

	logPath, err := getLogPath()
	if err != nil {
		return fmt.Errorf("determine log path: %w", err)
	}

	//nolint:gosec // G301: User config directory needs standard permissions
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	//nolint:gosec // G304: Log path is computed from user home, not user input
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f

	logger = log.New(f, tag, log.Ldate|log.Ltime|log.Lmicroseconds)
	logger.Printf("=== deltapatch debug log started at %s ===", time.Now().Format(time.RFC3339))

	return nil
}

// SetMirror sets the writer that receives warnings and errors regardless of
// whether detail logging is enabled. Pass nil to stop mirroring.
func SetMirror(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	mirror = w
}

// Close closes the debug log file if open.
// Safe to call even if logging is disabled.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Log writes a detail message if debug logging is enabled.
// Arguments are handled in the manner of fmt.Print.
func Log(v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if !enabled || logger == nil {
		return
	}
	logger.Print(v...)
}

// Logf writes a formatted detail message if debug logging is enabled.
// Arguments are handled in the manner of fmt.Printf.
func Logf(format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if !enabled || logger == nil {
		return
	}
	logger.Printf(format, v...)
}

// Warnf records a warning in the log file and on the mirror writer.
func Warnf(format string, v ...any) {
	emit("WARN", format, v...)
}

// Errorf records an error in the log file and on the mirror writer.
func Errorf(format string, v ...any) {
	emit("ERROR", format, v...)
}

func emit(level, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	msg := fmt.Sprintf(format, v...)
	if enabled && logger != nil {
		logger.Printf("%s %s", level, msg)
	}
	if mirror != nil {
		_, _ = fmt.Fprintf(mirror, "%s%s: %s\n", tag, level, msg)
	}
}

// Enabled returns whether debug logging is currently enabled.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// defaultGetLogPath returns the path to the debug log file.
func defaultGetLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine user home: %w", err)
	}
	return filepath.Join(home, LogDirName, LogFileName), nil
}

// GetLogPath returns the path to the debug log file.
// Exported for use by other packages that need to know where logs are.
func GetLogPath() (string, error) {
	return getLogPath()
}
