package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FetchLog represents a single Registry.Fetch invocation, logged
// separately from the operational logger (slog.go) so per-request volume
// never drowns out daemon-lifecycle logs.
type FetchLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Handle     string    `json:"handle"`
	Method     string    `json:"method"`
	URI        string    `json:"uri"`
	TraceID    string    `json:"trace_id,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	BodyBytes  int       `json:"body_bytes"`
}

// Logger handles fetch request logging, independent of the operational
// slog logger.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default fetch logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a fetch log entry.
func (l *Logger) Log(entry *FetchLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		fmt.Printf("[fetch] %s %s %s %s %dms\n",
			status, entry.Handle, entry.Method, entry.URI, entry.DurationMs)
		if entry.Error != "" {
			fmt.Printf("[fetch]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
