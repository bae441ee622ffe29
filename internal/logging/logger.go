// Package logging provides categorized file-based logging for the chimera
// node. Each category writes to its own file under the configured log
// directory; when the directory cannot be created the loggers fall back to
// stderr so a misconfigured path never silences the node.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup and shutdown
	CategoryControl Category = "control" // Control-plane connections and frames
	CategoryEvents  Category = "events"  // Broker publishes, drops, subscriptions
	CategoryTools   Category = "tools"   // Tool registration and execution
	CategoryNodes   Category = "nodes"   // Node lifecycle, auth, selection
	CategoryMetacog Category = "metacog" // Confidence tracking, learning triggers
	CategoryStore   Category = "store"   // Persistence operations and backups
	CategoryCore    Category = "core"    // Orchestration, plans, dispatch
	CategoryIntent  Category = "intent"  // Intent compilation
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options configures the logging system.
type Options struct {
	Dir   string // Log directory; empty logs to stderr
	Level string // debug, info, warn, error
	JSON  bool   // Structured JSON entries instead of text
}

// StructuredLogEntry is the JSON form of one log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	optsMu    sync.RWMutex
	opts      = Options{Level: "info"}
	logLevel  = LevelInfo
)

// Configure sets the log directory, level, and format. Call once at
// startup before any logging; safe to call again in tests.
func Configure(o Options) error {
	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	// Reset cached loggers so a new directory takes effect.
	CloseAll()

	if o.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func currentLevel() int {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return logLevel
}

func jsonFormat() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.JSON
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	optsMu.RLock()
	dir := opts.Dir
	optsMu.RUnlock()

	l := &Logger{category: category}
	if dir == "" {
		l.logger = log.New(os.Stderr, fmt.Sprintf("[%s] ", category), log.Ldate|log.Ltime|log.Lmicroseconds)
	} else {
		// Date prefix keeps rotation a matter of deleting old files.
		date := time.Now().Format("2006-01-02")
		logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
			l.logger = log.New(os.Stderr, fmt.Sprintf("[%s] ", category), log.Ldate|log.Ltime|log.Lmicroseconds)
		} else {
			l.file = file
			l.logger = log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds)
		}
	}
	loggers[category] = l
	return l
}

// logJSON writes a structured JSON entry.
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if jsonFormat() {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes an entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if jsonFormat() {
		data, err := json.Marshal(entry)
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootError logs an error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Control logs to the control category
func Control(format string, args ...interface{}) {
	Get(CategoryControl).Info(format, args...)
}

// ControlDebug logs debug to the control category
func ControlDebug(format string, args ...interface{}) {
	Get(CategoryControl).Debug(format, args...)
}

// ControlWarn logs a warning to the control category
func ControlWarn(format string, args ...interface{}) {
	Get(CategoryControl).Warn(format, args...)
}

// ControlError logs an error to the control category
func ControlError(format string, args ...interface{}) {
	Get(CategoryControl).Error(format, args...)
}

// Events logs to the events category
func Events(format string, args ...interface{}) {
	Get(CategoryEvents).Info(format, args...)
}

// EventsDebug logs debug to the events category
func EventsDebug(format string, args ...interface{}) {
	Get(CategoryEvents).Debug(format, args...)
}

// EventsWarn logs a warning to the events category
func EventsWarn(format string, args ...interface{}) {
	Get(CategoryEvents).Warn(format, args...)
}

// Tools logs to the tools category
func Tools(format string, args ...interface{}) {
	Get(CategoryTools).Info(format, args...)
}

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...interface{}) {
	Get(CategoryTools).Debug(format, args...)
}

// ToolsWarn logs a warning to the tools category
func ToolsWarn(format string, args ...interface{}) {
	Get(CategoryTools).Warn(format, args...)
}

// ToolsError logs an error to the tools category
func ToolsError(format string, args ...interface{}) {
	Get(CategoryTools).Error(format, args...)
}

// Nodes logs to the nodes category
func Nodes(format string, args ...interface{}) {
	Get(CategoryNodes).Info(format, args...)
}

// NodesDebug logs debug to the nodes category
func NodesDebug(format string, args ...interface{}) {
	Get(CategoryNodes).Debug(format, args...)
}

// NodesWarn logs a warning to the nodes category
func NodesWarn(format string, args ...interface{}) {
	Get(CategoryNodes).Warn(format, args...)
}

// Metacog logs to the metacog category
func Metacog(format string, args ...interface{}) {
	Get(CategoryMetacog).Info(format, args...)
}

// MetacogDebug logs debug to the metacog category
func MetacogDebug(format string, args ...interface{}) {
	Get(CategoryMetacog).Debug(format, args...)
}

// MetacogWarn logs a warning to the metacog category
func MetacogWarn(format string, args ...interface{}) {
	Get(CategoryMetacog).Warn(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs an error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Core logs to the core category
func Core(format string, args ...interface{}) {
	Get(CategoryCore).Info(format, args...)
}

// CoreDebug logs debug to the core category
func CoreDebug(format string, args ...interface{}) {
	Get(CategoryCore).Debug(format, args...)
}

// CoreError logs an error to the core category
func CoreError(format string, args ...interface{}) {
	Get(CategoryCore).Error(format, args...)
}

// Intent logs to the intent category
func Intent(format string, args ...interface{}) {
	Get(CategoryIntent).Info(format, args...)
}

// IntentDebug logs debug to the intent category
func IntentDebug(format string, args ...interface{}) {
	Get(CategoryIntent).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
