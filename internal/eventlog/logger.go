// Package eventlog provides structured logging for key dispatcher events.
package eventlog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with typed events for the dispatcher lifecycle.
type Logger struct {
	logger *slog.Logger
	calcID string
}

// New creates a Logger with JSON output to stderr, tagged with the calc id.
func New(calcID string) *Logger {
	return NewWithWriter(calcID, os.Stderr)
}

// NewWithWriter creates a Logger writing to w. Useful for tests.
func NewWithWriter(calcID string, w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With("calc_id", calcID)
	return &Logger{logger: logger, calcID: calcID}
}

// LogProgress logs a progress percentage line.
// event: "progress"
// Attributes: task, percent, submitted, queued
func (l *Logger) LogProgress(task string, percent, submitted, queued int) {
	l.logger.Info("progress",
		"task", task,
		"percent", percent,
		"submitted", submitted,
		"queued", queued,
	)
}

// LogSent logs the volume submitted to the workers.
// event: "sent"
// Attributes: task, count, bytes, seconds
func (l *Logger) LogSent(task string, count int, bytes string, seconds float64) {
	l.logger.Info("sent",
		"task", task,
		"count", count,
		"bytes", bytes,
		"seconds", seconds,
	)
}

// LogReceived logs the volume collected from the workers.
// event: "received"
// Attributes: task, bytes, seconds
func (l *Logger) LogReceived(task string, bytes map[string]string, seconds float64) {
	l.logger.Info("received",
		"task", task,
		"bytes", bytes,
		"seconds", seconds,
	)
}

// LogDiscarded warns about a result belonging to another calculation on a
// shared ingress.
// event: "discarded_result"
func (l *Logger) LogDiscarded(gotCalcID string) {
	l.logger.Warn("discarded_result",
		"from_calc_id", gotCalcID,
	)
}

// LogMemoryWarning surfaces a worker soft-limit warning, once.
// event: "memory_warning"
func (l *Logger) LogMemoryWarning(msg string) {
	l.logger.Warn("memory_warning", "msg", msg)
}

// LogBusyTimes logs the per-worker busy time summary.
// event: "busy_times"
func (l *Logger) LogBusyTimes(mean, std, min, max float64) {
	l.logger.Info("busy_times",
		"mean_sec", mean,
		"std_sec", std,
		"min_sec", min,
		"max_sec", max,
	)
}

// LogSlowTask reports a task much slower than its siblings.
// event: "slow_task"
func (l *Logger) LogSlowTask(task string, taskNo int, duration, mean float64) {
	l.logger.Warn("slow_task",
		"task", task,
		"task_no", taskNo,
		"duration_sec", duration,
		"mean_sec", mean,
	)
}

// Warn logs a generic warning.
func (l *Logger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Info logs a generic info line.
func (l *Logger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Debug logs a generic debug line.
func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobal installs the global logger instance.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger, or a no-op logger when unset.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return Noop()
}

// Noop returns a logger that discards all events.
func Noop() *Logger {
	return NewWithWriter("", io.Discard)
}
