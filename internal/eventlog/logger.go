// Package eventlog provides the monitoring event log. Monitoring lifecycle,
// alert and persistence events are appended to a size-rotated JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType represents the type of event.
type EventType string

// Monitoring event types.
const (
	MonitoringStarted EventType = "monitoring_started"
	MonitoringStopped EventType = "monitoring_stopped"
	SessionReset      EventType = "session_reset"
)

// Alert event types.
const (
	AlertFired      EventType = "alert_fired"
	AlertSuppressed EventType = "alert_suppressed"
)

// Storage event types.
const (
	PersistFailed  EventType = "persist_failed"
	SessionDeleted EventType = "session_deleted"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// AlertDetails contains alert-specific event details.
type AlertDetails struct {
	Level     float64 `json:"level"`
	Threshold float64 `json:"threshold"`
	Category  string  `json:"category"`
	Count     int     `json:"count"`
}

// SessionDetails contains session lifecycle details.
type SessionDetails struct {
	AlertThreshold float64 `json:"alert_threshold,omitempty"`
	Readings       int     `json:"readings,omitempty"`
	AlertCount     int     `json:"alert_count,omitempty"`
	Average        float64 `json:"average,omitempty"`
	Max            float64 `json:"max,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Rotation limits for the event log file.
const (
	maxLogSizeMB  = 10
	maxLogBackups = 5
	maxLogAgeDays = 90
)

// Logger writes events to a rotated JSON lines file. It is safe for
// concurrent use.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "noisemeter", "logs", fmt.Sprintf("%d", port), "events.jsonl")
	default:
		return filepath.Join("/var/log/noisemeter", fmt.Sprintf("%d", port), "events.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		LocalTime:  true,
	}

	return &Logger{
		filePath: filePath,
		out:      out,
		encoder:  json.NewEncoder(out),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// LogAlert logs a fired or suppressed threshold crossing.
func (l *Logger) LogAlert(eventType EventType, sessionID string, level, threshold float64, category string, count int) error {
	return l.Log(&Event{
		Type:      eventType,
		SessionID: sessionID,
		Details: &AlertDetails{
			Level:     level,
			Threshold: threshold,
			Category:  category,
			Count:     count,
		},
	})
}

// LogSession logs a session lifecycle or storage event.
func (l *Logger) LogSession(eventType EventType, sessionID, message string, details *SessionDetails) error {
	return l.Log(&Event{
		Type:      eventType,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll        TypeFilter = ""
	FilterMonitoring TypeFilter = "monitoring"
	FilterAlert      TypeFilter = "alert"
	FilterStorage    TypeFilter = "storage"
)

// ParseFilter validates a filter query value.
func ParseFilter(s string) (TypeFilter, bool) {
	f := TypeFilter(s)
	switch f {
	case FilterAll, FilterMonitoring, FilterAlert, FilterStorage:
		return f, true
	}
	return FilterAll, false
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterMonitoring:
		return IsMonitoringEvent(t)
	case FilterAlert:
		return IsAlertEvent(t)
	case FilterStorage:
		return IsStorageEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the current log file, newest first. It returns
// up to n events after skipping offset matching events, and whether more
// matching events exist. n is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return []Event{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var matched []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if filter.Matches(event.Type) {
			matched = append(matched, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	slices.Reverse(matched)
	offset = max(offset, 0)
	if offset >= len(matched) {
		return []Event{}, false, nil
	}
	end := min(offset+n, len(matched))
	return matched[offset:end], end < len(matched), nil
}

// IsMonitoringEvent reports whether t is a monitoring lifecycle event.
func IsMonitoringEvent(t EventType) bool {
	return t == MonitoringStarted || t == MonitoringStopped || t == SessionReset
}

// IsAlertEvent reports whether t is an alert event.
func IsAlertEvent(t EventType) bool {
	return t == AlertFired || t == AlertSuppressed
}

// IsStorageEvent reports whether t is a storage event.
func IsStorageEvent(t EventType) bool {
	return t == PersistFailed || t == SessionDeleted
}
