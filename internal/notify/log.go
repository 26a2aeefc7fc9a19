package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// LogEntry is one line of the alert log file.
type LogEntry struct {
	Timestamp string  `json:"timestamp"`
	Event     string  `json:"event"`
	Station   string  `json:"station,omitempty"`
	Level     float64 `json:"level,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Category  string  `json:"category,omitempty"`
	Count     int     `json:"count,omitempty"`
}

// LogAlert appends a fired noise alert to the alert log.
func LogAlert(logPath string, alert *Alert) error {
	return appendLogEntry(logPath, &LogEntry{
		Timestamp: alert.Timestamp(),
		Event:     EventNoiseAlert,
		Station:   alert.Station,
		Level:     alert.Level,
		Threshold: alert.Threshold,
		Category:  alert.Category.String(),
		Count:     alert.Count,
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &LogEntry{
		Timestamp: timestampUTC(),
		Event:     EventTest,
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *LogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}

	return nil
}
