// Package session provides the noise session model, its derived statistics
// and a durable whole-collection session store.
package session

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Reading is one normalized level sample recorded into a session.
type Reading struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     float64   `json:"level"`
}

// NewReading creates a reading with a fresh ID.
func NewReading(ts time.Time, level float64) Reading {
	return Reading{ID: uuid.NewString(), Timestamp: ts, Level: level}
}

// Session is one monitoring run from start to stop.
type Session struct {
	ID             string     `json:"id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Readings       []Reading  `json:"readings"`
	AlertThreshold float64    `json:"alert_threshold"`
	AlertCount     int        `json:"alert_count"`
}

// New creates an open session that starts at now.
func New(alertThreshold float64, now time.Time) Session {
	return Session{
		ID:             uuid.NewString(),
		StartTime:      now,
		Readings:       []Reading{},
		AlertThreshold: alertThreshold,
	}
}

// IsOpen reports whether the session has not been closed.
func (s *Session) IsOpen() bool {
	return s.EndTime == nil
}

// Append adds a reading, keeping readings ordered by timestamp. A reading
// stamped before the previous one is moved up to the previous timestamp.
func (s *Session) Append(r Reading) {
	if n := len(s.Readings); n > 0 && r.Timestamp.Before(s.Readings[n-1].Timestamp) {
		r.Timestamp = s.Readings[n-1].Timestamp
	}
	s.Readings = append(s.Readings, r)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() Session {
	c := *s
	c.Readings = slices.Clone(s.Readings)
	if c.Readings == nil {
		c.Readings = []Reading{}
	}
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// Average returns the mean reading level, or 0 for an empty session.
func (s *Session) Average() float64 {
	if len(s.Readings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range s.Readings {
		sum += r.Level
	}
	return sum / float64(len(s.Readings))
}

// Min returns the lowest reading level, or 0 for an empty session.
func (s *Session) Min() float64 {
	if len(s.Readings) == 0 {
		return 0
	}
	lowest := s.Readings[0].Level
	for _, r := range s.Readings[1:] {
		lowest = min(lowest, r.Level)
	}
	return lowest
}

// Max returns the highest reading level, or 0 for an empty session.
func (s *Session) Max() float64 {
	if len(s.Readings) == 0 {
		return 0
	}
	highest := s.Readings[0].Level
	for _, r := range s.Readings[1:] {
		highest = max(highest, r.Level)
	}
	return highest
}

// Peak is the session's loudest recorded reading.
func (s *Session) Peak() float64 {
	return s.Max()
}

// Duration returns the time from start to end, or to now while open.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return end.Sub(s.StartTime)
}

// FormattedDuration returns Duration as "mm:ss" or "h:mm:ss".
func (s *Session) FormattedDuration(now time.Time) string {
	return util.FormatClock(s.Duration(now))
}

// Recent returns the last n readings, or all of them when there are fewer.
func (s *Session) Recent(n int) []Reading {
	if n <= 0 || len(s.Readings) <= n {
		return slices.Clone(s.Readings)
	}
	return slices.Clone(s.Readings[len(s.Readings)-n:])
}

// Stats is a point-in-time summary of a session for API responses.
type Stats struct {
	ID                string     `json:"id"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	Open              bool       `json:"open"`
	ReadingCount      int        `json:"reading_count"`
	AlertThreshold    float64    `json:"alert_threshold"`
	AlertCount        int        `json:"alert_count"`
	Average           float64    `json:"average"`
	Min               float64    `json:"min"`
	Max               float64    `json:"max"`
	DurationMs        int64      `json:"duration_ms"`
	FormattedDuration string     `json:"formatted_duration"`
}

// Summary computes the session statistics as of now.
func (s *Session) Summary(now time.Time) Stats {
	return Stats{
		ID:                s.ID,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Open:              s.IsOpen(),
		ReadingCount:      len(s.Readings),
		AlertThreshold:    s.AlertThreshold,
		AlertCount:        s.AlertCount,
		Average:           s.Average(),
		Min:               s.Min(),
		Max:               s.Max(),
		DurationMs:        s.Duration(now).Milliseconds(),
		FormattedDuration: s.FormattedDuration(now),
	}
}
