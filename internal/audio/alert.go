package audio

import (
	"sync"
	"time"
)

// DefaultAlertCooldown is the minimum time between two fired alerts.
const DefaultAlertCooldown = 2000 * time.Millisecond

// AlertConfig holds the settings the alert detector is evaluated against.
type AlertConfig struct {
	Enabled   bool          // fire notifications on threshold crossings
	Threshold float64       // normalized level at or above which audio is too loud
	Cooldown  time.Duration // minimum time between fired alerts
}

// AlertEvent is the result of a single alert detector update.
type AlertEvent struct {
	// Current state
	Triggered bool    // level is at or above the threshold
	Level     float64 // normalized level that was evaluated
	Threshold float64 // threshold in effect
	Count     int     // alerts fired since the last reset

	// Transitions
	Fired      bool      // an alert fired on this update
	Suppressed bool      // an upward crossing happened inside the cooldown
	Time       time.Time // time of the update
}

// AlertDetector is the edge-triggered threshold state machine. An alert fires
// only on the transition into the triggered state, and at most once per
// cooldown. It is safe for concurrent use.
type AlertDetector struct {
	mu        sync.Mutex
	triggered bool      // level was at or above threshold on the last update
	lastAlert time.Time // when the last alert fired; zero if none
	count     int       // alerts fired since reset
}

// NewAlertDetector creates a new alert detector in the idle state.
func NewAlertDetector() *AlertDetector {
	return &AlertDetector{}
}

// Update evaluates a new normalized level and returns the resulting state.
func (d *AlertDetector) Update(level float64, cfg AlertConfig, now time.Time) AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasTriggered := d.triggered
	d.triggered = level >= cfg.Threshold

	event := AlertEvent{
		Triggered: d.triggered,
		Level:     level,
		Threshold: cfg.Threshold,
		Time:      now,
	}

	if cfg.Enabled && d.triggered && !wasTriggered {
		if d.lastAlert.IsZero() || now.Sub(d.lastAlert) >= cfg.Cooldown {
			d.count++
			d.lastAlert = now
			event.Fired = true
		} else {
			event.Suppressed = true
		}
	}

	event.Count = d.count
	return event
}

// Triggered reports whether the last evaluated level was at or above threshold.
func (d *AlertDetector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered
}

// Count returns the number of alerts fired since the last reset.
func (d *AlertDetector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// LastAlert returns when the last alert fired and whether one has fired.
func (d *AlertDetector) LastAlert() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAlert, !d.lastAlert.IsZero()
}

// Disarm returns the detector to idle without touching the count or the
// cooldown, so the next upward crossing is treated as a fresh edge.
func (d *AlertDetector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggered = false
}

// ClearHistory clears the count and cooldown but keeps the triggered state,
// so a level that is already loud does not count as a new crossing.
func (d *AlertDetector) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAlert = time.Time{}
	d.count = 0
}

// Reset clears all alert state, including the count and cooldown.
func (d *AlertDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggered = false
	d.lastAlert = time.Time{}
	d.count = 0
}
