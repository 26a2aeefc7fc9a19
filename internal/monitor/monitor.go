// Package monitor provides the noise monitoring engine. A monitoring run
// samples the audio source on a fast tick, drives peak tracking and the alert
// state machine, and records one reading per slow tick into an open session.
package monitor

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Engine defaults.
const (
	DefaultSampleInterval = 50 * time.Millisecond
	DefaultRecordInterval = 500 * time.Millisecond
	DefaultDisplayWindow  = 120
	DefaultAlertThreshold = 80.0
)

// Sentinel errors for monitor operations.
var (
	ErrAlreadyMonitoring = errors.New("already monitoring")
	ErrPermissionDenied  = errors.New("audio capture not permitted")
	ErrNotMonitoring     = errors.New("not monitoring")
)

// Notifier receives fired alerts. Implementations must not block.
type Notifier interface {
	AlertFired(event audio.AlertEvent)
}

// EventLog records monitoring events.
type EventLog interface {
	LogAlert(eventType eventlog.EventType, sessionID string, level, threshold float64, category string, count int) error
	LogSession(eventType eventlog.EventType, sessionID, message string, details *eventlog.SessionDetails) error
}

// Settings holds the engine settings.
type Settings struct {
	Alert          audio.AlertConfig
	SampleInterval time.Duration
	RecordInterval time.Duration
	DisplayWindow  int
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Alert: audio.AlertConfig{
			Enabled:   true,
			Threshold: DefaultAlertThreshold,
			Cooldown:  audio.DefaultAlertCooldown,
		},
		SampleInterval: DefaultSampleInterval,
		RecordInterval: DefaultRecordInterval,
		DisplayWindow:  DefaultDisplayWindow,
	}
}

// withDefaults fills zero intervals and window.
func (s Settings) withDefaults() Settings {
	if s.SampleInterval <= 0 {
		s.SampleInterval = DefaultSampleInterval
	}
	if s.RecordInterval <= 0 {
		s.RecordInterval = DefaultRecordInterval
	}
	if s.DisplayWindow <= 0 {
		s.DisplayWindow = DefaultDisplayWindow
	}
	return s
}

// Config wires a Monitor to its collaborators. Notifier, Events and Clock
// are optional.
type Config struct {
	Source     audio.Source
	Authorizer audio.Authorizer
	Store      Store
	Notifier   Notifier
	Events     EventLog
	Clock      Clock
	Settings   Settings
}

// run is the state of one monitoring run. It is owned by the loop goroutine
// while the loop is alive, and by Stop after it exits.
type run struct {
	session  session.Session
	level    float64
	alertCfg audio.AlertConfig
	stats    session.Stats
	window   int

	persister *persister
	cmds      chan func()
	stop      chan struct{}
	done      chan struct{}
}

// Monitor is the noise monitoring engine. It is safe for concurrent use.
type Monitor struct {
	source   audio.Source
	auth     audio.Authorizer
	store    Store
	notifier Notifier
	events   EventLog
	clock    Clock

	alert *audio.AlertDetector
	peak  *audio.PeakTracker

	mu       sync.Mutex // serializes Start, Stop and commands
	settings Settings
	run      *run

	snapshot atomic.Pointer[Snapshot]
	subs     *broadcaster
}

// New creates an idle monitor.
func New(cfg Config) *Monitor {
	clock := cfg.Clock
	if clock == nil {
		clock = WallClock()
	}
	m := &Monitor{
		source:   cfg.Source,
		auth:     cfg.Authorizer,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		events:   cfg.Events,
		clock:    clock,
		alert:    audio.NewAlertDetector(),
		peak:     audio.NewPeakTracker(),
		settings: cfg.Settings.withDefaults(),
		subs:     newBroadcaster(),
	}
	m.publishIdle(clock.Now(), m.settings.Alert)
	return m
}

// Snapshot returns the most recently published engine state.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Subscribe returns a channel of published snapshots and a func that
// unsubscribes. A subscriber that falls behind misses snapshots.
func (m *Monitor) Subscribe() (<-chan Snapshot, func()) {
	return m.subs.subscribe()
}

// IsMonitoring reports whether a monitoring run is active.
func (m *Monitor) IsMonitoring() bool {
	return m.Snapshot().Monitoring
}

// Settings returns the current engine settings.
func (m *Monitor) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// RecentReadings returns the display window of the open session.
func (m *Monitor) RecentReadings() []session.Reading {
	return m.Snapshot().Recent
}

// Start begins a monitoring run and opens a new session.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil {
		return ErrAlreadyMonitoring
	}
	if m.auth != nil && !m.auth.CaptureAuthorized() {
		return ErrPermissionDenied
	}
	if act, ok := m.source.(audio.Activator); ok {
		if err := act.Activate(); err != nil {
			return util.WrapError("activate audio capture", err)
		}
	}

	sess, err := m.store.Create(m.settings.Alert.Threshold)
	if err != nil {
		slog.Error("new session not persisted", "id", sess.ID, "error", err)
		m.logSession(eventlog.PersistFailed, sess.ID, "create", &eventlog.SessionDetails{Error: err.Error()})
	}

	m.alert.Reset()
	m.peak.Reset()

	r := &run{
		session:  sess,
		level:    audio.SilenceLevel,
		alertCfg: m.settings.Alert,
		stats:    sess.Summary(sess.StartTime),
		window:   m.settings.DisplayWindow,
		cmds:     make(chan func()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.persister = newPersister(m.store, m.persistFailed)
	m.run = r

	m.publish(r, m.clock.Now())
	go m.loop(r, m.settings)

	metrics.SetMonitoring(true)
	slog.Info("monitoring started", "session_id", sess.ID, "threshold", sess.AlertThreshold)
	m.logSession(eventlog.MonitoringStarted, sess.ID, "", &eventlog.SessionDetails{AlertThreshold: sess.AlertThreshold})
	return nil
}

// Stop ends the monitoring run. Both tickers are halted before the recorded
// readings are flushed and the session is closed; Stop returns once the
// close has been written. Stopping an idle monitor is a no-op.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil {
		return nil
	}
	close(r.stop)
	<-r.done
	m.run = nil

	now := m.clock.Now()
	r.session.AlertCount = m.alert.Count()
	r.persister.enqueue(job{
		kind:       jobClose,
		id:         r.session.ID,
		readings:   slices.Clone(r.session.Readings),
		alertCount: r.session.AlertCount,
	})
	r.persister.drain()

	var errs []error
	if act, ok := m.source.(audio.Activator); ok {
		if err := act.Deactivate(); err != nil {
			errs = append(errs, util.WrapError("deactivate audio capture", err))
		}
	}

	m.alert.Disarm()
	metrics.SetMonitoring(false)

	stats := r.session.Summary(now)
	slog.Info("monitoring stopped", "session_id", stats.ID, "readings", stats.ReadingCount,
		"alerts", stats.AlertCount, "duration", stats.FormattedDuration)
	m.logSession(eventlog.MonitoringStopped, stats.ID, "", &eventlog.SessionDetails{
		AlertThreshold: stats.AlertThreshold,
		Readings:       stats.ReadingCount,
		AlertCount:     stats.AlertCount,
		Average:        stats.Average,
		Max:            stats.Max,
	})

	m.publishIdle(now, m.settings.Alert)
	return errors.Join(errs...)
}

// ResetSession closes the open session with what it has recorded and
// continues the run in a fresh session. Peak and alert cooldown are cleared;
// a level that is already above the threshold does not fire again.
func (m *Monitor) ResetSession() error {
	return m.do(func(r *run) {
		now := m.clock.Now()
		prev := r.session
		prev.AlertCount = m.alert.Count()
		r.persister.enqueue(job{
			kind:       jobClose,
			id:         prev.ID,
			readings:   slices.Clone(prev.Readings),
			alertCount: prev.AlertCount,
		})

		sess, err := m.store.Create(r.alertCfg.Threshold)
		if err != nil {
			slog.Error("new session not persisted", "id", sess.ID, "error", err)
			m.logSession(eventlog.PersistFailed, sess.ID, "create", &eventlog.SessionDetails{Error: err.Error()})
		}
		r.session = sess
		r.stats = sess.Summary(now)
		m.peak.Reset()
		m.alert.ClearHistory()

		slog.Info("session reset", "closed_id", prev.ID, "session_id", sess.ID,
			"readings", len(prev.Readings), "alerts", prev.AlertCount)
		m.logSession(eventlog.SessionReset, sess.ID, "previous "+prev.ID, &eventlog.SessionDetails{
			AlertThreshold: sess.AlertThreshold,
			Readings:       len(prev.Readings),
			AlertCount:     prev.AlertCount,
		})
		m.publish(r, now)
	})
}

// SetAlertSettings changes the alert configuration. A running loop picks it
// up before its next tick, and a new threshold is recorded on the open session.
func (m *Monitor) SetAlertSettings(cfg audio.AlertConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings.Alert = cfg
	if m.run == nil {
		m.publishIdle(m.clock.Now(), cfg)
		return
	}
	m.doLocked(m.run, func(r *run) {
		r.alertCfg = cfg
		now := m.clock.Now()
		if r.session.AlertThreshold != cfg.Threshold {
			r.session.AlertThreshold = cfg.Threshold
			r.stats = r.session.Summary(now)
			r.persister.enqueue(job{kind: jobThreshold, id: r.session.ID, threshold: cfg.Threshold})
		}
		m.publish(r, now)
	})
}

// do runs fn on the loop goroutine and waits for it to finish.
func (m *Monitor) do(fn func(r *run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run == nil {
		return ErrNotMonitoring
	}
	m.doLocked(m.run, fn)
	return nil
}

// doLocked is do for callers holding m.mu with r alive.
func (m *Monitor) doLocked(r *run, fn func(r *run)) {
	done := make(chan struct{})
	r.cmds <- func() {
		defer close(done)
		fn(r)
	}
	<-done
}

// loop owns r until stop is closed.
func (m *Monitor) loop(r *run, settings Settings) {
	defer close(r.done)

	fast := m.clock.NewTicker(settings.SampleInterval)
	defer fast.Stop()
	slow := m.clock.NewTicker(settings.RecordInterval)
	defer slow.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-fast.C():
			m.sampleTick(r, now)
		case now := <-slow.C():
			m.recordTick(r, now)
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

// sampleTick reads one level, updates peak and alert state and publishes.
// A tick without a sample changes nothing.
func (m *Monitor) sampleTick(r *run, now time.Time) {
	raw, err := m.source.Level()
	if err != nil {
		metrics.IncTick(true)
		slog.Debug("sample skipped", "error", err)
		return
	}
	metrics.IncTick(false)

	level := audio.Normalize(raw)
	r.level = level
	m.peak.Update(level)

	event := m.alert.Update(level, r.alertCfg, now)
	switch {
	case event.Fired:
		metrics.IncAlert(true)
		m.alertFired(r, event)
	case event.Suppressed:
		metrics.IncAlert(false)
		slog.Debug("alert suppressed by cooldown", "level", level, "threshold", event.Threshold)
	}

	m.publish(r, now)
}

// recordTick appends the current level to the open session and queues a write.
func (m *Monitor) recordTick(r *run, now time.Time) {
	r.session.Append(session.NewReading(now, r.level))
	r.session.AlertCount = m.alert.Count()
	r.stats = r.session.Summary(now)
	metrics.IncReading()

	r.persister.enqueue(job{
		kind:       jobUpdate,
		id:         r.session.ID,
		readings:   slices.Clone(r.session.Readings),
		alertCount: r.session.AlertCount,
	})
	m.publish(r, now)
}

func (m *Monitor) alertFired(r *run, event audio.AlertEvent) {
	category := audio.Classify(event.Level)
	slog.Warn("noise level above threshold", "session_id", r.session.ID,
		"level", event.Level, "threshold", event.Threshold, "category", category.String(), "count", event.Count)

	if m.notifier != nil {
		m.notifier.AlertFired(event)
	}
	if m.events != nil {
		if err := m.events.LogAlert(eventlog.AlertFired, r.session.ID, event.Level, event.Threshold, category.String(), event.Count); err != nil {
			slog.Warn("failed to log alert event", "error", err)
		}
	}
}

// persistFailed records a failed store write. It runs on the persister goroutine.
func (m *Monitor) persistFailed(j job, err error) {
	m.logSession(eventlog.PersistFailed, j.id, j.kind.String(), &eventlog.SessionDetails{Error: err.Error()})
}

func (m *Monitor) logSession(eventType eventlog.EventType, sessionID, message string, details *eventlog.SessionDetails) {
	if m.events == nil {
		return
	}
	if err := m.events.LogSession(eventType, sessionID, message, details); err != nil {
		slog.Warn("failed to log session event", "type", eventType, "error", err)
	}
}

// publish builds and publishes a snapshot of a running engine.
func (m *Monitor) publish(r *run, now time.Time) {
	start := r.session.StartTime
	snap := &Snapshot{
		Monitoring:     true,
		SessionID:      r.session.ID,
		Level:          r.level,
		Category:       audio.Classify(r.level),
		Peak:           m.peak.Peak(),
		AlertEnabled:   r.alertCfg.Enabled,
		AlertThreshold: r.alertCfg.Threshold,
		AlertTriggered: m.alert.Triggered(),
		AlertCount:     m.alert.Count(),
		LastAlert:      m.lastAlert(),
		StartTime:      &start,
		Duration:       r.session.FormattedDuration(now),
		ReadingCount:   r.stats.ReadingCount,
		Average:        r.stats.Average,
		Min:            r.stats.Min,
		Max:            r.stats.Max,
		Recent:         r.session.Recent(r.window),
		UpdatedAt:      now,
	}
	m.setSnapshot(snap)
}

// publishIdle publishes the state of a stopped engine.
func (m *Monitor) publishIdle(now time.Time, alertCfg audio.AlertConfig) {
	snap := &Snapshot{
		Level:          audio.SilenceLevel,
		Category:       audio.Classify(audio.SilenceLevel),
		Peak:           m.peak.Peak(),
		AlertEnabled:   alertCfg.Enabled,
		AlertThreshold: alertCfg.Threshold,
		AlertCount:     m.alert.Count(),
		LastAlert:      m.lastAlert(),
		Duration:       util.FormatClock(0),
		Recent:         []session.Reading{},
		UpdatedAt:      now,
	}
	m.setSnapshot(snap)
}

func (m *Monitor) lastAlert() *time.Time {
	if t, ok := m.alert.LastAlert(); ok {
		return &t
	}
	return nil
}

func (m *Monitor) setSnapshot(snap *Snapshot) {
	m.snapshot.Store(snap)
	metrics.SetLevels(snap.Level, snap.Peak)
	m.subs.send(*snap)
}
