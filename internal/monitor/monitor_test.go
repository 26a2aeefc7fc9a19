package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// fakeClock hands out tickers whose channels the test fires by hand.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration]chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start, tickers: make(map[time.Duration]chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *fakeClock) channel(d time.Duration) chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.tickers[d]
	if !ok {
		ch = make(chan time.Time)
		c.tickers[d] = ch
	}
	return ch
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	return fakeTicker{ch: c.channel(d)}
}

type fakeTicker struct {
	ch chan time.Time
}

func (t fakeTicker) C() <-chan time.Time { return t.ch }
func (t fakeTicker) Stop()               {}

// fakeSource returns queued raw levels, then ErrNoSample.
type fakeSource struct {
	mu     sync.Mutex
	levels []float64
	err    error

	activated, deactivated int
}

func (s *fakeSource) push(raw ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, raw...)
}

func (s *fakeSource) Level() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.levels) == 0 {
		return 0, audio.ErrNoSample
	}
	l := s.levels[0]
	s.levels = s.levels[1:]
	return l, nil
}

func (s *fakeSource) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated++
	return nil
}

func (s *fakeSource) Deactivate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated++
	return nil
}

type authorizer bool

func (a authorizer) CaptureAuthorized() bool { return bool(a) }

// memMedium is an in-memory session medium.
type memMedium struct {
	mu   sync.Mutex
	data []byte
	fail error
}

func (m *memMedium) Name() string { return "memory" }

func (m *memMedium) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, session.ErrNoDocument
	}
	return m.data, nil
}

func (m *memMedium) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.data = append([]byte(nil), data...)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []audio.AlertEvent
}

func (n *recordingNotifier) AlertFired(ev audio.AlertEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type recordingEvents struct {
	mu    sync.Mutex
	types []eventlog.EventType
}

func (e *recordingEvents) LogAlert(t eventlog.EventType, _ string, _, _ float64, _ string, _ int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, t)
	return nil
}

func (e *recordingEvents) LogSession(t eventlog.EventType, _, _ string, _ *eventlog.SessionDetails) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, t)
	return nil
}

func (e *recordingEvents) has(t eventlog.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.types {
		if got == t {
			return true
		}
	}
	return false
}

// rawFor returns the raw dBFS value that normalizes to level.
func rawFor(level float64) float64 {
	return level/audio.MaxLevel*(audio.MaxRawDB-audio.MinRawDB) + audio.MinRawDB
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	source   *fakeSource
	medium   *memMedium
	store    *session.Store
	notifier *recordingNotifier
	events   *recordingEvents
	mon      *Monitor
}

func newHarness(t *testing.T, threshold float64) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    newFakeClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)),
		source:   &fakeSource{},
		medium:   &memMedium{},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
	}
	h.store = session.NewStore(h.medium)
	h.store.SetClock(h.clock.Now)

	settings := DefaultSettings()
	settings.Alert.Threshold = threshold
	h.mon = New(Config{
		Source:     h.source,
		Authorizer: authorizer(true),
		Store:      h.store,
		Notifier:   h.notifier,
		Events:     h.events,
		Clock:      h.clock,
		Settings:   settings,
	})
	t.Cleanup(func() { _ = h.mon.Stop() })
	return h
}

// sync waits until the loop has handled everything sent before it.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.mon.do(func(*run) {}); err != nil {
		h.t.Fatalf("loop not running: %v", err)
	}
}

// sample feeds one raw level through a fast tick.
func (h *harness) sample(level float64) {
	h.t.Helper()
	h.source.push(rawFor(level))
	h.clock.channel(DefaultSampleInterval) <- h.clock.advance(DefaultSampleInterval)
	h.sync()
}

// record fires one slow tick.
func (h *harness) record() {
	h.t.Helper()
	h.clock.channel(DefaultRecordInterval) <- h.clock.advance(DefaultRecordInterval)
	h.sync()
}

func TestEndToEndSession(t *testing.T) {
	h := newHarness(t, 70)
	if err := h.mon.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	id := h.mon.Snapshot().SessionID

	for _, level := range []float64{20, 75, 82, 82, 30} {
		h.sample(level)
		h.record()
	}
	if err := h.mon.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	sess, ok := h.store.Get(id)
	if !ok {
		t.Fatal("session missing from store")
	}
	if sess.IsOpen() {
		t.Fatal("session still open after Stop")
	}
	if len(sess.Readings) != 5 {
		t.Fatalf("readings = %d, want 5", len(sess.Readings))
	}
	if sess.AlertCount != 1 {
		t.Errorf("AlertCount = %d, want 1", sess.AlertCount)
	}
	if !near(sess.Max(), 82) || !near(sess.Min(), 20) || !near(sess.Average(), 57.8) {
		t.Errorf("stats max=%v min=%v avg=%v, want 82/20/57.8", sess.Max(), sess.Min(), sess.Average())
	}
	if sess.AlertThreshold != 70 {
		t.Errorf("AlertThreshold = %v, want 70", sess.AlertThreshold)
	}
	if h.notifier.count() != 1 {
		t.Errorf("notifier got %d alerts, want 1", h.notifier.count())
	}
	if !h.events.has(eventlog.AlertFired) || !h.events.has(eventlog.MonitoringStopped) {
		t.Errorf("events = %v", h.events.types)
	}

	reloaded := session.NewStore(h.medium)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got, ok := reloaded.Get(id); !ok || got.IsOpen() || len(got.Readings) != 5 {
		t.Errorf("persisted session = %+v", got)
	}
}

func TestStopResetsState(t *testing.T) {
	h := newHarness(t, 70)
	_ = h.mon.Start()
	h.sample(90)
	if snap := h.mon.Snapshot(); !snap.AlertTriggered || !near(snap.Level, 90) {
		t.Fatalf("snapshot before stop = %+v", snap)
	}

	_ = h.mon.Stop()
	snap := h.mon.Snapshot()
	if snap.Monitoring || snap.AlertTriggered || snap.Level != audio.SilenceLevel {
		t.Errorf("snapshot after stop = %+v", snap)
	}
	if h.source.activated != 1 || h.source.deactivated != 1 {
		t.Errorf("activate/deactivate = %d/%d", h.source.activated, h.source.deactivated)
	}
	if err := h.mon.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestPeakMonotonicAndReset(t *testing.T) {
	h := newHarness(t, 110)
	_ = h.mon.Start()

	prev := 0.0
	for _, level := range []float64{10, 60, 40, 95, 20} {
		h.sample(level)
		peak := h.mon.Snapshot().Peak
		if peak < prev {
			t.Fatalf("peak decreased from %v to %v", prev, peak)
		}
		prev = peak
	}
	if !near(prev, 95) {
		t.Fatalf("peak = %v, want 95", prev)
	}

	h.record()
	if err := h.mon.ResetSession(); err != nil {
		t.Fatalf("ResetSession() = %v", err)
	}
	snap := h.mon.Snapshot()
	if snap.Peak != audio.SilenceLevel || snap.ReadingCount != 0 || snap.AlertCount != 0 {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	h.sample(30)
	if !near(h.mon.Snapshot().Peak, 30) {
		t.Errorf("peak after reset = %v, want 30", h.mon.Snapshot().Peak)
	}
	if !h.events.has(eventlog.SessionReset) {
		t.Error("reset not logged")
	}
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, 80)
	if err := h.mon.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := h.mon.Start(); !errors.Is(err, ErrAlreadyMonitoring) {
		t.Errorf("second Start() = %v, want ErrAlreadyMonitoring", err)
	}
	if n := len(h.store.List()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestStartPermissionDenied(t *testing.T) {
	h := newHarness(t, 80)
	h.mon.auth = authorizer(false)

	if err := h.mon.Start(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() = %v, want ErrPermissionDenied", err)
	}
	if h.mon.IsMonitoring() {
		t.Error("monitoring after denied start")
	}
	if len(h.store.List()) != 0 {
		t.Error("denied start created a session")
	}
	if h.source.activated != 0 {
		t.Error("denied start activated capture")
	}
}

func TestSampleFailureSkipsTick(t *testing.T) {
	h := newHarness(t, 70)
	_ = h.mon.Start()
	h.sample(50)

	h.source.mu.Lock()
	h.source.err = errors.New("device unplugged")
	h.source.mu.Unlock()

	h.clock.channel(DefaultSampleInterval) <- h.clock.advance(DefaultSampleInterval)
	h.sync()
	if snap := h.mon.Snapshot(); !near(snap.Level, 50) {
		t.Errorf("level after failed sample = %v, want 50", snap.Level)
	}

	h.record()
	if snap := h.mon.Snapshot(); snap.ReadingCount != 1 || !near(snap.Recent[0].Level, 50) {
		t.Errorf("recorded %+v after a skipped tick", snap.Recent)
	}
}

func TestAlertDisabledStillTracksTriggered(t *testing.T) {
	h := newHarness(t, 70)
	h.mon.SetAlertSettings(audio.AlertConfig{Enabled: false, Threshold: 70, Cooldown: audio.DefaultAlertCooldown})
	_ = h.mon.Start()

	h.sample(85)
	snap := h.mon.Snapshot()
	if !snap.AlertTriggered || snap.AlertCount != 0 {
		t.Errorf("snapshot = %+v, want triggered with no alerts", snap)
	}
	if h.notifier.count() != 0 {
		t.Error("disabled alerts notified")
	}
}

func TestSetAlertSettingsWhileRunning(t *testing.T) {
	h := newHarness(t, 90)
	_ = h.mon.Start()
	h.sample(80)
	if h.mon.Snapshot().AlertTriggered {
		t.Fatal("80 should be below threshold 90")
	}

	h.mon.SetAlertSettings(audio.AlertConfig{Enabled: true, Threshold: 60, Cooldown: 0})
	if got := h.mon.Snapshot().AlertThreshold; got != 60 {
		t.Errorf("snapshot threshold = %v, want 60", got)
	}
	h.sample(80)
	if h.notifier.count() != 1 {
		t.Errorf("alerts after lowering threshold = %d, want 1", h.notifier.count())
	}

	id := h.mon.Snapshot().SessionID
	_ = h.mon.Stop()
	if sess, _ := h.store.Get(id); sess.AlertThreshold != 60 {
		t.Errorf("session threshold = %v, want 60", sess.AlertThreshold)
	}
}

// auditStore checks every alert count written through it.
type auditStore struct {
	*session.Store

	mu       sync.Mutex
	last     map[string]int
	closed   map[string]bool
	failures []string
}

func newAuditStore(st *session.Store) *auditStore {
	return &auditStore{Store: st, last: make(map[string]int), closed: make(map[string]bool)}
}

func (s *auditStore) Update(id string, readings []session.Reading, alertCount int) error {
	s.observe(id, alertCount, false)
	return s.Store.Update(id, readings, alertCount)
}

func (s *auditStore) Close(id string, readings []session.Reading, alertCount int) error {
	s.observe(id, alertCount, true)
	return s.Store.Close(id, readings, alertCount)
}

func (s *auditStore) observe(id string, alertCount int, closing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed[id] {
		s.failures = append(s.failures, "write after close of "+id)
	}
	if prev, ok := s.last[id]; ok && alertCount < prev {
		s.failures = append(s.failures, fmt.Sprintf("alert count of %s went from %d to %d", id, prev, alertCount))
	}
	s.last[id] = alertCount
	if closing {
		s.closed[id] = true
	}
}

func TestResetSessionStartsNewSession(t *testing.T) {
	h := newHarness(t, 70)
	audit := newAuditStore(h.store)
	h.mon = New(Config{
		Source:     h.source,
		Authorizer: authorizer(true),
		Store:      audit,
		Notifier:   h.notifier,
		Events:     h.events,
		Clock:      h.clock,
		Settings:   h.mon.Settings(),
	})

	if err := h.mon.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	first := h.mon.Snapshot().SessionID
	h.sample(20)
	h.record()
	h.sample(90)
	h.record()

	if err := h.mon.ResetSession(); err != nil {
		t.Fatalf("ResetSession() = %v", err)
	}
	snap := h.mon.Snapshot()
	second := snap.SessionID
	if second == first || second == "" {
		t.Fatalf("session after reset = %q, want a new id (previous %q)", second, first)
	}
	if snap.AlertCount != 0 || snap.ReadingCount != 0 || !snap.AlertTriggered {
		t.Errorf("snapshot after reset = %+v", snap)
	}

	// Still loud: no new crossing. Quiet then loud again fires once.
	h.sample(90)
	h.sample(20)
	h.sample(90)
	h.record()
	if err := h.mon.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	audit.mu.Lock()
	failures := audit.failures
	audit.mu.Unlock()
	for _, f := range failures {
		t.Error(f)
	}

	prev, ok := h.store.Get(first)
	if !ok || prev.IsOpen() || prev.AlertCount != 1 || len(prev.Readings) != 2 {
		t.Errorf("reset session = %+v, want closed with 1 alert and 2 readings", prev)
	}
	next, ok := h.store.Get(second)
	if !ok || next.IsOpen() || next.AlertCount != 1 || len(next.Readings) != 1 {
		t.Errorf("follow-up session = %+v, want closed with 1 alert and 1 reading", next)
	}
	if n := len(h.store.List()); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
	if h.notifier.count() != 2 {
		t.Errorf("alerts = %d, want 2", h.notifier.count())
	}
}

func TestDisplayWindow(t *testing.T) {
	h := newHarness(t, 110)
	_ = h.mon.Start()
	for range DefaultDisplayWindow + 5 {
		h.record()
	}
	snap := h.mon.Snapshot()
	if snap.ReadingCount != DefaultDisplayWindow+5 {
		t.Errorf("ReadingCount = %d", snap.ReadingCount)
	}
	if len(snap.Recent) != DefaultDisplayWindow {
		t.Errorf("Recent = %d readings, want %d", len(snap.Recent), DefaultDisplayWindow)
	}
}

func TestPersistFailureKeepsMonitoring(t *testing.T) {
	h := newHarness(t, 70)
	_ = h.mon.Start()
	id := h.mon.Snapshot().SessionID

	h.medium.mu.Lock()
	h.medium.fail = errors.New("disk full")
	h.medium.mu.Unlock()

	h.sample(40)
	h.record()
	h.record()
	if !h.mon.IsMonitoring() {
		t.Fatal("write failure stopped monitoring")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !h.events.has(eventlog.PersistFailed) {
		if time.Now().After(deadline) {
			t.Fatal("persist failure not logged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.medium.mu.Lock()
	h.medium.fail = nil
	h.medium.mu.Unlock()

	if err := h.mon.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	reloaded := session.NewStore(h.medium)
	_ = reloaded.Load()
	if got, ok := reloaded.Get(id); !ok || len(got.Readings) != 2 {
		t.Errorf("write after recovery did not catch up: %+v", got)
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, 70)
	ch, cancel := h.mon.Subscribe()
	defer cancel()

	_ = h.mon.Start()
	select {
	case snap := <-ch:
		if !snap.Monitoring {
			t.Errorf("first snapshot = %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published on start")
	}
}

func TestOperationsWhenIdle(t *testing.T) {
	h := newHarness(t, 70)
	if err := h.mon.ResetSession(); !errors.Is(err, ErrNotMonitoring) {
		t.Errorf("ResetSession() idle = %v, want ErrNotMonitoring", err)
	}
	if err := h.mon.Stop(); err != nil {
		t.Errorf("Stop() idle = %v", err)
	}
}

func TestPersisterCoalescesUpdates(t *testing.T) {
	st := &blockingStore{started: make(chan struct{}), release: make(chan struct{})}
	p := newPersister(st, nil)

	p.enqueue(job{kind: jobUpdate, id: "a", alertCount: 1})
	<-st.started
	p.enqueue(job{kind: jobUpdate, id: "a", alertCount: 2})
	p.enqueue(job{kind: jobUpdate, id: "a", alertCount: 3})
	p.enqueue(job{kind: jobClose, id: "a", alertCount: 3})
	close(st.release)
	p.drain()

	want := []string{"update:1", "update:3", "close:3"}
	if len(st.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", st.calls, want)
	}
	for i := range want {
		if st.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, st.calls[i], want[i])
		}
	}
}

// blockingStore blocks its first write until release is closed.
type blockingStore struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	calls   []string
}

func (s *blockingStore) wait() {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
}

func (s *blockingStore) Create(float64) (session.Session, error) {
	return session.Session{}, nil
}

func (s *blockingStore) Update(_ string, _ []session.Reading, n int) error {
	s.wait()
	s.calls = append(s.calls, "update:"+strconv.Itoa(n))
	return nil
}

func (s *blockingStore) Close(_ string, _ []session.Reading, n int) error {
	s.wait()
	s.calls = append(s.calls, "close:"+strconv.Itoa(n))
	return nil
}

func (s *blockingStore) SetThreshold(string, float64) error { return nil }
