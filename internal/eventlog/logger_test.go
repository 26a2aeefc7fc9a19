package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger() = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReadLastNewestFirst(t *testing.T) {
	l := newTestLogger(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_ = l.Log(&Event{Timestamp: base, Type: MonitoringStarted, SessionID: "s1"})
	_ = l.Log(&Event{Timestamp: base.Add(time.Second), Type: AlertFired, SessionID: "s1"})
	_ = l.Log(&Event{Timestamp: base.Add(2 * time.Second), Type: MonitoringStopped, SessionID: "s1"})

	events, more, err := ReadLast(l.Path(), 10, 0, FilterAll)
	if err != nil {
		t.Fatalf("ReadLast() = %v", err)
	}
	if more || len(events) != 3 {
		t.Fatalf("ReadLast() = %d events, more=%v", len(events), more)
	}
	if events[0].Type != MonitoringStopped || events[2].Type != MonitoringStarted {
		t.Errorf("order = %v, %v, %v", events[0].Type, events[1].Type, events[2].Type)
	}
}

func TestReadLastFilterAndPagination(t *testing.T) {
	l := newTestLogger(t)
	_ = l.LogSession(MonitoringStarted, "s1", "", &SessionDetails{AlertThreshold: 80})
	for i := range 5 {
		_ = l.LogAlert(AlertFired, "s1", 85, 80, "Very Loud", i+1)
	}
	_ = l.LogSession(PersistFailed, "s1", "", &SessionDetails{Error: "disk full"})

	events, more, err := ReadLast(l.Path(), 2, 1, FilterAlert)
	if err != nil {
		t.Fatalf("ReadLast() = %v", err)
	}
	if len(events) != 2 || !more {
		t.Fatalf("ReadLast() = %d events, more=%v; want 2, true", len(events), more)
	}
	for _, e := range events {
		if e.Type != AlertFired {
			t.Errorf("filter let through %v", e.Type)
		}
	}

	events, more, _ = ReadLast(l.Path(), 10, 4, FilterAlert)
	if len(events) != 1 || more {
		t.Errorf("last page = %d events, more=%v", len(events), more)
	}

	events, _, _ = ReadLast(l.Path(), 10, 0, FilterStorage)
	if len(events) != 1 || events[0].Type != PersistFailed {
		t.Errorf("storage filter = %+v", events)
	}
}

func TestReadLastMissingFile(t *testing.T) {
	events, more, err := ReadLast(filepath.Join(t.TempDir(), "none.jsonl"), 10, 0, FilterAll)
	if err != nil || more || len(events) != 0 {
		t.Errorf("ReadLast(missing) = %v, %v, %v", events, more, err)
	}
}

func TestReadLastSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"ts":"2026-01-01T00:00:00Z","type":"alert_fired"}
not json
{"ts":"2026-01-01T00:00:01Z","type":"monitoring_stopped"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	events, _, err := ReadLast(path, 10, 0, FilterAll)
	if err != nil || len(events) != 2 {
		t.Errorf("ReadLast() = %d events, %v", len(events), err)
	}
}

func TestParseFilter(t *testing.T) {
	if f, ok := ParseFilter("alert"); !ok || f != FilterAlert {
		t.Errorf("ParseFilter(alert) = %v, %v", f, ok)
	}
	if _, ok := ParseFilter("bogus"); ok {
		t.Error("ParseFilter(bogus) should fail")
	}
}
