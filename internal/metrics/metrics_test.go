package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordersAfterInit(t *testing.T) {
	Init(func() int { return 3 })

	SetLevels(72.5, 90)
	if got := testutil.ToFloat64(currentLevel); got != 72.5 {
		t.Errorf("level = %v, want 72.5", got)
	}
	if got := testutil.ToFloat64(peakLevel); got != 90 {
		t.Errorf("peak = %v, want 90", got)
	}

	SetMonitoring(true)
	if got := testutil.ToFloat64(monitoring); got != 1 {
		t.Errorf("monitoring = %v, want 1", got)
	}
	SetMonitoring(false)
	if got := testutil.ToFloat64(monitoring); got != 0 {
		t.Errorf("monitoring = %v, want 0", got)
	}

	before := testutil.ToFloat64(alertsTotal.WithLabelValues("suppressed"))
	IncAlert(false)
	if got := testutil.ToFloat64(alertsTotal.WithLabelValues("suppressed")); got != before+1 {
		t.Errorf("suppressed alerts = %v, want %v", got, before+1)
	}

	ObservePersist("", errors.New("disk full"), 10*time.Millisecond)
	if got := testutil.ToFloat64(persistTotal.WithLabelValues("unknown", resultError)); got < 1 {
		t.Errorf("persist errors for unnamed medium = %v, want >= 1", got)
	}

	IncNotification("webhook", nil)
	if got := testutil.ToFloat64(notificationsTotal.WithLabelValues("webhook", resultSuccess)); got < 1 {
		t.Errorf("webhook successes = %v, want >= 1", got)
	}

	// A second Init is a no-op rather than a duplicate registration panic
	Init(nil)
}
