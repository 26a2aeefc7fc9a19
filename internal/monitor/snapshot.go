package monitor

import (
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// Snapshot is an immutable view of the engine state for observers.
type Snapshot struct {
	Monitoring bool           `json:"monitoring"`
	SessionID  string         `json:"session_id,omitempty"`
	Level      float64        `json:"level"`
	Category   audio.Category `json:"category"`
	Peak       float64        `json:"peak"`

	AlertEnabled   bool       `json:"alert_enabled"`
	AlertThreshold float64    `json:"alert_threshold"`
	AlertTriggered bool       `json:"alert_triggered"`
	AlertCount     int        `json:"alert_count"`
	LastAlert      *time.Time `json:"last_alert,omitempty"`

	StartTime    *time.Time        `json:"start_time,omitempty"`
	Duration     string            `json:"duration"`
	ReadingCount int               `json:"reading_count"`
	Average      float64           `json:"average"`
	Min          float64           `json:"min"`
	Max          float64           `json:"max"`
	Recent       []session.Reading `json:"recent"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// subscriberBuffer is the number of snapshots a slow subscriber may lag
// behind before frames are dropped.
const subscriberBuffer = 8

// broadcaster fans snapshots out to subscribers without blocking the
// publisher.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Snapshot]struct{})}
}

// subscribe registers a new subscriber channel and returns its cancel func.
func (b *broadcaster) subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// send delivers snap to every subscriber that has room.
func (b *broadcaster) send(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
