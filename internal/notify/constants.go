package notify

import (
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
)

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM Noise Meter"

// Notification channels, used as log types and metric labels.
const (
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
	ChannelEmail   = "email"
	ChannelZabbix  = "zabbix"
	ChannelKafka   = "kafka"
)

// Event names carried by every channel.
const (
	EventNoiseAlert = "noise_alert"
	EventTest       = "test"
)

// Alert is a fired noise alert as delivered to notification channels.
type Alert struct {
	Station   string
	Level     float64
	Threshold float64
	Category  audio.Category
	Count     int
	Time      time.Time

	CooldownMs int64 // minimum time between alerts
}

// NewAlert builds an Alert from a fired detector event.
//
//nolint:gocritic // hugeParam: copy is acceptable for infrequent notification events
func NewAlert(cfg config.Snapshot, event audio.AlertEvent) Alert {
	return Alert{
		Station:   cfg.StationName,
		Level:     event.Level,
		Threshold: event.Threshold,
		Category:  audio.Classify(event.Level),
		Count:     event.Count,
		Time:      event.Time,

		CooldownMs: cfg.AlertCooldownMs,
	}
}

// Timestamp returns the alert time in UTC RFC3339 format.
func (a *Alert) Timestamp() string {
	if a.Time.IsZero() {
		return timestampUTC()
	}
	return a.Time.UTC().Format(time.RFC3339)
}

// timestampUTC returns the current UTC time in RFC3339 format.
func timestampUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
