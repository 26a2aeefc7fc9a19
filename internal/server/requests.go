package server

import "errors"

var errUnknownCommand = errors.New("unknown command")

// Request types for WebSocket commands and HTTP endpoints. Validation uses
// go-playground/validator struct tags.

// --- Alert settings ---

// AlertUpdateRequest is the request body for alert/update. Omitted fields
// keep their current value.
type AlertUpdateRequest struct {
	Enabled    *bool    `json:"enabled"`
	Threshold  *float64 `json:"threshold" validate:"omitempty,gte=50,lte=110"`
	CooldownMs *int64   `json:"cooldown_ms" validate:"omitempty,gte=0,lte=600000"`
}

// --- Audio settings ---

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Input string `json:"input" validate:"required,max=256"`
}

// --- Sessions ---

// SessionsListRequest is the request body for sessions/list.
type SessionsListRequest struct {
	Closed bool `json:"closed"`
}

// SessionIDRequest is the request body for sessions/get and sessions/delete.
type SessionIDRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

// --- Event log ---

// EventsListRequest is the request body for events/list.
type EventsListRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"omitempty,gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=monitoring alert storage"`
}

// --- Notification settings ---

// WebhookUpdateRequest is the request body for notifications/webhook/update.
type WebhookUpdateRequest struct {
	URL string `json:"url" validate:"omitempty,max=2048,http_url"`
}

// LogUpdateRequest is the request body for notifications/log/update.
type LogUpdateRequest struct {
	Path string `json:"path" validate:"omitempty,max=4096"`
}

// EmailUpdateRequest is the request body for notifications/email/update.
type EmailUpdateRequest struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,max=100"`
	ClientID     string `json:"client_id" validate:"omitempty,max=100"`
	ClientSecret string `json:"client_secret" validate:"omitempty,max=500"`
	FromAddress  string `json:"from_address" validate:"omitempty,max=254,email"`
	Recipients   string `json:"recipients" validate:"omitempty,max=1000"`
}

// ZabbixUpdateRequest is the request body for notifications/zabbix/update.
type ZabbixUpdateRequest struct {
	Server string `json:"server" validate:"omitempty,max=253"`
	Port   int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Host   string `json:"host" validate:"omitempty,max=253"`
	Key    string `json:"key" validate:"omitempty,max=256"`
}

// KafkaUpdateRequest is the request body for notifications/kafka/update.
type KafkaUpdateRequest struct {
	Brokers string `json:"brokers" validate:"omitempty,max=2048"`
	Topic   string `json:"topic" validate:"omitempty,max=249"`
}
