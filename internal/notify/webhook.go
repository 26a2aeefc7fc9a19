package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event     string  `json:"event"`
	Station   string  `json:"station,omitempty"`
	Level     float64 `json:"level,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Category  string  `json:"category,omitempty"`
	Count     int     `json:"count,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// SendAlertWebhook notifies the configured webhook of a fired noise alert.
func SendAlertWebhook(webhookURL string, alert *Alert) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     EventNoiseAlert,
		Station:   alert.Station,
		Level:     alert.Level,
		Threshold: alert.Threshold,
		Category:  alert.Category.String(),
		Count:     alert.Count,
		Timestamp: alert.Timestamp(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     EventTest,
		Station:   stationName,
		Message:   "This is a test notification from " + stationName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
