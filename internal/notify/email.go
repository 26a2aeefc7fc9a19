package notify

import (
	"context"
	"fmt"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// alertEmail renders the subject and body of a noise alert email.
func alertEmail(alert *Alert) (subject, body string) {
	subject = "[ALERT] Noise Level Exceeded - " + alert.Station
	body = fmt.Sprintf(
		"The ambient noise level exceeded the alert threshold.\n\n"+
			"Level:     %.1f (%s)\n"+
			"Threshold: %.1f\n"+
			"Alert:     #%d this session\n"+
			"Time:      %s\n\n"+
			"Further alerts are held back for at least %s.\n"+
			"Sent by %s.",
		alert.Level, alert.Category, alert.Threshold, alert.Count,
		util.FormatHumanTime(alert.Time), util.FormatDuration(alert.CooldownMs), AppName,
	)
	return subject, body
}

// sendAlertEmail sends a noise alert email with client.
func sendAlertEmail(ctx context.Context, client *GraphClient, cfg *GraphConfig, alert *Alert) error {
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	subject, body := alertEmail(alert)
	if err := client.SendMail(ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test email from %s.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		AppName, util.HumanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return util.WrapError("send email", err)
	}

	return nil
}
