package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
)

// testTimeout bounds one notification test, including retries.
const testTimeout = 60 * time.Second

// RunNotificationTest sends a test notification on channel using the
// current configuration.
func RunNotificationTest(ctx context.Context, cfg *config.Config, channel string) error {
	snap := cfg.Snapshot()
	switch channel {
	case notify.ChannelWebhook:
		return notify.SendTestWebhook(snap.WebhookURL, snap.StationName)
	case notify.ChannelLog:
		return notify.WriteTestLog(snap.LogPath)
	case notify.ChannelEmail:
		graphCfg := notify.BuildGraphConfig(snap)
		return notify.SendTestEmail(ctx, &graphCfg, snap.StationName)
	case notify.ChannelZabbix:
		return notify.SendTestZabbix(snap.ZabbixServer, snap.ZabbixPort, snap.ZabbixHost, snap.ZabbixKey)
	case notify.ChannelKafka:
		return notify.SendTestKafka(ctx, snap.KafkaBrokers, snap.KafkaTopic, snap.StationName)
	default:
		return fmt.Errorf("unknown notification channel: %s", channel)
	}
}

// NotificationSettings returns the settings of channel. Secrets are reduced
// to whether they are set.
//
//nolint:gocritic // hugeParam: copy is acceptable for infrequent settings reads
func NotificationSettings(snap config.Snapshot, channel string) (any, error) {
	switch channel {
	case notify.ChannelWebhook:
		return map[string]any{"url": snap.WebhookURL}, nil
	case notify.ChannelLog:
		return map[string]any{"path": snap.LogPath}, nil
	case notify.ChannelEmail:
		return map[string]any{
			"tenant_id":    snap.GraphTenantID,
			"client_id":    snap.GraphClientID,
			"has_secret":   snap.GraphClientSecret != "",
			"from_address": snap.GraphFromAddress,
			"recipients":   snap.GraphRecipients,
		}, nil
	case notify.ChannelZabbix:
		return map[string]any{
			"server": snap.ZabbixServer,
			"port":   snap.ZabbixPort,
			"host":   snap.ZabbixHost,
			"key":    snap.ZabbixKey,
		}, nil
	case notify.ChannelKafka:
		return map[string]any{
			"brokers": strings.Join(snap.KafkaBrokers, ","),
			"topic":   snap.KafkaTopic,
		}, nil
	default:
		return nil, fmt.Errorf("unknown notification channel: %s", channel)
	}
}

// handleNotificationUpdate processes a notifications/<channel>/update command.
func (h *CommandHandler) handleNotificationUpdate(channel string, cmd WSCommand, send chan<- any) {
	switch channel {
	case notify.ChannelWebhook:
		HandleCommand(cmd, send, func(req *WebhookUpdateRequest) (any, error) {
			return h.saved(channel, h.cfg.SetWebhookURL(req.URL))
		})
	case notify.ChannelLog:
		HandleCommand(cmd, send, func(req *LogUpdateRequest) (any, error) {
			return h.saved(channel, h.cfg.SetLogPath(req.Path))
		})
	case notify.ChannelEmail:
		HandleCommand(cmd, send, func(req *EmailUpdateRequest) (any, error) {
			secret := req.ClientSecret
			if secret == "" {
				// An empty secret keeps the stored one
				secret = h.cfg.Snapshot().GraphClientSecret
			}
			return h.saved(channel, h.cfg.SetGraphConfig(req.TenantID, req.ClientID, secret, req.FromAddress, req.Recipients))
		})
	case notify.ChannelZabbix:
		HandleCommand(cmd, send, func(req *ZabbixUpdateRequest) (any, error) {
			return h.saved(channel, h.cfg.SetZabbixConfig(req.Server, req.Port, req.Host, req.Key))
		})
	case notify.ChannelKafka:
		HandleCommand(cmd, send, func(req *KafkaUpdateRequest) (any, error) {
			return h.saved(channel, h.cfg.SetKafkaConfig(req.Brokers, req.Topic))
		})
	default:
		h.unknown(cmd, send)
	}
}

// saved finishes a settings update: cached clients are dropped and the new
// settings returned.
func (h *CommandHandler) saved(channel string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if h.notifier != nil {
		h.notifier.InvalidateClients()
	}
	slog.Info("notification settings updated", "channel", channel)
	return NotificationSettings(h.cfg.Snapshot(), channel)
}

// handleNotificationTest processes a notifications/<channel>/test command.
func (h *CommandHandler) handleNotificationTest(channel string, cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		if err := RunNotificationTest(ctx, h.cfg, channel); err != nil {
			slog.Error("notification test failed", "channel", channel, "error", err)
			return nil, err
		}
		slog.Info("notification test succeeded", "channel", channel)
		return nil, nil
	})
}

// handleNotificationGet processes a notifications/<channel>/get command.
func (h *CommandHandler) handleNotificationGet(channel string, cmd WSCommand, send chan<- any) {
	settings, err := NotificationSettings(h.cfg.Snapshot(), channel)
	if err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	SendSuccess(send, cmd.Type, settings)
}
