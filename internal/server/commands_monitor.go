package server

import (
	"log/slog"
	"runtime"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
)

// AlertSettings is the alert configuration as reported to clients.
type AlertSettings struct {
	Enabled    bool    `json:"enabled"`
	Threshold  float64 `json:"threshold"`
	CooldownMs int64   `json:"cooldown_ms"`
}

// NewAlertSettings extracts the alert settings from a config snapshot.
//
//nolint:gocritic // hugeParam: copy is acceptable for infrequent settings reads
func NewAlertSettings(cfg config.Snapshot) AlertSettings {
	return AlertSettings{
		Enabled:    cfg.AlertEnabled,
		Threshold:  cfg.AlertThreshold,
		CooldownMs: cfg.AlertCooldownMs,
	}
}

// AudioSettings is the audio input configuration as reported to clients.
type AudioSettings struct {
	Input    string         `json:"input"`
	Devices  []audio.Device `json:"devices"`
	Platform string         `json:"platform"`
}

// --- Monitor handlers ---

// handleMonitorStart processes a monitor/start command.
func (h *CommandHandler) handleMonitorStart(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		if err := h.monitor.Start(); err != nil {
			return nil, err
		}
		return h.monitor.Snapshot(), nil
	})
}

// handleMonitorStop processes a monitor/stop command.
func (h *CommandHandler) handleMonitorStop(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		if err := h.monitor.Stop(); err != nil {
			return nil, err
		}
		return h.monitor.Snapshot(), nil
	})
}

// handleMonitorReset processes a monitor/reset command.
func (h *CommandHandler) handleMonitorReset(cmd WSCommand, send chan<- any) {
	if err := h.monitor.ResetSession(); err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	SendSuccess(send, cmd.Type, h.monitor.Snapshot())
}

// --- Alert handlers ---

// UpdateAlert merges req into the stored alert settings, saves them and
// applies them to the running engine.
func UpdateAlert(cfg *config.Config, mon Monitor, req *AlertUpdateRequest) (AlertSettings, error) {
	snap := cfg.Snapshot()
	enabled, threshold, cooldownMs := snap.AlertEnabled, snap.AlertThreshold, snap.AlertCooldownMs
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if req.CooldownMs != nil {
		cooldownMs = *req.CooldownMs
	}

	if err := cfg.SetAlert(enabled, threshold, cooldownMs); err != nil {
		return AlertSettings{}, err
	}

	updated := cfg.Snapshot()
	mon.SetAlertSettings(updated.AlertConfig())
	slog.Info("alert settings updated", "enabled", enabled, "threshold", threshold, "cooldown_ms", cooldownMs)
	return NewAlertSettings(updated), nil
}

// handleAlertUpdate processes an alert/update command.
func (h *CommandHandler) handleAlertUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *AlertUpdateRequest) (any, error) {
		return UpdateAlert(h.cfg, h.monitor, req)
	})
}

// handleAlertGet processes an alert/get command.
func (h *CommandHandler) handleAlertGet(cmd WSCommand, send chan<- any) {
	SendSuccess(send, cmd.Type, NewAlertSettings(h.cfg.Snapshot()))
}

// --- Audio handlers ---

// handleAudioUpdate processes an audio/update command. The new device is
// used from the next capture start.
func (h *CommandHandler) handleAudioUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *AudioUpdateRequest) (any, error) {
		slog.Info("audio/update: changing audio input", "input", req.Input)
		if err := h.cfg.SetAudioInput(req.Input); err != nil {
			return nil, err
		}
		if h.devices != nil {
			h.devices.SetDevice(req.Input)
		}
		return h.audioSettings(), nil
	})
}

// handleAudioGet processes an audio/get command.
func (h *CommandHandler) handleAudioGet(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		return h.audioSettings(), nil
	})
}

func (h *CommandHandler) audioSettings() AudioSettings {
	return AudioSettings{
		Input:    h.cfg.AudioInput(),
		Devices:  audio.Devices(),
		Platform: runtime.GOOS,
	}
}
