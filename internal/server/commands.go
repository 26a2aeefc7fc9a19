package server

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// MaxEventEntries is the maximum number of event log entries per command.
const MaxEventEntries = 100

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Monitor is the monitoring engine as driven by commands.
type Monitor interface {
	Start() error
	Stop() error
	ResetSession() error
	SetAlertSettings(cfg audio.AlertConfig)
	Snapshot() monitor.Snapshot
}

// SessionStore is the session repository as exposed to clients.
type SessionStore interface {
	List() []session.Session
	ListClosed() []session.Session
	Get(id string) (session.Session, bool)
	Delete(id string) error
	DeleteAll() error
}

// DeviceSelector switches the capture device.
type DeviceSelector interface {
	SetDevice(device string)
}

// ClientInvalidator drops cached notification clients after a settings change.
type ClientInvalidator interface {
	InvalidateClients()
}

// Deps wires a CommandHandler. Devices, Notifier and EventLogPath are optional.
type Deps struct {
	Config       *config.Config
	Monitor      Monitor
	Store        SessionStore
	Devices      DeviceSelector
	Notifier     ClientInvalidator
	EventLogPath string
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg          *config.Config
	monitor      Monitor
	store        SessionStore
	devices      DeviceSelector
	notifier     ClientInvalidator
	eventLogPath string
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(deps Deps) *CommandHandler {
	return &CommandHandler{
		cfg:          deps.Config,
		monitor:      deps.Monitor,
		store:        deps.Store,
		devices:      deps.Devices,
		notifier:     deps.Notifier,
		eventLogPath: deps.EventLogPath,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "monitor/start",
// "notifications/webhook/test").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any) {
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "monitor":
		h.handleMonitor(action, cmd, send)
	case "alert":
		h.handleAlert(action, cmd, send)
	case "sessions":
		h.handleSessions(action, cmd, send)
	case "audio":
		h.handleAudio(action, cmd, send)
	case "events":
		h.handleEvents(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		h.unknown(cmd, send)
	}
}

// --- Namespace handlers ---

// handleMonitor routes monitor/* commands
func (h *CommandHandler) handleMonitor(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "start":
		h.handleMonitorStart(cmd, send)
	case "stop":
		h.handleMonitorStop(cmd, send)
	case "reset":
		h.handleMonitorReset(cmd, send)
	case "get":
		SendSuccess(send, cmd.Type, h.monitor.Snapshot())
	default:
		h.unknown(cmd, send)
	}
}

// handleAlert routes alert/* commands
func (h *CommandHandler) handleAlert(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleAlertUpdate(cmd, send)
	case "get":
		h.handleAlertGet(cmd, send)
	default:
		h.unknown(cmd, send)
	}
}

// handleSessions routes sessions/* commands
func (h *CommandHandler) handleSessions(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "list":
		h.handleSessionsList(cmd, send)
	case "get":
		h.handleSessionGet(cmd, send)
	case "delete":
		h.handleSessionDelete(cmd, send)
	case "delete-all":
		h.handleSessionsDeleteAll(cmd, send)
	default:
		h.unknown(cmd, send)
	}
}

// handleAudio routes audio/* commands
func (h *CommandHandler) handleAudio(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleAudioUpdate(cmd, send)
	case "get":
		h.handleAudioGet(cmd, send)
	default:
		h.unknown(cmd, send)
	}
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "list":
		h.handleEventsList(cmd, send)
	default:
		h.unknown(cmd, send)
	}
}

// handleNotifications routes notifications/*/* commands
func (h *CommandHandler) handleNotifications(channel, subaction string, cmd WSCommand, send chan<- any) {
	switch subaction {
	case "update":
		h.handleNotificationUpdate(channel, cmd, send)
	case "test":
		h.handleNotificationTest(channel, cmd, send)
	case "get":
		h.handleNotificationGet(channel, cmd, send)
	default:
		h.unknown(cmd, send)
	}
}

// unknown answers a command no handler recognizes.
func (h *CommandHandler) unknown(cmd WSCommand, send chan<- any) {
	SendError(send, cmd.Type, errUnknownCommand)
}
