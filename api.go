package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/server"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// notificationTestTimeout bounds one notification test, including retries.
const notificationTestTimeout = 60 * time.Second

var notificationChannels = []string{
	notify.ChannelWebhook,
	notify.ChannelLog,
	notify.ChannelEmail,
	notify.ChannelZabbix,
	notify.ChannelKafka,
}

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps err to an HTTP status. Validation failures keep their
// per-field details.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	var verr *server.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, verr)
		return
	}
	s.writeError(w, errorStatus(err), err.Error())
}

// errorStatus returns the HTTP status for an engine or store error.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrAlreadyMonitoring),
		errors.Is(err, monitor.ErrNotMonitoring),
		errors.Is(err, server.ErrSessionRecording):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrPermissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// parseJSON reads, parses and validates JSON from the request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := s.readJSON(r, &v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	if err := server.Validate(&v); err != nil {
		s.writeAPIError(w, err)
		return v, false
	}
	return v, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// StatusResponse is the response body for GET /api/status.
type StatusResponse struct {
	Station      string           `json:"station"`
	AuthRequired bool             `json:"auth_required"`
	Monitor      monitor.Snapshot `json:"monitor"`
	CaptureError string           `json:"capture_error,omitempty"`
	Version      VersionInfo      `json:"version"`
}

// handleAPIStatus returns the engine state.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	resp := StatusResponse{
		Station:      cfg.StationName,
		AuthRequired: cfg.HasAPIKey(),
		Monitor:      s.monitor.Snapshot(),
		Version:      s.version.Info(),
	}
	if s.capture != nil {
		resp.CaptureError = s.capture.LastError()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- Monitoring ---

// handleMonitorStart starts a monitoring run.
// POST /api/monitor/start
func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Start(); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

// handleMonitorStop stops the current run.
// POST /api/monitor/stop
func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Stop(); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

// handleMonitorReset closes the open session and continues in a new one.
// POST /api/monitor/reset
func (s *Server) handleMonitorReset(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ResetSession(); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

// handleRecentReadings returns the display window of the open session,
// oldest first. It is empty while idle.
// GET /api/readings
func (s *Server) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	readings := s.monitor.RecentReadings()
	if readings == nil {
		readings = []session.Reading{}
	}
	s.writeJSON(w, http.StatusOK, readings)
}

// --- Settings ---

// handleGetAlert returns the alert settings.
// GET /api/alert
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, server.NewAlertSettings(s.config.Snapshot()))
}

// handleUpdateAlert merges and applies alert settings.
// POST /api/alert
func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.AlertUpdateRequest](s, w, r)
	if !ok {
		return
	}
	settings, err := server.UpdateAlert(s.config, s.monitor, &req)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// StationUpdateRequest is the request body for POST /api/station.
type StationUpdateRequest struct {
	Name string `json:"name" validate:"required,max=30"`
}

// handleUpdateStation renames the station used in notifications.
// POST /api/station
func (s *Server) handleUpdateStation(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[StationUpdateRequest](s, w, r)
	if !ok {
		return
	}
	if err := s.config.SetStationName(req.Name); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

// handleRegenerateKey replaces the API key. The response is the only place
// the new key is shown.
// POST /api/key/regenerate
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	newKey, err := config.GenerateAPIKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.config.SetAPIKey(newKey); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("API key regenerated")
	s.writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}

// handleTestStorage checks access to the configured S3 bucket.
// POST /api/storage/test
func (s *Server) handleTestStorage(w http.ResponseWriter, r *http.Request) {
	cfg := s.config.Snapshot()
	if cfg.StorageBackend != config.StorageS3 {
		s.writeError(w, http.StatusBadRequest, "storage backend is not s3")
		return
	}
	if err := session.TestS3Connection(s3Config(&cfg)); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAPIDevices returns available audio input devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, server.AudioSettings{
		Input:    s.config.AudioInput(),
		Devices:  audio.Devices(),
		Platform: runtime.GOOS,
	})
}

// handleUpdateAudio selects the audio input used from the next capture start.
// POST /api/audio
func (s *Server) handleUpdateAudio(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.AudioUpdateRequest](s, w, r)
	if !ok {
		return
	}
	if err := s.config.SetAudioInput(req.Input); err != nil {
		s.writeAPIError(w, err)
		return
	}
	if s.capture != nil {
		s.capture.SetDevice(req.Input)
	}
	slog.Info("audio input changed", "input", req.Input)
	s.writeJSON(w, http.StatusOK, map[string]string{"input": req.Input})
}

// handleGetNotification returns the settings of one notification channel.
// GET /api/notifications/{channel}
func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !slices.Contains(notificationChannels, channel) {
		s.writeError(w, http.StatusNotFound, "unknown notification channel")
		return
	}
	settings, err := server.NotificationSettings(s.config.Snapshot(), channel)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// handleTestNotification sends a test notification on one channel.
// POST /api/notifications/{channel}/test
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !slices.Contains(notificationChannels, channel) {
		s.writeError(w, http.StatusNotFound, "unknown notification channel")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), notificationTestTimeout)
	defer cancel()

	if err := server.RunNotificationTest(ctx, s.config, channel); err != nil {
		slog.Error("notification test failed", "channel", channel, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Sessions ---

// handleListSessions returns session summaries, most recent first.
// GET /api/sessions[?closed=1]
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	closed, _ := strconv.ParseBool(r.URL.Query().Get("closed"))
	s.writeJSON(w, http.StatusOK, server.ListSessions(s.store, closed, time.Now()))
}

// handleGetSession returns one session with its readings and statistics.
// GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := server.GetSession(s.store, r.PathValue("id"), time.Now())
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// handleDeleteSession deletes one session.
// DELETE /api/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := server.DeleteSession(s.store, s.monitor, r.PathValue("id")); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllSessions deletes every session.
// DELETE /api/sessions
func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := server.DeleteAllSessions(s.store, s.monitor); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Event log ---

// handleListEvents returns a page of the event log, newest first.
// GET /api/events[?limit=N&offset=N&filter=monitoring|alert|storage]
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	req := server.EventsListRequest{Limit: limit, Offset: offset, Filter: r.URL.Query().Get("filter")}
	if err := server.Validate(&req); err != nil {
		s.writeAPIError(w, err)
		return
	}

	page, err := server.ReadEvents(s.eventLogPath, req.Limit, req.Offset, req.Filter)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}
