package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/server"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// Engine is the monitoring engine as used by the HTTP server.
type Engine interface {
	server.Monitor
	Subscribe() (<-chan monitor.Snapshot, func())
	RecentReadings() []session.Reading
}

// Capture is the audio capture source as used by the HTTP server.
type Capture interface {
	server.DeviceSelector
	LastError() string
}

// Server is an HTTP server that exposes the monitor over a JSON API and a
// WebSocket snapshot stream.
type Server struct {
	config       *config.Config
	monitor      Engine
	store        server.SessionStore
	capture      Capture
	commands     *server.CommandHandler
	version      *VersionChecker
	eventLogPath string
}

// NewServer returns a new Server. capture and notifier may be nil.
func NewServer(cfg *config.Config, mon Engine, store server.SessionStore, capture Capture, notifier server.ClientInvalidator, eventLogPath string) *Server {
	commands := server.NewCommandHandler(server.Deps{
		Config:       cfg,
		Monitor:      mon,
		Store:        store,
		Devices:      capture,
		Notifier:     notifier,
		EventLogPath: eventLogPath,
	})

	return &Server{
		config:       cfg,
		monitor:      mon,
		store:        store,
		capture:      capture,
		commands:     commands,
		version:      NewVersionChecker(),
		eventLogPath: eventLogPath,
	}
}

// handleWebSocket streams engine snapshots to the client and processes its
// commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !server.Authorized(r, s.config.APIKey()) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	snapshots, cancel := s.monitor.Subscribe()
	defer cancel()

	server.ServeClient(conn, s.commands, s.monitor.Snapshot(), snapshots)
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := server.RequireAPIKey(s.config.APIKey)

	// Public routes
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Monitoring
	mux.HandleFunc("POST /api/monitor/start", auth(s.handleMonitorStart))
	mux.HandleFunc("POST /api/monitor/stop", auth(s.handleMonitorStop))
	mux.HandleFunc("POST /api/monitor/reset", auth(s.handleMonitorReset))
	mux.HandleFunc("GET /api/readings", auth(s.handleRecentReadings))

	// Settings
	mux.HandleFunc("GET /api/alert", auth(s.handleGetAlert))
	mux.HandleFunc("POST /api/alert", auth(s.handleUpdateAlert))
	mux.HandleFunc("POST /api/station", auth(s.handleUpdateStation))
	mux.HandleFunc("POST /api/key/regenerate", auth(s.handleRegenerateKey))
	mux.HandleFunc("POST /api/storage/test", auth(s.handleTestStorage))
	mux.HandleFunc("GET /api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("POST /api/audio", auth(s.handleUpdateAudio))
	mux.HandleFunc("GET /api/notifications/{channel}", auth(s.handleGetNotification))
	mux.HandleFunc("POST /api/notifications/{channel}/test", auth(s.handleTestNotification))

	// Sessions
	mux.HandleFunc("GET /api/sessions", auth(s.handleListSessions))
	mux.HandleFunc("DELETE /api/sessions", auth(s.handleDeleteAllSessions))
	mux.HandleFunc("GET /api/sessions/{id}", auth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", auth(s.handleDeleteSession))

	// Event log
	mux.HandleFunc("GET /api/events", auth(s.handleListEvents))

	mux.HandleFunc("/ws", s.handleWebSocket)

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
