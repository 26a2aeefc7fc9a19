package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

type memMedium struct {
	mu   sync.Mutex
	data []byte
}

func (m *memMedium) Load(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, session.ErrNoDocument
	}
	return m.data, nil
}

func (m *memMedium) Save(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *memMedium) Name() string { return "memory" }

type fakeMonitor struct {
	mu       sync.Mutex
	snap     monitor.Snapshot
	alertCfg audio.AlertConfig
	startErr error
	starts   int
}

func (f *fakeMonitor) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.snap.Monitoring = true
	return nil
}

func (f *fakeMonitor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Monitoring = false
	return nil
}

func (f *fakeMonitor) ResetSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.snap.Monitoring {
		return monitor.ErrNotMonitoring
	}
	return nil
}

func (f *fakeMonitor) SetAlertSettings(cfg audio.AlertConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertCfg = cfg
}

func (f *fakeMonitor) Snapshot() monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeDevices struct{ device string }

func (d *fakeDevices) SetDevice(device string) { d.device = device }

type fakeInvalidator struct{ calls int }

func (f *fakeInvalidator) InvalidateClients() { f.calls++ }

type harness struct {
	cfg      *config.Config
	monitor  *fakeMonitor
	store    *session.Store
	devices  *fakeDevices
	notifier *fakeInvalidator
	handler  *CommandHandler
	send     chan any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("config Load() = %v", err)
	}
	h := &harness{
		cfg:      cfg,
		monitor:  &fakeMonitor{},
		store:    session.NewStore(&memMedium{}),
		devices:  &fakeDevices{},
		notifier: &fakeInvalidator{},
		send:     make(chan any, 8),
	}
	h.handler = NewCommandHandler(Deps{
		Config:   cfg,
		Monitor:  h.monitor,
		Store:    h.store,
		Devices:  h.devices,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) do(t *testing.T, cmdType string, data any) CommandResult {
	t.Helper()
	cmd := WSCommand{Type: cmdType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatal(err)
		}
		cmd.Data = raw
	}
	h.handler.Handle(cmd, h.send)

	select {
	case msg := <-h.send:
		res, ok := msg.(CommandResult)
		if !ok {
			t.Fatalf("response = %T, want CommandResult", msg)
		}
		if res.Type != cmdType+"_result" {
			t.Fatalf("response type = %q", res.Type)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %s", cmdType)
		return CommandResult{}
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	for _, cmd := range []string{"bogus", "monitor/teleport", "notifications/pigeon/update"} {
		if res := h.do(t, cmd, nil); res.Success {
			t.Errorf("%s succeeded", cmd)
		}
	}
}

func TestMonitorStartStop(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, "monitor/start", nil)
	if !res.Success {
		t.Fatalf("monitor/start failed: %v", res.Error)
	}
	if snap, ok := res.Data.(monitor.Snapshot); !ok || !snap.Monitoring {
		t.Errorf("monitor/start data = %+v", res.Data)
	}

	if res := h.do(t, "monitor/reset", nil); !res.Success {
		t.Errorf("monitor/reset failed: %v", res.Error)
	}
	if res := h.do(t, "monitor/stop", nil); !res.Success {
		t.Errorf("monitor/stop failed: %v", res.Error)
	}
	if res := h.do(t, "monitor/reset", nil); res.Success || res.Error != monitor.ErrNotMonitoring.Error() {
		t.Errorf("monitor/reset while idle = %+v", res)
	}
}

func TestMonitorStartError(t *testing.T) {
	h := newHarness(t)
	h.monitor.startErr = monitor.ErrPermissionDenied

	res := h.do(t, "monitor/start", nil)
	if res.Success || res.Error != monitor.ErrPermissionDenied.Error() {
		t.Errorf("monitor/start = %+v", res)
	}
}

func TestAlertUpdate(t *testing.T) {
	h := newHarness(t)

	res := h.do(t, "alert/update", map[string]any{"threshold": 95, "cooldown_ms": 5000})
	if !res.Success {
		t.Fatalf("alert/update failed: %v", res.Error)
	}
	got, ok := res.Data.(AlertSettings)
	if !ok || got.Threshold != 95 || got.CooldownMs != 5000 || !got.Enabled {
		t.Errorf("alert/update data = %+v", res.Data)
	}

	if h.monitor.alertCfg.Threshold != 95 || h.monitor.alertCfg.Cooldown != 5*time.Second {
		t.Errorf("monitor alert config = %+v", h.monitor.alertCfg)
	}
	if snap := h.cfg.Snapshot(); snap.AlertThreshold != 95 {
		t.Errorf("stored threshold = %v", snap.AlertThreshold)
	}
}

func TestAlertUpdateValidation(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]any
		field string
	}{
		{"threshold too high", map[string]any{"threshold": 120}, "threshold"},
		{"threshold too low", map[string]any{"threshold": 10}, "threshold"},
		{"negative cooldown", map[string]any{"cooldown_ms": -1}, "cooldown_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.do(t, "alert/update", tt.data)
			if res.Success {
				t.Fatal("alert/update accepted invalid input")
			}
			verr, ok := res.Error.(*ValidationError)
			if !ok || len(verr.Errors) != 1 || verr.Errors[0].Field != tt.field {
				t.Errorf("error = %#v, want field %q", res.Error, tt.field)
			}
			if h.cfg.Snapshot().AlertThreshold != config.DefaultAlertThreshold {
				t.Error("invalid update changed the stored threshold")
			}
		})
	}
}

func TestAlertUpdateBadJSON(t *testing.T) {
	h := newHarness(t)
	h.handler.Handle(WSCommand{Type: "alert/update", Data: json.RawMessage(`{"threshold":`)}, h.send)
	res := (<-h.send).(CommandResult)
	if res.Success {
		t.Fatal("malformed JSON accepted")
	}
}

func TestAudioUpdate(t *testing.T) {
	h := newHarness(t)
	if res := h.do(t, "audio/update", map[string]any{}); res.Success {
		t.Error("audio/update accepted an empty input")
	}
	if res := h.do(t, "audio/update", map[string]any{"input": "hw:1"}); !res.Success {
		t.Fatalf("audio/update failed: %v", res.Error)
	}
	if h.devices.device != "hw:1" || h.cfg.AudioInput() != "hw:1" {
		t.Errorf("device = %q, stored = %q", h.devices.device, h.cfg.AudioInput())
	}
}

func TestSessionCommands(t *testing.T) {
	h := newHarness(t)
	open, err := h.store.Create(80)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.Close(open.ID, []session.Reading{session.NewReading(time.Now(), 60)}, 0); err != nil {
		t.Fatal(err)
	}
	current, err := h.store.Create(80)
	if err != nil {
		t.Fatal(err)
	}
	h.monitor.snap = monitor.Snapshot{Monitoring: true, SessionID: current.ID}

	res := h.do(t, "sessions/list", nil)
	if list, ok := res.Data.([]session.Stats); !ok || len(list) != 2 || list[0].ID != current.ID {
		t.Errorf("sessions/list = %+v", res.Data)
	}
	res = h.do(t, "sessions/list", map[string]any{"closed": true})
	if list, ok := res.Data.([]session.Stats); !ok || len(list) != 1 || list[0].ID != open.ID {
		t.Errorf("sessions/list closed = %+v", res.Data)
	}

	res = h.do(t, "sessions/get", map[string]any{"id": open.ID})
	if detail, ok := res.Data.(SessionDetail); !ok || detail.Stats.ReadingCount != 1 {
		t.Errorf("sessions/get = %+v", res.Data)
	}
	if res := h.do(t, "sessions/get", map[string]any{"id": "missing"}); res.Success {
		t.Error("sessions/get found a missing session")
	}

	if res := h.do(t, "sessions/delete", map[string]any{"id": current.ID}); res.Success {
		t.Error("deleted the session being recorded")
	}
	if res := h.do(t, "sessions/delete-all", nil); res.Success {
		t.Error("deleted all sessions while monitoring")
	}
	if res := h.do(t, "sessions/delete", map[string]any{"id": open.ID}); !res.Success {
		t.Errorf("sessions/delete failed: %v", res.Error)
	}
	if _, ok := h.store.Get(open.ID); ok {
		t.Error("deleted session still stored")
	}
}

func TestNotificationUpdateAndGet(t *testing.T) {
	h := newHarness(t)

	if res := h.do(t, "notifications/webhook/update", map[string]any{"url": "not a url"}); res.Success {
		t.Error("accepted invalid webhook URL")
	}
	res := h.do(t, "notifications/webhook/update", map[string]any{"url": "https://hooks.example.com/noise"})
	if !res.Success {
		t.Fatalf("webhook update failed: %v", res.Error)
	}
	if h.notifier.calls != 1 {
		t.Errorf("InvalidateClients calls = %d, want 1", h.notifier.calls)
	}

	res = h.do(t, "notifications/email/update", map[string]any{
		"tenant_id": "t", "client_id": "c", "client_secret": "s3cret",
		"from_address": "alerts@example.com", "recipients": "a@example.com",
	})
	if !res.Success {
		t.Fatalf("email update failed: %v", res.Error)
	}
	// An empty secret keeps the existing one
	h.do(t, "notifications/email/update", map[string]any{"tenant_id": "t2", "client_id": "c", "from_address": "alerts@example.com"})
	if got := h.cfg.Snapshot().GraphClientSecret; got != "s3cret" {
		t.Errorf("secret = %q, want kept", got)
	}

	res = h.do(t, "notifications/email/get", nil)
	settings, ok := res.Data.(map[string]any)
	if !ok || settings["has_secret"] != true {
		t.Errorf("email get = %+v", res.Data)
	}
	if _, leaked := settings["client_secret"]; leaked {
		t.Error("email get exposes the client secret")
	}

	h.do(t, "notifications/kafka/update", map[string]any{"brokers": "k1:9092, k2:9092", "topic": "noise"})
	res = h.do(t, "notifications/kafka/get", nil)
	if settings, ok := res.Data.(map[string]any); !ok || settings["brokers"] != "k1:9092,k2:9092" {
		t.Errorf("kafka get = %+v", res.Data)
	}
}

func TestNotificationTestUnconfigured(t *testing.T) {
	h := newHarness(t)
	for _, channel := range []string{"webhook", "log", "email", "zabbix", "kafka"} {
		res := h.do(t, "notifications/"+channel+"/test", nil)
		if res.Success {
			t.Errorf("%s test succeeded without configuration", channel)
		}
	}
}

func TestEventsListUnconfigured(t *testing.T) {
	h := newHarness(t)
	if res := h.do(t, "events/list", nil); res.Success {
		t.Error("events/list succeeded without an event log")
	}
	if res := h.do(t, "events/list", map[string]any{"filter": "bogus"}); res.Success {
		t.Error("events/list accepted an invalid filter")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "noise.example.com", true},
		{"http://localhost:3000", "noise.example.com", true},
		{"https://noise.example.com", "noise.example.com:8080", true},
		{"http://192.168.1.20", "noise.example.com", true},
		{"https://evil.example.org", "noise.example.com", false},
		{"://bad", "noise.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q, %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}

func TestAuthorized(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/monitor/start", nil)
	if !Authorized(r, "") {
		t.Error("empty key rejected a request")
	}
	if Authorized(r, "secret") {
		t.Error("request without key authorized")
	}
	r.Header.Set(APIKeyHeader, "secret")
	if !Authorized(r, "secret") {
		t.Error("header key rejected")
	}

	ws := httptest.NewRequest(http.MethodGet, "/ws?api_key=secret", nil)
	if !Authorized(ws, "secret") {
		t.Error("query key rejected")
	}

	handler := RequireAPIKey(func() string { return "secret" })(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestServeClient(t *testing.T) {
	h := newHarness(t)
	snapshots := make(chan monitor.Snapshot, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeConnection(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ServeClient(conn, h.handler, monitor.Snapshot{AlertThreshold: 80}, snapshots)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != "snapshot" || first["alert_threshold"] != 80.0 {
		t.Errorf("initial message = %v", first)
	}

	snapshots <- monitor.Snapshot{Monitoring: true, Level: 42}
	var second map[string]any
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatal(err)
	}
	if second["monitoring"] != true || second["level"] != 42.0 {
		t.Errorf("pushed snapshot = %v", second)
	}

	if err := conn.WriteJSON(WSCommand{Type: "alert/get"}); err != nil {
		t.Fatal(err)
	}
	var result struct {
		Type    string        `json:"type"`
		Success bool          `json:"success"`
		Data    AlertSettings `json:"data"`
	}
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatal(err)
	}
	if result.Type != "alert/get_result" || !result.Success || result.Data.Threshold != config.DefaultAlertThreshold {
		t.Errorf("result = %+v", result)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := Validate(&SessionIDRequest{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() = %v, want *ValidationError", err)
	}
	if !strings.Contains(err.Error(), "id is required") {
		t.Errorf("message = %q", err.Error())
	}
}
