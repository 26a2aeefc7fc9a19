package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
)

// WebSocket connection limits.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// SnapshotMessage is a monitor snapshot as pushed to WebSocket clients.
type SnapshotMessage struct {
	Type string `json:"type"` // "snapshot"
	monitor.Snapshot
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests and non-browser clients omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// ServeClient runs one WebSocket client until it disconnects. The current
// snapshot is sent first, then every snapshot from snapshots; commands read
// from the client are dispatched to h.
func ServeClient(conn *websocket.Conn, h *CommandHandler, initial monitor.Snapshot, snapshots <-chan monitor.Snapshot) {
	send := make(chan any, sendBuffer)
	done := make(chan struct{})

	go runWriter(conn, send, done)
	go runReader(conn, h, send, done)

	runEventLoop(send, done, initial, snapshots)
}

// runWriter is the sole writer to conn. It pings the client so the reader's
// deadline keeps moving, and closes conn once the reader is done. send is
// never closed: async command results may still arrive after disconnect.
func runWriter(conn *websocket.Conn, send <-chan any, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()

	for {
		select {
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// runReader reads commands from conn until it fails, then closes done.
func runReader(conn *websocket.Conn, h *CommandHandler, send chan<- any, done chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		h.Handle(cmd, send)
	}
}

// runEventLoop forwards snapshots until the reader is done.
func runEventLoop(send chan<- any, done <-chan struct{}, initial monitor.Snapshot, snapshots <-chan monitor.Snapshot) {
	forward := func(snap monitor.Snapshot) bool {
		select {
		case send <- SnapshotMessage{Type: "snapshot", Snapshot: snap}:
			return true
		case <-done:
			return false
		}
	}

	if !forward(initial) {
		return
	}
	for {
		select {
		case <-done:
			return
		case snap, ok := <-snapshots:
			if !ok || !forward(snap) {
				return
			}
		}
	}
}
