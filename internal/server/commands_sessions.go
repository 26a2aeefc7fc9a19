package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
)

// ErrSessionRecording is returned when deleting the session of the active run.
var ErrSessionRecording = errors.New("session is being recorded; stop monitoring first")

// SessionDetail is a session with its derived statistics.
type SessionDetail struct {
	session.Session
	Stats session.Stats `json:"stats"`
}

// Summaries computes the statistics of each session as of now.
func Summaries(list []session.Session, now time.Time) []session.Stats {
	out := make([]session.Stats, 0, len(list))
	for i := range list {
		out = append(out, list[i].Summary(now))
	}
	return out
}

// ListSessions returns session summaries, optionally only closed sessions.
func ListSessions(store SessionStore, closed bool, now time.Time) []session.Stats {
	if closed {
		return Summaries(store.ListClosed(), now)
	}
	return Summaries(store.List(), now)
}

// GetSession returns one session with its statistics.
func GetSession(store SessionStore, id string, now time.Time) (SessionDetail, error) {
	sess, ok := store.Get(id)
	if !ok {
		return SessionDetail{}, session.ErrNotFound
	}
	return SessionDetail{Session: sess, Stats: sess.Summary(now)}, nil
}

// DeleteSession deletes a closed session. The open session of the active
// run cannot be deleted.
func DeleteSession(store SessionStore, mon Monitor, id string) error {
	if snap := mon.Snapshot(); snap.Monitoring && snap.SessionID == id {
		return ErrSessionRecording
	}
	return store.Delete(id)
}

// DeleteAllSessions deletes every session while no run is active.
func DeleteAllSessions(store SessionStore, mon Monitor) error {
	if mon.Snapshot().Monitoring {
		return ErrSessionRecording
	}
	return store.DeleteAll()
}

// EventPage is one page of event log entries, newest first.
type EventPage struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// ReadEvents reads a page of the event log at path.
func ReadEvents(path string, limit, offset int, filter string) (EventPage, error) {
	if path == "" {
		return EventPage{}, fmt.Errorf("event log not configured")
	}
	f, ok := eventlog.ParseFilter(filter)
	if !ok {
		return EventPage{}, fmt.Errorf("invalid filter %q", filter)
	}
	if limit <= 0 {
		limit = MaxEventEntries
	}
	events, more, err := eventlog.ReadLast(path, limit, offset, f)
	if err != nil {
		return EventPage{}, err
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return EventPage{Events: events, HasMore: more}, nil
}

// --- Session handlers ---

// handleSessionsList processes a sessions/list command.
func (h *CommandHandler) handleSessionsList(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SessionsListRequest) (any, error) {
		return ListSessions(h.store, req.Closed, time.Now()), nil
	})
}

// handleSessionGet processes a sessions/get command.
func (h *CommandHandler) handleSessionGet(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SessionIDRequest) (any, error) {
		return GetSession(h.store, req.ID, time.Now())
	})
}

// handleSessionDelete processes a sessions/delete command.
func (h *CommandHandler) handleSessionDelete(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SessionIDRequest) (any, error) {
		return nil, DeleteSession(h.store, h.monitor, req.ID)
	})
}

// handleSessionsDeleteAll processes a sessions/delete-all command.
func (h *CommandHandler) handleSessionsDeleteAll(cmd WSCommand, send chan<- any) {
	if err := DeleteAllSessions(h.store, h.monitor); err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	SendSuccess(send, cmd.Type, nil)
}

// --- Event log handlers ---

// handleEventsList processes an events/list command.
func (h *CommandHandler) handleEventsList(cmd WSCommand, send chan<- any) {
	var req EventsListRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	HandleActionAsync(cmd, send, func() (any, error) {
		return ReadEvents(h.eventLogPath, min(req.Limit, MaxEventEntries), req.Offset, req.Filter)
	})
}
