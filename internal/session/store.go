package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// persistTimeout bounds a single whole-collection write or load.
const persistTimeout = 10000 * time.Millisecond

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned by lookups and deletes for an unknown session ID.
	ErrNotFound = errors.New("session not found")
	// ErrNoDocument is returned by a Medium that holds no document yet.
	ErrNoDocument = errors.New("session document does not exist")
)

// Medium is durable storage for the serialized session collection.
type Medium interface {
	// Load returns the stored document, or ErrNoDocument.
	Load(ctx context.Context) ([]byte, error)
	// Save atomically replaces the stored document.
	Save(ctx context.Context, data []byte) error
	// Name identifies the medium in logs and metrics.
	Name() string
}

// Preserver is implemented by media that can keep a copy of a document that
// failed to parse, before the next save replaces it.
type Preserver interface {
	// Preserve stores data aside and returns where it went.
	Preserve(ctx context.Context, data []byte) (string, error)
}

// corruptSuffixLayout timestamps preserved copies of corrupt documents.
const corruptSuffixLayout = "20060102T150405Z"

// Store is the session repository. The whole collection lives in memory,
// most recent first, and is rewritten to the medium on every mutation.
// In-memory state stays authoritative when a write fails; the next
// successful write catches up. It is safe for concurrent use.
type Store struct {
	medium Medium
	now    func() time.Time

	mu       sync.RWMutex
	sessions []Session
}

// NewStore creates an empty store backed by medium. Call Load to read the
// persisted collection.
func NewStore(medium Medium) *Store {
	return &Store{
		medium:   medium,
		now:      time.Now,
		sessions: []Session{},
	}
}

// SetClock replaces the time source used for start and end times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Load replaces the in-memory collection with the persisted one. A missing
// document yields an empty collection; a corrupt or unreadable one also
// yields an empty collection and returns the error for the caller to report.
// A corrupt document is first preserved when the medium supports it.
func (s *Store) Load() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = []Session{}

	data, err := s.medium.Load(ctx)
	if errors.Is(err, ErrNoDocument) {
		slog.Info("no session document yet, starting empty", "medium", s.medium.Name())
		return nil
	}
	if err != nil {
		return util.WrapError("load sessions", err)
	}

	var loaded []Session
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.preserveLocked(ctx, data)
		return util.WrapError("parse sessions", err)
	}
	for i := range loaded {
		if loaded[i].Readings == nil {
			loaded[i].Readings = []Reading{}
		}
	}
	s.sessions = loaded
	slog.Info("loaded sessions", "count", len(loaded), "medium", s.medium.Name())
	return nil
}

// Save replaces the whole collection with list and persists it.
func (s *Store) Save(list []Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make([]Session, 0, len(list))
	for i := range list {
		s.sessions = append(s.sessions, list[i].Clone())
	}
	return s.persistLocked()
}

// Create allocates a new open session, prepends it and persists. The
// returned session is valid even when the write fails.
func (s *Store) Create(alertThreshold float64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := New(alertThreshold, s.now())
	s.sessions = slices.Insert(s.sessions, 0, sess)
	return sess.Clone(), s.persistLocked()
}

// Update overwrites the readings and alert count of a session. An unknown ID
// is a silent no-op: the session may have been deleted concurrently.
func (s *Store) Update(id string, readings []Reading, alertCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findIndex(id)
	if i == -1 {
		slog.Debug("session update skipped: not found", "id", id)
		return nil
	}
	s.sessions[i].Readings = cloneReadings(readings)
	s.sessions[i].AlertCount = alertCount
	return s.persistLocked()
}

// Close is Update plus setting the end time to now. An unknown ID is a
// silent no-op.
func (s *Store) Close(id string, readings []Reading, alertCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findIndex(id)
	if i == -1 {
		slog.Debug("session close skipped: not found", "id", id)
		return nil
	}
	end := s.now()
	if end.Before(s.sessions[i].StartTime) {
		end = s.sessions[i].StartTime
	}
	s.sessions[i].EndTime = &end
	s.sessions[i].Readings = cloneReadings(readings)
	s.sessions[i].AlertCount = alertCount
	return s.persistLocked()
}

// SetThreshold records the alert threshold now in effect for an open
// session. An unknown or closed ID is a silent no-op.
func (s *Store) SetThreshold(id string, threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findIndex(id)
	if i == -1 || !s.sessions[i].IsOpen() {
		return nil
	}
	s.sessions[i].AlertThreshold = threshold
	return s.persistLocked()
}

// Delete removes a session and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findIndex(id)
	if i == -1 {
		return ErrNotFound
	}
	s.sessions = slices.Delete(s.sessions, i, i+1)
	return s.persistLocked()
}

// DeleteAll removes every session and persists.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = []Session{}
	return s.persistLocked()
}

// Get returns a copy of the session with the given ID.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.findIndex(id)
	if i == -1 {
		return Session{}, false
	}
	return s.sessions[i].Clone(), true
}

// List returns copies of all sessions, most recent first.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for i := range s.sessions {
		out = append(out, s.sessions[i].Clone())
	}
	return out
}

// ListClosed returns copies of the closed sessions, most recent first.
func (s *Store) ListClosed() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for i := range s.sessions {
		if !s.sessions[i].IsOpen() {
			out = append(out, s.sessions[i].Clone())
		}
	}
	return out
}

// CloseAbandoned closes sessions left open by a previous process that did
// not shut down cleanly. Their end time is their last reading, or their
// start time when they have none.
func (s *Store) CloseAbandoned() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for i := range s.sessions {
		sess := &s.sessions[i]
		if !sess.IsOpen() {
			continue
		}
		end := sess.StartTime
		if n := len(sess.Readings); n > 0 {
			end = sess.Readings[n-1].Timestamp
		}
		sess.EndTime = &end
		closed++
	}
	if closed == 0 {
		return 0, nil
	}
	return closed, s.persistLocked()
}

// preserveLocked keeps a copy of a corrupt document. Caller must hold s.mu.
func (s *Store) preserveLocked(ctx context.Context, data []byte) {
	p, ok := s.medium.(Preserver)
	if !ok {
		return
	}
	where, err := p.Preserve(ctx, data)
	if err != nil {
		slog.Error("corrupt session document not preserved", "medium", s.medium.Name(), "error", err)
		return
	}
	slog.Warn("corrupt session document moved aside", "medium", s.medium.Name(), "location", where)
}

// findIndex returns the index of the session with the given ID, or -1.
func (s *Store) findIndex(id string) int {
	return slices.IndexFunc(s.sessions, func(sess Session) bool { return sess.ID == id })
}

// persistLocked writes the whole collection. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	started := time.Now()

	data, err := json.Marshal(s.sessions)
	if err != nil {
		metrics.ObservePersist(s.medium.Name(), err, time.Since(started))
		return util.WrapError("marshal sessions", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err = s.medium.Save(ctx, data)
	metrics.ObservePersist(s.medium.Name(), err, time.Since(started))
	if err != nil {
		return util.WrapError("write sessions", err)
	}
	return nil
}

// cloneReadings returns a non-nil copy of readings.
func cloneReadings(readings []Reading) []Reading {
	if readings == nil {
		return []Reading{}
	}
	return slices.Clone(readings)
}
