// Package services – batch sessions
//
// This file defines the batch session object and the SessionManager. A
// session is the mutable, concurrency-safe record of one batch run; the
// manager owns the id→session map and is constructed once and injected,
// never accessed as ambient global state.
package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a batch session.
type SessionStatus string

// Session lifecycle states.
const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCancelled SessionStatus = "cancelled"
	SessionCompleted SessionStatus = "completed"
)

// FailedItem records one URL whose pipeline run failed, with the reason.
type FailedItem struct {
	ID     uint   `json:"id"`
	Reason string `json:"reason"`
}

// SessionSnapshot is an immutable copy of a session's state, safe to
// serialize while the orchestrator keeps mutating the live session.
type SessionSnapshot struct {
	ID                  string        `json:"id"`
	URLIDs              []uint        `json:"urlIds"`
	CurrentIndex        int           `json:"currentIndex"`
	Completed           []uint        `json:"completed"`
	Failed              []FailedItem  `json:"failed"`
	Status              SessionStatus `json:"status"`
	StartedAt           time.Time     `json:"startedAt"`
	EstimatedCompletion *time.Time    `json:"estimatedCompletion,omitempty"`
}

// Session tracks one batch run. All fields are guarded by mu; external
// readers must go through Snapshot.
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	id                  string
	urlIDs              []uint
	currentIndex        int
	completed           []uint
	failed              []FailedItem
	status              SessionStatus
	startedAt           time.Time
	estimatedCompletion *time.Time
}

// newSession constructs a running session over the given ids.
func newSession(id string, urlIDs []uint) *Session {
	s := &Session{
		id:        id,
		urlIDs:    urlIDs,
		completed: []uint{},
		failed:    []FailedItem{},
		status:    SessionRunning,
		startedAt: time.Now().UTC(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Pause requests that the orchestrator stop before emitting further chunks.
// Items of the chunk currently in flight still run to completion. Returns
// ErrSessionNotActive when the session already finished.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning {
		if s.status == SessionPaused {
			return nil
		}
		return ErrSessionNotActive
	}
	s.status = SessionPaused
	return nil
}

// Resume lets a paused orchestrator continue with the next chunk.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionPaused {
		if s.status == SessionRunning {
			return nil
		}
		return ErrSessionNotActive
	}
	s.status = SessionRunning
	s.cond.Broadcast()
	return nil
}

// Cancel stops the batch at the next chunk boundary. In-flight external
// calls in the current chunk are not preempted; their outcomes are still
// recorded before the session settles on cancelled.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case SessionCancelled:
		return nil
	case SessionCompleted:
		return ErrSessionNotActive
	}
	s.status = SessionCancelled
	s.cond.Broadcast()
	return nil
}

// awaitResume blocks while the session is paused and returns the status the
// session settled on (running to continue, cancelled to stop).
func (s *Session) awaitResume() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.status == SessionPaused {
		s.cond.Wait()
	}
	return s.status
}

// currentStatus returns the status under the lock.
func (s *Session) currentStatus() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// recordItem appends one item outcome under the lock.
func (s *Session) recordItem(id uint, reason string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.completed = append(s.completed, id)
	} else {
		s.failed = append(s.failed, FailedItem{ID: id, Reason: reason})
	}
}

// advance moves the cursor past a finished chunk and refreshes the
// completion estimate from the average chunk duration so far.
func (s *Session) advance(chunkLen, chunksDone, chunksTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentIndex += chunkLen
	if chunksDone > 0 && chunksDone < chunksTotal {
		elapsed := time.Since(s.startedAt)
		perChunk := elapsed / time.Duration(chunksDone)
		eta := time.Now().UTC().Add(perChunk * time.Duration(chunksTotal-chunksDone))
		s.estimatedCompletion = &eta
	} else {
		s.estimatedCompletion = nil
	}
}

// finish marks the session completed unless it was cancelled first.
func (s *Session) finish() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionCancelled {
		s.status = SessionCompleted
	}
	return s.status
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:           s.id,
		URLIDs:       append([]uint(nil), s.urlIDs...),
		CurrentIndex: s.currentIndex,
		Completed:    append([]uint{}, s.completed...),
		Failed:       append([]FailedItem{}, s.failed...),
		Status:       s.status,
		StartedAt:    s.startedAt,
	}
	if s.estimatedCompletion != nil {
		eta := *s.estimatedCompletion
		snap.EstimatedCompletion = &eta
	}
	return snap
}

// GenerateSessionID returns a fresh session identifier. Ids are random
// tokens, not timestamps, so rapid successive creation never collides.
func GenerateSessionID() string {
	return "batch_" + uuid.NewString()
}

// SessionManager owns the live batch sessions. It is safe for concurrent
// use and holds finished sessions until evicted so clients can poll final
// results.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager constructs an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Create registers a new running session over urlIDs and returns it.
func (m *SessionManager) Create(urlIDs []uint) *Session {
	s := newSession(GenerateSessionID(), urlIDs)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id, or ErrSessionNotFound.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Evict removes a session from the manager. Finished sessions only.
func (m *SessionManager) Evict(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of registered sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
