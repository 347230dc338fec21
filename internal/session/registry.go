// Package session binds a client's multi-call conversation to one pooled
// backend connection. The HTTP layer is stateless; this registry is where
// the statefulness lives: each Session holds its Connection checked out of
// the pool for the Session's entire lifetime, and termination releases it
// exactly once.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
)

// Session is one bound conversation. Exported fields are immutable after
// creation.
type Session struct {
	ID            string
	UserID        string
	Backend       string
	CredentialRef string
	Conn          *pool.Connection
	CreatedAt     time.Time

	mu           sync.Mutex
	lastActiveAt time.Time
	terminated   bool
}

// LastActiveAt returns the time of the session's most recent routed call.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Terminated reports whether the session has been torn down.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = now
}

// markTerminated flips the terminated flag, reporting whether this call was
// the first. The underlying connection is released only by that first call.
func (s *Session) markTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// Registry maps session IDs to live Sessions. Safe for concurrent use.
type Registry struct {
	manager *pool.Manager
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry that checks connections out of manager and
// expires sessions idle longer than timeout.
func NewRegistry(manager *pool.Manager, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		manager:  manager,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Create acquires a connection for the backend and binds a new Session to
// it. The caller must have authorized the user already; this layer only
// manages the binding. Pool admission failures propagate unchanged.
func (r *Registry) Create(ctx context.Context, userID, backendName, credentialRef string) (*Session, error) {
	id := uuid.Must(uuid.NewV7()).String()

	conn, err := r.manager.Acquire(ctx, backendName, userID, id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:            id,
		UserID:        userID,
		Backend:       backendName,
		CredentialRef: credentialRef,
		Conn:          conn,
		CreatedAt:     now,
		lastActiveAt:  now,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Debug("session created",
		"session_id", id, "user_id", userID, "backend", backendName, "connection_id", conn.ID)
	return s, nil
}

// Route resolves a session ID to its live Session and refreshes its
// activity timestamp. Unknown IDs fail with InvalidSession and never create
// anything. A session whose bound connection has been discarded under it is
// torn down here and also reported as InvalidSession, forcing the caller
// back through initialization.
func (r *Registry) Route(sessionID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, model.NewError(model.KindInvalidSession, "unknown session %q", sessionID)
	}

	if !s.Conn.Usable() {
		r.logger.Info("session connection no longer usable, closing session",
			"session_id", sessionID, "backend", s.Backend)
		r.Terminate(sessionID)
		return nil, model.NewError(model.KindInvalidSession,
			"session %q lost its connection", sessionID)
	}

	s.touch(r.now())
	return s, nil
}

// Terminate removes the session and releases its bound connection back to
// the pool exactly once. Idempotent: repeated calls and unknown IDs are
// no-ops.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if s.markTerminated() {
		r.manager.Release(s.Conn, true)
		r.logger.Debug("session terminated", "session_id", sessionID, "backend", s.Backend)
	}
}

// SweepOnce terminates sessions idle longer than the configured timeout and
// returns how many were expired. Driven periodically by the gateway's
// cleanup loop.
func (r *Registry) SweepOnce() int {
	now := r.now()

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActiveAt()) >= r.timeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info("session expired", "session_id", id)
		r.Terminate(id)
	}
	return len(stale)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll terminates every session, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Terminate(id)
	}
}
