// Package pool implements per-backend connection pooling with bounded
// concurrency, a bounded FIFO wait queue, and circuit-breaker-aware
// admission. A Connection is a logical slot wrapping one live backend
// transport, not a raw socket; the Manager owns it while idle and hands
// ownership to the caller for the duration of one checkout.
package pool

import (
	"sync"
	"time"
)

// Transport is the live backend conversation a Connection wraps. The pool
// only needs liveness and teardown; richer call surfaces live in the
// backend package.
type Transport interface {
	IsAlive() bool
	Close() error
}

// ConnState tags a Connection's position in its lifecycle.
type ConnState int

const (
	StateIdle ConnState = iota
	StateActive
	StateDiscarded
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Connection is one logical pool slot. Exported fields are immutable after
// creation; mutable bookkeeping is guarded by the connection's own mutex so
// holders can inspect state without touching pool locks.
type Connection struct {
	ID        string
	Backend   string
	Transport Transport
	CreatedAt time.Time

	mu         sync.Mutex
	state      ConnState
	lastUsedAt time.Time
	acquiredAt time.Time
	holder     string // userID of the current holder, empty while idle
}

// State returns the connection's lifecycle position.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Holder returns the userID holding the connection, or "" while idle.
func (c *Connection) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder
}

// LastUsedAt returns the time the connection last changed hands.
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

// AcquiredAt returns when the current holder checked the connection out.
// Zero while idle.
func (c *Connection) AcquiredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiredAt
}

// Usable reports whether the connection may still serve calls: not
// discarded and its transport still alive.
func (c *Connection) Usable() bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return state != StateDiscarded && c.Transport.IsAlive()
}

// expired reports whether an idle connection has outlived idleTimeout.
func (c *Connection) expired(idleTimeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsedAt) >= idleTimeout
}

func (c *Connection) markActive(userID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.holder = userID
	c.acquiredAt = now
	c.lastUsedAt = now
}

func (c *Connection) markIdle(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.holder = ""
	c.acquiredAt = time.Time{}
	c.lastUsedAt = now
}

func (c *Connection) markDiscarded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDiscarded
	c.holder = ""
}
