// Package events carries typed notifications from the admission-control core
// to monitoring consumers. Components publish to a Bus; observers subscribe
// with an explicit interface, so delivery order is deterministic (synchronous,
// in subscription order) and testable.
package events

import (
	"sync"
	"time"
)

// Event is implemented by every notification the core emits.
type Event interface {
	EventName() string
}

// PoolInitialized is published once when a backend's pool is registered.
type PoolInitialized struct {
	Backend        string
	MaxConnections int
}

func (PoolInitialized) EventName() string { return "pool_initialized" }

// ConnectionReleased is published on every pool release with the time the
// connection was held.
type ConnectionReleased struct {
	Backend      string
	ConnectionID string
	Latency      time.Duration
	Success      bool
}

func (ConnectionReleased) EventName() string { return "connection_released" }

// RateLimitHit is published when any limiter gate rejects a request.
type RateLimitHit struct {
	Gate string // per_user_quota, per_backend_quota, token_bucket, sliding_window
	Key  string
}

func (RateLimitHit) EventName() string { return "rate_limit_hit" }

// AdaptiveAdjustment is published when adaptive throttling changes a token
// bucket's effective capacity.
type AdaptiveAdjustment struct {
	Key       string
	Direction string // shrink or grow
	NewLimit  float64
}

func (AdaptiveAdjustment) EventName() string { return "adaptive_adjustment" }

// CleanupCompleted is published after each periodic sweep cycle.
type CleanupCompleted struct {
	IdleDiscarded   int
	QueueExpired    int
	SessionsExpired int
	KeysReaped      int
}

func (CleanupCompleted) EventName() string { return "cleanup_completed" }

// Observer receives events synchronously. Implementations must not block.
type Observer interface {
	Notify(Event)
}

// Bus fans events out to subscribed observers. A nil *Bus is valid and drops
// everything, so components can publish unconditionally.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer. Observers are notified in subscription
// order.
func (b *Bus) Subscribe(o Observer) {
	if b == nil || o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish delivers e to every observer, synchronously.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	obs := b.observers
	b.mu.RUnlock()
	for _, o := range obs {
		o.Notify(e)
	}
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }
