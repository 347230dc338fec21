// Package ratelimit implements the gateway's multi-gate admission limiter.
// Every logical check evaluates four independent gates in a fixed order,
// short-circuiting on the first rejection: per-user fixed quota, per-backend
// fixed quota, composite-key token bucket, and composite-key segmented
// sliding window. A fully admitted request consumes from all four gates
// atomically; a rejected one consumes from none.
package ratelimit

import (
	"sync"
	"time"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
)

// Gate names, reported in Result.Reason and RateLimitHit events.
const (
	GatePerUserQuota    = "per_user_quota"
	GatePerBackendQuota = "per_backend_quota"
	GateTokenBucket     = "token_bucket"
	GateSlidingWindow   = "sliding_window"
)

// Result is the outcome of one admission check. RetryAfter is the rejecting
// gate's window period; Remaining is the composite bucket's balance.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Remaining  float64
}

// Limiter holds lazily created per-key gate state. Safe for concurrent use;
// all four gates commit inside a single critical section so consumption is
// atomic relative to the check.
type Limiter struct {
	cfg config.Limits
	bus *events.Bus

	mu       sync.Mutex
	users    map[string]*fixedQuota
	backends map[string]*fixedQuota
	buckets  map[string]*tokenBucket
	windows  map[string]*slidingWindow
	adaptive map[string]*adaptiveState

	now func() time.Time
}

// New creates a Limiter with the given limits. bus may be nil.
func New(cfg config.Limits, bus *events.Bus) *Limiter {
	return &Limiter{
		cfg:      cfg,
		bus:      bus,
		users:    make(map[string]*fixedQuota),
		backends: make(map[string]*fixedQuota),
		buckets:  make(map[string]*tokenBucket),
		windows:  make(map[string]*slidingWindow),
		adaptive: make(map[string]*adaptiveState),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow runs one admission check for the composite key, charging weight
// units against every gate on success. Gates are evaluated in a fixed
// order and the first rejection wins, so Reason and RetryAfter always name
// the first structure that blocked.
func (l *Limiter) Allow(key, userID, backendName string, weight float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	user := l.userQuota(userID, now)
	user.tick(now)
	if !user.allows(weight) {
		return l.reject(GatePerUserQuota, userID, l.cfg.PerUserWindow)
	}

	be := l.backendQuota(backendName, now)
	be.tick(now)
	if !be.allows(weight) {
		return l.reject(GatePerBackendQuota, backendName, l.cfg.PerBackendWindow)
	}

	bucket := l.bucket(key, now)
	bucket.tick(now)
	if l.cfg.EnableAdaptive {
		l.adjustAdaptive(key, bucket, now)
	}
	if !bucket.allows(weight) {
		return l.reject(GateTokenBucket, key, l.cfg.WindowSize)
	}

	window := l.window(key, now)
	window.tick(now)
	if !window.allows(weight) {
		return l.reject(GateSlidingWindow, key, l.cfg.WindowSize)
	}

	// Full admission: commit against all four gates.
	user.consume(now, weight)
	be.consume(now, weight)
	bucket.consume(weight)
	window.consume(weight)

	return Result{Allowed: true, Remaining: bucket.tokens}
}

func (l *Limiter) reject(gate, key string, window time.Duration) Result {
	l.bus.Publish(events.RateLimitHit{Gate: gate, Key: key})
	return Result{Allowed: false, Reason: gate, RetryAfter: window}
}

func (l *Limiter) userQuota(userID string, now time.Time) *fixedQuota {
	q, ok := l.users[userID]
	if !ok {
		q = newFixedQuota(l.cfg.PerUserLimit, l.cfg.PerUserWindow, now)
		l.users[userID] = q
	}
	return q
}

func (l *Limiter) backendQuota(name string, now time.Time) *fixedQuota {
	q, ok := l.backends[name]
	if !ok {
		q = newFixedQuota(l.cfg.PerBackendLimit, l.cfg.PerBackendWindow, now)
		l.backends[name] = q
	}
	return q
}

func (l *Limiter) bucket(key string, now time.Time) *tokenBucket {
	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.cfg.TokensPerWindow, l.cfg.WindowSize, l.cfg.MaxBurstSize, now)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) window(key string, now time.Time) *slidingWindow {
	w, ok := l.windows[key]
	if !ok {
		w = newSlidingWindow(l.cfg.TokensPerWindow, l.cfg.WindowSize, l.cfg.SlidingWindowSegments, now)
		l.windows[key] = w
	}
	return w
}

// ReapStale drops key state idle for more than two full windows, returning
// how many structures were removed. Driven periodically by the gateway's
// cleanup loop.
func (l *Limiter) ReapStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reaped := 0
	for k, q := range l.users {
		if now.Sub(q.lastSeen) > 2*q.window {
			delete(l.users, k)
			reaped++
		}
	}
	for k, q := range l.backends {
		if now.Sub(q.lastSeen) > 2*q.window {
			delete(l.backends, k)
			reaped++
		}
	}
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*b.window {
			delete(l.buckets, k)
			delete(l.adaptive, k)
			reaped++
		}
	}
	for k, w := range l.windows {
		if now.Sub(w.lastSeen) > 2*w.window {
			delete(l.windows, k)
			reaped++
		}
	}
	return reaped
}

// BucketLimit returns a composite key's current effective bucket capacity.
// Mainly for tests and stats; unknown keys report the configured burst.
func (l *Limiter) BucketLimit(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b.maxTokens
	}
	return l.cfg.MaxBurstSize
}
