package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manifoldmcp/manifold/internal/breaker"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
	"github.com/manifoldmcp/manifold/internal/model"
)

// DialFunc establishes one new transport to the named backend. Called
// without any pool lock held; implementations may block up to the context
// deadline.
type DialFunc func(ctx context.Context, backend string) (Transport, error)

// backendState bundles one backend's pool, wait queue, breaker, and call
// statistics. Its mutex guards the pool and queue; the breaker locks
// itself.
type backendState struct {
	name string

	mu    sync.Mutex
	pool  *connPool
	queue *waitQueue

	breaker *breaker.Breaker

	// Call statistics, guarded by mu.
	requests     int64
	successes    int64
	totalLatency time.Duration
}

// Manager orchestrates per-backend pools, wait queues, and circuit
// breakers, and enforces the global connection ceiling and the per-user
// concurrency ceiling.
type Manager struct {
	limits config.Limits
	dial   DialFunc
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	mu          sync.Mutex // guards backends, userActive, totalActive, closed
	backends    map[string]*backendState
	userActive  map[string]int
	totalActive int
	closed      bool
}

// NewManager creates a Manager. dial is required; bus may be nil to drop
// events.
func NewManager(limits config.Limits, dial DialFunc, logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		limits:     limits,
		dial:       dial,
		logger:     logger,
		bus:        bus,
		now:        time.Now,
		backends:   make(map[string]*backendState),
		userActive: make(map[string]int),
	}
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RegisterBackend creates the pool, queue, and breaker for a backend ahead
// of the first acquire. Registering an existing backend is a no-op.
func (m *Manager) RegisterBackend(name string) {
	m.mu.Lock()
	_, existed := m.backends[name]
	st := m.backend(name)
	m.mu.Unlock()
	if !existed {
		m.bus.Publish(events.PoolInitialized{Backend: st.name, MaxConnections: m.limits.MaxConnectionsPerBackend})
	}
}

// backend returns the state for name, creating it lazily. Caller holds m.mu.
func (m *Manager) backend(name string) *backendState {
	st, ok := m.backends[name]
	if !ok {
		st = &backendState{
			name:    name,
			pool:    newConnPool(name, m.limits.MaxConnectionsPerBackend),
			queue:   newWaitQueue(m.limits.QueueMaxSize),
			breaker: breaker.New(m.limits.BreakerThreshold, m.limits.BreakerTimeout),
		}
		m.backends[name] = st
	}
	return st
}

// Acquire checks a connection out of the named backend's pool for userID.
// When the pool is saturated the call suspends in the backend's FIFO queue
// until a connection frees up, the request timeout elapses, or ctx is
// cancelled. Failure kinds: CircuitOpen, UserRateLimited, QueueFull,
// QueueTimeout, PoolExhausted.
func (m *Manager) Acquire(ctx context.Context, backendName, userID, requestID string) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("pool manager closed")
	}
	st := m.backend(backendName)
	m.mu.Unlock()

	if st.breaker.IsOpen() {
		return nil, model.NewRetryableError(model.KindCircuitOpen, m.limits.BreakerTimeout,
			"backend %q circuit is open", backendName)
	}

	reserved, held, userBlocked := m.reserve(userID)
	if userBlocked {
		return nil, model.NewError(model.KindUserRateLimited,
			"user %q holds %d connections (limit %d)", userID, held, m.limits.MaxConcurrentPerUser)
	}

	if reserved {
		conn, err, handled := m.tryCheckout(ctx, st, userID)
		if handled {
			if err != nil {
				m.unreserve(userID)
			}
			return conn, err
		}
		// Backend pool at capacity; hand the slot back before queueing.
		m.unreserve(userID)
	}

	return m.enqueue(ctx, st, userID, requestID)
}

// tryCheckout attempts an immediate reuse-or-dial checkout. handled is
// false when the pool is at capacity and the caller should queue instead.
func (m *Manager) tryCheckout(ctx context.Context, st *backendState, userID string) (*Connection, error, bool) {
	now := m.now()

	st.mu.Lock()
	reuse, discarded := st.pool.takeIdle(m.limits.IdleTimeout, now)
	if reuse != nil {
		st.pool.checkout(reuse)
		reuse.markActive(userID, now)
		st.mu.Unlock()
		m.closeAll(discarded)
		return reuse, nil, true
	}
	if !st.pool.hasCapacity() {
		st.mu.Unlock()
		m.closeAll(discarded)
		return nil, nil, false
	}
	st.pool.dialing++
	st.mu.Unlock()
	m.closeAll(discarded)

	conn, err := m.dialNew(ctx, st, userID)
	return conn, err, true
}

// dialNew establishes a new connection for a reserved slot. The caller must
// have incremented st.pool.dialing and hold a reserve claim for userID; on
// error the caller rolls the claim back.
func (m *Manager) dialNew(ctx context.Context, st *backendState, userID string) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.limits.ConnectionTimeout)
	defer cancel()

	t, err := m.dial(dialCtx, st.name)

	st.mu.Lock()
	st.pool.dialing--
	if err != nil {
		st.mu.Unlock()
		st.breaker.RecordFailure()
		return nil, model.NewError(model.KindPoolExhausted,
			"dial backend %q: %v", st.name, err)
	}
	now := m.now()
	conn := newConnection(st.name, t, now)
	st.pool.add(conn)
	conn.markActive(userID, now)
	st.mu.Unlock()
	return conn, nil
}

// enqueue parks the caller in the backend's FIFO queue and suspends until a
// result is delivered or a deadline fires.
func (m *Manager) enqueue(ctx context.Context, st *backendState, userID, requestID string) (*Connection, error) {
	w := &waiter{
		requestID:  requestID,
		userID:     userID,
		enqueuedAt: m.now(),
		ch:         make(chan acquireResult, 1),
	}

	st.mu.Lock()
	if !st.queue.push(w) {
		size := st.queue.len()
		st.mu.Unlock()
		return nil, model.NewError(model.KindQueueFull,
			"backend %q queue is full (%d waiting)", st.name, size)
	}
	st.mu.Unlock()

	timer := time.NewTimer(m.limits.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timer.C:
		st.mu.Lock()
		removed := st.queue.remove(w)
		st.mu.Unlock()
		if removed {
			return nil, model.NewRetryableError(model.KindQueueTimeout, m.limits.RequestTimeout,
				"request %q timed out waiting for backend %q", requestID, st.name)
		}
		// A result was delivered while the timer fired; take it.
		res := <-w.ch
		return res.conn, res.err
	case <-ctx.Done():
		st.mu.Lock()
		removed := st.queue.remove(w)
		st.mu.Unlock()
		if !removed {
			// Delivery won the race; the caller is gone, so put the
			// connection straight back.
			if res := <-w.ch; res.conn != nil {
				m.Release(res.conn, true)
			}
		}
		return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
	}
}

// reserve claims one global and one per-user slot in a single critical
// section, so two concurrent acquires can never both observe headroom.
// userBlocked reports a per-user ceiling rejection with the user's current
// hold count; reserved is false without userBlocked when the global ceiling
// is hit and the caller should queue. Callers may hold a backendState mutex
// but never m.mu.
func (m *Manager) reserve(userID string) (reserved bool, held int, userBlocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userActive[userID] >= m.limits.MaxConcurrentPerUser {
		return false, m.userActive[userID], true
	}
	if m.totalActive >= m.limits.MaxTotalConnections {
		return false, 0, false
	}
	m.totalActive++
	m.userActive[userID]++
	return true, 0, false
}

// reserveQueued claims slots for a queued waiter. Only the global ceiling
// applies; the waiter passed the per-user check before it enqueued.
func (m *Manager) reserveQueued(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalActive >= m.limits.MaxTotalConnections {
		return false
	}
	m.totalActive++
	m.userActive[userID]++
	return true
}

// unreserve rolls back a reserve claim that did not end in a checkout.
func (m *Manager) unreserve(userID string) {
	m.noteCheckin(userID)
}

// noteCheckin decrements the counters claimed by a reservation.
func (m *Manager) noteCheckin(userID string) {
	m.mu.Lock()
	m.totalActive--
	if m.userActive[userID] <= 1 {
		delete(m.userActive, userID)
	} else {
		m.userActive[userID]--
	}
	m.mu.Unlock()
}

// Release returns a connection to its backend's pool, records the call
// outcome against the circuit breaker, and drains the wait queue in FIFO
// order. Best-effort: it never fails, and releasing the same connection
// twice is a no-op.
func (m *Manager) Release(conn *Connection, success bool) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	st, ok := m.backends[conn.Backend]
	m.mu.Unlock()
	if !ok {
		return
	}

	now := m.now()
	var latency time.Duration
	if at := conn.AcquiredAt(); !at.IsZero() {
		latency = now.Sub(at)
	}
	holder := conn.Holder()

	keep := success && conn.Usable()

	st.mu.Lock()
	var wasActive bool
	if keep {
		wasActive = st.pool.checkin(conn)
		if wasActive {
			conn.markIdle(now)
		}
	} else {
		wasActive = st.pool.drop(conn)
		if wasActive {
			conn.markDiscarded()
		}
	}
	if wasActive {
		st.requests++
		if success {
			st.successes++
		}
		st.totalLatency += latency
	}
	st.mu.Unlock()

	if !wasActive {
		return // double release
	}

	if !keep {
		m.closeTransport(conn)
	}

	if success {
		st.breaker.RecordSuccess()
	} else {
		st.breaker.RecordFailure()
	}

	m.noteCheckin(holder)
	m.bus.Publish(events.ConnectionReleased{
		Backend:      conn.Backend,
		ConnectionID: conn.ID,
		Latency:      latency,
		Success:      success,
	})

	m.drainAll(st)
}

// drainAll drains the releasing backend's queue first, then offers any
// remaining global headroom to other backends with waiters.
func (m *Manager) drainAll(first *backendState) {
	m.drainQueue(first)

	m.mu.Lock()
	others := make([]*backendState, 0, len(m.backends))
	for _, st := range m.backends {
		if st != first {
			others = append(others, st)
		}
	}
	m.mu.Unlock()

	for _, st := range others {
		m.drainQueue(st)
	}
}

// drainQueue hands freed or creatable capacity to queued waiters in arrival
// order, stopping at the global ceiling. Each handout claims its slot under
// m.mu before the waiter leaves the queue, so a concurrent drain for
// another backend cannot overcommit the ceiling.
func (m *Manager) drainQueue(st *backendState) {
	for {
		now := m.now()
		st.mu.Lock()
		w := st.queue.peek()
		if w == nil {
			st.mu.Unlock()
			return
		}
		if !m.reserveQueued(w.userID) {
			st.mu.Unlock()
			return // global ceiling; the next release retries
		}

		reuse, discarded := st.pool.takeIdle(m.limits.IdleTimeout, now)
		if reuse != nil {
			st.queue.pop()
			st.pool.checkout(reuse)
			reuse.markActive(w.userID, now)
			st.mu.Unlock()
			m.closeAll(discarded)
			w.ch <- acquireResult{conn: reuse}
			continue
		}
		if !st.pool.hasCapacity() {
			st.mu.Unlock()
			m.unreserve(w.userID)
			m.closeAll(discarded)
			return
		}
		st.queue.pop()
		st.pool.dialing++
		st.mu.Unlock()
		m.closeAll(discarded)

		// Dial off the pool lock and deliver whatever comes back.
		go func(w *waiter) {
			ctx, cancel := context.WithTimeout(context.Background(), m.limits.ConnectionTimeout)
			defer cancel()
			conn, err := m.dialNew(ctx, st, w.userID)
			if err != nil {
				m.unreserve(w.userID)
			}
			w.ch <- acquireResult{conn: conn, err: err}
		}(w)
	}
}

// SweepOnce discards idle connections older than idleTimeout and expires
// queue entries older than requestTimeout, rejecting them with
// QueueTimeout. Returns the number of discarded connections and expired
// waiters. Driven periodically by the gateway's cleanup loop.
func (m *Manager) SweepOnce() (idleDiscarded, queueExpired int) {
	m.mu.Lock()
	states := make([]*backendState, 0, len(m.backends))
	for _, st := range m.backends {
		states = append(states, st)
	}
	m.mu.Unlock()

	now := m.now()
	for _, st := range states {
		st.mu.Lock()
		reaped := st.pool.reapIdle(m.limits.IdleTimeout, now)
		expired := st.queue.expire(now.Add(-m.limits.RequestTimeout))
		st.mu.Unlock()

		m.closeAll(reaped)
		idleDiscarded += len(reaped)
		for _, w := range expired {
			w.ch <- acquireResult{err: model.NewRetryableError(model.KindQueueTimeout, m.limits.RequestTimeout,
				"request %q expired in backend %q queue", w.requestID, st.name)}
		}
		queueExpired += len(expired)
	}
	return idleDiscarded, queueExpired
}

// RecordCall folds one mid-session call's outcome into the backend's
// statistics without touching the breaker or releasing anything.
func (m *Manager) RecordCall(backendName string, latency time.Duration, success bool) {
	m.mu.Lock()
	st, ok := m.backends[backendName]
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.requests++
	if success {
		st.successes++
	}
	st.totalLatency += latency
	st.mu.Unlock()
}

// Breaker exposes a backend's circuit breaker, mainly for readiness
// reporting. Returns nil for unknown backends.
func (m *Manager) Breaker(backendName string) *breaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.backends[backendName]; ok {
		return st.breaker
	}
	return nil
}

// BackendStats is a point-in-time snapshot of one backend's pool.
type BackendStats struct {
	Backend      string        `json:"backend"`
	Active       int           `json:"active"`
	Idle         int           `json:"idle"`
	Queued       int           `json:"queued"`
	Requests     int64         `json:"requests"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
	BreakerState breaker.State `json:"-"`
	Breaker      string        `json:"breaker"`
}

// Stats snapshots every backend's pool, queue, and breaker.
func (m *Manager) Stats() []BackendStats {
	m.mu.Lock()
	states := make([]*backendState, 0, len(m.backends))
	for _, st := range m.backends {
		states = append(states, st)
	}
	m.mu.Unlock()

	out := make([]BackendStats, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		s := BackendStats{
			Backend:  st.name,
			Active:   len(st.pool.active),
			Idle:     len(st.pool.idle),
			Queued:   st.queue.len(),
			Requests: st.requests,
		}
		if st.requests > 0 {
			s.SuccessRate = float64(st.successes) / float64(st.requests)
			s.AvgLatencyMs = float64(st.totalLatency.Microseconds()) / float64(st.requests) / 1000.0
		}
		st.mu.Unlock()
		s.BreakerState = st.breaker.State()
		s.Breaker = s.BreakerState.String()
		out = append(out, s)
	}
	return out
}

// Close tears every pool down, closing all transports and rejecting queued
// waiters. Cleanup failures are logged and swallowed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	states := make([]*backendState, 0, len(m.backends))
	for _, st := range m.backends {
		states = append(states, st)
	}
	m.totalActive = 0
	m.userActive = make(map[string]int)
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		drained := st.pool.drain()
		waiting := st.queue.expire(m.now())
		st.mu.Unlock()

		m.closeAll(drained)
		for _, w := range waiting {
			w.ch <- acquireResult{err: fmt.Errorf("pool manager closed")}
		}
	}
}

func (m *Manager) closeAll(conns []*Connection) {
	for _, c := range conns {
		m.closeTransport(c)
	}
}

// closeTransport tears a connection's transport down; failures are logged
// and swallowed so reclamation stays best-effort.
func (m *Manager) closeTransport(c *Connection) {
	if err := c.Transport.Close(); err != nil {
		m.logger.Warn("close connection transport",
			"backend", c.Backend, "connection_id", c.ID, "error", err)
	}
}
