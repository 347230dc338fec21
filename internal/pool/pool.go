package pool

import (
	"time"

	"github.com/google/uuid"
)

// connPool tracks one backend's connection slots. Active and idle sets are
// disjoint and their combined size never exceeds max. Not self-locking; the
// owning backend state's mutex guards all access.
type connPool struct {
	backend string
	max     int

	active map[string]*Connection // keyed by connection ID
	idle   []*Connection          // oldest first

	// dialing counts reserved slots for in-flight dials so concurrent
	// creates cannot overshoot max.
	dialing int
}

func newConnPool(backend string, max int) *connPool {
	return &connPool{
		backend: backend,
		max:     max,
		active:  make(map[string]*Connection),
	}
}

func (p *connPool) size() int { return len(p.active) + len(p.idle) + p.dialing }

// hasCapacity reports whether a new connection slot may be created.
func (p *connPool) hasCapacity() bool { return p.size() < p.max }

// takeIdle pops idle connections until one passes validity checks,
// discarding the stale ones. Returns nil when no reusable connection
// exists. Discarded transports are closed by the caller via the returned
// slice so closing happens outside the pool lock.
func (p *connPool) takeIdle(idleTimeout time.Duration, now time.Time) (reuse *Connection, discarded []*Connection) {
	for len(p.idle) > 0 {
		c := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		if c.expired(idleTimeout, now) || !c.Transport.IsAlive() {
			c.markDiscarded()
			discarded = append(discarded, c)
			continue
		}
		return c, discarded
	}
	return nil, discarded
}

// add registers a freshly created connection as active. The caller must
// have checked hasCapacity under the same lock.
func (p *connPool) add(c *Connection) {
	p.active[c.ID] = c
}

// checkout moves a reused idle connection into the active set.
func (p *connPool) checkout(c *Connection) {
	p.active[c.ID] = c
}

// checkin returns an active connection to the idle list. Returns false when
// the connection was not active in this pool (already released or foreign),
// making release idempotent.
func (p *connPool) checkin(c *Connection) bool {
	if _, ok := p.active[c.ID]; !ok {
		return false
	}
	delete(p.active, c.ID)
	p.idle = append(p.idle, c)
	return true
}

// drop removes an active connection without returning it to idle. Returns
// false when the connection was not active in this pool.
func (p *connPool) drop(c *Connection) bool {
	if _, ok := p.active[c.ID]; !ok {
		return false
	}
	delete(p.active, c.ID)
	return true
}

// reapIdle removes idle connections older than idleTimeout and returns them
// for teardown outside the lock.
func (p *connPool) reapIdle(idleTimeout time.Duration, now time.Time) []*Connection {
	var reaped []*Connection
	kept := p.idle[:0]
	for _, c := range p.idle {
		if c.expired(idleTimeout, now) || !c.Transport.IsAlive() {
			c.markDiscarded()
			reaped = append(reaped, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	return reaped
}

// drain empties both sets for shutdown, returning every connection for
// teardown.
func (p *connPool) drain() []*Connection {
	out := make([]*Connection, 0, p.size())
	for id, c := range p.active {
		c.markDiscarded()
		out = append(out, c)
		delete(p.active, id)
	}
	for _, c := range p.idle {
		c.markDiscarded()
		out = append(out, c)
	}
	p.idle = nil
	return out
}

func newConnection(backend string, t Transport, now time.Time) *Connection {
	return &Connection{
		ID:         uuid.NewString(),
		Backend:    backend,
		Transport:  t,
		CreatedAt:  now,
		state:      StateIdle,
		lastUsedAt: now,
	}
}
