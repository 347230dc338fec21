package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
)

type fakeTransport struct {
	mu    sync.Mutex
	alive bool
}

func (t *fakeTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = false
	return nil
}

func (t *fakeTransport) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive = false
}

func newTestRegistry(t *testing.T) (*Registry, *pool.Manager, *events.Bus, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{alive: true}
	dial := func(ctx context.Context, backend string) (pool.Transport, error) {
		return ft, nil
	}
	bus := events.NewBus()
	limits := config.DefaultLimits()
	m := pool.NewManager(limits, dial, nil, bus)
	t.Cleanup(m.Close)
	r := NewRegistry(m, limits.SessionTimeout, nil)
	return r, m, bus, ft
}

func countReleases(bus *events.Bus) *int {
	n := new(int)
	bus.Subscribe(events.ObserverFunc(func(e events.Event) {
		if _, ok := e.(events.ConnectionReleased); ok {
			*n++
		}
	}))
	return n
}

func TestCreateAndRoute(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	s, err := r.Create(context.Background(), "u1", "s1", "key-prefix")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.ID == "" || s.Conn == nil {
		t.Fatal("session must carry an ID and a bound connection")
	}

	got, err := r.Route(s.ID)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got != s {
		t.Error("route must return the same session object")
	}
	if got.Conn.ID != s.Conn.ID {
		t.Error("the bound connection must not change between calls")
	}
}

func TestRouteRefreshesActivity(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)
	s, err := r.Create(context.Background(), "u1", "s1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return clock })

	if _, err := r.Route(s.ID); err != nil {
		t.Fatalf("route: %v", err)
	}
	if !s.LastActiveAt().Equal(clock) {
		t.Errorf("route must refresh lastActiveAt, got %v", s.LastActiveAt())
	}
}

func TestRouteUnknownSession(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	_, err := r.Route("no-such-session")
	kind, _ := model.KindOf(err)
	if kind != model.KindInvalidSession {
		t.Fatalf("expected InvalidSession, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("routing an unknown id must never create a session")
	}
}

func TestTerminateReleasesExactlyOnce(t *testing.T) {
	r, m, bus, _ := newTestRegistry(t)
	releases := countReleases(bus)

	s, err := r.Create(context.Background(), "u1", "s1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Terminate(s.ID)
	r.Terminate(s.ID) // idempotent
	r.Terminate("never-existed")

	if *releases != 1 {
		t.Errorf("connection must be released exactly once, got %d", *releases)
	}
	if r.Len() != 0 {
		t.Errorf("terminated session still registered")
	}
	for _, st := range m.Stats() {
		if st.Active != 0 || st.Idle != 1 {
			t.Errorf("pool state after terminate: active=%d idle=%d", st.Active, st.Idle)
		}
	}
}

func TestDeadConnectionClosesSessionOnNextUse(t *testing.T) {
	r, _, _, ft := newTestRegistry(t)

	s, err := r.Create(context.Background(), "u1", "s1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ft.kill()

	_, err = r.Route(s.ID)
	kind, _ := model.KindOf(err)
	if kind != model.KindInvalidSession {
		t.Fatalf("expected InvalidSession for a dead connection, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("session with a dead connection must be torn down")
	}

	// The caller can initialize again.
	if _, err := r.Create(context.Background(), "u1", "s1", ""); err != nil {
		t.Errorf("re-initialization after teardown: %v", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	r, _, bus, _ := newTestRegistry(t)
	releases := countReleases(bus)

	s, err := r.Create(context.Background(), "u1", "s1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	later := time.Now().Add(time.Hour)
	r.SetNowFunc(func() time.Time { return later })

	if expired := r.SweepOnce(); expired != 1 {
		t.Errorf("expected 1 expired session, got %d", expired)
	}
	if r.Len() != 0 {
		t.Error("expired session still registered")
	}
	if *releases != 1 {
		t.Errorf("expired session must release its connection, got %d releases", *releases)
	}

	_, err = r.Route(s.ID)
	if kind, _ := model.KindOf(err); kind != model.KindInvalidSession {
		t.Errorf("routing an expired session should fail with InvalidSession, got %v", err)
	}
}

func TestCloseAllTerminatesEverything(t *testing.T) {
	r, _, _, _ := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		if _, err := r.Create(context.Background(), "u1", "s1", ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("%d sessions survived CloseAll", r.Len())
	}
}
