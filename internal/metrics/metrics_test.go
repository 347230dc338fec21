package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/manifoldmcp/manifold/internal/events"
)

func TestCollectorTranslatesEvents(t *testing.T) {
	c := NewCollector()
	bus := events.NewBus()
	bus.Subscribe(c)

	bus.Publish(events.PoolInitialized{Backend: "echo", MaxConnections: 10})
	bus.Publish(events.ConnectionReleased{Backend: "echo", Latency: 120 * time.Millisecond, Success: true})
	bus.Publish(events.ConnectionReleased{Backend: "echo", Latency: 40 * time.Millisecond, Success: false})
	bus.Publish(events.RateLimitHit{Gate: "token_bucket", Key: "u1:echo"})
	bus.Publish(events.RateLimitHit{Gate: "token_bucket", Key: "u2:echo"})
	bus.Publish(events.AdaptiveAdjustment{Key: "u1:echo", Direction: "shrink", NewLimit: 60})
	bus.Publish(events.CleanupCompleted{IdleDiscarded: 3, QueueExpired: 1, SessionsExpired: 2, KeysReaped: 4})

	if got := testutil.ToFloat64(c.poolMax.WithLabelValues("echo")); got != 10 {
		t.Errorf("pool max: got %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.connectionsReleased.WithLabelValues("echo", "true")); got != 1 {
		t.Errorf("released success: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.connectionsReleased.WithLabelValues("echo", "false")); got != 1 {
		t.Errorf("released failure: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.rateLimitHits.WithLabelValues("token_bucket")); got != 2 {
		t.Errorf("rate limit hits: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.adaptiveAdjustments.WithLabelValues("shrink")); got != 1 {
		t.Errorf("adaptive adjustments: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cleanupReaped.WithLabelValues("limiter_keys")); got != 4 {
		t.Errorf("cleanup reaped keys: got %v, want 4", got)
	}
}

func TestHandlerServesScrape(t *testing.T) {
	c := NewCollector()
	c.Notify(events.PoolInitialized{Backend: "echo", MaxConnections: 5})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "manifold_pool_max_connections") {
		t.Errorf("scrape output missing pool gauge:\n%s", body)
	}
}
