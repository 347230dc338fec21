package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/manifoldmcp/manifold/internal/backend"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
	"github.com/manifoldmcp/manifold/internal/gateway"
	"github.com/manifoldmcp/manifold/internal/metrics"
	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
	"github.com/manifoldmcp/manifold/internal/ratelimit"
	"github.com/manifoldmcp/manifold/internal/service"
	"github.com/manifoldmcp/manifold/internal/session"
	"github.com/manifoldmcp/manifold/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testAPIKey    = "manifold_server_test_key_001"
	testUserID    = "user-1"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	authSvc *service.AuthService
	token   string
}

// newTestEnv creates a fresh test environment with an in-memory store, one
// loopback backend named "echo", a seeded API key, and a fully wired Server.
func newTestEnv(t *testing.T, mutate func(*config.Limits)) *testEnv {
	t.Helper()

	st, err := store.New("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key := &model.APIKey{
		KeyHash:   store.HashAPIKey(testAPIKey),
		KeyPrefix: testAPIKey[:8],
		UserID:    testUserID,
		IsActive:  true,
	}
	if err := st.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	authSvc := service.NewAuthService(st, testJWTSecret)
	token, err := authSvc.IssueServiceToken(context.Background(), "test-client", time.Hour)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}

	backends := backend.NewRegistry()
	backends.RegisterProtocol(backend.ProtocolLoopback, backend.NewLoopbackTransport)
	if err := backends.Register(model.BackendConfig{
		Name: "echo", Protocol: backend.ProtocolLoopback, IsActive: true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	limits := config.DefaultLimits()
	if mutate != nil {
		mutate(&limits)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus()
	collector := metrics.NewCollector()
	bus.Subscribe(collector)

	manager := pool.NewManager(limits, backends.Dial, logger, bus)
	limiter := ratelimit.New(limits, bus)
	sessions := session.NewRegistry(manager, limits.SessionTimeout, logger)
	gw := gateway.New(backends, limiter, manager, sessions, authSvc, limits, logger, bus)
	t.Cleanup(func() {
		sessions.CloseAll()
		manager.Close()
	})

	srv := New(DefaultConfig(), gw, backends, authSvc, collector, logger)

	return &testEnv{server: srv, authSvc: authSvc, token: token}
}

// do executes an HTTP request against the test server and returns the
// recorder. headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// rpc posts one gateway call against /api/v1/echo/rpc. sessionID may be
// empty for initialization calls.
func (e *testEnv) rpc(t *testing.T, sessionID string, req map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{
		"X-API-Key":     testAPIKey,
		"Authorization": "Bearer " + e.token,
	}
	if sessionID != "" {
		headers[SessionHeader] = sessionID
	}
	return e.do(t, "POST", "/api/v1/echo/rpc", jsonBody(t, req), headers)
}

// initialize opens a session and returns its id.
func (e *testEnv) initialize(t *testing.T) string {
	t.Helper()
	rr := e.rpc(t, "", map[string]any{"method": "initialize"})
	assertStatus(t, rr, http.StatusOK)
	sid := rr.Header().Get(SessionHeader)
	if sid == "" {
		t.Fatal("initialize: missing session header")
	}
	return sid
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func assertErrorKind(t *testing.T, rr *httptest.ResponseRecorder, wantStatus int, wantKind string) {
	t.Helper()
	assertStatus(t, rr, wantStatus)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Kind != wantKind {
		t.Errorf("error kind = %q, want %q", resp.Error.Kind, wantKind)
	}
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initialize(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Checks["echo"] != "closed" {
		t.Errorf("echo breaker = %q, want closed", resp.Checks["echo"])
	}
}

// ---------------------------------------------------------------------------
// RPC surface tests
// ---------------------------------------------------------------------------

func TestRPCLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t)

	// tools/list
	rr := env.rpc(t, sid, map[string]any{"method": "tools/list"})
	assertStatus(t, rr, http.StatusOK)
	var listResp struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	decodeJSON(t, rr, &listResp)
	if len(listResp.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(listResp.Tools))
	}

	// tools/call
	rr = env.rpc(t, sid, map[string]any{
		"method":    "tools/call",
		"tool":      "echo",
		"arguments": map[string]any{"message": "ping-pong"},
	})
	assertStatus(t, rr, http.StatusOK)

	// terminate
	rr = env.do(t, "DELETE", "/api/v1/echo/rpc", nil, map[string]string{
		"X-API-Key":   testAPIKey,
		SessionHeader: sid,
	})
	assertStatus(t, rr, http.StatusNoContent)

	// session is gone
	rr = env.rpc(t, sid, map[string]any{"method": "ping"})
	assertErrorKind(t, rr, http.StatusNotFound, "invalid_session")
}

func TestRPCUnknownBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/nope/rpc",
		jsonBody(t, map[string]any{"method": "initialize"}),
		map[string]string{
			"X-API-Key":     testAPIKey,
			"Authorization": "Bearer " + env.token,
		})
	assertErrorKind(t, rr, http.StatusNotFound, "backend_not_found")
}

func TestRPCRejectsBadAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/echo/rpc",
		jsonBody(t, map[string]any{"method": "initialize"}),
		map[string]string{
			"X-API-Key":     "wrong-key",
			"Authorization": "Bearer " + env.token,
		})
	assertErrorKind(t, rr, http.StatusUnauthorized, "auth_invalid")
}

func TestRPCInitializeRequiresServiceToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/echo/rpc",
		jsonBody(t, map[string]any{"method": "initialize"}),
		map[string]string{"X-API-Key": testAPIKey})
	assertErrorKind(t, rr, http.StatusUnauthorized, "auth_invalid")
}

func TestRPCRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "POST", "/api/v1/echo/rpc",
		bytes.NewBufferString("{not json"),
		map[string]string{"X-API-Key": testAPIKey})
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestRPCMissingSessionID(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.rpc(t, "", map[string]any{"method": "ping"})
	assertErrorKind(t, rr, http.StatusBadRequest, "bad_request")
}

func TestRPCRateLimitedWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(l *config.Limits) {
		l.TokensPerWindow = 1
		l.MaxBurstSize = 1
	})

	sid := env.initialize(t)

	rr := env.rpc(t, sid, map[string]any{"method": "ping"})
	assertErrorKind(t, rr, http.StatusTooManyRequests, "rate_limited")
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestRPCQueueFullMapsTo503(t *testing.T) {
	env := newTestEnv(t, func(l *config.Limits) {
		l.MaxConnectionsPerBackend = 1
		l.QueueMaxSize = 0
	})

	env.initialize(t)

	rr := env.rpc(t, "", map[string]any{"method": "initialize"})
	assertErrorKind(t, rr, http.StatusServiceUnavailable, "queue_full")
}

// ---------------------------------------------------------------------------
// System endpoint tests
// ---------------------------------------------------------------------------

func TestSystemStatsRequiresServiceToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/api/v1/system/stats", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestSystemStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.initialize(t)

	rr := env.do(t, "GET", "/api/v1/system/stats", nil, map[string]string{
		"Authorization": "Bearer " + env.token,
	})
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Backends []struct {
			Backend string `json:"backend"`
			Active  int    `json:"active"`
		} `json:"backends"`
		Sessions int `json:"sessions"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Backends) != 1 || resp.Backends[0].Backend != "echo" {
		t.Fatalf("unexpected backends: %+v", resp.Backends)
	}
	if resp.Backends[0].Active != 1 {
		t.Errorf("active = %d, want 1", resp.Backends[0].Active)
	}
	if resp.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", resp.Sessions)
	}
}

func TestSystemListBackends(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/api/v1/system/backends", nil, map[string]string{
		"Authorization": "Bearer " + env.token,
	})
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Backends []model.BackendConfig `json:"backends"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Backends) != 1 || resp.Backends[0].Name != "echo" {
		t.Errorf("unexpected backends: %+v", resp.Backends)
	}
}

// ---------------------------------------------------------------------------
// Metrics endpoint tests
// ---------------------------------------------------------------------------

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	sid := env.initialize(t)

	// Exercise a release so the counters have something to show.
	env.do(t, "DELETE", "/api/v1/echo/rpc", nil, map[string]string{
		"X-API-Key":   testAPIKey,
		SessionHeader: sid,
	})

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !bytes.Contains(rr.Body.Bytes(), []byte("manifold_connections_released_total")) {
		t.Error("scrape output missing release counter")
	}
}

// ---------------------------------------------------------------------------
// Request ID propagation
// ---------------------------------------------------------------------------

func TestRequestIDHeaderOnResponses(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on response")
	}
}
