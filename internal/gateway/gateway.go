// Package gateway wires backend resolution, admission control, session
// routing and execution into a single fixed pipeline. Every inbound call
// passes through it in the same order: resolve the backend, consult the
// rate limiter, initialize or route the session, execute against the bound
// connection, record the outcome. Connections are released only when the
// owning session terminates, never between mid-session calls.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/manifoldmcp/manifold/internal/backend"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/events"
	"github.com/manifoldmcp/manifold/internal/model"
	"github.com/manifoldmcp/manifold/internal/pool"
	"github.com/manifoldmcp/manifold/internal/ratelimit"
	"github.com/manifoldmcp/manifold/internal/service"
	"github.com/manifoldmcp/manifold/internal/session"
)

// Methods accepted by Handle.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
	MethodPing       = "ping"
	MethodTerminate  = "terminate"
)

// Call is one inbound request after transport decoding.
type Call struct {
	Backend      string
	SessionID    string
	Method       string
	ToolName     string
	Arguments    map[string]any
	ServiceToken string
	APIKey       string
	RequestID    string
}

// Reply carries the result of a successful call. Exactly one of the payload
// fields is set depending on the method.
type Reply struct {
	SessionID string              `json:"session_id,omitempty"`
	Tools     []mcp.Tool          `json:"tools,omitempty"`
	Result    *mcp.CallToolResult `json:"result,omitempty"`
}

// Gateway is the orchestrator. It owns the periodic cleanup loop and the
// teardown order for everything beneath it.
type Gateway struct {
	backends *backend.Registry
	limiter  *ratelimit.Limiter
	manager  *pool.Manager
	sessions *session.Registry
	auth     *service.AuthService
	limits   config.Limits
	logger   *slog.Logger
	bus      *events.Bus

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New assembles a Gateway. The cleanup loop does not run until Start is
// called.
func New(backends *backend.Registry, limiter *ratelimit.Limiter, manager *pool.Manager,
	sessions *session.Registry, auth *service.AuthService, limits config.Limits,
	logger *slog.Logger, bus *events.Bus) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backends: backends,
		limiter:  limiter,
		manager:  manager,
		sessions: sessions,
		auth:     auth,
		limits:   limits,
		logger:   logger,
		bus:      bus,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle runs one call through the pipeline.
func (g *Gateway) Handle(ctx context.Context, call Call) (*Reply, error) {
	if _, err := g.backends.Lookup(call.Backend); err != nil {
		return nil, err
	}

	// Shape rejections happen before any limiter or pool work so a
	// malformed request never consumes quota.
	switch call.Method {
	case MethodInitialize:
	case MethodListTools, MethodCallTool, MethodPing, MethodTerminate:
		if call.SessionID == "" {
			return nil, model.NewError(model.KindBadRequest, "method %q requires a session id", call.Method)
		}
	default:
		return nil, model.NewError(model.KindBadRequest, "unknown method %q", call.Method)
	}

	principal, err := g.auth.ValidateAPIKey(ctx, call.APIKey)
	if err != nil {
		return nil, model.NewError(model.KindAuthInvalid, "api key rejected")
	}
	userID := principal.UserID

	res := g.limiter.Allow(userID+":"+call.Backend, userID, call.Backend, 1)
	if !res.Allowed {
		kind := model.KindRateLimited
		if res.Reason == ratelimit.GatePerUserQuota {
			kind = model.KindUserRateLimited
		}
		return nil, model.NewRetryableError(kind, res.RetryAfter,
			"rate limited by %s", res.Reason)
	}

	switch call.Method {
	case MethodInitialize:
		return g.initialize(ctx, call, principal)
	case MethodTerminate:
		g.sessions.Terminate(call.SessionID)
		return &Reply{}, nil
	default:
		return g.execute(ctx, call)
	}
}

// initialize performs the two-factor check and binds a fresh session to a
// pooled connection.
func (g *Gateway) initialize(ctx context.Context, call Call, principal *service.KeyPrincipal) (*Reply, error) {
	if _, err := g.auth.Authorize(ctx, call.ServiceToken, call.APIKey); err != nil {
		return nil, model.NewError(model.KindAuthInvalid, "session initialization rejected")
	}

	sess, err := g.sessions.Create(ctx, principal.UserID, call.Backend, principal.KeyPrefix)
	if err != nil {
		return nil, err
	}

	g.logger.Info("session initialized",
		"session_id", sess.ID,
		"backend", call.Backend,
		"user_id", principal.UserID,
		"request_id", call.RequestID)

	return &Reply{SessionID: sess.ID}, nil
}

// execute routes a continuing call to its session and runs it against the
// bound connection. The connection stays checked out afterwards.
func (g *Gateway) execute(ctx context.Context, call Call) (*Reply, error) {
	sess, err := g.sessions.Route(call.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Backend != call.Backend {
		return nil, model.NewError(model.KindInvalidSession,
			"session %s is bound to a different backend", call.SessionID)
	}

	transport, ok := sess.Conn.Transport.(backend.Transport)
	if !ok {
		return nil, model.NewError(model.KindBackendCrashed, "connection transport lost")
	}

	start := time.Now()
	reply, err := g.dispatch(ctx, transport, call)
	g.manager.RecordCall(call.Backend, time.Since(start), err == nil)

	if err != nil {
		g.logger.Warn("call failed",
			"session_id", call.SessionID,
			"backend", call.Backend,
			"method", call.Method,
			"error", err,
			"request_id", call.RequestID)
		return nil, err
	}
	return reply, nil
}

func (g *Gateway) dispatch(ctx context.Context, t backend.Transport, call Call) (*Reply, error) {
	switch call.Method {
	case MethodListTools:
		tools, err := t.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return &Reply{Tools: tools}, nil
	case MethodCallTool:
		if call.ToolName == "" {
			return nil, model.NewError(model.KindBadRequest, "tools/call requires a tool name")
		}
		result, err := t.CallTool(ctx, call.ToolName, call.Arguments)
		if err != nil {
			return nil, err
		}
		return &Reply{Result: result}, nil
	case MethodPing:
		if err := t.Ping(ctx); err != nil {
			return nil, err
		}
		return &Reply{}, nil
	}
	return nil, model.NewError(model.KindBadRequest, "unknown method %q", call.Method)
}

// Start launches the periodic cleanup loop.
func (g *Gateway) Start() {
	g.started = true
	go g.cleanupLoop()
}

// Close stops the cleanup loop and tears down sessions, then pools.
func (g *Gateway) Close() {
	if g.started {
		close(g.stop)
		<-g.done
	}
	g.sessions.CloseAll()
	g.manager.Close()
}

func (g *Gateway) cleanupLoop() {
	defer close(g.done)
	ticker := time.NewTicker(g.limits.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.SweepOnce()
		}
	}
}

// SweepOnce runs one cleanup cycle across the pool manager, session
// registry and rate limiter, then publishes the combined result.
func (g *Gateway) SweepOnce() events.CleanupCompleted {
	idle, queued := g.manager.SweepOnce()
	sessions := g.sessions.SweepOnce()
	keys := g.limiter.ReapStale()

	summary := events.CleanupCompleted{
		IdleDiscarded:   idle,
		QueueExpired:    queued,
		SessionsExpired: sessions,
		KeysReaped:      keys,
	}
	g.bus.Publish(summary)

	if idle+queued+sessions+keys > 0 {
		g.logger.Debug("cleanup completed",
			"idle_discarded", idle,
			"queue_expired", queued,
			"sessions_expired", sessions,
			"keys_reaped", keys)
	}
	return summary
}

// Stats exposes per-backend pool statistics for the system endpoints.
func (g *Gateway) Stats() []pool.BackendStats {
	return g.manager.Stats()
}

// Sessions returns the session registry, used by the HTTP layer for
// readiness checks.
func (g *Gateway) Sessions() *session.Registry {
	return g.sessions
}
