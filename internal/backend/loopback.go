package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/manifoldmcp/manifold/internal/model"
)

// ProtocolLoopback names the in-process test backend protocol. Loopback
// backends need no network and answer a small fixed tool set, which makes
// them useful for smoke tests and local demos.
const ProtocolLoopback = "loopback"

type loopbackTransport struct {
	backend string

	mu     sync.Mutex
	ready  bool
	closed bool
}

// NewLoopbackTransport builds an in-process transport for cfg.
func NewLoopbackTransport(cfg model.BackendConfig) Transport {
	return &loopbackTransport{backend: cfg.Name}
}

func (t *loopbackTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("loopback transport to %q is closed", t.backend)
	}
	t.ready = true
	return nil
}

func (t *loopbackTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return []mcp.Tool{
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the message argument back to the caller."),
			mcp.WithString("message", mcp.Required(), mcp.Description("Text to echo")),
		),
		mcp.NewTool("time",
			mcp.WithDescription("Return the backend's current time in RFC 3339 format."),
		),
	}, nil
}

func (t *loopbackTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	switch name {
	case "echo":
		msg, _ := args["message"].(string)
		return mcp.NewToolResultText(msg), nil
	case "time":
		return mcp.NewToolResultText(time.Now().UTC().Format(time.RFC3339)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown tool: %s", name)), nil
	}
}

func (t *loopbackTransport) Ping(ctx context.Context) error {
	return t.check()
}

func (t *loopbackTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.closed
}

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *loopbackTransport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready || t.closed {
		return fmt.Errorf("loopback transport to %q is not connected", t.backend)
	}
	return nil
}
