package backend

import (
	"context"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/manifoldmcp/manifold/internal/model"
)

// ProtocolStreamableHTTP names the MCP streamable-HTTP transport protocol.
const ProtocolStreamableHTTP = "streamable-http"

// streamableTransport reaches an MCP backend over streamable HTTP using the
// mcp-go client. Each instance carries its own MCP session with the
// backend, so pooled connections are independent conversations.
type streamableTransport struct {
	backend string
	url     string

	mu          sync.Mutex
	client      *mcpclient.Client
	initialized bool
	closed      bool
}

// NewStreamableTransport builds an un-dialed streamable-HTTP transport for
// cfg. Initialize must be called before use.
func NewStreamableTransport(cfg model.BackendConfig) Transport {
	return &streamableTransport{
		backend: cfg.Name,
		url:     cfg.URL,
	}
}

// Initialize connects to the backend and performs the MCP handshake.
func (t *streamableTransport) Initialize(ctx context.Context) error {
	c, err := mcpclient.NewStreamableHttpClient(t.url)
	if err != nil {
		return fmt.Errorf("create mcp client for %q: %w", t.backend, err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start mcp client for %q: %w", t.backend, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "manifold",
		Version: "0.1.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize mcp session with %q: %w", t.backend, err)
	}

	t.mu.Lock()
	t.client = c
	t.initialized = true
	t.mu.Unlock()
	return nil
}

func (t *streamableTransport) get() (*mcpclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.initialized {
		return nil, fmt.Errorf("transport to %q is not connected", t.backend)
	}
	return t.client, nil
}

// ListTools returns the backend's advertised tools.
func (t *streamableTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c, err := t.get()
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", t.backend, err)
	}
	return res.Tools, nil
}

// CallTool invokes a named tool on the backend.
func (t *streamableTransport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c, err := t.get()
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q on %q: %w", name, t.backend, err)
	}
	return res, nil
}

// Ping checks the MCP session end-to-end.
func (t *streamableTransport) Ping(ctx context.Context) error {
	c, err := t.get()
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// IsAlive reports whether the transport can still carry calls. This is a
// local check only; pool validity scans must stay cheap.
func (t *streamableTransport) IsAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized && !t.closed
}

// Close tears the MCP session down.
func (t *streamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.client
	t.mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}
