// Package backend manages the gateway's downstream tool providers. Each
// backend is defined by a BackendConfig and reached through a Transport; a
// new Transport is dialed for every pooled connection, so one backend may
// have many live transports at once.
package backend

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/manifoldmcp/manifold/internal/pool"
)

// Transport is one live conversation with a backend: the pool-facing
// lifecycle surface plus the tool-call operations the gateway executes
// against a bound connection.
type Transport interface {
	pool.Transport

	// Initialize performs the protocol handshake. Called once by the
	// registry's dialer before the transport enters the pool.
	Initialize(ctx context.Context) error

	// ListTools returns the tools the backend advertises.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes one named tool with the given arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Ping checks the backend end-to-end.
	Ping(ctx context.Context) error
}
