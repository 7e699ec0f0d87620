package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Session is an established (or establishable) connection to one upstream
// MCP server for one user.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reconnect(ctx context.Context) error
	ServerURL() string
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// Refresher manages token freshness for a session's integration.
type Refresher interface {
	// NeedsRefresh reports whether the stored token expires within the
	// proactive refresh window and a refresh token is available.
	NeedsRefresh(ctx context.Context) bool

	// TryRefresh attempts a refresh-token grant and reports whether it
	// produced a usable token. A false return means re-authentication is
	// required; it is not an error.
	TryRefresh(ctx context.Context) bool
}
