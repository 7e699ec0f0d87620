package protocol

import (
	"context"
	"fmt"
	"sync"

	"toolgate/internal/config"
	ioauth "toolgate/internal/oauth"
	"toolgate/internal/tokenstore"
	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision sent during the handshake.
const protocolVersion = "2024-11-05"

// clientName identifies this process to upstream servers.
const clientName = "toolgate"

// Client is one user's connection to one upstream MCP server over streamable
// HTTP. It owns the handshake, bearer token injection, and the interceptor
// chain around tool calls. A Client is created cheaply and connects lazily;
// the pool holds and evicts them.
type Client struct {
	key       tokenstore.Key
	integ     *config.IntegrationConfig
	store     tokenstore.Store
	engine    *ioauth.Engine
	lifecycle *ioauth.LifecycleManager

	mu        sync.Mutex
	mcpClient *client.Client
	connected bool

	call CallFunc
}

// NewClient creates an unconnected client for one (user, integration) pair.
func NewClient(key tokenstore.Key, integ *config.IntegrationConfig, store tokenstore.Store, engine *ioauth.Engine, lifecycle *ioauth.LifecycleManager, interceptors ...Interceptor) *Client {
	c := &Client{
		key:       key,
		integ:     integ,
		store:     store,
		engine:    engine,
		lifecycle: lifecycle,
	}

	if len(interceptors) == 0 {
		interceptors = []Interceptor{RequestIDInterceptor(), TimingInterceptor()}
	}
	c.call = Chain(c.transportCall, interceptors...)

	return c
}

// Key returns the (user, integration) identity of this client.
func (c *Client) Key() tokenstore.Key {
	return c.key
}

// ServerURL returns the upstream server URL this client connects to.
func (c *Client) ServerURL() string {
	return c.integ.ServerURL
}

// Connect establishes the MCP session. Calling Connect on a connected client
// is a no-op. For integrations that require auth, connecting runs endpoint
// discovery (cached after the first time) and refreshes a token that is
// about to expire before the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	headers := make(map[string]string)
	if c.integ.RequiresAuth {
		if _, err := c.engine.Discover(ctx, c.key, c.integ, nil); err != nil {
			return fmt.Errorf("failed to discover OAuth endpoints for %s: %w", c.integ.Name, err)
		}

		token, err := c.bearerToken(ctx)
		if err != nil {
			return err
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}

	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.integ.ServerURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client for %s: %w", c.integ.Name, err)
	}

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		if IsAuthError(err) {
			return fmt.Errorf("authentication required for %s: %w", c.integ.Name, err)
		}
		return fmt.Errorf("failed to initialize MCP session with %s: %w", c.integ.Name, err)
	}

	c.mcpClient = mcpClient
	c.connected = true

	logging.Debug("Protocol", "Connected %s to %s (server=%s %s)",
		c.key, c.integ.ServerURL, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// bearerToken returns the access token to present, refreshing first when it
// expires within the proactive threshold and a refresh token exists. An
// expired token with no refresh path is not sent at all; the server's 401
// then carries a proper challenge.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	token, err := c.store.GetOAuthToken(ctx, c.key)
	if err != nil {
		return "", fmt.Errorf("failed to read token for %s: %w", c.key, err)
	}
	if token == nil {
		return "", nil
	}

	if token.IsExpiredWithMargin(oauth.TokenRefreshThreshold) && token.RefreshToken != "" {
		if c.lifecycle.TryRefreshToken(ctx, c.key, c.integ) {
			token, err = c.store.GetOAuthToken(ctx, c.key)
			if err != nil {
				return "", fmt.Errorf("failed to re-read token for %s: %w", c.key, err)
			}
		}
	}

	if token == nil || token.IsExpired() {
		return "", nil
	}
	return token.AccessToken, nil
}

// Disconnect tears down the MCP session. Disconnecting an unconnected
// client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.mcpClient == nil {
		c.connected = false
		c.mcpClient = nil
		return nil
	}

	err := c.mcpClient.Close()
	c.mcpClient = nil
	c.connected = false

	logging.Debug("Protocol", "Disconnected %s from %s", c.key, c.integ.ServerURL)
	return err
}

// Reconnect tears down and re-establishes the session, picking up freshly
// stored tokens.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		logging.Debug("Protocol", "Disconnect before reconnect for %s: %v", c.key, err)
	}
	return c.Connect(ctx)
}

// Close satisfies the pool's client contract.
func (c *Client) Close() error {
	return c.Disconnect()
}

// Connected reports whether an MCP session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ListTools fetches the upstream tool descriptors, connecting first if
// needed.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("client for %s is not connected", c.integ.Name)
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", c.integ.Name, err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool through the interceptor chain.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.call(ctx, name, args)
}

// transportCall is the innermost call, hitting the MCP transport directly.
func (c *Client) transportCall(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("client for %s is not connected", c.integ.Name)
	}

	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool %s on %s failed: %w", name, c.integ.Name, err)
	}
	return result, nil
}
