// Package app wires the integration layer together: token storage, OAuth
// discovery and lifecycle, per-integration client pools, and tool execution.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"toolgate/internal/config"
	ioauth "toolgate/internal/oauth"
	"toolgate/internal/pool"
	"toolgate/internal/protocol"
	"toolgate/internal/tokenstore"
	"toolgate/internal/tools"
	"toolgate/pkg/logging"
	"toolgate/pkg/oauth"

	"github.com/mark3labs/mcp-go/mcp"
)

// Runtime owns the long-lived state of the integration layer. One Runtime
// serves all users; per-user isolation happens in the pools, which key
// clients by (user, integration).
type Runtime struct {
	cfg       *config.Config
	store     tokenstore.Store
	engine    *ioauth.Engine
	resolver  *ioauth.CredentialResolver
	lifecycle *ioauth.LifecycleManager

	// pools holds one client pool per integration, keyed by user ID.
	pools map[string]*pool.Pool[*protocol.Client]

	shutdownOnce sync.Once
}

// Option configures the runtime.
type Option func(*options)

type options struct {
	store tokenstore.Store
}

// WithStore overrides the token store (used by tests and by deployments
// that do not want credentials on disk).
func WithStore(store tokenstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// New creates a runtime from a loaded configuration. By default credentials
// persist in a file store under the configured (or default) directory.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		fileStore, err := tokenstore.NewFileStore(cfg.TokenStorageDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token storage: %w", err)
		}
		store = fileStore
	}

	resolver := ioauth.NewCredentialResolver(store)
	engine := ioauth.NewEngine(store)
	lifecycle := ioauth.NewLifecycleManager(store, resolver)

	r := &Runtime{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		resolver:  resolver,
		lifecycle: lifecycle,
		pools:     make(map[string]*pool.Pool[*protocol.Client]),
	}

	poolOpts := pool.Options{
		MaxClients:      cfg.Pool.MaxClients,
		TTL:             cfg.Pool.TTL(),
		CleanupInterval: cfg.Pool.CleanupInterval(),
	}

	for i := range cfg.Integrations {
		integ := &cfg.Integrations[i]
		r.pools[integ.Name] = pool.New(poolOpts, func(userID string) (*protocol.Client, error) {
			key := tokenstore.Key{UserID: userID, Integration: integ.Name}
			return protocol.NewClient(key, integ, store, engine, lifecycle), nil
		})
	}

	logging.Info("Runtime", "Initialized with %d integration(s), pool capacity %d",
		len(cfg.Integrations), cfg.Pool.MaxClients)
	return r, nil
}

// Config returns the loaded configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Engine exposes the discovery engine, for probing.
func (r *Runtime) Engine() *ioauth.Engine {
	return r.engine
}

// Lifecycle exposes the token lifecycle manager.
func (r *Runtime) Lifecycle() *ioauth.LifecycleManager {
	return r.lifecycle
}

// Client returns the pooled client for a user and integration, creating it
// on first use.
func (r *Runtime) Client(ctx context.Context, userID, integration string) (*protocol.Client, error) {
	p, ok := r.pools[integration]
	if !ok {
		return nil, fmt.Errorf("unknown integration %q", integration)
	}
	return p.Get(ctx, userID)
}

// Tools lists an integration's tools for a user, adapted for the agent
// side. Conversion failures are returned alongside the usable tools.
func (r *Runtime) Tools(ctx context.Context, userID, integration string) ([]tools.AdaptedTool, []tools.ConversionFailure, error) {
	client, err := r.Client(ctx, userID, integration)
	if err != nil {
		return nil, nil, err
	}

	upstream, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, err
	}

	return tools.NewAdapter(integration).Adapt(upstream)
}

// Execute invokes an agent-facing tool name (integration-prefixed) for a
// user, with the configured retry policy.
func (r *Runtime) Execute(ctx context.Context, userID, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	integration, sourceName, err := r.splitToolName(toolName)
	if err != nil {
		return nil, err
	}

	client, err := r.Client(ctx, userID, integration)
	if err != nil {
		return nil, err
	}

	integ := r.cfg.Integration(integration)
	key := tokenstore.Key{UserID: userID, Integration: integration}

	refresher := &tokenRefresher{
		store:     r.store,
		lifecycle: r.lifecycle,
		key:       key,
		integ:     integ,
	}

	executor := tools.NewExecutor(client, refresher, r.cfg.Retry)
	return executor.Execute(ctx, sourceName, args)
}

// tokenRefresher adapts the lifecycle manager to the executor's Refresher
// for one (user, integration) pair.
type tokenRefresher struct {
	store     tokenstore.Store
	lifecycle *ioauth.LifecycleManager
	key       tokenstore.Key
	integ     *config.IntegrationConfig
}

// NeedsRefresh reports whether the stored token expires within the proactive
// window. Tokens without a refresh token are never worth refreshing; the
// executor's in-band recovery handles them when they finally expire.
func (t *tokenRefresher) NeedsRefresh(ctx context.Context) bool {
	token, err := t.store.GetOAuthToken(ctx, t.key)
	if err != nil || token == nil || token.RefreshToken == "" {
		return false
	}
	return token.IsExpiredWithMargin(oauth.TokenRefreshThreshold)
}

func (t *tokenRefresher) TryRefresh(ctx context.Context) bool {
	return t.lifecycle.TryRefreshToken(ctx, t.key, t.integ)
}

// Revoke revokes and clears a user's tokens for an integration and drops
// the pooled client so the next call reconnects from scratch.
func (r *Runtime) Revoke(ctx context.Context, userID, integration string) error {
	integ := r.cfg.Integration(integration)
	if integ == nil {
		return fmt.Errorf("unknown integration %q", integration)
	}

	if p, ok := r.pools[integration]; ok {
		p.Remove(userID)
	}

	key := tokenstore.Key{UserID: userID, Integration: integration}
	return r.lifecycle.RevokeTokens(ctx, key, integ)
}

// splitToolName resolves an agent-facing name back to its integration and
// upstream tool name. Integration names may themselves contain underscores,
// so the longest matching configured integration wins.
func (r *Runtime) splitToolName(toolName string) (string, string, error) {
	var integration, sourceName string
	for i := range r.cfg.Integrations {
		name := r.cfg.Integrations[i].Name
		prefix := name + "_"
		if strings.HasPrefix(toolName, prefix) && len(name) > len(integration) {
			integration = name
			sourceName = strings.TrimPrefix(toolName, prefix)
		}
	}
	if integration == "" || sourceName == "" {
		return "", "", fmt.Errorf("tool %q does not match any configured integration", toolName)
	}
	return integration, sourceName, nil
}

// Shutdown closes every pooled client. It is idempotent; concurrent and
// repeated calls are safe.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		var wg sync.WaitGroup
		for name, p := range r.pools {
			wg.Add(1)
			go func(name string, p *pool.Pool[*protocol.Client]) {
				defer wg.Done()
				p.Shutdown()
			}(name, p)
		}
		wg.Wait()
		logging.Info("Runtime", "Shutdown complete")
	})
}
