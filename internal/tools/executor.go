package tools

import (
	"context"
	"fmt"
	"time"

	"toolgate/internal/config"
	"toolgate/internal/protocol"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// AuthRequiredError is returned when a tool call hit an auth failure and the
// token could not be refreshed. The caller must re-run the authorization
// flow; retrying will not help.
type AuthRequiredError struct {
	Tool string
	Err  error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for tool %s: %v", e.Tool, e.Err)
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Err
}

// Executor runs tool calls against a session with bounded retries.
//
// Transient failures are retried up to the attempt limit with a fixed
// backoff schedule. An authentication failure gets exactly one in-band
// recovery: refresh the token, reconnect, and re-issue the call without
// consuming a retry attempt. A second auth failure, or a failed refresh,
// surfaces as AuthRequiredError.
type Executor struct {
	session   Session
	refresher Refresher

	maxAttempts int
	backoff     []time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor over a session. A nil refresher disables
// the auth recovery path.
func NewExecutor(session Session, refresher Refresher, retry config.RetryConfig) *Executor {
	maxAttempts := retry.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxRetries
	}
	backoff := retry.Backoff()
	if len(backoff) == 0 {
		for _, s := range config.DefaultBackoffSeconds {
			backoff = append(backoff, time.Duration(s)*time.Second)
		}
	}

	return &Executor{
		session:     session,
		refresher:   refresher,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sleep:       sleepCtx,
	}
}

// Execute invokes a tool, stripping null arguments first. Agent frameworks
// commonly send explicit nulls for omitted optional parameters, which many
// servers reject as type errors.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	args = stripNullArgs(args)
	e.ensureFreshToken(ctx, name)

	var lastErr error
	authRecovered := false

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := e.session.CallTool(ctx, name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if protocol.IsAuthError(err) {
			if authRecovered || e.refresher == nil {
				return nil, &AuthRequiredError{Tool: name, Err: err}
			}
			if !e.refresher.TryRefresh(ctx) {
				return nil, &AuthRequiredError{Tool: name, Err: err}
			}
			if rcErr := e.session.Reconnect(ctx); rcErr != nil {
				return nil, fmt.Errorf("reconnect after token refresh failed: %w", rcErr)
			}
			logging.Debug("Executor", "Recovered auth for tool %s, retrying call", name)
			authRecovered = true
			// Recovery does not consume an attempt.
			attempt--
			continue
		}

		if !protocol.IsTransientError(err) {
			return nil, err
		}

		if attempt < e.maxAttempts {
			// Drop the session so the next attempt reconnects instead of
			// reusing a transport that just failed.
			if dcErr := e.session.Disconnect(); dcErr != nil {
				logging.Debug("Executor", "Disconnect before retry of tool %s: %v", name, dcErr)
			}

			delay := e.backoffFor(attempt)
			logging.Debug("Executor", "Tool %s attempt %d/%d failed (%v), retrying in %v",
				name, attempt, e.maxAttempts, err, delay)
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	return nil, &protocol.ConnectionError{
		ServerURL: e.session.ServerURL(),
		Attempts:  e.maxAttempts,
		Last:      lastErr,
	}
}

// ensureFreshToken proactively refreshes a token that is about to expire,
// reconnecting so the new token is actually presented. Failures are logged
// and the call proceeds; a stale token at worst costs the in-band auth
// recovery round trip.
func (e *Executor) ensureFreshToken(ctx context.Context, name string) {
	if e.refresher == nil || !e.refresher.NeedsRefresh(ctx) {
		return
	}
	if !e.refresher.TryRefresh(ctx) {
		logging.Debug("Executor", "Proactive token refresh before tool %s failed, proceeding", name)
		return
	}
	if err := e.session.Reconnect(ctx); err != nil {
		logging.Debug("Executor", "Reconnect after proactive refresh for tool %s: %v", name, err)
	}
}

// backoffFor returns the delay after the given 1-based attempt, reusing the
// last schedule entry when attempts outnumber it.
func (e *Executor) backoffFor(attempt int) time.Duration {
	if attempt-1 < len(e.backoff) {
		return e.backoff[attempt-1]
	}
	return e.backoff[len(e.backoff)-1]
}

// stripNullArgs removes top-level null arguments, returning a copy. Nested
// nulls are left alone; only top-level "present but null" is the framework
// artifact being scrubbed.
func stripNullArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}

	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
