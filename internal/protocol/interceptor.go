package protocol

import (
	"context"
	"time"

	"toolgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// CallFunc is the signature of a tool invocation against an upstream server.
type CallFunc func(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

// Interceptor wraps a CallFunc with cross-cutting behavior. Interceptors
// compose as an explicit chain around the transport call, which keeps the
// underlying MCP client untouched.
type Interceptor func(next CallFunc) CallFunc

// Chain applies interceptors so the first one listed is outermost.
func Chain(call CallFunc, interceptors ...Interceptor) CallFunc {
	for i := len(interceptors) - 1; i >= 0; i-- {
		call = interceptors[i](call)
	}
	return call
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID attached by the request-ID
// interceptor, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDInterceptor tags every tool call with a unique request ID for
// log correlation across retries.
func RequestIDInterceptor() Interceptor {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
			requestID := RequestIDFromContext(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
				ctx = context.WithValue(ctx, requestIDKey{}, requestID)
			}
			logging.Debug("Protocol", "Calling tool %s (request=%s)", name, logging.TruncateID(requestID))
			return next(ctx, name, args)
		}
	}
}

// TimingInterceptor logs the duration and outcome of each tool call.
func TimingInterceptor() Interceptor {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
			start := time.Now()
			result, err := next(ctx, name, args)
			elapsed := time.Since(start)

			if err != nil {
				logging.Debug("Protocol", "Tool %s failed after %v: %v", name, elapsed, err)
			} else {
				logging.Debug("Protocol", "Tool %s completed in %v", name, elapsed)
			}
			return result, err
		}
	}
}
