package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainAppliesInterceptorsInOrder(t *testing.T) {
	var order []string

	tag := func(name string) Interceptor {
		return func(next CallFunc) CallFunc {
			return func(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
				order = append(order, name)
				return next(ctx, tool, args)
			}
		}
	}

	call := Chain(func(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		order = append(order, "transport")
		return &mcp.CallToolResult{}, nil
	}, tag("outer"), tag("inner"))

	_, err := call(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "transport"}, order)
}

func TestRequestIDInterceptorAttachesID(t *testing.T) {
	var seen string

	call := Chain(func(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		seen = RequestIDFromContext(ctx)
		return &mcp.CallToolResult{}, nil
	}, RequestIDInterceptor())

	_, err := call(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)
}

func TestRequestIDInterceptorKeepsExistingID(t *testing.T) {
	var first, second string

	inner := func(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		if first == "" {
			first = RequestIDFromContext(ctx)
		} else {
			second = RequestIDFromContext(ctx)
		}
		return &mcp.CallToolResult{}, nil
	}

	// Two nested request-ID interceptors must not reassign the ID.
	call := Chain(inner, RequestIDInterceptor(), RequestIDInterceptor())
	_, err := call(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	_, err = call(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "separate calls get separate IDs")
}

func TestTimingInterceptorPassesThroughErrors(t *testing.T) {
	boom := errors.New("boom")

	call := Chain(func(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
		return nil, boom
	}, TimingInterceptor())

	_, err := call(context.Background(), "search", nil)
	assert.ErrorIs(t, err, boom)
}
