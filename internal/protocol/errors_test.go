package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("request failed with status 401"), true},
		{errors.New("Unauthorized"), true},
		{errors.New("invalid_token: the access token expired"), true},
		{errors.New("connection refused"), false},
		{errors.New("tool not found"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsAuthError(tt.err), "%v", tt.err)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("Client.Timeout exceeded while awaiting headers"), true},
		{errors.New("request timed out"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("upstream returned 503"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("401 unauthorized"), false},
		{errors.New("invalid arguments"), false},
		{context.Canceled, false},
		{fmt.Errorf("call failed: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func TestConnectionErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &ConnectionError{ServerURL: "https://mcp.example.com", Attempts: 3, Last: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Contains(t, err.Error(), "https://mcp.example.com")
}
