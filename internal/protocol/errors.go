package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectionError wraps the final failure of a connection or call sequence,
// recording how many attempts were made.
type ConnectionError struct {
	ServerURL string
	Attempts  int
	Last      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed after %d attempt(s): %v", e.ServerURL, e.Attempts, e.Last)
}

func (e *ConnectionError) Unwrap() error {
	return e.Last
}

// IsAuthError reports whether an error from the MCP transport indicates an
// authentication failure. Transport errors arrive as flattened strings, so
// classification is by content.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid_token") ||
		strings.Contains(errStr, "token expired")
}

// IsTransientError reports whether an error is worth retrying: network
// hiccups, timeouts, and server-side 5xx failures. Auth errors are never
// transient, and a cancelled context never retries.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsAuthError(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"eof",
		"502",
		"503",
		"504",
		"too many requests",
		"429",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
