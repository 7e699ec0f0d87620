// Package tools converts upstream MCP tool descriptors into agent-facing
// definitions and executes tool calls with bounded retries and in-band
// auth recovery.
package tools
