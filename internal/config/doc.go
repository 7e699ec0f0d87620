// Package config loads and validates the toolgate configuration: the set of
// upstream integrations (server URLs, auth requirements, static or
// environment-sourced OAuth credentials, pre-known metadata), pool sizing,
// and retry policy.
//
// Integration definitions are immutable once loaded. The optional Watcher
// reports edits to the configuration directory so operators know a restart
// is needed; it never mutates a running configuration.
package config
