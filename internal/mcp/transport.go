package mcp

import (
	"context"
	"errors"
)

// ErrNotConfigured reports an MCP server definition that cannot be used,
// such as a stdio server without a command or an HTTP server without a
// URL.
var ErrNotConfigured = errors.New("mcp server not configured")

// ErrConnectionTerminated is returned to callers whose request was still
// pending when the transport shut down or the server process exited.
var ErrConnectionTerminated = errors.New("mcp connection terminated")

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport (stdio or HTTP).
type Transport interface {
	// Send sends a JSON-RPC request and returns the matched response.
	// A JSON-RPC error envelope is returned as a Response with Error set.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}
