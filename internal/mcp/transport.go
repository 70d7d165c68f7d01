package mcp

import "context"

// Transport delivers JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers req and returns the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify delivers a notification; no response is read.
	Notify(ctx context.Context, notif *Notification) error
	// Close releases the transport.
	Close() error
}
