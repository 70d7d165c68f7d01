// Package mcp backs the "mcp.<serverId>" tool family. It speaks
// JSON-RPC 2.0 to a remote MCP server over streamable HTTP: initialize,
// tools/list, tools/call and ping.
//
// Each dispatch builds a fresh [Client] for the server named in the
// turn's settings snapshot, so endpoint or token changes apply to the
// next call with nothing cached in between.
package mcp
