// Package mcp implements the Model Context Protocol server for external tool access.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This package
// provides an MCP-compatible HTTP server that exposes the plugin registry's tools
// to external AI clients (like Claude Desktop, other LLMs, or custom applications).
//
// # Protocol
//
// The server implements the MCP Streamable HTTP transport (2025-11-25) using
// JSON-RPC 2.0 over HTTP POST. Key endpoints:
//
//   - POST /mcp - JSON-RPC requests (initialize, tools/list, tools/call)
//   - DELETE /mcp - session termination
//   - GET /health - liveness plus registered tool count
//
// Server-initiated SSE streams are not supported; GET /mcp returns 405.
//
// # Sessions
//
// initialize creates a session and returns its ID in the Mcp-Session-Id
// response header. Every subsequent request must echo that header. Sessions
// live in memory only.
//
// # Owner Visibility
//
// The caller's identity arrives pre-resolved in the X-Wasmgate-Owner request
// header and is bound to the session at initialize time. A tool is visible when
// its owning plugin's owner is the wildcard sentinel or equals the caller's
// identity exactly. Invisible tools are indistinguishable from missing ones in
// both tools/list and tools/call.
//
// # Tool Discovery
//
// Clients call tools/list to discover available tools:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 1,
//	  "method": "tools/list"
//	}
//
// and tools/call to invoke one:
//
//	{
//	  "jsonrpc": "2.0",
//	  "id": 2,
//	  "method": "tools/call",
//	  "params": {"name": "echo", "arguments": {"message": "hi"}}
//	}
//
// Tool output is returned as text content in the MCP result envelope.
package mcp
