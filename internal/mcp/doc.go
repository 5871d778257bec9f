// Package mcp implements the client side of the Model Context Protocol,
// letting Parley call tools hosted by external MCP servers and use an
// MCP server's chat tool in place of an LLM.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (a long-lived
// subprocess, pooled per server name) and HTTP (one POST per call, never
// pooled). Only initialize, tools/list, tools/call and ping are spoken.
package mcp
