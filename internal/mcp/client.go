package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// InitializedDelay is the pause between the initialize response and the
// notifications/initialized notification. Some servers process the
// notification asynchronously and drop requests that race it.
const InitializedDelay = 100 * time.Millisecond

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Data     string       `json:"data,omitempty"`
	MimeType string       `json:"mimeType,omitempty"`
	URI      string       `json:"uri,omitempty"`
	Resource *ResourceRef `json:"resource,omitempty"`
}

// ResourceRef is the embedded resource of a "resource" content block.
type ResourceRef struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// CallResult is the result payload of a tools/call response.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the content blocks into one newline-joined string.
func (r *CallResult) Text() string {
	return extractText(r.Content)
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies a server from its initialize response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Client speaks the MCP operations to one server over a Transport.
// Request ids are allocated from a per-client monotonic counter.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	initDelay time.Duration

	mu          sync.RWMutex
	initialized bool
	server      ServerInfo
	tools       []ToolDefinition
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (stdio or HTTP).
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		initDelay: InitializedDelay,
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns the identity the server reported in its
// initialize response.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Initialize performs the MCP handshake: it sends initialize, waits for
// the matched response, pauses briefly, and then sends the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	if s, ok := c.transport.(interface{ Start(context.Context) error }); ok {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if c.initDelay > 0 {
		select {
		case <-time.After(c.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.server = result.ServerInfo
	c.mu.Unlock()

	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// The latest list is remembered and available from Tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Tools returns the definitions from the most recent ListTools call.
func (c *Client) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool by name with the given arguments. A result
// flagged isError is returned as a CallResult, not as an error; errors
// are reserved for transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]Value) (*CallResult, error) {
	if args == nil {
		args = map[string]Value{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins content blocks into a single string. Conversation
// messages carry text only, so other block types become placeholders.
func extractText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[Image data of type %s received]", orUnknown(b.MimeType)))
		case "audio":
			parts = append(parts, fmt.Sprintf("[Audio data of type %s received]", orUnknown(b.MimeType)))
		case "resource":
			uri := ""
			if b.Resource != nil {
				uri = b.Resource.URI
			}
			parts = append(parts, fmt.Sprintf("[Resource: %s]", uri))
		case "resource_link":
			parts = append(parts, fmt.Sprintf("[Resource: %s]", b.URI))
		default:
			parts = append(parts, fmt.Sprintf("[%s content received]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
