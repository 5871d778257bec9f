package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/mcp"
)

// ErrNoChatTool is returned when an MCP server offers no tool to chat
// through.
var ErrNoChatTool = errors.New("no chat tool")

// chatToolNames are preferred, in order, when no chat_tool is configured.
var chatToolNames = []string{"chat", "generate_text"}

// runMCP answers the exchange with one tools/call to the server's chat
// tool. The reply arrives whole and is delivered as a single token.
func (l *Loop) runMCP(ex *exchange) (string, error) {
	srv, _ := l.pool.Server(ex.server)

	client, err := l.pool.Client(ex.ctx, ex.server)
	if err != nil {
		return "", err
	}

	tool := pickChatTool(srv)
	if tool == "" {
		listed, err := client.ListTools(ex.ctx)
		if err != nil {
			return "", fmt.Errorf("list tools on %s: %w", ex.server, err)
		}
		if l.descs != nil {
			if err := l.descs.Update(ex.server, listed); err != nil {
				ex.logger.Warn("tool cache update failed", "mcp_server", ex.server, "error", err)
			}
		}
		names := make([]string, len(listed))
		for i, td := range listed {
			names[i] = td.Name
		}
		tool = pickChatTool(config.MCPServerConfig{Tools: names})
	}
	if tool == "" {
		return "", fmt.Errorf("mcp server %s: %w", ex.server, ErrNoChatTool)
	}

	ex.logger.Debug("calling MCP chat tool", "mcp_server", ex.server, "tool", tool)
	res, err := client.CallTool(ex.ctx, tool, chatArguments(ex.userText, ex.messages))
	if err != nil {
		if errors.Is(err, mcp.ErrConnectionTerminated) {
			l.pool.Evict(ex.server)
			l.bus.Emit(events.SourceMCP, events.KindServerEvicted, map[string]any{
				"server": ex.server,
				"reason": err.Error(),
			})
		}
		return "", err
	}
	text := res.Text()
	if res.IsError {
		return "", fmt.Errorf("%s/%s: %s", ex.server, tool, text)
	}

	l.emit(ex, Event{Kind: KindToken, Text: text})
	return text, nil
}

// pickChatTool returns the configured chat_tool, else the first declared
// tool with a conventional chat name, else the first declared tool.
func pickChatTool(srv config.MCPServerConfig) string {
	if srv.ChatTool != "" {
		return srv.ChatTool
	}
	for _, want := range chatToolNames {
		for _, name := range srv.Tools {
			if name == want {
				return name
			}
		}
	}
	if len(srv.Tools) > 0 {
		return srv.Tools[0]
	}
	return ""
}

// chatArguments builds {"prompt": text, "messages": [{role, content}]}.
func chatArguments(prompt string, msgs []llm.Message) map[string]mcp.Value {
	history := make([]mcp.Value, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, mcp.Object(map[string]mcp.Value{
			"role":    mcp.Str(m.Role),
			"content": mcp.Str(m.Content.String()),
		}))
	}
	return map[string]mcp.Value{
		"prompt":   mcp.Str(prompt),
		"messages": mcp.Array(history...),
	}
}
