package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/mcp"
)

// chatServer is an in-memory MCP transport answering the handshake,
// tools/list and tools/call.
type chatServer struct {
	mu     sync.Mutex
	tools  []string
	calls  []map[string]any
	hang   bool
	called chan struct{}
}

func newChatServer(tools ...string) *chatServer {
	return &chatServer{tools: tools, called: make(chan struct{}, 4)}
}

func (s *chatServer) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake-writer", "version": "1.0"},
			"capabilities":    map[string]any{},
		}
	case "tools/list":
		var defs []map[string]any
		for _, name := range s.tools {
			defs = append(defs, map[string]any{"name": name})
		}
		result = map[string]any{"tools": defs}
	case "tools/call":
		raw, _ := json.Marshal(req.Params)
		var params map[string]any
		_ = json.Unmarshal(raw, &params)
		s.mu.Lock()
		s.calls = append(s.calls, params)
		hang := s.hang
		s.mu.Unlock()
		s.called <- struct{}{}
		if hang {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		args, _ := params["arguments"].(map[string]any)
		prompt, _ := args["prompt"].(string)
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": "echo: " + prompt}},
		}
	default:
		return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: &mcp.RPCError{Code: -32601, Message: "method not found"}}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: raw}, nil
}

func (s *chatServer) Notify(context.Context, *mcp.Notification) error { return nil }

func (s *chatServer) Close() error { return nil }

func (s *chatServer) lastCall() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func mcpHarness(t *testing.T, srv *chatServer, declared []string, opts ...func(*Config)) *harness {
	t.Helper()
	servers := []config.MCPServerConfig{{
		Name:      "writer",
		Transport: config.TransportStdio,
		Command:   "writer-mcp",
		Tools:     declared,
		Active:    true,
	}}
	pool := mcp.NewPool(servers, quietLogger(), mcp.WithDialer(
		func(config.MCPServerConfig, *slog.Logger) (mcp.Transport, error) { return srv, nil },
	))
	t.Cleanup(func() { pool.Close() })
	return newHarness(t, newFakeLLM(), func(c *Config) {
		c.Pool = pool
		for _, opt := range opts {
			opt(c)
		}
	})
}

// memDescriptions records tool-list updates per server.
type memDescriptions struct {
	mu    sync.Mutex
	tools map[string][]mcp.ToolDefinition
}

func (m *memDescriptions) Tools(server string) ([]mcp.ToolDefinition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defs, ok := m.tools[server]
	return defs, ok
}

func (m *memDescriptions) Update(server string, defs []mcp.ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tools == nil {
		m.tools = make(map[string][]mcp.ToolDefinition)
	}
	m.tools[server] = defs
	return nil
}

func TestMCPRoute(t *testing.T) {
	srv := newChatServer("summarize", "chat")
	h := mcpHarness(t, srv, []string{"summarize", "chat"})

	res, err := h.loop.Run(context.Background(), Request{Model: "writer", Text: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "echo: hello" || res.Route != RouteMCP {
		t.Errorf("result = %+v", res)
	}
	if h.llm.calls() != 0 {
		t.Error("LLM should not be called for an MCP model")
	}

	call := srv.lastCall()
	if call["name"] != "chat" {
		t.Errorf("called tool %v, want chat", call["name"])
	}
	args := call["arguments"].(map[string]any)
	msgs, _ := args["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", args["messages"])
	}
	sys := msgs[0].(map[string]any)
	if sys["role"] != "system" || strings.Contains(sys["content"].(string), "Available tools") {
		t.Errorf("system message = %v; MCP route must not carry the tool preamble", sys)
	}
	if user := msgs[1].(map[string]any); user["role"] != "user" || user["content"] != "hello" {
		t.Errorf("user message = %v", user)
	}

	kinds := h.sink.kinds()
	if len(kinds) != 2 || kinds[0] != KindToken || kinds[1] != KindCompleted {
		t.Errorf("events = %v, want [token completed]", kinds)
	}
	if roles := h.transcript.roles(res.ExchangeID); len(roles) != 2 {
		t.Errorf("transcript roles = %v", roles)
	}
}

func TestMCPRouteListsToolsWhenNoneDeclared(t *testing.T) {
	srv := newChatServer("summarize", "generate_text")
	descs := &memDescriptions{}
	h := mcpHarness(t, srv, nil, func(c *Config) { c.Descriptions = descs })

	if _, err := h.loop.Run(context.Background(), Request{Model: "writer", Text: "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := srv.lastCall()["name"]; got != "generate_text" {
		t.Errorf("called %v, want generate_text", got)
	}

	cached, ok := descs.Tools("writer")
	if !ok || len(cached) != 2 || cached[0].Name != "summarize" || cached[1].Name != "generate_text" {
		t.Errorf("cached tools = %+v, want the listed tools", cached)
	}
}

func TestMCPRouteNoChatTool(t *testing.T) {
	h := mcpHarness(t, newChatServer(), nil)
	_, err := h.loop.Run(context.Background(), Request{Model: "writer", Text: "x"})
	if !errors.Is(err, ErrNoChatTool) {
		t.Errorf("err = %v, want ErrNoChatTool", err)
	}
}

func TestMCPCancel(t *testing.T) {
	srv := newChatServer("chat")
	srv.hang = true
	h := mcpHarness(t, srv, []string{"chat"})

	done := make(chan error, 1)
	go func() {
		_, err := h.loop.Run(context.Background(), Request{Model: "writer", Text: "slow"})
		done <- err
	}()
	select {
	case <-srv.called:
	case <-time.After(2 * time.Second):
		t.Fatal("tools/call never arrived")
	}
	id := h.loop.Current()
	h.loop.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	terms := h.sink.terminals(id)
	if len(terms) != 1 || terms[0].Kind != KindCancelled {
		t.Errorf("terminals = %+v", terms)
	}
}

func TestPickChatTool(t *testing.T) {
	tests := []struct {
		name string
		srv  config.MCPServerConfig
		want string
	}{
		{"configured wins", config.MCPServerConfig{ChatTool: "talk", Tools: []string{"chat"}}, "talk"},
		{"chat preferred", config.MCPServerConfig{Tools: []string{"summarize", "generate_text", "chat"}}, "chat"},
		{"generate_text", config.MCPServerConfig{Tools: []string{"summarize", "generate_text"}}, "generate_text"},
		{"first declared", config.MCPServerConfig{Tools: []string{"summarize", "translate"}}, "summarize"},
		{"none", config.MCPServerConfig{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickChatTool(tt.srv); got != tt.want {
				t.Errorf("pickChatTool = %q, want %q", got, tt.want)
			}
		})
	}
}
