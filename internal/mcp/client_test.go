package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func initializedMock() *mockTransport {
	mt := newMockTransport()
	mt.addResponse("initialize", initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
	})
	return mt
}

func TestClient_Initialize(t *testing.T) {
	mt := initializedMock()

	client := NewClient("test", mt, nil)
	client.initDelay = 0
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %+v, want one initialize", mt.sent)
	}
	params := mt.sent[0].Params.(map[string]any)
	if params["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}
	info := params["clientInfo"].(map[string]any)
	if info["name"] != "parley" {
		t.Errorf("clientInfo.name = %v", info["name"])
	}

	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Fatalf("notifs = %+v, want notifications/initialized", mt.notifs)
	}

	if !client.Initialized() {
		t.Error("Initialized() = false after handshake")
	}
	if got := client.ServerInfo().Name; got != "test-server" {
		t.Errorf("server name = %q", got)
	}
}

func TestClient_InitializeRPCErrorSkipsNotification(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", -32600, "unsupported protocol")

	client := NewClient("test", mt, nil)
	err := client.Initialize(context.Background())

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if len(mt.notifs) != 0 {
		t.Errorf("sent %d notifications after failed initialize", len(mt.notifs))
	}
	if client.Initialized() {
		t.Error("Initialized() = true after failure")
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := initializedMock()
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "video_to_text", Description: "Transcribe a video", InputSchema: map[string]any{"type": "object"}},
			{Name: "chat"},
		},
	})

	client := NewClient("video", mt, nil)
	got, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "video_to_text" || got[1].Name != "chat" {
		t.Errorf("tools = %+v", got)
	}
	if len(client.Tools()) != 2 {
		t.Errorf("Tools() = %+v", client.Tools())
	}
}

func TestClient_ListToolsEmpty(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", map[string]any{})

	got, err := NewClient("x", mt, nil).ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("tools = %#v, want empty non-nil", got)
	}
}

func TestClient_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "72°F and sunny"}},
	})

	client := NewClient("weather", mt, nil)
	res, err := client.CallTool(context.Background(), "forecast", map[string]Value{"location": Str("Boston")})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Text() != "72°F and sunny" {
		t.Errorf("result = %+v", res)
	}

	data, _ := json.Marshal(mt.sent[0].Params)
	want := `{"arguments":{"location":"Boston"},"name":"forecast"}`
	if string(data) != want {
		t.Errorf("params = %s, want %s", data, want)
	}
}

func TestClient_CallToolNilArgsSendsObject(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{})

	if _, err := NewClient("x", mt, nil).CallTool(context.Background(), "t", nil); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(mt.sent[0].Params)
	if !strings.Contains(string(data), `"arguments":{}`) {
		t.Errorf("params = %s", data)
	}
}

func TestClient_CallToolErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{{Type: "text", Text: "video not found"}},
		IsError: true,
	})

	res, err := NewClient("video", mt, nil).CallTool(context.Background(), "video_to_text", nil)
	if err != nil {
		t.Fatalf("isError result surfaced as error: %v", err)
	}
	if !res.IsError || res.Text() != "video not found" {
		t.Errorf("result = %+v", res)
	}
}

func TestClient_CallToolRPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", -32602, "Invalid params")

	_, err := NewClient("x", mt, nil).CallTool(context.Background(), "t", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Errorf("err = %v, want *RPCError -32602", err)
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", map[string]any{})

	client := NewClient("x", mt, nil)
	for range 3 {
		if err := client.Ping(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for i, req := range mt.sent {
		if req.ID != int64(i+1) {
			t.Errorf("request %d id = %d, want %d", i, req.ID, i+1)
		}
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	if err := NewClient("x", mt, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !mt.closed {
		t.Error("transport not closed")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"empty", nil, ""},
		{"text", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"image", []ContentBlock{{Type: "image", Data: "iVBOR", MimeType: "image/png"}}, "[Image data of type image/png received]"},
		{"audio", []ContentBlock{{Type: "audio", MimeType: "audio/wav"}}, "[Audio data of type audio/wav received]"},
		{"resource", []ContentBlock{{Type: "resource", Resource: &ResourceRef{URI: "file:///tmp/out.txt"}}}, "[Resource: file:///tmp/out.txt]"},
		{"resource link", []ContentBlock{{Type: "resource_link", URI: "https://example.com/x"}}, "[Resource: https://example.com/x]"},
		{"image without type", []ContentBlock{{Type: "image"}}, "[Image data of type unknown received]"},
		{"unknown", []ContentBlock{{Type: "hologram"}}, "[hologram content received]"},
		{
			"mixed",
			[]ContentBlock{{Type: "text", Text: "Here:"}, {Type: "image", MimeType: "image/jpeg"}, {Type: "text", Text: "done"}},
			"Here:\n[Image data of type image/jpeg received]\ndone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
