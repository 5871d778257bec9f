package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
)

// OpenAIConfig configures a client for one OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name identifies the provider in logs and errors.
	Name string

	// BaseURL is the API root, e.g. https://api.openai.com/v1. The
	// client posts to BaseURL + "/chat/completions".
	BaseURL string

	APIKey string

	// Proxy is an optional socks5, http or https proxy URL.
	Proxy string

	Logger *slog.Logger
}

// OpenAIClient streams chat completions from an OpenAI-compatible API.
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for the given provider.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	logger = logger.With("provider", cfg.Name)

	// No global timeout: streams can be long-lived. Cancellation is
	// driven by the request context.
	hc, err := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
		httpkit.WithProxy(cfg.Proxy),
		httpkit.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	return &OpenAIClient{
		name:       cfg.Name,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: hc,
		logger:     logger,
	}, nil
}

// chatRequest is the wire body for POST /chat/completions.
type chatRequest struct {
	Model      string           `json:"model"`
	Messages   []wireMessage    `json:"messages"`
	Stream     bool             `json:"stream"`
	Tools      []map[string]any `json:"tools,omitempty"`
	ToolChoice string           `json:"tool_choice,omitempty"`
}

// wireMessage is a Message as the API expects it. Content is null on
// assistant messages that only carry tool calls.
type wireMessage struct {
	Role       string     `json:"role"`
	Content    *Content   `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// toWire converts conversation messages to the request encoding.
func toWire(messages []Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool {
			wm.Name = m.Name
		}
		if !(len(m.ToolCalls) > 0 && m.Content.IsEmpty()) {
			c := m.Content
			wm.Content = &c
		}
		out = append(out, wm)
	}
	return out
}

// ChatStream implements Client.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	req := chatRequest{
		Model:    model,
		Messages: toWire(messages),
		Stream:   true,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("sending chat request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: errBody}
	}

	return c.readStream(ctx, model, resp.Body, callback)
}

// readStream feeds the body to a StreamParser until the turn's terminal
// event, forwarding every event to callback.
func (c *OpenAIClient) readStream(ctx context.Context, model string, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	parser := NewStreamParser(c.logger)
	buf := make([]byte, 32*1024)

	for {
		n, readErr := body.Read(buf)

		var events []StreamEvent
		if n > 0 {
			events = parser.Feed(buf[:n])
		}
		if errors.Is(readErr, io.EOF) {
			events = append(events, parser.Finish()...)
		}

		for _, ev := range events {
			if callback != nil {
				callback(ev)
			}
			switch ev.Kind {
			case KindToolCalls:
				return c.response(parser, model, Message{Role: RoleAssistant, ToolCalls: ev.ToolCalls}, "tool_calls"), nil
			case KindDone:
				return c.response(parser, model, Message{Role: RoleAssistant, Content: TextContent(ev.Text)}, "stop"), nil
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func (c *OpenAIClient) response(p *StreamParser, model string, msg Message, finish string) *ChatResponse {
	if m := p.Model(); m != "" {
		model = m
	}
	c.logger.Debug("stream complete",
		"model", model,
		"finish_reason", finish,
		"content_len", len(msg.Content.Text),
		"tool_calls", len(msg.ToolCalls),
	)
	return &ChatResponse{Model: model, Message: msg, FinishReason: finish}
}
