// Package llm provides the chat message model, the OpenAI-compatible
// streaming client, and the incremental SSE parser that feeds the
// agent loop.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types, as named on the wire.
const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one element of a multimodal message. Order within a
// message is display order.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references image data, normally a data: URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart returns an image content part for a data URI such as
// "data:image/png;base64,iVBOR...".
func ImagePart(dataURI string) ContentPart {
	return ContentPart{Type: PartImage, ImageURL: &ImageURL{URL: dataURI}}
}

// MIMEType returns the media type of an image part's data URI, or ""
// for text parts and non-data URLs.
func (p ContentPart) MIMEType() string {
	if p.ImageURL == nil || !strings.HasPrefix(p.ImageURL.URL, "data:") {
		return ""
	}
	meta, _, ok := strings.Cut(strings.TrimPrefix(p.ImageURL.URL, "data:"), ",")
	if !ok {
		return ""
	}
	mime, _, _ := strings.Cut(meta, ";")
	return mime
}

// Content is either plain text or an ordered list of parts. A non-nil
// Parts slice marks the content as multimodal.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps a plain string.
func TextContent(s string) Content {
	return Content{Text: s}
}

// PartsContent builds multimodal content from parts in display order.
func PartsContent(parts ...ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// IsMultimodal reports whether the content carries parts.
func (c Content) IsMultimodal() bool {
	return c.Parts != nil
}

// IsEmpty reports whether the content carries no text and no parts.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// String returns the textual projection of the content. Image parts are
// omitted.
func (c Content) String() string {
	if !c.IsMultimodal() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// MarshalJSON encodes text content as a JSON string and multimodal
// content as an array of parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultimodal() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts, got %.20s", data)
	}
}

// ToolCall is a finalized, model-issued request to run a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its raw JSON arguments.
// Arguments are kept as the model sent them, even when not valid JSON.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a conversation. Messages are values and are
// never mutated after being appended.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	Model      string     `json:"model,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(role string, content Content) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewToolRequest creates the assistant message that carries tool calls.
func NewToolRequest(model string, calls []ToolCall) Message {
	m := NewMessage(RoleAssistant, Content{})
	m.Model = model
	m.ToolCalls = calls
	return m
}

// NewToolResult creates the tool-role message answering callID.
func NewToolResult(callID, name, content string) Message {
	m := NewMessage(RoleTool, TextContent(content))
	m.ToolCallID = callID
	m.Name = name
	return m
}

// ChatResponse is the outcome of one streamed turn. Exactly one of
// Message.Content or Message.ToolCalls is meaningful.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string
}

// APIError reports an HTTP error status from a chat-completion endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, strings.TrimSpace(e.Body))
}
