package llm

import "context"

// Client is the interface that all chat providers implement.
type Client interface {
	// ChatStream sends a streaming chat request. Text deltas and the
	// tool-calls event are delivered to callback as they arrive; the
	// returned response summarizes the turn. ChatStream returns as soon
	// as the turn's terminal event is parsed.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)
}
