package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text delta from the model.
	KindToken StreamEventKind = iota

	// KindToolCalls fires once when the model has finished requesting
	// tools. ToolCalls holds the finalized calls sorted by id.
	KindToolCalls

	// KindDone signals a plain-text end of stream. Text carries the
	// accumulated assistant reply.
	KindDone
)

// String returns a lowercase name for logging.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindToolCalls:
		return "tool_calls"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one parser output. Consumers switch on Kind.
type StreamEvent struct {
	Kind      StreamEventKind
	Token     string
	ToolCalls []ToolCall
	Text      string
}

// StreamCallback receives streaming events in arrival order.
type StreamCallback func(event StreamEvent)

// ParserState is the stream parser's position in its state machine.
type ParserState int

const (
	StateStreaming ParserState = iota
	StateToolCallsPending
	StateDone
)

// String returns a lowercase name for logging.
func (s ParserState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateToolCallsPending:
		return "tool_calls_pending"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// ToolCallFragment accumulates one tool call across deltas sharing the
// same stream index.
type ToolCallFragment struct {
	Index int
	ID    string
	Type  string
	Name  string
	args  []byte
}

// Arguments returns the concatenated argument text received so far.
func (f *ToolCallFragment) Arguments() string {
	return string(f.args)
}

// complete reports whether the fragment can become a ToolCall.
func (f *ToolCallFragment) complete() bool {
	return f.ID != "" && f.Name != "" && f.Type == "function"
}

// merge folds one delta into the fragment. The first non-empty id, type
// and name win; argument text is appended in arrival order.
func (f *ToolCallFragment) merge(d toolCallDelta) {
	if f.ID == "" {
		f.ID = d.ID
	}
	if f.Type == "" {
		f.Type = d.Type
	}
	if f.Name == "" {
		f.Name = d.Function.Name
	}
	f.args = append(f.args, d.Function.Arguments...)
}

// Wire shapes for chat.completion.chunk payloads.
type streamChunk struct {
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// MaxLineSize caps a single SSE line. Longer lines are logged and
// dropped so a peer that never sends a newline cannot grow the buffer
// without bound.
const MaxLineSize = 10 << 20

// StreamParser turns raw chat-completion SSE bytes into StreamEvents.
// A parser serves exactly one response body; create a new one per turn.
//
// Every stream produces exactly one terminal event: KindToolCalls or
// KindDone. Input after the terminal event is ignored.
type StreamParser struct {
	logger *slog.Logger

	state      ParserState
	partial    []byte
	maxLine    int
	discarding bool // inside an oversized line, skipping to its newline
	text      strings.Builder
	model     string
	fragments map[int]*ToolCallFragment
}

// NewStreamParser creates a parser in the Streaming state.
func NewStreamParser(logger *slog.Logger) *StreamParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamParser{
		logger:    logger,
		maxLine:   MaxLineSize,
		fragments: make(map[int]*ToolCallFragment),
	}
}

// State returns the current parser state.
func (p *StreamParser) State() ParserState {
	return p.state
}

// Text returns the assistant text accumulated so far.
func (p *StreamParser) Text() string {
	return p.text.String()
}

// Model returns the model name reported by the stream, if any.
func (p *StreamParser) Model() string {
	return p.model
}

// Fragment returns the in-progress fragment for a stream index.
func (p *StreamParser) Fragment(index int) (*ToolCallFragment, bool) {
	f, ok := p.fragments[index]
	return f, ok
}

// Feed consumes one chunk of the response body. Lines split across
// chunks are held until their newline arrives.
func (p *StreamParser) Feed(chunk []byte) []StreamEvent {
	if p.state == StateDone {
		return nil
	}

	p.partial = append(p.partial, chunk...)

	var events []StreamEvent
	for p.state != StateDone {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := p.partial[:i]
		p.partial = p.partial[i+1:]
		if p.discarding {
			p.discarding = false
			continue
		}
		if len(line) > p.maxLine {
			p.dropLine(len(line))
			continue
		}
		events = append(events, p.processLine(line)...)
	}

	if len(p.partial) > p.maxLine {
		if !p.discarding {
			p.dropLine(len(p.partial))
		}
		p.discarding = true
		p.partial = nil
	}
	if len(p.partial) == 0 || p.state == StateDone {
		p.partial = nil
	}
	return events
}

// Finish handles end of body. A trailing unterminated line is processed
// and a stream that never sent [DONE] is finalized as if it had.
func (p *StreamParser) Finish() []StreamEvent {
	if p.state == StateDone {
		return nil
	}

	var events []StreamEvent
	if len(p.partial) > 0 && !p.discarding {
		line := p.partial
		p.partial = nil
		events = append(events, p.processLine(line)...)
	}
	p.partial = nil
	p.discarding = false
	if p.state != StateDone {
		events = append(events, p.finish()...)
	}
	return events
}

func (p *StreamParser) dropLine(size int) {
	p.logger.Warn("dropping oversized stream line", "bytes", size, "limit", p.maxLine)
}

func (p *StreamParser) processLine(line []byte) []StreamEvent {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		// Blank separators, comments, and event: lines carry nothing
		// for chat completions.
		return nil
	}
	payload := bytes.TrimSpace(line[len("data:"):])

	p.logger.Log(context.Background(), LevelTrace, "sse frame", "data", string(payload))

	if string(payload) == "[DONE]" {
		return p.finish()
	}

	if p.state == StateToolCallsPending {
		// Only [DONE] matters once tool calls have been handed off.
		return nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		p.logger.Debug("skipping malformed stream frame", "error", err, "data", string(payload))
		return nil
	}
	if chunk.Model != "" && p.model == "" {
		p.model = chunk.Model
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	for _, d := range choice.Delta.ToolCalls {
		f, ok := p.fragments[d.Index]
		if !ok {
			f = &ToolCallFragment{Index: d.Index}
			p.fragments[d.Index] = f
		}
		f.merge(d)
	}

	var events []StreamEvent
	if c := choice.Delta.Content; c != nil && *c != "" {
		p.text.WriteString(*c)
		events = append(events, StreamEvent{Kind: KindToken, Token: *c})
	}

	if choice.FinishReason != nil && *choice.FinishReason == "tool_calls" {
		if calls := p.takeToolCalls(); len(calls) > 0 {
			p.state = StateToolCallsPending
			events = append(events, StreamEvent{Kind: KindToolCalls, ToolCalls: calls})
		}
	}
	return events
}

// finish moves the parser to Done, emitting the terminal event if one
// has not been emitted yet.
func (p *StreamParser) finish() []StreamEvent {
	switch p.state {
	case StateDone:
		return nil
	case StateToolCallsPending:
		p.state = StateDone
		return nil
	}

	p.state = StateDone
	if calls := p.takeToolCalls(); len(calls) > 0 {
		return []StreamEvent{{Kind: KindToolCalls, ToolCalls: calls}}
	}
	return []StreamEvent{{Kind: KindDone, Text: p.text.String()}}
}

// takeToolCalls converts complete fragments to ToolCalls sorted by id
// and clears the fragment map.
func (p *StreamParser) takeToolCalls() []ToolCall {
	if len(p.fragments) == 0 {
		return nil
	}

	calls := make([]ToolCall, 0, len(p.fragments))
	for _, f := range p.fragments {
		if f.Type == "" && f.ID != "" && f.Name != "" {
			// Some servers omit type; function is the only kind.
			f.Type = "function"
		}
		if !f.complete() {
			p.logger.Warn("dropping incomplete tool call fragment",
				"index", f.Index,
				"id", f.ID,
				"name", f.Name,
				"type", f.Type,
			)
			continue
		}
		calls = append(calls, ToolCall{
			ID:   f.ID,
			Type: f.Type,
			Function: FunctionCall{
				Name:      f.Name,
				Arguments: f.Arguments(),
			},
		})
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })

	p.fragments = make(map[int]*ToolCallFragment)
	return calls
}
