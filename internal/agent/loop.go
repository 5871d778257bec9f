// Package agent runs conversation exchanges. An exchange starts with one
// user message and ends Completed, Failed or Cancelled. Models named
// after an active MCP server are answered by that server's chat tool in
// a single call. Every other model streams from its LLM provider, and
// tool calls the model issues are executed and fed back until it
// replies with text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/mcp"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/tools"
)

var (
	// ErrToolLoopExhausted fails an exchange whose model keeps asking for
	// tools past the configured number of rounds.
	ErrToolLoopExhausted = errors.New("tool call rounds exhausted")
	// ErrEmptyInput rejects a request with neither text nor images.
	ErrEmptyInput = errors.New("empty input")
)

// Routes.
const (
	RouteLLM = "llm"
	RouteMCP = "mcp"
)

// PromptSource supplies system prompt text by name.
type PromptSource interface {
	Load(name string) (string, error)
}

// TranscriptWriter records finalized messages.
type TranscriptWriter interface {
	Append(exchangeID string, msg llm.Message) error
}

// Request is one user turn.
type Request struct {
	// Model selects the provider model or MCP server. Empty means the
	// configured default.
	Model string
	// Prompt names the system prompt. Empty means the configured one.
	Prompt string
	Text   string
	// Images are data URIs attached after the text.
	Images []string
}

// Result summarizes a finished exchange.
type Result struct {
	ExchangeID string
	Model      string
	Route      string
	Text       string
	Rounds     int
	Messages   []llm.Message
}

// Config wires a Loop to its collaborators. LLM is required unless
// every model routes to MCP.
type Config struct {
	LLM           llm.Client
	Pool          *mcp.Pool
	Registry      *tools.Registry
	Prompts       PromptSource
	Transcript    TranscriptWriter
	Descriptions  mcp.DescriptionStore
	Sink          Sink
	Bus           *events.Bus
	Logger        *slog.Logger
	DefaultModel  string
	SystemPrompt  string
	MaxToolRounds int
}

// Loop owns the single active exchange.
type Loop struct {
	llm        llm.Client
	pool       *mcp.Pool
	registry   *tools.Registry
	executor   *tools.Executor
	prompts    PromptSource
	transcript TranscriptWriter
	descs      mcp.DescriptionStore
	sink       Sink
	bus        *events.Bus
	logger     *slog.Logger

	defaultModel string
	systemPrompt string
	maxRounds    int

	// startMu serializes Start so the cancel of the previous exchange
	// and the swap to the new one happen as one step.
	startMu sync.Mutex

	mu      sync.Mutex
	current *exchange
}

type exchange struct {
	id     string
	model  string
	route  string
	server string
	start  time.Time
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// messages is touched only by the exchange goroutine until done.
	messages []llm.Message
	userText string

	// ended is set under Loop.mu once a terminal event is delivered.
	ended bool

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = config.DefaultMaxToolRounds
	}
	return &Loop{
		llm:          cfg.LLM,
		pool:         cfg.Pool,
		registry:     registry,
		executor:     tools.NewExecutor(registry, logger),
		prompts:      cfg.Prompts,
		transcript:   cfg.Transcript,
		descs:        cfg.Descriptions,
		sink:         cfg.Sink,
		bus:          cfg.Bus,
		logger:       logger,
		defaultModel: cfg.DefaultModel,
		systemPrompt: cfg.SystemPrompt,
		maxRounds:    maxRounds,
	}
}

// Start begins a new exchange and returns its id. A running exchange is
// cancelled first. The exchange continues in the background after Start
// returns; its progress is reported to the Sink.
func (l *Loop) Start(ctx context.Context, req Request) (string, error) {
	ex, err := l.start(ctx, req)
	if err != nil {
		return "", err
	}
	return ex.id, nil
}

// Run starts an exchange and waits for it to end. A cancelled exchange
// returns context.Canceled.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	ex, err := l.start(ctx, req)
	if err != nil {
		return nil, err
	}
	<-ex.done
	return ex.result, ex.err
}

func (l *Loop) start(ctx context.Context, req Request) (*exchange, error) {
	ex, err := l.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.mu.Lock()
	prev := l.current
	l.mu.Unlock()
	if prev != nil {
		// Reported while prev is still current so the UI sees it end.
		l.cancelExchange(prev)
	}

	l.mu.Lock()
	l.current = ex
	l.mu.Unlock()

	l.persist(ex, ex.messages[len(ex.messages)-1])
	l.bus.Emit(events.SourceAgent, events.KindExchangeStart, map[string]any{
		"exchange_id": ex.id,
		"model":       ex.model,
		"route":       ex.route,
	})
	ex.logger.Info("exchange started", "model", ex.model, "route", ex.route)

	go l.run(ex)
	return ex, nil
}

// Cancel stops the current exchange, if any.
func (l *Loop) Cancel() {
	l.mu.Lock()
	ex := l.current
	l.mu.Unlock()
	if ex != nil {
		l.cancelExchange(ex)
	}
}

// Current returns the id of the most recent exchange.
func (l *Loop) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.id
}

// prepare resolves the route and builds the opening conversation.
func (l *Loop) prepare(ctx context.Context, req Request) (*exchange, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, ErrEmptyInput
	}
	model := req.Model
	if model == "" {
		model = l.defaultModel
	}
	if model == "" {
		return nil, config.ErrModelNotConfigured
	}

	route := RouteLLM
	if l.pool != nil {
		if srv, ok := l.pool.Server(model); ok && srv.Active {
			route = RouteMCP
		}
	}
	if route == RouteLLM && l.llm == nil {
		return nil, fmt.Errorf("model %q: %w", model, config.ErrModelNotConfigured)
	}

	system, err := l.systemMessage(req.Prompt, route)
	if err != nil {
		return nil, err
	}

	var content llm.Content
	if len(req.Images) == 0 {
		content = llm.TextContent(req.Text)
	} else {
		parts := make([]llm.ContentPart, 0, len(req.Images)+1)
		if req.Text != "" {
			parts = append(parts, llm.TextPart(req.Text))
		}
		for _, img := range req.Images {
			parts = append(parts, llm.ImagePart(img))
		}
		content = llm.PartsContent(parts...)
	}

	var msgs []llm.Message
	if system != "" {
		msgs = append(msgs, llm.NewMessage(llm.RoleSystem, llm.TextContent(system)))
	}
	msgs = append(msgs, llm.NewMessage(llm.RoleUser, content))

	id := uuid.NewString()
	exCtx, cancel := context.WithCancel(ctx)
	ex := &exchange{
		id:       id,
		model:    model,
		route:    route,
		start:    time.Now(),
		ctx:      exCtx,
		cancel:   cancel,
		logger:   l.logger.With("exchange", id),
		messages: msgs,
		userText: req.Text,
		done:     make(chan struct{}),
	}
	if route == RouteMCP {
		ex.server = model
	}
	return ex, nil
}

func (l *Loop) systemMessage(name, route string) (string, error) {
	if name == "" {
		name = l.systemPrompt
	}
	var base string
	if l.prompts != nil {
		text, err := l.prompts.Load(name)
		if err != nil {
			return "", fmt.Errorf("load prompt %q: %w", name, err)
		}
		base = text
	}
	if route != RouteLLM || l.registry.Len() == 0 {
		return base, nil
	}
	schema, err := l.registry.SchemaJSON()
	if err != nil {
		return "", fmt.Errorf("encode tool schema: %w", err)
	}
	return prompts.WithTools(base, schema), nil
}

func (l *Loop) run(ex *exchange) {
	defer close(ex.done)
	defer ex.cancel()

	var (
		text   string
		rounds int
		err    error
	)
	if ex.route == RouteMCP {
		text, err = l.runMCP(ex)
	} else {
		text, rounds, err = l.runLLM(ex)
	}

	switch {
	case err == nil:
		l.complete(ex, text, rounds)
	case errors.Is(err, context.Canceled):
		l.cancelExchange(ex)
	default:
		l.fail(ex, err)
	}
}

// runLLM streams turns from the provider until the model answers with
// text, executing requested tools between turns.
func (l *Loop) runLLM(ex *exchange) (string, int, error) {
	var schema []map[string]any
	if l.registry.Len() > 0 {
		schema = l.registry.List()
	}

	onEvent := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			l.emit(ex, Event{Kind: KindToken, Text: ev.Token})
		}
	}

	rounds := 0
	for {
		resp, err := l.llm.ChatStream(ex.ctx, ex.model, ex.messages, schema, onEvent)
		if err != nil {
			return "", rounds, err
		}
		if err := ex.ctx.Err(); err != nil {
			return "", rounds, err
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			return resp.Message.Content.String(), rounds, nil
		}
		if rounds >= l.maxRounds {
			return "", rounds, fmt.Errorf("%w after %d rounds", ErrToolLoopExhausted, rounds)
		}
		rounds++

		calls = append([]llm.ToolCall(nil), calls...)
		sort.SliceStable(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })
		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Function.Name
		}
		l.emit(ex, Event{Kind: KindClearText})
		l.emit(ex, Event{Kind: KindToolsInUse, Tools: names})

		request := llm.NewToolRequest(ex.model, calls)
		ex.messages = append(ex.messages, request)
		l.persist(ex, request)

		for _, call := range calls {
			l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
				"exchange_id": ex.id,
				"tool":        call.Function.Name,
				"round":       rounds,
			})
			began := time.Now()
			res := l.executor.Execute(ex.ctx, call)
			l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
				"exchange_id": ex.id,
				"tool":        call.Function.Name,
				"ok":          !res.IsError,
				"duration_ms": time.Since(began).Milliseconds(),
			})
			if err := ex.ctx.Err(); err != nil {
				return "", rounds, err
			}
			msg := res.Message()
			ex.messages = append(ex.messages, msg)
			l.persist(ex, msg)
		}
	}
}

func (l *Loop) complete(ex *exchange, text string, rounds int) {
	ex.once.Do(func() {
		if ex.ctx.Err() != nil {
			ex.err = context.Canceled
			l.emit(ex, Event{Kind: KindCancelled})
			return
		}
		reply := llm.NewMessage(llm.RoleAssistant, llm.TextContent(text))
		reply.Model = ex.model
		ex.messages = append(ex.messages, reply)
		l.persist(ex, reply)

		ex.result = &Result{
			ExchangeID: ex.id,
			Model:      ex.model,
			Route:      ex.route,
			Text:       text,
			Rounds:     rounds,
			Messages:   ex.messages,
		}
		l.emit(ex, Event{Kind: KindCompleted, Text: text})
		l.bus.Emit(events.SourceAgent, events.KindExchangeComplete, map[string]any{
			"exchange_id": ex.id,
			"model":       ex.model,
			"rounds":      rounds,
			"elapsed_ms":  time.Since(ex.start).Milliseconds(),
		})
		ex.logger.Info("exchange completed", "rounds", rounds, "elapsed", time.Since(ex.start).Round(time.Millisecond))
	})
}

func (l *Loop) fail(ex *exchange, err error) {
	ex.once.Do(func() {
		ex.err = err
		l.emit(ex, Event{Kind: KindFailed, Err: err, Text: "Error: " + err.Error()})
		l.bus.Emit(events.SourceAgent, events.KindExchangeFailed, map[string]any{
			"exchange_id": ex.id,
			"error":       err.Error(),
		})
		ex.logger.Warn("exchange failed", "error", err)
	})
}

// cancelExchange aborts ex and reports it cancelled unless it already
// ended.
func (l *Loop) cancelExchange(ex *exchange) {
	ex.cancel()
	ex.once.Do(func() {
		ex.err = context.Canceled
		l.emit(ex, Event{Kind: KindCancelled})
		l.bus.Emit(events.SourceAgent, events.KindExchangeCancelled, map[string]any{
			"exchange_id": ex.id,
		})
		if ex.route == RouteMCP {
			ex.logger.Info("exchange cancelled; the MCP server may still be running the call", "mcp_server", ex.server)
		} else {
			ex.logger.Info("exchange cancelled")
		}
	})
}

// emit delivers e to the sink if ex is still the current exchange and
// has not ended. Nothing is delivered after an exchange's terminal event.
func (l *Loop) emit(ex *exchange, e Event) {
	e.ExchangeID = ex.id
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.current != ex:
		ex.logger.Debug("dropping event from stale exchange", "kind", e.Kind.String())
		return
	case ex.ended:
		ex.logger.Debug("dropping event after exchange ended", "kind", e.Kind.String())
		return
	}
	if e.Kind.Terminal() {
		ex.ended = true
	}
	if l.sink != nil {
		l.sink.Deliver(e)
	}
}

func (l *Loop) persist(ex *exchange, msg llm.Message) {
	if l.transcript == nil {
		return
	}
	if err := l.transcript.Append(ex.id, msg); err != nil {
		ex.logger.Warn("transcript append failed", "role", msg.Role, "error", err)
	}
}
