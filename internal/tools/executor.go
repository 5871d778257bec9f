package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// Result is the stringified outcome of one tool call.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Message converts the result into the tool-role message that answers
// the originating call.
func (r Result) Message() llm.Message {
	return llm.NewToolResult(r.CallID, r.Name, r.Content)
}

// Executor runs tool calls against a Registry.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor for registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute runs one tool call. It never fails: unknown tools, bad
// arguments, handler errors and handler panics all come back as a
// Result with IsError set so the model can react.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (res Result) {
	name := call.Function.Name
	res = Result{CallID: call.ID, Name: name}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("tool handler panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res.Content = fmt.Sprintf("Error: tool %s failed unexpectedly: %v", name, p)
			res.IsError = true
		}
		e.logger.Debug("tool executed",
			"tool", name,
			"call_id", call.ID,
			"is_error", res.IsError,
			"result_len", len(res.Content),
			"elapsed", time.Since(start),
		)
	}()

	tool := e.registry.Get(name)
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: name}
		e.logger.Warn("model requested unknown tool", "tool", name)
		res.Content = "Error: " + err.Error()
		res.IsError = true
		return res
	}

	var (
		out string
		err error
	)
	switch {
	case tool.RawHandler != nil:
		out, err = tool.RawHandler(ctx, call.Function.Arguments)
	case tool.Handler != nil:
		var args map[string]any
		args, err = decodeArgs(call.Function.Arguments)
		if err != nil {
			res.Content = fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
			res.IsError = true
			return res
		}
		out, err = tool.Handler(ctx, args)
	default:
		err = fmt.Errorf("tool %s has no handler", name)
	}

	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			res.Content = te.Text
		} else {
			res.Content = "Error: " + err.Error()
		}
		res.IsError = true
		e.logger.Info("tool returned error", "tool", name, "error", err)
		return res
	}

	res.Content = out
	return res
}

// decodeArgs parses a tool call's argument JSON. Empty input means no
// arguments.
func decodeArgs(argsJSON string) (map[string]any, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
