package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nugget/parley/internal/llm"
)

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func TestRegistry_ListEmptyIsNonNil(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	if list == nil {
		t.Fatal("List() = nil, want empty slice")
	}

	s, err := r.SchemaJSON()
	if err != nil {
		t.Fatal(err)
	}
	if s != "[]" {
		t.Errorf("SchemaJSON() = %q, want []", s)
	}
}

func TestRegistry_ListSortedOpenAIShape(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "zeta", Description: "z"})
	r.RegisterBuiltins(nil)

	list := r.List()
	var names []string
	for _, entry := range list {
		if entry["type"] != "function" {
			t.Errorf("type = %v", entry["type"])
		}
		names = append(names, functionName(entry))
	}
	want := []string{"getCurrentWeather", "get_current_time", "zeta"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("names = %v, want %v", names, want)
	}

	// A tool registered without a schema still advertises an object.
	fn := list[2]["function"].(map[string]any)
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Errorf("default parameters = %v", params)
	}

	if got := r.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v", got)
	}
}

func TestExecutor_Weather(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltins(nil)
	e := NewExecutor(r, nil)

	res := e.Execute(context.Background(), call("call_1", "getCurrentWeather", `{"location":"Boston"}`))
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.CallID != "call_1" || res.Name != "getCurrentWeather" {
		t.Errorf("result identity = %+v", res)
	}
	if !strings.HasPrefix(res.Content, "The weather in Boston is ") || !strings.Contains(res.Content, "°F") {
		t.Errorf("content = %q", res.Content)
	}

	again := e.Execute(context.Background(), call("call_2", "getCurrentWeather", `{"location":"boston"}`))
	if strings.TrimPrefix(again.Content, "The weather in boston") != strings.TrimPrefix(res.Content, "The weather in Boston") {
		t.Errorf("weather not deterministic: %q vs %q", res.Content, again.Content)
	}

	msg := res.Message()
	if msg.Role != llm.RoleTool || msg.ToolCallID != "call_1" || msg.Content.Text != res.Content {
		t.Errorf("message = %+v", msg)
	}
}

func TestExecutor_CurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	r := NewRegistry()
	r.RegisterBuiltins(func() time.Time { return fixed })
	e := NewExecutor(r, nil)

	res := e.Execute(context.Background(), call("c", "get_current_time", `{"timezone":"UTC"}`))
	if res.IsError || res.Content != "Saturday, March 14, 2026 15:09:26 UTC" {
		t.Errorf("result = %+v", res)
	}

	bad := e.Execute(context.Background(), call("c", "get_current_time", `{"timezone":"Mars/Olympus"}`))
	if !bad.IsError || !strings.Contains(bad.Content, "unknown timezone") {
		t.Errorf("bad tz result = %+v", bad)
	}
}

func TestExecutor_ErrorResults(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltins(nil)
	r.Register(&Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("kaboom")
		},
	})
	r.Register(&Tool{
		Name: "remote",
		RawHandler: func(_ context.Context, args string) (string, error) {
			return "", &ToolError{Text: "server says no: " + args}
		},
	})
	r.Register(&Tool{Name: "empty"})
	e := NewExecutor(r, nil)

	tests := []struct {
		name string
		call llm.ToolCall
		want string
	}{
		{"unknown tool", call("1", "nope", "{}"), `Error: tool "nope" is not available in this context`},
		{"invalid json", call("2", "getCurrentWeather", `{"loc`), "Error: invalid arguments for getCurrentWeather"},
		{"handler error", call("3", "getCurrentWeather", `{}`), "Error: location is required"},
		{"panic", call("4", "boom", `{}`), "Error: tool boom failed unexpectedly: kaboom"},
		{"tool error verbatim", call("5", "remote", `{"x":1}`), `server says no: {"x":1}`},
		{"no handler", call("6", "empty", ``), "Error: tool empty has no handler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), tt.call)
			if !res.IsError {
				t.Fatalf("IsError = false, content %q", res.Content)
			}
			if !strings.HasPrefix(res.Content, tt.want) {
				t.Errorf("content = %q, want prefix %q", res.Content, tt.want)
			}
			if res.CallID != tt.call.ID {
				t.Errorf("CallID = %q", res.CallID)
			}
		})
	}
}

func TestExecutor_RawHandlerGetsArgumentsUntouched(t *testing.T) {
	var got string
	r := NewRegistry()
	r.Register(&Tool{
		Name:   "video_to_text",
		Server: "video",
		RawHandler: func(_ context.Context, args string) (string, error) {
			got = args
			return "transcript", nil
		},
	})

	raw := `{"url": "https://example.com/v.mp4"` // not valid JSON yet
	res := NewExecutor(r, nil).Execute(context.Background(), call("c", "video_to_text", raw))
	if res.IsError || res.Content != "transcript" {
		t.Errorf("result = %+v", res)
	}
	if got != raw {
		t.Errorf("raw args = %q, want %q", got, raw)
	}
}

func TestRegistry_SchemaJSONRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.RegisterBuiltins(nil)

	s, err := r.SchemaJSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Errorf("entries = %d, want 2", len(decoded))
	}
}
