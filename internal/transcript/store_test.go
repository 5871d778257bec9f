package transcript

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/parley/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func weatherExchange() []llm.Message {
	user := llm.NewMessage(llm.RoleUser, llm.TextContent("Weather in Boston?"))
	call := llm.NewToolRequest("gpt-4o-mini", []llm.ToolCall{{
		ID:       "call_1",
		Type:     "function",
		Function: llm.FunctionCall{Name: "getCurrentWeather", Arguments: `{"location":"Boston"}`},
	}})
	result := llm.NewToolResult("call_1", "getCurrentWeather", "The weather in Boston is 72F and sunny.")
	answer := llm.NewMessage(llm.RoleAssistant, llm.TextContent("It is **72F** and sunny."))
	answer.Model = "gpt-4o-mini"
	return []llm.Message{user, call, result, answer}
}

func TestAppendAndExchange(t *testing.T) {
	s := newTestStore(t)
	want := weatherExchange()
	for _, m := range want {
		if err := s.Append("ex-1", m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append("ex-2", llm.NewMessage(llm.RoleUser, llm.TextContent("other"))); err != nil {
		t.Fatal(err)
	}

	got, err := s.Exchange("ex-1")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Role != want[i].Role {
			t.Errorf("message %d = %s/%s, want %s/%s", i, got[i].ID, got[i].Role, want[i].ID, want[i].Role)
		}
		if got[i].Content.String() != want[i].Content.String() {
			t.Errorf("message %d content = %q, want %q", i, got[i].Content.String(), want[i].Content.String())
		}
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Function.Arguments != `{"location":"Boston"}` {
		t.Errorf("tool calls not round-tripped: %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_1" || got[2].Name != "getCurrentWeather" {
		t.Errorf("tool result = %+v", got[2])
	}
	if got[3].Model != "gpt-4o-mini" {
		t.Errorf("assistant model = %q", got[3].Model)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not restored")
	}
}

func TestAppendMultimodal(t *testing.T) {
	s := newTestStore(t)
	msg := llm.NewMessage(llm.RoleUser, llm.PartsContent(
		llm.TextPart("what is this?"),
		llm.ImagePart("data:image/png;base64,iVBORw0KGgo="),
	))
	if err := s.Append("ex-img", msg); err != nil {
		t.Fatal(err)
	}
	got, err := s.Exchange("ex-img")
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].Content.IsMultimodal() || len(got[0].Content.Parts) != 2 {
		t.Fatalf("content = %+v", got[0].Content)
	}
	if mt := got[0].Content.Parts[1].MIMEType(); mt != "image/png" {
		t.Errorf("MIMEType = %q", mt)
	}
}

func TestExchangeNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Exchange("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectsEmptyExchange(t *testing.T) {
	s := newTestStore(t)
	if err := s.Append("", llm.NewMessage(llm.RoleUser, llm.TextContent("x"))); err == nil {
		t.Error("expected error for empty exchange id")
	}
}

func TestRecent(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		m := llm.NewMessage(llm.RoleUser, llm.TextContent("question "+id))
		m.Timestamp = base.Add(time.Duration(i) * time.Hour)
		if err := s.Append(id, m); err != nil {
			t.Fatal(err)
		}
	}
	reply := llm.NewMessage(llm.RoleAssistant, llm.TextContent("answer"))
	reply.Model = "gpt-4o-mini"
	reply.Timestamp = base.Add(2 * time.Hour)
	if err := s.Append("new", reply); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Fatalf("Recent = %+v", got)
	}
	if got[0].Messages != 2 || got[0].Model != "gpt-4o-mini" || got[0].Preview != "question new" {
		t.Errorf("summary = %+v", got[0])
	}
	if !got[1].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got[1].StartedAt, base)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append("ex", llm.NewMessage(llm.RoleUser, llm.TextContent("persisted"))); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Exchange("ex")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Content.String() != "persisted" {
		t.Errorf("content = %q", got[0].Content.String())
	}
}

func TestRenderHTML(t *testing.T) {
	msgs := weatherExchange()
	msgs[0].Content = llm.TextContent("<script>alert(1)</script> Weather?")
	msgs = append([]llm.Message{llm.NewMessage(llm.RoleSystem, llm.TextContent("SYSTEM SECRET"))}, msgs...)

	out, err := RenderHTML(msgs)
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	for _, want := range []string{
		"<!DOCTYPE html>",
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"<strong>72F</strong>",
		"getCurrentWeather(",
		"tool: getCurrentWeather",
		"assistant (gpt-4o-mini)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(out, "<script>") {
		t.Error("user HTML was not escaped")
	}
	if strings.Contains(out, "SYSTEM SECRET") {
		t.Error("system prompt should not be rendered")
	}
}

func TestRenderHTMLImage(t *testing.T) {
	m := llm.NewMessage(llm.RoleUser, llm.PartsContent(
		llm.TextPart("look"),
		llm.ImagePart("data:image/jpeg;base64,/9j/"),
	))
	out, err := RenderHTML([]llm.Message{m})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[image image/jpeg]") {
		t.Errorf("image placeholder missing: %s", out)
	}
	if strings.Contains(out, "base64") {
		t.Error("image data should not be embedded")
	}
}
