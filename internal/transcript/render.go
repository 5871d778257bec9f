package transcript

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/parley/internal/llm"
)

// RenderHTML renders an exchange as a standalone HTML document.
// Assistant text is treated as markdown; user and tool text is escaped
// verbatim. Images are listed by media type, not embedded.
func RenderHTML(messages []llm.Message) (string, error) {
	var body strings.Builder
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		fmt.Fprintf(&body, "<section class=%q>\n<h3>%s</h3>\n", "msg "+m.Role, html.EscapeString(heading(m)))
		switch m.Role {
		case llm.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				body.WriteString("<ul class=\"tool-calls\">\n")
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(&body, "<li><code>%s(%s)</code></li>\n",
						html.EscapeString(tc.Function.Name), html.EscapeString(tc.Function.Arguments))
				}
				body.WriteString("</ul>\n")
			}
			if text := m.Content.String(); text != "" {
				var buf bytes.Buffer
				if err := goldmark.Convert([]byte(text), &buf); err != nil {
					return "", fmt.Errorf("render message %s: %w", m.ID, err)
				}
				body.Write(buf.Bytes())
			}
		case llm.RoleTool:
			fmt.Fprintf(&body, "<pre>%s</pre>\n", html.EscapeString(m.Content.String()))
		default:
			renderUser(&body, m.Content)
		}
		body.WriteString("</section>\n")
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Parley transcript</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s</body></html>`, body.String()), nil
}

func heading(m llm.Message) string {
	switch {
	case m.Role == llm.RoleTool && m.Name != "":
		return "tool: " + m.Name
	case m.Role == llm.RoleAssistant && m.Model != "":
		return "assistant (" + m.Model + ")"
	default:
		return m.Role
	}
}

func renderUser(w *strings.Builder, c llm.Content) {
	if !c.IsMultimodal() {
		fmt.Fprintf(w, "<p>%s</p>\n", html.EscapeString(c.Text))
		return
	}
	for _, p := range c.Parts {
		switch p.Type {
		case llm.PartText:
			fmt.Fprintf(w, "<p>%s</p>\n", html.EscapeString(p.Text))
		case llm.PartImage:
			fmt.Fprintf(w, "<p><em>[image %s]</em></p>\n", html.EscapeString(p.MIMEType()))
		}
	}
}
