package prompts

import "strings"

// DefaultName is the prompt name that falls back to DefaultSystemPrompt
// when no file of that name exists.
const DefaultName = "default"

const defaultSystemTemplate = `You are Parley, a concise and helpful assistant.

Answer directly. Use tools only when the user asks for something a tool
can look up or do, and say plainly when a tool reports an error.`

const toolPreamble = `## Tools
You can call the tools described below. Request a tool call when its
result is needed to answer; otherwise respond directly. Arguments must be
valid JSON matching the tool's parameter schema. After the results come
back, answer the user using them.

Available tools (JSON):`

// DefaultSystemPrompt returns the built-in system prompt.
func DefaultSystemPrompt() string {
	return defaultSystemTemplate
}

// ToolPreamble returns the instructions placed ahead of the tool schema
// in the system message.
func ToolPreamble() string {
	return toolPreamble
}

// WithTools appends the tool preamble and schema JSON to base. An empty
// schema leaves base untouched.
func WithTools(base, schemaJSON string) string {
	if strings.TrimSpace(schemaJSON) == "" {
		return base
	}
	var sb strings.Builder
	if base != "" {
		sb.WriteString(strings.TrimRight(base, "\n"))
		sb.WriteString("\n\n")
	}
	sb.WriteString(toolPreamble)
	sb.WriteString("\n")
	sb.WriteString(schemaJSON)
	return sb.String()
}
