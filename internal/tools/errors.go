package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The model named a tool it was never
// offered or one whose server has since been deactivated.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ToolError carries error text produced by the tool itself, such as an
// MCP result flagged isError. The executor passes Text to the model
// verbatim instead of prefixing it.
type ToolError struct {
	Text string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return e.Text
}
