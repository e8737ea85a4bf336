package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not in the registry. The model asked for something that does not
// exist; this is not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
