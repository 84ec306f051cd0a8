// Package tool implements the callable-capability subsystem: the Tool
// interface agents invoke, a schema-validating function adapter, a registry
// rebuilt from configuration, and an HTTP proxy for remotely hosted tool
// servers. Local and proxied tools are indistinguishable to the agent loop.
package tool

import (
	"context"
	"fmt"

	"github.com/inquestlabs/inquest/internal/util"
)

// Tool is a named callable capability an agent may invoke.
//
// Implementations should provide clear names (snake_case), a description the
// model can act on, a minimal JSON-Schema-like parameter map, and be safe for
// concurrent use.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description provided to the model.
	Description() string

	// Parameters returns a JSON-Schema-like map describing expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Arguments arrive parsed from JSON; results must
	// be JSON-serializable. Implementations must honor ctx cancellation.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError is re-exported so callers can match argument failures.
type ValidationError = util.ValidationError

// Error represents a failure during tool execution with a stable code.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`              // VALIDATION_ERROR, EXECUTION_ERROR, or custom
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates a tool Error with the given code.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}
