package core

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. a JSON object map). Used for
// tool results that carry structure rather than prose.
type DataPart struct {
	Data     map[string]any
	Metadata map[string]any
}

func (DataPart) isPart() {}

// ToolCall describes a tool invocation request emitted by a model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`        // Stable id correlating call and result
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// ToolCallPart wraps a ToolCall as a content part.
type ToolCallPart struct {
	ToolCall ToolCall
	Metadata map[string]any
}

func (ToolCallPart) isPart() {}

// ToolResult describes the outcome of a tool call.
type ToolResult struct {
	ID       string `json:"id,omitempty"`       // Matches originating ToolCall ID
	Name     string `json:"name"`               // Tool name
	Response any    `json:"response,omitempty"` // Successful result (any JSON-serializable shape)
	Error    string `json:"error,omitempty"`    // Populated on failure
}

// ToolResultPart wraps a ToolResult as a content part.
type ToolResultPart struct {
	ToolResult ToolResult
	Metadata   map[string]any
}

func (ToolResultPart) isPart() {}

// Content holds a conversation role plus ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"` // user, assistant, tool, system
	Parts []Part `json:"parts"`          // Ordered heterogeneous parts
}

// Text concatenates all text parts in order. Non-text parts are skipped.
func (c Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// NewUserContent builds single-text-part user content.
func NewUserContent(text string) Content {
	return Content{Role: "user", Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantContent builds single-text-part assistant content.
func NewAssistantContent(text string) Content {
	return Content{Role: "assistant", Parts: []Part{TextPart{Text: text}}}
}
