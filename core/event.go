package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the unit of communication between the agent loop, the runner and
// external consumers (streaming HTTP clients, the audit sink). After emission
// an event is treated as immutable.
//
// Content may be nil for control or error-only events. Partial marks a
// streaming fragment that will be followed by further events composing the
// final assistant turn; Interrupted marks the tail event of a cooperatively
// cancelled generation.
type Event struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Author       string    `json:"author"`
	Timestamp    time.Time `json:"timestamp"`
	Content      *Content  `json:"content,omitempty"`
	Partial      bool      `json:"partial,omitempty"`
	Interrupted  bool      `json:"interrupted,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewID generates a unique identifier for events, runs and correlation.
func NewID() string { return uuid.NewString() }

// NewEvent creates a bare event authored by author bound to a run.
func NewEvent(runID, author string) Event {
	return Event{ID: NewID(), RunID: runID, Author: author, Timestamp: time.Now().UTC()}
}

// NewUserEvent creates a user-authored text message event.
func NewUserEvent(runID, text string) Event {
	e := NewEvent(runID, "user")
	c := NewUserContent(text)
	e.Content = &c
	return e
}

// NewChunkEvent creates a partial assistant text fragment.
func NewChunkEvent(runID, author, text string) Event {
	e := NewEvent(runID, author)
	c := NewAssistantContent(text)
	e.Content = &c
	e.Partial = true
	return e
}

// NewMessageEvent creates a final assistant text message event.
func NewMessageEvent(runID, author, text string) Event {
	e := NewEvent(runID, author)
	c := NewAssistantContent(text)
	e.Content = &c
	return e
}

// NewToolCallEvent records an agent requesting execution of a named tool.
func NewToolCallEvent(runID, author string, call ToolCall) Event {
	e := NewEvent(runID, author)
	e.Content = &Content{Role: "assistant", Parts: []Part{ToolCallPart{ToolCall: call}}}
	return e
}

// NewToolResultEvent records the completion result (or error) of a tool call.
// If err is non-nil its message is copied into the result's Error field.
func NewToolResultEvent(runID, author, id, name string, result any, err error) Event {
	e := NewEvent(runID, author)
	tr := ToolResult{ID: id, Name: name, Response: result}
	if err != nil {
		tr.Error = err.Error()
	}
	e.Content = &Content{Role: "tool", Parts: []Part{ToolResultPart{ToolResult: tr}}}
	return e
}

// NewErrorEvent creates an error-only event carrying a stable kind and a
// human-readable message.
func NewErrorEvent(runID, author string, err error) Event {
	e := NewEvent(runID, author)
	e.ErrorKind = string(KindOf(err))
	e.ErrorMessage = err.Error()
	return e
}

// ToolCalls returns any ToolCall parts contained within the event content
// preserving their original order.
func (e Event) ToolCalls() []ToolCall {
	if e.Content == nil {
		return nil
	}
	var calls []ToolCall
	for _, p := range e.Content.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.ToolCall)
		}
	}
	return calls
}

// ToolResults returns any ToolResult parts contained within the event content
// preserving their original order.
func (e Event) ToolResults() []ToolResult {
	if e.Content == nil {
		return nil
	}
	var results []ToolResult
	for _, p := range e.Content.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr.ToolResult)
		}
	}
	return results
}

// IsFinalResponse reports whether the event completes an assistant turn: no
// pending tool calls or results, and not a streaming fragment.
func (e Event) IsFinalResponse() bool {
	return len(e.ToolCalls()) == 0 && len(e.ToolResults()) == 0 && !e.Partial
}
