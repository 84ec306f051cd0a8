// Package model defines the provider-neutral interface the agent loop drives
// generation through, plus a deterministic mock used in tests. Concrete
// adapters live in subpackages (anthropic, openai).
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/inquestlabs/inquest/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual tool exposed to the model.
// Parameters is a minimal JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by the agent loop.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", ...
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Adapters must
// honor ctx cancellation, close both channels on completion, and wrap
// provider/network failures with core.Transient so the runner's retry policy
// can distinguish them from semantic failures.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)
	Info() Info
}

// MockModel is a deterministic in-memory Model for tests and examples. It
// matches the last user text of each request against registered scripts.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	scripts   map[string][]Response
	failures  []error // consumed one per Generate before any scripted output
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider, SupportsTools: true},
		responses: make(map[string]string),
		scripts:   make(map[string][]Response),
	}
}

// AddResponse registers a canned text completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// AddScript registers an ordered sequence of responses for an input prompt,
// letting tests drive tool-call turns.
func (m *MockModel) AddScript(prompt string, responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[prompt] = responses
}

// FailNext queues errors returned by subsequent Generate calls before any
// scripted output. Used to exercise retry behavior.
func (m *MockModel) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// ToolCallResponse builds a final response requesting one tool call.
func ToolCallResponse(id, name, args string) Response {
	return Response{
		Content: core.Content{
			Role:  "assistant",
			Parts: []core.Part{core.ToolCallPart{ToolCall: core.ToolCall{ID: id, Name: name, Arguments: args}}},
		},
		FinishReason: "tool_calls",
	}
}

// TextResponse builds a final text response.
func TextResponse(text string) Response {
	return Response{
		Content:      core.NewAssistantContent(text),
		FinishReason: "stop",
	}
}

// Generate implements Model; emits optional streaming char chunks then the
// final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	var pending error
	if len(m.failures) > 0 {
		pending = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if pending != nil {
			errCh <- pending
			return
		}
		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		inputText := lastUserText(req.Contents)

		m.mu.Lock()
		script := m.scripts[inputText]
		if len(script) > 0 {
			// Scripts are consumed turn by turn.
			m.scripts[inputText] = script[1:]
		}
		canned := m.responses[inputText]
		m.mu.Unlock()

		if len(script) > 0 {
			emit(ctx, respCh, errCh, script[0], req.Stream)
			return
		}

		if canned == "" {
			canned = fmt.Sprintf("Mock response to: %s", inputText)
		}
		emit(ctx, respCh, errCh, TextResponse(canned), req.Stream)
	}()

	return respCh, errCh
}

func emit(ctx context.Context, respCh chan<- Response, errCh chan<- error, final Response, stream bool) {
	if ctx.Err() != nil {
		errCh <- ctx.Err()
		return
	}
	if stream {
		for _, r := range final.Content.Text() {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- Response{Partial: true, Content: core.NewAssistantContent(string(r))}:
			}
		}
	}
	select {
	case <-ctx.Done():
		errCh <- ctx.Err()
	case respCh <- final:
	}
}

// lastUserText returns the text of the most recent user or tool content,
// which is what scripted turns key on.
func lastUserText(contents []core.Content) string {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "user" {
			return contents[i].Text()
		}
	}
	return contents[len(contents)-1].Text()
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
