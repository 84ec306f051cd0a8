// Package openai adapts the OpenAI Chat Completions API (including streaming
// and tool calling) to the generic model.Model interface.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/model"
)

// aggCall aggregates partial tool-call streaming deltas so complete tool
// call parts can be reconstructed when the finish reason arrives.
type aggCall struct{ id, name, args string }

// Options configures the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind model.Model.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates an OpenAI-backed model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates an OpenAI-backed model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		toolResults, order := collectToolResults(req)
		messages := buildMessages(req, toolResults, order)
		params := m.buildParams(req, messages)
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, params, out, errCh)
	}()
	return out, errCh
}

// collectToolResults indexes tool results by id preserving first-seen order.
func collectToolResults(req model.Request) (map[string]string, []string) {
	results := map[string]string{}
	var order []string
	for _, c := range req.Contents {
		if c.Role != "tool" {
			continue
		}
		for _, p := range c.Parts {
			tr, ok := p.(core.ToolResultPart)
			if !ok || tr.ToolResult.ID == "" {
				continue
			}
			if _, exists := results[tr.ToolResult.ID]; exists {
				continue
			}
			var text string
			if tr.ToolResult.Error != "" {
				text = "error: " + tr.ToolResult.Error
			} else if s, ok := tr.ToolResult.Response.(string); ok {
				text = s
			} else {
				text = fmt.Sprintf("%v", tr.ToolResult.Response)
			}
			results[tr.ToolResult.ID] = text
			order = append(order, tr.ToolResult.ID)
		}
	}
	return results, order
}

// buildMessages converts normalized contents into OpenAI chat messages while
// attaching matching tool results immediately after assistant tool calls.
func buildMessages(
	req model.Request,
	toolResults map[string]string,
	order []string,
) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, c := range req.Contents {
		if c.Role == "tool" {
			continue
		}
		text := c.Text()
		switch c.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(text))
		case "user":
			messages = append(messages, openai.UserMessage(text))
		case "assistant":
			toolCalls, callIDs := extractToolCalls(c)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
			for _, id := range callIDs {
				if id == "" {
					continue
				}
				if result, ok := toolResults[id]; ok {
					messages = append(messages, openai.ToolMessage(result, id))
					delete(toolResults, id)
				}
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	for _, id := range order {
		if result, ok := toolResults[id]; ok {
			messages = append(messages, openai.ToolMessage(result, id))
		}
	}
	return messages
}

// extractToolCalls extracts tool call parts and returns OpenAI-formatted
// tool calls plus ordered IDs.
func extractToolCalls(c core.Content) ([]openai.ChatCompletionMessageToolCallParam, []string) {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	var callIDs []string
	for _, p := range c.Parts {
		if tc, ok := p.(core.ToolCallPart); ok {
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ToolCall.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.ToolCall.Name,
					Arguments: tc.ToolCall.Arguments,
				},
			})
			callIDs = append(callIDs, tc.ToolCall.ID)
		}
	}
	return toolCalls, callIDs
}

// buildParams assembles the request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming forwards partial text and tool-call deltas then a final
// response assembled from the aggregates.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				out <- model.Response{
					Partial: true,
					Content: core.NewAssistantContent(ch.Delta.Content),
				}
			}
			aggregateToolDeltas(ch, toolAgg)
			if ch.FinishReason != "" {
				out <- finalChunk(ch.FinishReason, &textBuilder, toolAgg)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- core.Transient(fmt.Errorf("openai stream: %w", err))
	}
}

func aggregateToolDeltas(ch openai.ChatCompletionChunkChoice, agg map[int64]*aggCall) {
	for _, tc := range ch.Delta.ToolCalls {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			ac.args += tc.Function.Arguments
		}
	}
}

func finalChunk(finishReason string, builder *strings.Builder, toolAgg map[int64]*aggCall) model.Response {
	parts := make([]core.Part, 0, len(toolAgg)+1)
	if builder.Len() > 0 {
		parts = append(parts, core.TextPart{Text: builder.String()})
	}
	for _, ac := range toolAgg {
		parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: ac.args,
		}})
	}
	return model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
	}
}

// handleNonStreaming processes a normal completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- core.Transient(fmt.Errorf("openai api: %w", err))
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("openai: no choices returned")
		return
	}
	ch0 := resp.Choices[0]
	parts := make([]core.Part, 0, len(ch0.Message.ToolCalls)+1)
	if ch0.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: ch0.Message.Content})
	}
	for _, tc := range ch0.Message.ToolCalls {
		parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	out <- model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "openai", SupportsTools: true}
}
