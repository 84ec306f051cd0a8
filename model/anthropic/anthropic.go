// Package anthropic adapts the Anthropic Messages API (including streaming
// and tool use) to the generic model.Model interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind model.Model.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates an Anthropic-backed model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates an Anthropic-backed model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Contents),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if system := systemBlocks(req); len(system) > 0 {
			params.System = system
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		if req.Stream {
			m.generateStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- core.Transient(fmt.Errorf("anthropic api: %w", err))
			return
		}
		out <- finalResponse(resp)
	}()

	return out, errCh
}

func (m *Model) generateStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}
		if event.Type == "content_block_delta" && event.Delta.Text != "" {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- model.Response{
				Partial: true,
				Content: core.NewAssistantContent(event.Delta.Text),
			}:
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- core.Transient(fmt.Errorf("anthropic stream: %w", err))
		return
	}
	out <- finalResponse(&acc)
}

// finalResponse converts a complete Anthropic message into a model.Response.
func finalResponse(resp *anthropic.Message) model.Response {
	var parts []core.Part
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, core.TextPart{Text: text})
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if raw, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(raw)
				}
			}
			parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			}})
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}

	return model.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

// buildMessages converts normalized contents to Anthropic message params,
// embedding tool results immediately after their originating tool calls.
func buildMessages(contents []core.Content) []anthropic.MessageParam {
	toolResults := make(map[string]string)
	for _, c := range contents {
		if c.Role != "tool" {
			continue
		}
		for _, p := range c.Parts {
			tr, ok := p.(core.ToolResultPart)
			if !ok || tr.ToolResult.ID == "" {
				continue
			}
			toolResults[tr.ToolResult.ID] = resultText(tr.ToolResult)
		}
	}

	var messages []anthropic.MessageParam
	for _, c := range contents {
		switch c.Role {
		case "system", "tool":
			// System handled separately; tool results embedded below.
		case "assistant":
			if content := assistantContent(c.Parts, toolResults); len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		default:
			if content := userContent(c.Parts); len(content) > 0 {
				messages = append(messages, anthropic.NewUserMessage(content...))
			}
		}
	}
	return messages
}

func resultText(tr core.ToolResult) string {
	if tr.Error != "" {
		return fmt.Sprintf("error: %s", tr.Error)
	}
	if s, ok := tr.Response.(string); ok {
		return s
	}
	if raw, err := json.Marshal(tr.Response); err == nil {
		return string(raw)
	}
	return fmt.Sprintf("%v", tr.Response)
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, c := range req.Contents {
		if c.Role != "system" {
			continue
		}
		for _, p := range c.Parts {
			if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: tp.Text})
			}
		}
	}
	return blocks
}

func userContent(parts []core.Part) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		if tp, ok := p.(core.TextPart); ok && tp.Text != "" {
			content = append(content, anthropic.NewTextBlock(tp.Text))
		}
	}
	return content
}

func assistantContent(parts []core.Part, toolResults map[string]string) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	var callIDs []string

	for _, p := range parts {
		switch part := p.(type) {
		case core.TextPart:
			if part.Text != "" {
				content = append(content, anthropic.NewTextBlock(part.Text))
			}
		case core.ToolCallPart:
			var input any
			if part.ToolCall.Arguments != "" {
				if err := json.Unmarshal([]byte(part.ToolCall.Arguments), &input); err != nil {
					input = part.ToolCall.Arguments
				}
			}
			content = append(content, anthropic.NewToolUseBlock(part.ToolCall.ID, input, part.ToolCall.Name))
			callIDs = append(callIDs, part.ToolCall.ID)
		}
	}

	for _, id := range callIDs {
		if result, ok := toolResults[id]; ok {
			content = append(content, anthropic.NewToolResultBlock(id, result, false))
			delete(toolResults, id)
		}
	}
	return content
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if params := t.Function.Parameters; params != nil {
			if properties, ok := params["properties"]; ok {
				inputSchema.Properties = properties
			}
			switch required := params["required"].(type) {
			case []string:
				inputSchema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, t.Function.Name)
	}
	return out
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: string(m.opts.Model), Provider: "anthropic", SupportsTools: true}
}
