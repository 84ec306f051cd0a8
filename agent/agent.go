// Package agent implements the immutable agent value and its bounded
// reasoning loop: call the model, dispatch requested tool calls, feed results
// back, repeat until the model produces a final text answer or the turn
// budget runs out. Agents are assembled from tenant configuration by Builder
// and are safe for concurrent use once built.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/internal/util"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/tool"
)

// Agent is a fully resolved agent: instructions, model and an ordered tool
// set. All fields are fixed at build time; changing configuration means
// building a new Agent.
type Agent struct {
	name         string
	instructions string
	llm          model.Model
	tools        []tool.Tool
	toolIndex    map[string]tool.Tool
	maxTurns     int
	timeout      time.Duration
	maxRetries   int
	logger       logging.Logger
}

// Name returns the agent identifier.
func (a *Agent) Name() string { return a.name }

// Instructions returns the raw (untemplated) system instructions.
func (a *Agent) Instructions() string { return a.instructions }

// Model returns the model this agent generates with.
func (a *Agent) Model() model.Model { return a.llm }

// Tools returns a copy of the ordered tool set.
func (a *Agent) Tools() []tool.Tool { return slices.Clone(a.tools) }

// ToolNames returns the names of the resolved tool set in order.
func (a *Agent) ToolNames() []string {
	names := make([]string, len(a.tools))
	for i, t := range a.tools {
		names[i] = t.Name()
	}
	return names
}

// MaxTurns returns the reasoning turn budget.
func (a *Agent) MaxTurns() int { return a.maxTurns }

// Timeout returns the per-run wall-clock limit the runner enforces.
func (a *Agent) Timeout() time.Duration { return a.timeout }

// MaxRetries returns the transient-failure retry bound for the runner.
func (a *Agent) MaxRetries() int { return a.maxRetries }

// Request is one execution of the reasoning loop. Contents is the
// conversation so far, ending with the new user content. Emit, when set,
// receives every event the loop produces in order; it must not block.
type Request struct {
	RunID    string
	Contents []core.Content
	Vars     map[string]any // optional template variables for instructions
	Stream   bool
	Emit     func(core.Event)
}

// Result is the outcome of a completed reasoning loop.
type Result struct {
	Text     string
	Usage    core.Usage
	Contents []core.Content // full transcript including tool turns
}

// Execute runs the reasoning loop until the model answers without requesting
// tools, the context ends, or the turn budget is exhausted. Tool failures are
// fed back to the model as error results and never abort the loop; model
// failures and context errors are returned to the caller for the runner's
// retry and timeout policy to classify.
func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	emit := req.Emit
	if emit == nil {
		emit = func(core.Event) {}
	}

	instructions, err := util.RenderTemplate(a.instructions, req.Vars)
	if err != nil {
		return nil, &core.ExecutionError{Agent: a.name, Err: err}
	}

	contents := slices.Clone(req.Contents)
	defs := a.toolDefinitions()
	var usage core.Usage

	for turn := 0; turn < a.maxTurns; turn++ {
		a.logger.Debug("agent turn", "agent", a.name, "run_id", req.RunID, "turn", turn)

		usage.ModelCalls++
		final, err := a.generate(ctx, model.Request{
			Instructions: instructions,
			Contents:     contents,
			Tools:        defs,
			Stream:       req.Stream,
		}, req.RunID, emit)
		if err != nil {
			return nil, err
		}
		if final.Usage != nil {
			usage.PromptTokens += final.Usage.PromptTokens
			usage.CompletionTokens += final.Usage.CompletionTokens
		}

		calls := toolCalls(final.Content)
		if len(calls) == 0 {
			text := final.Content.Text()
			contents = append(contents, final.Content)
			emit(core.NewMessageEvent(req.RunID, a.name, text))
			return &Result{Text: text, Usage: usage, Contents: contents}, nil
		}

		contents = append(contents, final.Content)
		results := make([]core.Part, 0, len(calls))
		for _, call := range calls {
			usage.ToolCalls++
			emit(core.NewToolCallEvent(req.RunID, a.name, call))

			response, callErr := a.dispatch(ctx, call)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if callErr != nil {
				a.logger.Warn("tool call failed",
					"agent", a.name, "run_id", req.RunID, "tool", call.Name, "error", callErr)
			}
			emit(core.NewToolResultEvent(req.RunID, a.name, call.ID, call.Name, response, callErr))

			tr := core.ToolResult{ID: call.ID, Name: call.Name, Response: response}
			if callErr != nil {
				tr.Error = callErr.Error()
			}
			results = append(results, core.ToolResultPart{ToolResult: tr})
		}
		contents = append(contents, core.Content{Role: "tool", Parts: results})
	}

	return nil, &core.ExecutionError{
		Agent: a.name,
		Err:   fmt.Errorf("turn budget of %d exhausted without a final answer", a.maxTurns),
	}
}

// generate drives one model call, forwarding streaming fragments as chunk
// events and returning the final response.
func (a *Agent) generate(
	ctx context.Context,
	mreq model.Request,
	runID string,
	emit func(core.Event),
) (*model.Response, error) {
	respCh, errCh := a.llm.Generate(ctx, mreq)

	var final *model.Response
	for r := range respCh {
		if r.Partial {
			if text := r.Content.Text(); text != "" {
				emit(core.NewChunkEvent(runID, a.name, text))
			}
			continue
		}
		resp := r
		final = &resp
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if final == nil {
		return nil, &core.ExecutionError{
			Agent: a.name,
			Err:   fmt.Errorf("model %s produced no final response", a.llm.Info().Name),
		}
	}
	return final, nil
}

// dispatch resolves and invokes one tool call. Errors are returned to the
// loop, which records them as tool results rather than propagating.
func (a *Agent) dispatch(ctx context.Context, call core.ToolCall) (any, error) {
	t, ok := a.toolIndex[call.Name]
	if !ok {
		return nil, tool.NewError(call.Name, fmt.Sprintf("tool %q is not available to agent %q", call.Name, a.name), "UNKNOWN_TOOL")
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, tool.NewError(call.Name, fmt.Sprintf("invalid arguments JSON: %v", err), "VALIDATION_ERROR")
		}
	}
	return t.Call(ctx, args)
}

func (a *Agent) toolDefinitions() []model.ToolDefinition {
	if len(a.tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, len(a.tools))
	for i, t := range a.tools {
		defs[i] = model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		}
	}
	return defs
}

func toolCalls(c core.Content) []core.ToolCall {
	var calls []core.ToolCall
	for _, p := range c.Parts {
		if tc, ok := p.(core.ToolCallPart); ok {
			calls = append(calls, tc.ToolCall)
		}
	}
	return calls
}
