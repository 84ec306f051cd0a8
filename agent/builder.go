package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/tool"
)

const (
	// ToolNameAll enables every registered tool for an agent.
	ToolNameAll = "all"

	defaultMaxTurns   = 10
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 3
)

// SubAgentToolName returns the synthetic tool name a sub-agent is exposed
// under to its parent.
func SubAgentToolName(agentID string) string {
	return fmt.Sprintf("call_%s_agent", agentID)
}

// SubRunner executes one delegated run of a sub-agent. The registry wires a
// factory that applies the full runner discipline (timeout, retries,
// metrics) to delegated runs; the builder falls back to direct execution.
type SubRunner interface {
	Run(ctx context.Context, input string) (core.Output, error)
}

// SubRunnerFactory produces the SubRunner used for one built sub-agent.
type SubRunnerFactory func(*Agent) SubRunner

// ModelFactory produces a model from configured parameters.
type ModelFactory func(params config.ModelParams) (model.Model, error)

// BuilderOptions configures agent assembly defaults.
type BuilderOptions struct {
	DefaultMaxTurns   int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	Logger            logging.Logger
	SubRunnerFactory  SubRunnerFactory
}

// Builder assembles immutable Agents from an effective configuration,
// resolving tool references against a shared registry and recursively
// building sub-agents as callable tools.
type Builder struct {
	registry *tool.Registry
	models   ModelFactory
	opts     BuilderOptions
}

// NewBuilder creates a Builder backed by the given tool registry and model
// factory.
func NewBuilder(registry *tool.Registry, models ModelFactory, optFns ...func(o *BuilderOptions)) *Builder {
	opts := BuilderOptions{
		DefaultMaxTurns:   defaultMaxTurns,
		DefaultTimeout:    defaultTimeout,
		DefaultMaxRetries: defaultMaxRetries,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	b := &Builder{registry: registry, models: models, opts: opts}
	if b.opts.SubRunnerFactory == nil {
		b.opts.SubRunnerFactory = func(a *Agent) SubRunner { return directExecutor{agent: a} }
	}
	return b
}

type buildState struct {
	cfg      *config.EffectiveConfig
	memo     map[string]*Agent
	building map[string]bool
}

// Build assembles the named agent and, transitively, its sub-agents. Unknown
// agent or tool references and sub-agent cycles yield a ConfigError; nothing
// partial is ever returned.
func (b *Builder) Build(agentID string, cfg *config.EffectiveConfig) (*Agent, error) {
	st := &buildState{
		cfg:      cfg,
		memo:     make(map[string]*Agent),
		building: make(map[string]bool),
	}
	return b.build(agentID, st, nil)
}

func (b *Builder) build(agentID string, st *buildState, path []string) (*Agent, error) {
	if a, ok := st.memo[agentID]; ok {
		return a, nil
	}
	if st.building[agentID] {
		cycle := append(slices.Clone(path), agentID)
		return nil, core.NewConfigError(agentID, "sub-agent cycle: %s", strings.Join(cycle, " -> "))
	}

	entry, ok := st.cfg.Agent(agentID)
	if !ok {
		return nil, core.NewConfigError(agentID, "agent is not defined in the effective configuration")
	}

	st.building[agentID] = true
	defer delete(st.building, agentID)

	tools, err := b.resolveTools(agentID, entry)
	if err != nil {
		return nil, err
	}

	for _, subID := range entry.SubAgents {
		sub, err := b.build(subID, st, append(slices.Clone(path), agentID))
		if err != nil {
			return nil, err
		}
		tools = append(tools, b.subAgentTool(sub))
	}

	if len(entry.DisabledTools) > 0 {
		known := make(map[string]bool)
		for _, name := range b.registry.Names() {
			known[name] = true
		}
		for _, subID := range entry.SubAgents {
			known[SubAgentToolName(subID)] = true
		}
		disabled := make(map[string]bool, len(entry.DisabledTools))
		for _, name := range entry.DisabledTools {
			if !known[name] {
				return nil, core.NewConfigError(agentID, "unknown disabled tool %q", name)
			}
			disabled[name] = true
		}
		tools = slices.DeleteFunc(tools, func(t tool.Tool) bool { return disabled[t.Name()] })
	}

	llm, err := b.models(entry.Model)
	if err != nil {
		return nil, core.NewConfigError(agentID, "model: %v", err)
	}

	instructions := entry.Instructions
	if instructions == "" {
		instructions = fmt.Sprintf("You are %s, an incident investigation agent.", agentID)
	}

	a := &Agent{
		name:         agentID,
		instructions: instructions,
		llm:          llm,
		tools:        tools,
		toolIndex:    indexTools(tools),
		maxTurns:     orDefault(entry.MaxTurns, b.opts.DefaultMaxTurns),
		timeout:      entry.Timeout(b.opts.DefaultTimeout),
		maxRetries:   orDefault(entry.MaxRetries, b.opts.DefaultMaxRetries),
		logger:       b.opts.Logger,
	}
	st.memo[agentID] = a
	return a, nil
}

// resolveTools maps configured tool names to registry entries, preserving
// configuration order. The "all" wildcard enables every registered tool in
// name order.
func (b *Builder) resolveTools(agentID string, entry config.AgentConfig) ([]tool.Tool, error) {
	if slices.Contains(entry.Tools, ToolNameAll) {
		names := b.registry.Names()
		tools := make([]tool.Tool, 0, len(names))
		for _, name := range names {
			t, _ := b.registry.Get(name)
			tools = append(tools, t)
		}
		return tools, nil
	}

	tools := make([]tool.Tool, 0, len(entry.Tools))
	for _, name := range entry.Tools {
		t, ok := b.registry.Get(name)
		if !ok {
			return nil, core.NewConfigError(agentID, "unknown tool %q", name)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// subAgentTool wraps a built sub-agent as a callable tool. Invocations run
// the sub-agent's full execution cycle; failures come back to the parent as
// tool errors, never as panics or aborted parent runs.
func (b *Builder) subAgentTool(sub *Agent) tool.Tool {
	name := SubAgentToolName(sub.Name())
	runner := b.opts.SubRunnerFactory(sub)
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"type":        "string",
				"description": fmt.Sprintf("Task or question to delegate to the %s agent", sub.Name()),
			},
		},
		"required": []string{"input"},
	}
	return tool.NewFunctionTool(
		name,
		fmt.Sprintf("Delegate a task to the %s agent and return its final answer.", sub.Name()),
		params,
		func(ctx context.Context, args map[string]any) (any, error) {
			input, _ := args["input"].(string)
			out, err := runner.Run(ctx, input)
			if err != nil {
				return nil, tool.NewError(name, err.Error(), "SUBAGENT_ERROR")
			}
			if !out.Success {
				return nil, tool.NewError(name, out.ErrorMessage, "SUBAGENT_ERROR")
			}
			return out.Text, nil
		},
	)
}

// directExecutor runs a sub-agent without runner mediation. Used only when no
// SubRunnerFactory is wired, e.g. in tests.
type directExecutor struct {
	agent *Agent
}

func (d directExecutor) Run(ctx context.Context, input string) (core.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, d.agent.Timeout())
	defer cancel()

	runID := core.NewID()
	start := time.Now()
	res, err := d.agent.Execute(ctx, Request{
		RunID:    runID,
		Contents: []core.Content{core.NewUserContent(input)},
	})
	if err != nil {
		return core.FailureOutput(runID, d.agent.Name(), err), err
	}
	return core.Output{
		RunID:      runID,
		Agent:      d.agent.Name(),
		Success:    true,
		Text:       res.Text,
		Usage:      res.Usage,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func indexTools(tools []tool.Tool) map[string]tool.Tool {
	idx := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		idx[t.Name()] = t
	}
	return idx
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
