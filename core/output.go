package core

// Usage aggregates token and tool-call counters accumulated across one run,
// including every model call made by retries and sub-agents.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ToolCalls        int `json:"tool_calls"`
	ModelCalls       int `json:"model_calls"`
}

// Add accumulates counters from another usage snapshot.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.ToolCalls += other.ToolCalls
	u.ModelCalls += other.ModelCalls
}

// Output is the structured result of one agent run. Success is false when the
// run ended in a surfaced failure; ErrorKind/ErrorMessage then carry the
// stable classification and a human-readable message. No failure ever
// surfaces as a bare stack trace.
type Output struct {
	RunID        string         `json:"run_id"`
	Agent        string         `json:"agent"`
	Success      bool           `json:"success"`
	Text         string         `json:"text,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Usage        Usage          `json:"usage"`
	DurationMs   int64          `json:"duration_ms"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Summary returns Text truncated to max runes for audit records. A zero or
// negative max returns the full text.
func (o Output) Summary(max int) string {
	if max <= 0 {
		return o.Text
	}
	runes := []rune(o.Text)
	if len(runes) <= max {
		return o.Text
	}
	return string(runes[:max]) + "..."
}

// FailureOutput builds an Output describing a surfaced failure.
func FailureOutput(runID, agent string, err error) Output {
	return Output{
		RunID:        runID,
		Agent:        agent,
		Success:      false,
		ErrorKind:    string(KindOf(err)),
		ErrorMessage: err.Error(),
	}
}
