// Package runner wraps one agent's reasoning loop with the execution
// discipline callers rely on: a wall-clock timeout, bounded retries with
// exponential backoff on transient failures, a circuit breaker in front of
// the model provider, metrics, tracing, and best-effort audit recording.
// Every failure leaves through the stable error taxonomy in core.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inquestlabs/inquest/agent"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/observe"
)

const (
	// summaryLimit caps the output text stored in audit records.
	summaryLimit = 512
	// recordTimeout bounds each fire-and-forget audit write.
	recordTimeout = 5 * time.Second
)

// Options configures a Runner.
type Options struct {
	// Timeout overrides the agent's configured per-run limit when positive.
	Timeout time.Duration
	Backoff Backoff
	// DisableBreaker turns off the circuit breaker in front of execution.
	DisableBreaker bool
	Logger         logging.Logger
	Metrics        *observe.Metrics
	Tracer         trace.Tracer
	Recorder       core.RunRecorder
}

// Runner executes one agent. Safe for concurrent use.
type Runner struct {
	agent    *agent.Agent
	timeout  time.Duration
	backoff  Backoff
	breaker  *gobreaker.CircuitBreaker[*agent.Result]
	logger   logging.Logger
	metrics  *observe.Metrics
	tracer   trace.Tracer
	recorder core.RunRecorder
}

// New wraps a built agent in a Runner.
func New(a *agent.Agent, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Timeout:  a.Timeout(),
		Backoff:  DefaultBackoff(),
		Logger:   logging.NoOpLogger{},
		Metrics:  observe.NopMetrics(),
		Tracer:   observe.NopTracer(),
		Recorder: core.NopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Runner{
		agent:    a,
		timeout:  opts.Timeout,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		recorder: opts.Recorder,
	}
	if !opts.DisableBreaker {
		r.breaker = gobreaker.NewCircuitBreaker[*agent.Result](gobreaker.Settings{
			Name:        a.Name(),
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return r
}

// Agent returns the wrapped agent.
func (r *Runner) Agent() *agent.Agent { return r.agent }

// RunOptions configures a single run.
type RunOptions struct {
	// CorrelationID links this run to an external request or thread. Defaults
	// to the generated run ID.
	CorrelationID string
	// History is the prior conversation; the new input is appended after it.
	History []core.Content
	Vars    map[string]any
	Stream  bool
	Emit    func(core.Event)
}

// Run executes the agent on input and returns a structured Output. The
// returned error is non-nil exactly when Output.Success is false, and always
// classifies under the core error taxonomy: timeouts surface as TimeoutError
// without retry, transient provider failures are retried up to the agent's
// bound, everything else fails fast.
func (r *Runner) Run(ctx context.Context, input string, optFns ...func(o *RunOptions)) (core.Output, error) {
	opts := RunOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	runID := core.NewID()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = runID
	}

	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", r.agent.Name()),
		attribute.String("run.id", runID),
		attribute.String("run.correlation_id", correlationID),
	))
	defer span.End()

	r.recordStart(ctx, runID, correlationID)
	r.logger.Info("run started",
		"agent", r.agent.Name(), "run_id", runID, "correlation_id", correlationID)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := agent.Request{
		RunID:    runID,
		Contents: append(append([]core.Content{}, opts.History...), core.NewUserContent(input)),
		Vars:     opts.Vars,
		Stream:   opts.Stream,
		Emit:     opts.Emit,
	}

	start := time.Now()
	res, err := r.runWithRetries(ctx, runCtx, req)
	duration := time.Since(start)

	var out core.Output
	if err != nil {
		err = r.classify(ctx, err)
		out = core.FailureOutput(runID, r.agent.Name(), err)
		out.DurationMs = duration.Milliseconds()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.KindOf(err)))
		r.logger.Error("run failed",
			"agent", r.agent.Name(), "run_id", runID,
			"kind", out.ErrorKind, "error", err, "duration", duration)
	} else {
		out = core.Output{
			RunID:      runID,
			Agent:      r.agent.Name(),
			Success:    true,
			Text:       res.Text,
			Usage:      res.Usage,
			DurationMs: duration.Milliseconds(),
		}
		span.SetStatus(codes.Ok, "")
		r.logger.Info("run completed",
			"agent", r.agent.Name(), "run_id", runID,
			"duration", duration, "tool_calls", res.Usage.ToolCalls)
	}

	r.observeRun(out, duration)
	r.recordComplete(ctx, out)
	return out, err
}

// runWithRetries drives execution attempts. Only transient failures are
// retried and the run deadline caps total time including backoff sleeps.
func (r *Runner) runWithRetries(ctx, runCtx context.Context, req agent.Request) (*agent.Result, error) {
	maxRetries := r.agent.MaxRetries()

	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := r.execute(runCtx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if runCtx.Err() != nil || !core.IsTransient(err) || attempt >= maxRetries {
			return nil, lastErr
		}

		delay := r.backoff.Delay(attempt)
		r.metrics.RunRetries.WithLabelValues(r.agent.Name()).Inc()
		r.logger.Warn("retrying after transient failure",
			"agent", r.agent.Name(), "run_id", req.RunID,
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-runCtx.Done():
			return nil, lastErr
		case <-time.After(delay):
		}
	}
}

func (r *Runner) execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if r.breaker == nil {
		return r.agent.Execute(ctx, req)
	}
	res, err := r.breaker.Execute(func() (*agent.Result, error) {
		return r.agent.Execute(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, core.Transient(err)
	}
	return res, err
}

// classify maps raw context errors onto the stable taxonomy. A deadline hit
// on the run context becomes a TimeoutError; a cancellation from the caller
// (interrupt, client gone) passes through untouched.
func (r *Runner) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &core.TimeoutError{Agent: r.agent.Name(), Limit: r.timeout}
	}
	return err
}

func (r *Runner) observeRun(out core.Output, duration time.Duration) {
	status := "success"
	if !out.Success {
		status = out.ErrorKind
	}
	name := r.agent.Name()
	r.metrics.RunsTotal.WithLabelValues(name, status).Inc()
	r.metrics.RunDuration.WithLabelValues(name).Observe(duration.Seconds())
	r.metrics.TokensTotal.WithLabelValues(name, "prompt").Add(float64(out.Usage.PromptTokens))
	r.metrics.TokensTotal.WithLabelValues(name, "completion").Add(float64(out.Usage.CompletionTokens))
	r.metrics.ToolCallsTotal.WithLabelValues(name).Add(float64(out.Usage.ToolCalls))
}

// recordStart writes the audit start record asynchronously. Failures are
// logged and swallowed; auditing never blocks or fails a run.
func (r *Runner) recordStart(ctx context.Context, runID, correlationID string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		recCtx, cancel := context.WithTimeout(bg, recordTimeout)
		defer cancel()
		if err := r.recorder.RecordRunStart(recCtx, runID, correlationID, r.agent.Name()); err != nil {
			r.logger.Warn("audit start record failed", "run_id", runID, "error", err)
		}
	}()
}

func (r *Runner) recordComplete(ctx context.Context, out core.Output) {
	status := "success"
	if !out.Success {
		status = out.ErrorKind
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		recCtx, cancel := context.WithTimeout(bg, recordTimeout)
		defer cancel()
		err := r.recorder.RecordRunComplete(
			recCtx, out.RunID, status, out.DurationMs,
			out.Usage.ToolCalls, out.Summary(summaryLimit), out.ErrorMessage,
		)
		if err != nil {
			r.logger.Warn("audit completion record failed", "run_id", out.RunID, "error", err)
		}
	}()
}
