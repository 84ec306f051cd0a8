package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/agent"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/observe"
	"github.com/inquestlabs/inquest/tool"
)

// countingModel fails a configured number of Generate calls before answering,
// or blocks until the context expires when delay is set.
type countingModel struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
	delay    time.Duration
	answer   string
}

func (c *countingModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	c.mu.Lock()
	c.calls++
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if c.delay > 0 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if fail {
			errCh <- c.failWith
			return
		}
		respCh <- model.Response{Content: core.NewAssistantContent(c.answer), FinishReason: "stop"}
	}()
	return respCh, errCh
}

func (c *countingModel) Info() model.Info { return model.Info{Name: "counting", Provider: "test"} }

func (c *countingModel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func buildAgent(t *testing.T, llm model.Model, entry map[string]any) *agent.Agent {
	t.Helper()
	cfg, err := config.Resolve(config.Document{"agents": map[string]any{"investigator": entry}})
	require.NoError(t, err)
	b := agent.NewBuilder(tool.NewRegistry(), func(config.ModelParams) (model.Model, error) {
		return llm, nil
	})
	a, err := b.Build("investigator", cfg)
	require.NoError(t, err)
	return a
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}
}

func TestRunSuccess(t *testing.T) {
	llm := &countingModel{answer: "db-3 is out of disk"}
	a := buildAgent(t, llm, map[string]any{})
	metrics := observe.NewMetrics(prometheus.NewRegistry())
	r := New(a, func(o *Options) { o.Metrics = metrics })

	out, err := r.Run(context.Background(), "what broke?")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "db-3 is out of disk", out.Text)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "investigator", out.Agent)
	assert.Equal(t, 1, out.Usage.ModelCalls)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("investigator", "success")))
}

func TestRunTimeoutNotRetried(t *testing.T) {
	llm := &countingModel{delay: time.Second, answer: "too late"}
	a := buildAgent(t, llm, map[string]any{"max_retries": 3})
	r := New(a, func(o *Options) {
		o.Timeout = 25 * time.Millisecond
		o.Backoff = fastBackoff()
	})

	out, err := r.Run(context.Background(), "slow question")
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.False(t, out.Success)
	assert.Equal(t, string(core.KindTimeout), out.ErrorKind)
	assert.Equal(t, 1, llm.callCount(), "timeouts must not be retried")
}

func TestRunRetriesTransientFailures(t *testing.T) {
	llm := &countingModel{
		failures: 2,
		failWith: core.Transient(errors.New("connection reset")),
		answer:   "recovered",
	}
	a := buildAgent(t, llm, map[string]any{"max_retries": 3})
	metrics := observe.NewMetrics(prometheus.NewRegistry())
	r := New(a, func(o *Options) {
		o.Backoff = fastBackoff()
		o.Metrics = metrics
	})

	out, err := r.Run(context.Background(), "flaky question")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "recovered", out.Text)
	assert.Equal(t, 3, llm.callCount(), "expected exactly two retries before success")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RunRetries.WithLabelValues("investigator")))
}

func TestRunRetryBoundExhausted(t *testing.T) {
	llm := &countingModel{
		failures: 10,
		failWith: core.Transient(errors.New("still down")),
	}
	a := buildAgent(t, llm, map[string]any{"max_retries": 2})
	r := New(a, func(o *Options) { o.Backoff = fastBackoff() })

	out, err := r.Run(context.Background(), "hopeless question")
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	assert.False(t, out.Success)
	assert.Equal(t, 3, llm.callCount(), "initial attempt plus two retries")
}

func TestRunNonTransientFailsFast(t *testing.T) {
	llm := &countingModel{
		failures: 1,
		failWith: errors.New("malformed request"),
	}
	a := buildAgent(t, llm, map[string]any{"max_retries": 3})
	r := New(a, func(o *Options) { o.Backoff = fastBackoff() })

	out, err := r.Run(context.Background(), "bad question")
	require.Error(t, err)
	assert.Equal(t, core.KindExecution, core.KindOf(err))
	assert.False(t, out.Success)
	assert.Equal(t, 1, llm.callCount())
}

func TestRunBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	llm := &countingModel{
		failures: 100,
		failWith: core.Transient(errors.New("provider down")),
	}
	a := buildAgent(t, llm, map[string]any{"max_retries": 0})
	r := New(a, func(o *Options) { o.Backoff = fastBackoff() })

	for i := 0; i < 5; i++ {
		_, err := r.Run(context.Background(), "q")
		require.Error(t, err)
	}
	calls := llm.callCount()
	assert.Equal(t, 5, calls)

	// Breaker is now open: the model must not be invoked again.
	_, err := r.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	assert.Equal(t, calls, llm.callCount())
}

// captureRecorder records audit calls for assertions.
type captureRecorder struct {
	mu        sync.Mutex
	starts    []string
	completes map[string]string // runID -> status
}

func (c *captureRecorder) RecordRunStart(_ context.Context, runID, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, runID)
	return nil
}

func (c *captureRecorder) RecordRunComplete(_ context.Context, runID, status string, _ int64, _ int, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completes == nil {
		c.completes = map[string]string{}
	}
	c.completes[runID] = status
	return nil
}

func (c *captureRecorder) statusOf(runID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.completes[runID]
	return s, ok
}

func TestRunAuditRecordedAsynchronously(t *testing.T) {
	llm := &countingModel{answer: "ok"}
	a := buildAgent(t, llm, map[string]any{})
	rec := &captureRecorder{}
	r := New(a, func(o *Options) { o.Recorder = rec })

	out, err := r.Run(context.Background(), "q", func(o *RunOptions) {
		o.CorrelationID = "thread-42"
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status, ok := rec.statusOf(out.RunID)
		return ok && status == "success"
	}, time.Second, 10*time.Millisecond)
}

func TestRunHistoryPrepended(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("and now?", "still broken")
	cfg, err := config.Resolve(config.Document{"agents": map[string]any{"investigator": map[string]any{}}})
	require.NoError(t, err)
	b := agent.NewBuilder(tool.NewRegistry(), func(config.ModelParams) (model.Model, error) {
		return llm, nil
	})
	a, err := b.Build("investigator", cfg)
	require.NoError(t, err)
	r := New(a)

	history := []core.Content{
		core.NewUserContent("what broke?"),
		core.NewAssistantContent("db-3 is out of disk"),
	}
	out, err := r.Run(context.Background(), "and now?", func(o *RunOptions) {
		o.History = history
	})
	require.NoError(t, err)
	assert.Equal(t, "still broken", out.Text)
}
