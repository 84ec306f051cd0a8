// Package session maintains long-lived interactive investigations. A session
// owns one conversation per thread: it serializes executions (a second
// Execute while one is running is rejected, not queued), streams events to
// the caller, and supports cooperative interruption that preserves the
// conversation history accumulated so far.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/observe"
	"github.com/inquestlabs/inquest/runner"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateIdle means no execution is in flight.
	StateIdle State = "idle"
	// StateRunning means an execution is in flight.
	StateRunning State = "running"
)

// ErrInterrupted marks an execution stopped by Interrupt. The conversation
// history up to the interruption point is preserved.
var ErrInterrupted = errors.New("execution interrupted")

// DefaultInterruptGrace bounds how long Interrupt waits for the running
// execution to wind down after cancellation.
const DefaultInterruptGrace = 5 * time.Second

// Options configures a Session.
type Options struct {
	InterruptGrace time.Duration
	Logger         logging.Logger
	Metrics        *observe.Metrics
}

// Session is one interactive conversation bound to a thread. Safe for
// concurrent use; only one execution runs at a time.
type Session struct {
	threadID string
	runner   *runner.Runner
	opts     Options

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	done        chan struct{}
	interrupted bool
	history     []core.Content
	lastActive  time.Time
}

// New creates an idle session for threadID executing through run.
func New(threadID string, run *runner.Runner, optFns ...func(o *Options)) *Session {
	opts := Options{
		InterruptGrace: DefaultInterruptGrace,
		Logger:         logging.NoOpLogger{},
		Metrics:        observe.NopMetrics(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Session{
		threadID:   threadID,
		runner:     run,
		opts:       opts,
		state:      StateIdle,
		lastActive: time.Now(),
	}
}

// ThreadID returns the thread this session belongs to.
func (s *Session) ThreadID() string { return s.threadID }

// Agent returns the name of the agent this session executes.
func (s *Session) Agent() string { return s.runner.Agent().Name() }

// LastActive returns when the session last finished an execution.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []core.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Execute runs input against the session's agent, streaming events to emit.
// While an execution is in flight further Execute calls fail with
// SessionBusyError; callers must Interrupt first. On success the exchange is
// appended to the history; on interruption the input and any partial
// assistant text are preserved and ErrInterrupted is returned.
func (s *Session) Execute(ctx context.Context, input string, emit func(core.Event)) (core.Output, error) {
	runCtx, done, err := s.begin(ctx)
	if err != nil {
		return core.Output{}, err
	}
	s.opts.Metrics.SessionsActive.Inc()
	defer func() {
		s.opts.Metrics.SessionsActive.Dec()
		close(done)
		s.finish()
	}()

	if emit == nil {
		emit = func(core.Event) {}
	}

	// Accumulate streamed text so an interrupted turn still leaves its
	// partial output in the history.
	var partial strings.Builder
	wrapped := func(e core.Event) {
		if e.Partial && e.Content != nil {
			partial.WriteString(e.Content.Text())
		}
		emit(e)
	}

	s.mu.Lock()
	history := slices.Clone(s.history)
	s.mu.Unlock()

	out, runErr := s.runner.Run(runCtx, input, func(o *runner.RunOptions) {
		o.CorrelationID = s.threadID
		o.History = history
		o.Stream = true
		o.Emit = wrapped
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, core.NewUserContent(input))
	switch {
	case runErr == nil:
		s.history = append(s.history, core.NewAssistantContent(out.Text))
		return out, nil

	case s.interrupted && errors.Is(runErr, context.Canceled):
		if partial.Len() > 0 {
			s.history = append(s.history, core.NewAssistantContent(partial.String()))
		}
		e := core.NewEvent(out.RunID, out.Agent)
		e.Interrupted = true
		emit(e)
		s.opts.Logger.Info("execution interrupted", "thread", s.threadID, "run_id", out.RunID)
		out.ErrorMessage = ErrInterrupted.Error()
		return out, fmt.Errorf("%w (thread %s)", ErrInterrupted, s.threadID)

	default:
		return out, runErr
	}
}

// Interrupt cooperatively stops the in-flight execution and waits up to the
// grace period for it to wind down. Interrupting an idle session is a no-op.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.interrupted = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.opts.Metrics.Interrupts.Inc()
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(s.opts.InterruptGrace):
		return fmt.Errorf("execution on thread %s did not stop within %s", s.threadID, s.opts.InterruptGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin transitions idle -> running, rejecting concurrent executions.
func (s *Session) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return nil, nil, &core.SessionBusyError{Thread: s.threadID}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	s.interrupted = false
	return runCtx, done, nil
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.state = StateIdle
	s.cancel = nil
	s.done = nil
	s.lastActive = time.Now()
}
