package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the stable, machine-readable classification attached to every
// failure surfaced by the execution layer. Callers branch on kinds, never on
// message text.
type ErrorKind string

const (
	// KindConfig marks bad or cyclic configuration. Fatal, never retried.
	KindConfig ErrorKind = "config_error"
	// KindTransient marks provider or network hiccups eligible for retry.
	KindTransient ErrorKind = "transient_error"
	// KindTimeout marks a deadline exceeded. Not retried, surfaced distinctly
	// so callers can tell slow-but-working from broken.
	KindTimeout ErrorKind = "timeout_error"
	// KindSandboxUnavailable marks sandbox creation or routing failure.
	KindSandboxUnavailable ErrorKind = "sandbox_unavailable"
	// KindSessionBusy marks a concurrency-policy violation by the caller.
	KindSessionBusy ErrorKind = "session_busy"
	// KindExecution marks any other non-transient execution failure.
	KindExecution ErrorKind = "execution_error"
)

// ConfigError reports invalid configuration: unknown agent or tool
// references, sub-agent cycles, schema violations.
type ConfigError struct {
	Agent  string // Offending agent identifier, if known
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("config error for agent %q: %s", e.Agent, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// NewConfigError builds a ConfigError scoped to an agent identifier.
func NewConfigError(agent, format string, args ...any) *ConfigError {
	return &ConfigError{Agent: agent, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps a provider or network failure that may succeed on
// retry. The runner retries these with backoff up to its configured bound.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// TimeoutError reports that an execution exceeded its configured deadline.
type TimeoutError struct {
	Agent string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %q timed out after %s", e.Agent, e.Limit)
}

// SandboxUnavailableError reports that a sandbox could not be created,
// readied or reached. Callers may retry the whole Ensure later.
type SandboxUnavailableError struct {
	Thread string
	Reason string
	Err    error
}

func (e *SandboxUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox unavailable for thread %q: %s: %v", e.Thread, e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox unavailable for thread %q: %s", e.Thread, e.Reason)
}

func (e *SandboxUnavailableError) Unwrap() error { return e.Err }

// SessionBusyError reports that an Execute arrived while another was in
// flight for the same session. The caller must Interrupt first.
type SessionBusyError struct {
	Thread string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %q is busy with another execution", e.Thread)
}

// ExecutionError wraps a non-transient failure from the underlying execution.
type ExecutionError struct {
	Agent string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %q execution failed: %v", e.Agent, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// KindOf classifies an error into its stable kind. Unrecognized errors map
// to KindExecution so no failure ever leaves the taxonomy.
func KindOf(err error) ErrorKind {
	var (
		cfg     *ConfigError
		trans   *TransientError
		timeout *TimeoutError
		sandbox *SandboxUnavailableError
		busy    *SessionBusyError
	)
	switch {
	case errors.As(err, &cfg):
		return KindConfig
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &sandbox):
		return KindSandboxUnavailable
	case errors.As(err, &busy):
		return KindSessionBusy
	case errors.As(err, &trans):
		return KindTransient
	default:
		return KindExecution
	}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var trans *TransientError
	return errors.As(err, &trans)
}
