package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"config", NewConfigError("triage", "unknown tool %q", "t9"), KindConfig},
		{"transient", Transient(errors.New("connection reset")), KindTransient},
		{"timeout", &TimeoutError{Agent: "triage", Limit: time.Second}, KindTimeout},
		{"sandbox", &SandboxUnavailableError{Thread: "abc", Reason: "creation timed out"}, KindSandboxUnavailable},
		{"busy", &SessionBusyError{Thread: "abc"}, KindSessionBusy},
		{"execution", errors.New("boom"), KindExecution},
		{"wrapped transient", fmt.Errorf("run failed: %w", Transient(errors.New("dial tcp"))), KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("eof"))))
	assert.False(t, IsTransient(errors.New("eof")))
	assert.False(t, IsTransient(&TimeoutError{Agent: "a", Limit: time.Second}))
	assert.Nil(t, Transient(nil))
}

func TestFailureOutput(t *testing.T) {
	out := FailureOutput("run-1", "triage", &TimeoutError{Agent: "triage", Limit: 2 * time.Second})
	assert.False(t, out.Success)
	assert.Equal(t, string(KindTimeout), out.ErrorKind)
	assert.Contains(t, out.ErrorMessage, "timed out")
}

func TestOutputSummary(t *testing.T) {
	out := Output{Text: "abcdefghij"}
	assert.Equal(t, "abcde...", out.Summary(5))
	assert.Equal(t, "abcdefghij", out.Summary(0))
	assert.Equal(t, "abcdefghij", out.Summary(20))
}
