package core

import "context"

// RunRecorder is the narrow run-tracking interface produced to an external
// audit store. The runner records best-effort: recording failures are logged
// and swallowed, never returned to the caller.
type RunRecorder interface {
	// RecordRunStart registers a run before execution begins.
	RecordRunStart(ctx context.Context, runID, correlationID, agentName string) error

	// RecordRunComplete finalizes a run with its outcome. outputSummary is
	// pre-truncated by the caller; runErr is empty on success.
	RecordRunComplete(ctx context.Context, runID, status string, durationMs int64, toolCallCount int, outputSummary, runErr string) error
}

// NopRecorder discards all run records. Useful for tests and deployments
// without an audit store.
type NopRecorder struct{}

// RecordRunStart implements RunRecorder.
func (NopRecorder) RecordRunStart(context.Context, string, string, string) error { return nil }

// RecordRunComplete implements RunRecorder.
func (NopRecorder) RecordRunComplete(context.Context, string, string, int64, int, string, string) error {
	return nil
}
