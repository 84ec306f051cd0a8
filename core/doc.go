// Package core defines the shared value types and contracts used across the
// Inquest agent execution layer: conversational content and events, run
// outputs, the error taxonomy surfaced to callers, and the narrow
// run-tracking interface implemented by audit sinks.
//
// Types in this package are deliberately free of behavior beyond small
// helpers so that higher layers (agent, runner, registry, session) can share
// them without import cycles.
package core
