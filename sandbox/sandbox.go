// Package sandbox provisions and tracks the isolated execution environments
// investigation threads run their tooling in. The Manager owns the
// per-thread lifecycle (deterministic naming, idempotent creation, TTL-based
// shutdown, transparent recreation); the Cluster interface abstracts the
// substrate the sandboxes actually run on.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Phase is the lifecycle state of a sandbox.
type Phase string

const (
	// PhasePending marks a sandbox that was submitted but is not yet ready.
	PhasePending Phase = "pending"
	// PhaseReady marks a sandbox accepting execution requests.
	PhaseReady Phase = "ready"
	// PhaseTerminating marks a sandbox being shut down.
	PhaseTerminating Phase = "terminating"
)

// ErrNotFound is returned by Cluster.Status for unknown sandbox names.
var ErrNotFound = errors.New("sandbox not found")

// Spec declares the desired state of one sandbox. Submitting the same spec
// twice is an update, not an error.
type Spec struct {
	// Name is the cluster-unique sandbox identifier.
	Name string `json:"name"`
	// Thread is the investigation thread this sandbox belongs to.
	Thread string `json:"thread"`
	// Image is the container image the sandbox boots from.
	Image string `json:"image"`
	// Env is extra environment passed to the sandbox.
	Env map[string]string `json:"env,omitempty"`
	// ShutdownAt schedules the TTL-based teardown.
	ShutdownAt time.Time `json:"shutdown_at"`
	// Labels carry opaque metadata (tenant, owner).
	Labels map[string]string `json:"labels,omitempty"`
}

// Status is the observed state of one sandbox.
type Status struct {
	Phase      Phase     `json:"phase"`
	Address    string    `json:"address,omitempty"` // reachable once ready
	CreatedAt  time.Time `json:"created_at"`
	ShutdownAt time.Time `json:"shutdown_at"`
}

// Ref is a resolved handle to a ready sandbox.
type Ref struct {
	Name    string `json:"name"`
	Thread  string `json:"thread"`
	Address string `json:"address"`
}

// Cluster is the declarative substrate sandboxes run on. Implementations
// must make Submit idempotent and be safe for concurrent use.
type Cluster interface {
	// Submit applies the desired spec, creating or updating the sandbox.
	Submit(ctx context.Context, spec Spec) error

	// Status reports the observed state, or ErrNotFound.
	Status(ctx context.Context, name string) (Status, error)

	// Extend moves the scheduled shutdown of an existing sandbox.
	Extend(ctx context.Context, name string, shutdownAt time.Time) error

	// Delete tears the sandbox down. Deleting an unknown name is a no-op.
	Delete(ctx context.Context, name string) error
}
