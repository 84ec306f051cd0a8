package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/observe"
)

const (
	// DefaultTTL is how long a sandbox lives past its last Ensure.
	DefaultTTL = 2 * time.Hour
	// DefaultCreateTimeout bounds how long Ensure waits for readiness.
	DefaultCreateTimeout = 120 * time.Second
	// DefaultNamePrefix prefixes sandbox names derived from thread IDs.
	DefaultNamePrefix = "inv-"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	TTL           time.Duration
	CreateTimeout time.Duration
	PollInterval  time.Duration
	NamePrefix    string
	Image         string
	Labels        map[string]string
	Logger        logging.Logger
	Metrics       *observe.Metrics
}

// Manager maps investigation threads onto sandboxes. Ensure is idempotent:
// concurrent calls for the same thread join a single creation, repeated
// calls reuse the live sandbox and push its shutdown out by the TTL.
type Manager struct {
	cluster Cluster
	opts    ManagerOptions

	mu       sync.Mutex
	inflight map[string]*creation
}

// creation tracks one in-progress sandbox creation so concurrent Ensure
// calls for the same thread wait on it instead of racing.
type creation struct {
	done chan struct{}
	ref  Ref
	err  error
}

// NewManager creates a Manager on top of cluster.
func NewManager(cluster Cluster, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		TTL:           DefaultTTL,
		CreateTimeout: DefaultCreateTimeout,
		PollInterval:  500 * time.Millisecond,
		NamePrefix:    DefaultNamePrefix,
		Image:         "inquest/sandbox:latest",
		Logger:        logging.NoOpLogger{},
		Metrics:       observe.NopMetrics(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		cluster:  cluster,
		opts:     opts,
		inflight: make(map[string]*creation),
	}
}

// Name returns the deterministic sandbox name for a thread.
func (m *Manager) Name(threadID string) string {
	return m.opts.NamePrefix + threadID
}

// Ensure returns a ready sandbox for threadID, creating one if none is live.
// A sandbox that expired or is terminating is transparently replaced. All
// failure modes surface as SandboxUnavailableError.
func (m *Manager) Ensure(ctx context.Context, threadID string) (Ref, error) {
	name := m.Name(threadID)

	// Fast path: a live sandbox just needs its TTL pushed out.
	if ref, ok := m.reuse(ctx, name, threadID); ok {
		return ref, nil
	}

	m.mu.Lock()
	if c, ok := m.inflight[name]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.ref, c.err
		case <-ctx.Done():
			return Ref{}, &core.SandboxUnavailableError{Thread: threadID, Reason: "creation wait cancelled", Err: ctx.Err()}
		}
	}
	c := &creation{done: make(chan struct{})}
	m.inflight[name] = c
	m.mu.Unlock()

	c.ref, c.err = m.create(ctx, name, threadID)
	close(c.done)

	m.mu.Lock()
	delete(m.inflight, name)
	m.mu.Unlock()

	return c.ref, c.err
}

// reuse extends and returns an existing ready sandbox. Returns false when a
// fresh creation is needed.
func (m *Manager) reuse(ctx context.Context, name, threadID string) (Ref, bool) {
	status, err := m.cluster.Status(ctx, name)
	if err != nil || status.Phase != PhaseReady || !time.Now().Before(status.ShutdownAt) {
		return Ref{}, false
	}
	if err := m.cluster.Extend(ctx, name, time.Now().Add(m.opts.TTL)); err != nil {
		m.opts.Logger.Warn("sandbox TTL extension failed", "sandbox", name, "error", err)
	}
	return Ref{Name: name, Thread: threadID, Address: status.Address}, true
}

// create replaces any defunct sandbox under name and waits for readiness.
func (m *Manager) create(ctx context.Context, name, threadID string) (Ref, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CreateTimeout)
	defer cancel()

	// A terminating or expired predecessor must be gone before the new
	// sandbox can claim the name.
	if status, err := m.cluster.Status(ctx, name); err == nil {
		if status.Phase == PhaseTerminating || !time.Now().Before(status.ShutdownAt) {
			m.opts.Logger.Info("replacing defunct sandbox", "sandbox", name, "phase", status.Phase)
			if err := m.cluster.Delete(ctx, name); err != nil {
				m.opts.Metrics.SandboxCreateFailures.Inc()
				return Ref{}, &core.SandboxUnavailableError{Thread: threadID, Reason: "predecessor teardown failed", Err: err}
			}
			m.opts.Metrics.SandboxesActive.Dec()
		}
	}

	spec := Spec{
		Name:       name,
		Thread:     threadID,
		Image:      m.opts.Image,
		ShutdownAt: time.Now().Add(m.opts.TTL),
		Labels:     m.opts.Labels,
	}
	if err := m.cluster.Submit(ctx, spec); err != nil {
		m.opts.Metrics.SandboxCreateFailures.Inc()
		return Ref{}, &core.SandboxUnavailableError{Thread: threadID, Reason: "submit failed", Err: err}
	}
	m.opts.Metrics.SandboxCreations.Inc()
	m.opts.Logger.Info("sandbox submitted", "sandbox", name, "thread", threadID)

	ref, err := m.awaitReady(ctx, name, threadID)
	if err != nil {
		m.opts.Metrics.SandboxCreateFailures.Inc()
		return Ref{}, err
	}
	m.opts.Metrics.SandboxesActive.Inc()
	return ref, nil
}

// awaitReady polls status until the sandbox is ready or the creation window
// closes.
func (m *Manager) awaitReady(ctx context.Context, name, threadID string) (Ref, error) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := m.cluster.Status(ctx, name)
		if err == nil && status.Phase == PhaseReady {
			m.opts.Logger.Info("sandbox ready", "sandbox", name, "address", status.Address)
			return Ref{Name: name, Thread: threadID, Address: status.Address}, nil
		}
		if err != nil && ctx.Err() == nil {
			m.opts.Logger.Debug("sandbox not yet observable", "sandbox", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return Ref{}, &core.SandboxUnavailableError{
				Thread: threadID,
				Reason: fmt.Sprintf("not ready within %s", m.opts.CreateTimeout),
				Err:    ctx.Err(),
			}
		case <-ticker.C:
		}
	}
}

// Resolve returns the current address for a thread's sandbox without
// creating one.
func (m *Manager) Resolve(ctx context.Context, threadID string) (Ref, error) {
	name := m.Name(threadID)
	status, err := m.cluster.Status(ctx, name)
	if err != nil {
		return Ref{}, &core.SandboxUnavailableError{Thread: threadID, Reason: "lookup failed", Err: err}
	}
	if status.Phase != PhaseReady {
		return Ref{}, &core.SandboxUnavailableError{Thread: threadID, Reason: fmt.Sprintf("sandbox is %s", status.Phase)}
	}
	return Ref{Name: name, Thread: threadID, Address: status.Address}, nil
}

// Release tears down a thread's sandbox ahead of its TTL.
func (m *Manager) Release(ctx context.Context, threadID string) error {
	if err := m.cluster.Delete(ctx, m.Name(threadID)); err != nil {
		return err
	}
	m.opts.Metrics.SandboxesActive.Dec()
	return nil
}
