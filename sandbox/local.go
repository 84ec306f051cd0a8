package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inquestlabs/inquest/logging"
)

// LocalOptions configures a LocalCluster.
type LocalOptions struct {
	// ReadyDelay simulates boot time: a sandbox reports pending until this
	// long after submission.
	ReadyDelay time.Duration
	// ReapInterval controls how often expired sandboxes are collected.
	ReapInterval time.Duration
	// AddressFunc derives the reachable address for a sandbox name.
	AddressFunc func(name string) string
	Logger      logging.Logger
}

// LocalCluster is an in-process Cluster used for development, tests and
// single-node deployments. A background reaper tears down sandboxes whose
// scheduled shutdown has passed.
type LocalCluster struct {
	opts LocalOptions

	mu        sync.Mutex
	sandboxes map[string]*localSandbox

	stopOnce sync.Once
	stop     chan struct{}
}

type localSandbox struct {
	spec     Spec
	created  time.Time
	readyAt  time.Time
	shutdown time.Time
}

// NewLocalCluster creates a LocalCluster and starts its reaper.
func NewLocalCluster(optFns ...func(o *LocalOptions)) *LocalCluster {
	opts := LocalOptions{
		ReapInterval: 30 * time.Second,
		AddressFunc: func(name string) string {
			return fmt.Sprintf("http://%s.sandboxes.local:8088", name)
		},
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &LocalCluster{
		opts:      opts,
		sandboxes: make(map[string]*localSandbox),
		stop:      make(chan struct{}),
	}
	go c.reap()
	return c
}

// Close stops the reaper. Tracked sandboxes are dropped.
func (c *LocalCluster) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Submit implements Cluster.
func (c *LocalCluster) Submit(_ context.Context, spec Spec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if existing, ok := c.sandboxes[spec.Name]; ok {
		existing.spec = spec
		existing.shutdown = spec.ShutdownAt
		return nil
	}
	c.sandboxes[spec.Name] = &localSandbox{
		spec:     spec,
		created:  now,
		readyAt:  now.Add(c.opts.ReadyDelay),
		shutdown: spec.ShutdownAt,
	}
	return nil
}

// Status implements Cluster.
func (c *LocalCluster) Status(_ context.Context, name string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sb, ok := c.sandboxes[name]
	if !ok {
		return Status{}, ErrNotFound
	}

	now := time.Now()
	phase := PhaseReady
	switch {
	case now.Before(sb.readyAt):
		phase = PhasePending
	case !now.Before(sb.shutdown):
		phase = PhaseTerminating
	}

	st := Status{
		Phase:      phase,
		CreatedAt:  sb.created,
		ShutdownAt: sb.shutdown,
	}
	if phase == PhaseReady {
		st.Address = c.opts.AddressFunc(name)
	}
	return st, nil
}

// Extend implements Cluster.
func (c *LocalCluster) Extend(_ context.Context, name string, shutdownAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sb, ok := c.sandboxes[name]
	if !ok {
		return ErrNotFound
	}
	sb.shutdown = shutdownAt
	sb.spec.ShutdownAt = shutdownAt
	return nil
}

// Delete implements Cluster.
func (c *LocalCluster) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sandboxes, name)
	return nil
}

// Len returns the number of tracked sandboxes.
func (c *LocalCluster) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sandboxes)
}

func (c *LocalCluster) reap() {
	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reapExpired()
		}
	}
}

func (c *LocalCluster) reapExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, sb := range c.sandboxes {
		if !now.Before(sb.shutdown) {
			delete(c.sandboxes, name)
			c.opts.Logger.Info("sandbox reaped", "sandbox", name, "thread", sb.spec.Thread)
		}
	}
}
