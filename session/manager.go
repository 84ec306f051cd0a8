package session

import (
	"context"
	"sync"
	"time"

	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/runner"
)

const (
	// DefaultIdleTTL matches the sandbox lifetime: a thread silent for this
	// long has its session evicted along with its history.
	DefaultIdleTTL = 2 * time.Hour
	// DefaultSweepInterval is how often idle sessions are reaped.
	DefaultSweepInterval = time.Minute
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// IdleTTL evicts sessions idle for longer than this. Zero or negative
	// disables eviction; sessions then live until Remove or Close.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Logger        logging.Logger
	// SessionOptions are applied to every session the manager creates.
	SessionOptions []func(o *Options)
}

// Manager tracks the interactive sessions of one process, at most one per
// thread. Idle sessions are evicted after the configured TTL so thread churn
// cannot grow the map without bound. Safe for concurrent use.
type Manager struct {
	opts ManagerOptions
	stop chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager and starts its idle sweeper.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		IdleTTL:       DefaultIdleTTL,
		SweepInterval: DefaultSweepInterval,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	m := &Manager{
		opts:     opts,
		stop:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	if opts.IdleTTL > 0 {
		go m.sweep()
	}
	return m
}

// GetOrCreate returns the session for threadID, creating it with a runner
// from create on first use. create is only invoked for new threads.
func (m *Manager) GetOrCreate(threadID string, create func() (*runner.Runner, error)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[threadID]; ok {
		return s, nil
	}
	run, err := create()
	if err != nil {
		return nil, err
	}
	s := New(threadID, run, m.opts.SessionOptions...)
	m.sessions[threadID] = s
	return s, nil
}

// Get returns the session for threadID if one exists.
func (m *Manager) Get(threadID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[threadID]
	return s, ok
}

// Remove forgets the session for threadID. The session itself is left to
// wind down via its own lifecycle.
func (m *Manager) Remove(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, threadID)
}

// Sessions returns a snapshot of all tracked sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// InterruptAll cooperatively stops every running session and returns how many
// were running.
func (m *Manager) InterruptAll(ctx context.Context) (int, error) {
	var interrupted int
	for _, s := range m.Sessions() {
		if s.State() != StateRunning {
			continue
		}
		if err := s.Interrupt(ctx); err != nil {
			return interrupted, err
		}
		interrupted++
	}
	return interrupted, nil
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the idle sweeper. Tracked sessions are left untouched.
func (m *Manager) Close() {
	close(m.stop)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle drops sessions that are idle and past the TTL. A running session
// is never evicted regardless of age.
func (m *Manager) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for threadID, s := range m.sessions {
		if s.State() == StateRunning || now.Sub(s.LastActive()) < m.opts.IdleTTL {
			continue
		}
		delete(m.sessions, threadID)
		m.opts.Logger.Info("evicted idle session", "thread", threadID)
	}
}
