package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/core"
)

// countingCluster counts Submit and Delete calls on a wrapped cluster.
type countingCluster struct {
	Cluster
	mu      sync.Mutex
	submits int
	deletes int
}

func (c *countingCluster) Submit(ctx context.Context, spec Spec) error {
	c.mu.Lock()
	c.submits++
	c.mu.Unlock()
	return c.Cluster.Submit(ctx, spec)
}

func (c *countingCluster) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Cluster.Delete(ctx, name)
}

func (c *countingCluster) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func newTestManager(t *testing.T, cluster Cluster, optFns ...func(o *ManagerOptions)) *Manager {
	t.Helper()
	base := func(o *ManagerOptions) {
		o.PollInterval = 2 * time.Millisecond
		o.CreateTimeout = time.Second
	}
	return NewManager(cluster, append([]func(o *ManagerOptions){base}, optFns...)...)
}

func TestEnsureCreatesWithDeterministicName(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	m := newTestManager(t, local)

	ref, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "inv-abc", ref.Name)
	assert.Equal(t, "abc", ref.Thread)
	assert.NotEmpty(t, ref.Address)
	assert.Equal(t, 1, local.Len())
}

func TestEnsureReusesLiveSandbox(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	counting := &countingCluster{Cluster: local}
	m := newTestManager(t, counting)

	first, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)
	second, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.submitCount(), "live sandbox must be reused, not recreated")
}

func TestEnsureConcurrentCallsJoinOneCreation(t *testing.T) {
	local := NewLocalCluster(func(o *LocalOptions) { o.ReadyDelay = 30 * time.Millisecond })
	defer local.Close()
	counting := &countingCluster{Cluster: local}
	m := newTestManager(t, counting)

	const callers = 10
	refs := make([]Ref, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = m.Ensure(context.Background(), "abc")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0], refs[i])
	}
	assert.Equal(t, 1, counting.submitCount(), "concurrent Ensure calls must share one creation")
}

func TestEnsureRecreatesExpiredSandbox(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	counting := &countingCluster{Cluster: local}
	m := newTestManager(t, counting, func(o *ManagerOptions) {
		o.TTL = 20 * time.Millisecond
	})

	_, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond) // past the scheduled shutdown

	ref, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "inv-abc", ref.Name)
	assert.Equal(t, 2, counting.submitCount(), "expired sandbox must be transparently recreated")
}

func TestEnsureCreationTimeout(t *testing.T) {
	local := NewLocalCluster(func(o *LocalOptions) { o.ReadyDelay = 10 * time.Second })
	defer local.Close()
	m := newTestManager(t, local, func(o *ManagerOptions) {
		o.CreateTimeout = 30 * time.Millisecond
	})

	_, err := m.Ensure(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxUnavailable, core.KindOf(err))
}

func TestEnsureExtendsTTLOnReuse(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	m := newTestManager(t, local, func(o *ManagerOptions) {
		o.TTL = 200 * time.Millisecond
	})

	_, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	_, err = m.Ensure(context.Background(), "abc") // pushes shutdown out again
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond) // past the original TTL, within the extension
	status, err := local.Status(context.Background(), "inv-abc")
	require.NoError(t, err)
	assert.Equal(t, PhaseReady, status.Phase)
}

func TestResolve(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	m := newTestManager(t, local)

	_, err := m.Resolve(context.Background(), "abc")
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxUnavailable, core.KindOf(err))

	ensured, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)

	resolved, err := m.Resolve(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, ensured, resolved)
}

func TestRelease(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()
	m := newTestManager(t, local)

	_, err := m.Ensure(context.Background(), "abc")
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), "abc"))
	assert.Equal(t, 0, local.Len())
}

func TestLocalClusterReapsExpired(t *testing.T) {
	local := NewLocalCluster(func(o *LocalOptions) { o.ReapInterval = 5 * time.Millisecond })
	defer local.Close()

	require.NoError(t, local.Submit(context.Background(), Spec{
		Name:       "inv-old",
		Thread:     "old",
		ShutdownAt: time.Now().Add(10 * time.Millisecond),
	}))

	assert.Eventually(t, func() bool { return local.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalClusterUnknownName(t *testing.T) {
	local := NewLocalCluster()
	defer local.Close()

	_, err := local.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, local.Delete(context.Background(), "nope"))
}
