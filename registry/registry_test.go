package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/model"
	"github.com/inquestlabs/inquest/observe"
	"github.com/inquestlabs/inquest/tool"
)

func mockModels(config.ModelParams) (model.Model, error) {
	return model.NewMockModel("mock", "mock"), nil
}

func agentLayer(names ...string) config.Document {
	agents := map[string]any{}
	for _, name := range names {
		agents[name] = map[string]any{}
	}
	return config.Document{"agents": agents}
}

func TestGetRunnerCachesByAgentAndHash(t *testing.T) {
	resolver := config.NewStaticResolver()
	resolver.SetTenant("acme", agentLayer("investigator"))
	metrics := observe.NewMetrics(prometheus.NewRegistry())

	r, err := New(resolver, tool.NewRegistry(), mockModels, func(o *Options) {
		o.Metrics = metrics
	})
	require.NoError(t, err)

	first, err := r.GetRunner(context.Background(), "investigator", "acme")
	require.NoError(t, err)
	second, err := r.GetRunner(context.Background(), "investigator", "acme")
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged config must reuse the cached runner")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHits))
}

func TestGetRunnerRebuildsOnConfigChange(t *testing.T) {
	resolver := config.NewStaticResolver()
	resolver.SetTenant("acme", agentLayer("investigator"))

	r, err := New(resolver, tool.NewRegistry(), mockModels)
	require.NoError(t, err)

	first, err := r.GetRunner(context.Background(), "investigator", "acme")
	require.NoError(t, err)

	resolver.SetTenant("acme", config.Document{"agents": map[string]any{
		"investigator": map[string]any{"max_turns": 5},
	}})
	second, err := r.GetRunner(context.Background(), "investigator", "acme")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "config change must rebuild the runner")
	assert.Equal(t, 2, r.CacheLen())
}

func TestCacheCapacityNeverExceeded(t *testing.T) {
	resolver := config.NewStaticResolver()
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("agent%d", i)
	}
	resolver.SetTenant("acme", agentLayer(names...))
	metrics := observe.NewMetrics(prometheus.NewRegistry())

	r, err := New(resolver, tool.NewRegistry(), mockModels, func(o *Options) {
		o.CacheCapacity = 3
		o.Metrics = metrics
	})
	require.NoError(t, err)

	for _, name := range names {
		_, err := r.GetRunner(context.Background(), name, "acme")
		require.NoError(t, err)
		assert.LessOrEqual(t, r.CacheLen(), 3)
	}
	assert.Equal(t, 3, r.CacheLen())
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.CacheEvictions))
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	resolver := config.NewStaticResolver()
	resolver.SetTenant("acme", agentLayer("a", "b", "c"))

	r, err := New(resolver, tool.NewRegistry(), mockModels, func(o *Options) {
		o.CacheCapacity = 2
	})
	require.NoError(t, err)

	cfg, err := resolver.EffectiveConfig(context.Background(), "acme")
	require.NoError(t, err)
	hash := cfg.Hash()

	_, err = r.GetRunner(context.Background(), "a", "acme")
	require.NoError(t, err)
	_, err = r.GetRunner(context.Background(), "b", "acme")
	require.NoError(t, err)

	// Touch a so b becomes least recently used, then force an eviction.
	_, err = r.GetRunner(context.Background(), "a", "acme")
	require.NoError(t, err)
	_, err = r.GetRunner(context.Background(), "c", "acme")
	require.NoError(t, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.True(t, r.cache.contains(cacheKey{agent: "a", hash: hash}))
	assert.False(t, r.cache.contains(cacheKey{agent: "b", hash: hash}))
	assert.True(t, r.cache.contains(cacheKey{agent: "c", hash: hash}))
}

func TestGetRunnerDefaultFallback(t *testing.T) {
	resolver := config.NewStaticResolver() // no tenants registered

	r, err := New(resolver, tool.NewRegistry(), mockModels, func(o *Options) {
		o.DefaultLayers = []config.Document{agentLayer("investigator")}
	})
	require.NoError(t, err)

	run, err := r.GetRunner(context.Background(), "investigator", "unknown-tenant")
	require.NoError(t, err)
	assert.NotNil(t, run)
}

func TestGetRunnerNoDefaultPropagatesError(t *testing.T) {
	resolver := config.NewStaticResolver()
	r, err := New(resolver, tool.NewRegistry(), mockModels)
	require.NoError(t, err)

	_, err = r.GetRunner(context.Background(), "investigator", "unknown-tenant")
	assert.ErrorIs(t, err, config.ErrNoTenantConfig)
}

func TestGetRunnerUnknownAgent(t *testing.T) {
	resolver := config.NewStaticResolver()
	resolver.SetTenant("acme", agentLayer("investigator"))

	r, err := New(resolver, tool.NewRegistry(), mockModels)
	require.NoError(t, err)

	_, err = r.GetRunner(context.Background(), "nonexistent", "acme")
	assert.Equal(t, core.KindConfig, core.KindOf(err))
}

func TestGetRunnerRunsEndToEnd(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("what broke?", "db-3 is out of disk")

	resolver := config.NewStaticResolver()
	resolver.SetTenant("acme", agentLayer("investigator"))

	r, err := New(resolver, tool.NewRegistry(), func(config.ModelParams) (model.Model, error) {
		return llm, nil
	})
	require.NoError(t, err)

	run, err := r.GetRunner(context.Background(), "investigator", "acme")
	require.NoError(t, err)

	out, err := run.Run(context.Background(), "what broke?")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "db-3 is out of disk", out.Text)
}
