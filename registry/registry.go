// Package registry hands out ready-to-use runners for (agent, tenant) pairs.
// It resolves tenant configuration, builds agents on demand, and keeps built
// runners in a bounded LRU cache keyed by agent name and configuration hash
// so tenants with unchanged configuration never pay the build cost twice.
package registry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/inquestlabs/inquest/agent"
	"github.com/inquestlabs/inquest/config"
	"github.com/inquestlabs/inquest/core"
	"github.com/inquestlabs/inquest/logging"
	"github.com/inquestlabs/inquest/observe"
	"github.com/inquestlabs/inquest/runner"
	"github.com/inquestlabs/inquest/tool"
)

// DefaultCacheCapacity bounds the runner cache.
const DefaultCacheCapacity = 128

// Options configures a Registry.
type Options struct {
	CacheCapacity int
	// DefaultLayers builds the shared fallback configuration used when the
	// resolver reports no tenant-specific configuration. Without it the
	// lookup fails instead of falling back.
	DefaultLayers []config.Document
	Logger        logging.Logger
	Metrics       *observe.Metrics
	Tracer        trace.Tracer
	Recorder      core.RunRecorder
	// BuilderOptions is applied to the internal agent builder after the
	// registry wires its own sub-runner factory.
	BuilderOptions []func(o *agent.BuilderOptions)
}

// Registry builds and caches runners. Safe for concurrent use.
type Registry struct {
	resolver config.Resolver
	builder  *agent.Builder

	mu    sync.Mutex
	cache *lruCache

	defaultConfig *config.EffectiveConfig
	logger        logging.Logger
	metrics       *observe.Metrics
	tracer        trace.Tracer
	recorder      core.RunRecorder
}

// New creates a Registry. Sub-agents built through this registry are wrapped
// in runners sharing the registry's observability and audit wiring, so a
// delegated run gets the same retry and timeout discipline as a direct one.
func New(resolver config.Resolver, tools *tool.Registry, models agent.ModelFactory, optFns ...func(o *Options)) (*Registry, error) {
	opts := Options{
		CacheCapacity: DefaultCacheCapacity,
		Logger:        logging.NoOpLogger{},
		Metrics:       observe.NopMetrics(),
		Tracer:        observe.NopTracer(),
		Recorder:      core.NopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{
		resolver: resolver,
		cache:    newLRUCache(opts.CacheCapacity),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		recorder: opts.Recorder,
	}

	if len(opts.DefaultLayers) > 0 {
		cfg, err := config.Resolve(opts.DefaultLayers...)
		if err != nil {
			return nil, err
		}
		r.defaultConfig = cfg
	}

	builderOpts := append([]func(o *agent.BuilderOptions){
		func(o *agent.BuilderOptions) {
			o.Logger = opts.Logger
			o.SubRunnerFactory = func(a *agent.Agent) agent.SubRunner {
				return subRunnerAdapter{runner: r.newRunner(a)}
			}
		},
	}, opts.BuilderOptions...)
	r.builder = agent.NewBuilder(tools, models, builderOpts...)

	return r, nil
}

// GetRunner returns a runner for agentName under tenantID's effective
// configuration, building and caching it on first use. Tenants without
// specific configuration fall back to the registry's default layers when
// configured; otherwise the resolver error propagates.
func (r *Registry) GetRunner(ctx context.Context, agentName, tenantID string) (*runner.Runner, error) {
	cfg, err := r.resolver.EffectiveConfig(ctx, tenantID)
	if errors.Is(err, config.ErrNoTenantConfig) && r.defaultConfig != nil {
		cfg = r.defaultConfig
		err = nil
	}
	if err != nil {
		return nil, err
	}

	key := cacheKey{agent: agentName, hash: cfg.Hash()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache.get(key); ok {
		r.metrics.CacheHits.Inc()
		return cached, nil
	}
	r.metrics.CacheMisses.Inc()

	a, err := r.builder.Build(agentName, cfg)
	if err != nil {
		return nil, err
	}
	run := r.newRunner(a)
	if r.cache.add(key, run) {
		r.metrics.CacheEvictions.Inc()
		r.logger.Debug("runner cache eviction", "agent", agentName, "tenant", tenantID)
	}
	return run, nil
}

// CacheLen returns the number of cached runners.
func (r *Registry) CacheLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.len()
}

func (r *Registry) newRunner(a *agent.Agent) *runner.Runner {
	return runner.New(a, func(o *runner.Options) {
		o.Logger = r.logger
		o.Metrics = r.metrics
		o.Tracer = r.tracer
		o.Recorder = r.recorder
	})
}

// subRunnerAdapter narrows runner.Run's variadic signature to the SubRunner
// interface used for delegated sub-agent calls.
type subRunnerAdapter struct {
	runner *runner.Runner
}

func (s subRunnerAdapter) Run(ctx context.Context, input string) (core.Output, error) {
	return s.runner.Run(ctx, input)
}
