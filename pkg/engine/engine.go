// Package engine assembles a dagengine.Engine from the default components: the
// graph validator, optimizer and scheduler, the in-memory result cache, the
// built-in operation registry, the batch runner, the bottleneck analyzer and the
// Prometheus collector.
package engine

import (
	"context"
	"log/slog"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/dagengine/internal/audit"
	"github.com/ZanzyTHEbar/dagengine/internal/cache"
	"github.com/ZanzyTHEbar/dagengine/internal/eventbus"
	"github.com/ZanzyTHEbar/dagengine/internal/executor"
	"github.com/ZanzyTHEbar/dagengine/internal/graph"
	"github.com/ZanzyTHEbar/dagengine/internal/metrics"
	"github.com/ZanzyTHEbar/dagengine/internal/operations"
)

// Stack is a ready engine together with the components it was built from, so
// callers can register operations, inspect the cache or expose metrics.
type Stack struct {
	*dagengine.Engine

	Registry  *operations.Registry
	Cache     *cache.InMemoryCache
	Runner    *executor.BatchRunner
	Collector *metrics.Collector
	AuditSink dagengine.AuditSink
}

type settings struct {
	config    dagengine.Config
	logger    *slog.Logger
	registry  *operations.Registry
	auditSink dagengine.AuditSink
	eventBus  eventbus.EventBus
}

// Option configures the default stack.
type Option func(*settings)

// WithConfig sets the engine configuration.
func WithConfig(cfg dagengine.Config) Option {
	return func(s *settings) {
		s.config = cfg
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry replaces the built-in operation registry.
func WithRegistry(r *operations.Registry) Option {
	return func(s *settings) {
		s.registry = r
	}
}

// WithAuditSink replaces the in-memory audit store.
func WithAuditSink(sink dagengine.AuditSink) Option {
	return func(s *settings) {
		s.auditSink = sink
	}
}

// WithEventBus publishes lifecycle events on bus instead of an engine-owned one.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *settings) {
		s.eventBus = bus
	}
}

// New builds the default stack.
func New(opts ...Option) (*Stack, error) {
	s := &settings{
		config: dagengine.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	if s.registry == nil {
		s.registry = operations.NewDefaultRegistry()
	}
	if s.auditSink == nil {
		s.auditSink = audit.NewMemorySink()
	}

	cfg := s.config
	resultCache := cache.NewInMemoryCache(
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithLogger(s.logger),
	)
	nodeExecutor := executor.NewNodeExecutor(s.registry,
		executor.WithCache(resultCache),
		executor.WithLogger(s.logger),
		executor.WithDefaultNodeTimeout(cfg.DefaultNodeTimeout),
	)
	runner := executor.NewBatchRunner(nodeExecutor,
		executor.WithMaxConcurrentNodes(cfg.MaxConcurrentNodes),
		executor.WithDefaultErrorPolicy(cfg.DefaultErrorPolicy),
		executor.WithRunnerLogger(s.logger),
	)
	collector := metrics.NewCollector()

	engineOpts := []dagengine.Option{
		dagengine.WithConfig(cfg),
		dagengine.WithLogger(s.logger),
		dagengine.WithValidator(graph.NewValidator()),
		dagengine.WithOptimizer(graph.NewOptimizer()),
		dagengine.WithScheduler(graph.NewScheduler()),
		dagengine.WithRunner(runner),
		dagengine.WithAnalyzer(metrics.NewAnalyzer(cfg.BottleneckThreshold)),
		dagengine.WithMetrics(collector),
		dagengine.WithAuditSink(s.auditSink),
	}
	if s.eventBus != nil {
		engineOpts = append(engineOpts, dagengine.WithEventBus(s.eventBus))
	}

	e, err := dagengine.New(engineOpts...)
	if err != nil {
		resultCache.Close()
		return nil, err
	}

	return &Stack{
		Engine:    e,
		Registry:  s.registry,
		Cache:     resultCache,
		Runner:    runner,
		Collector: collector,
		AuditSink: s.auditSink,
	}, nil
}

// Close shuts the engine down and stops the cache's cleanup loop.
func (s *Stack) Close() error {
	err := s.Engine.Close()
	s.Cache.Close()
	return err
}

// ExecuteGraph is a convenience wrapper running graph with input under the
// given organization, with every optimization enabled.
func (s *Stack) ExecuteGraph(ctx context.Context, organizationID string, g dagengine.GraphDefinition, input map[string]any) (*dagengine.Response, error) {
	return s.Execute(ctx, &dagengine.ExecutionRequest{
		OrganizationID: organizationID,
		Graph:          g,
		Context: dagengine.ExecutionContext{
			Trigger:       "api",
			InputData:     input,
			ExecutionMode: dagengine.ModeSynchronous,
		},
	})
}
