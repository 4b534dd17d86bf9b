package fleetpool

import (
	"context"
	"fmt"
	"time"

	"github.com/ygrebnov/fleetpool/dispatcher"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/metrics"
	"github.com/ygrebnov/fleetpool/registry"
)

// Option configures a Config. Use NewWithOptions(ctx, opts...) to construct a
// Pool via options instead of building a Config by hand.
type Option func(*Config)

// WithWorkerType registers one worker type. Call once per type; at least one
// is required.
func WithWorkerType(workerType string, locator registry.Locator, min, max uint) Option {
	return func(c *Config) {
		c.WorkerTypes = append(c.WorkerTypes, WorkerTypeConfig{
			WorkerType: workerType,
			Locator:    locator,
			Min:        min,
			Max:        max,
		})
	}
}

// WithIdleTimeout sets the idle-reaping timeout on the most recently added
// WithWorkerType entry. Panics if called before any WithWorkerType.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		mustLastWorkerType(c).IdleTimeout = d
	}
}

// WithAutoRestart enables auto-restart on the most recently added
// WithWorkerType entry. Panics if called before any WithWorkerType.
func WithAutoRestart() Option {
	return func(c *Config) {
		mustLastWorkerType(c).AutoRestart = true
	}
}

// WithResourceMonitor enables dynamic scaling on the most recently added
// WithWorkerType entry. Panics if called before any WithWorkerType.
func WithResourceMonitor(rm manager.ResourceMonitorConfig) Option {
	return func(c *Config) {
		mustLastWorkerType(c).ResourceMonitor = &rm
	}
}

func mustLastWorkerType(c *Config) *WorkerTypeConfig {
	if len(c.WorkerTypes) == 0 {
		panic("fleetpool: WithIdleTimeout/WithAutoRestart/WithResourceMonitor must follow a WithWorkerType")
	}
	return &c.WorkerTypes[len(c.WorkerTypes)-1]
}

// WithPollInterval overrides the Dispatcher's assignment-loop poll period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithMaxQueueSize overrides the per-worker-type pending-task queue bound.
func WithMaxQueueSize(n int) Option {
	return func(c *Config) { c.MaxQueueSize = n }
}

// WithPriorityReserve reserves a fraction of each worker type's pool for
// tasks at or above threshold priority.
func WithPriorityReserve(fraction float64, threshold int) Option {
	return func(c *Config) {
		c.PriorityReserve = &dispatcher.PriorityReserveConfig{Fraction: fraction, Threshold: threshold}
	}
}

// WithMetricsInterval overrides how often the Monitor samples PoolStats.
func WithMetricsInterval(d time.Duration) Option {
	return func(c *Config) { c.MetricsInterval = d }
}

// WithHealthCheckInterval overrides how often the Monitor's suspected-hang
// check runs.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.HealthCheckInterval = d }
}

// WithSuspectedHangAfter enables hang detection: a worker continuously busy
// past d is marked error and scheduled for replacement.
func WithSuspectedHangAfter(d time.Duration) Option {
	return func(c *Config) { c.SuspectedHangAfter = d }
}

// WithMaxLogEntries bounds the Monitor's LogEntry ring.
func WithMaxLogEntries(n int) Option {
	return func(c *Config) { c.MaxLogEntries = n }
}

// WithMetricsProvider mirrors sampled PoolStats into provider, e.g.
// metrics.NewPrometheusProvider.
func WithMetricsProvider(provider metrics.Provider) Option {
	return func(c *Config) { c.MetricsProvider = provider }
}

// WithLogger overrides the Pool's structured logger. Defaults to a no-op
// logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// NewWithOptions constructs a Pool using functional options, internally
// building a Config and delegating to New.
func NewWithOptions(ctx context.Context, opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			panic("nil fleetpool option")
		}
		opt(&cfg)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("fleetpool: invalid config: %w", err)
	}

	return New(ctx, cfg)
}
