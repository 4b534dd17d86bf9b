package fleetpool

import (
	"fmt"
	"time"

	"github.com/ygrebnov/fleetpool/dispatcher"
	"github.com/ygrebnov/fleetpool/internal/errs"
	"github.com/ygrebnov/fleetpool/internal/logging"
	"github.com/ygrebnov/fleetpool/manager"
	"github.com/ygrebnov/fleetpool/metrics"
	"github.com/ygrebnov/fleetpool/registry"
)

// WorkerTypeConfig configures one registered worker type.
type WorkerTypeConfig struct {
	// WorkerType is the stable tag this configuration answers for.
	WorkerType string

	// Locator describes how to spawn a worker of this type.
	Locator registry.Locator

	// Min/Max bound this worker type's live worker count
	// (min <= |workers| <= max). Max zero means unbounded.
	Min, Max uint

	// IdleTimeout arms the idle-reaping timer for above-min idle workers.
	// Zero disables idle reaping.
	IdleTimeout time.Duration

	// AutoRestart schedules a replacement worker when one enters the error
	// state.
	AutoRestart bool

	// ResourceMonitor, if non-nil, enables dynamic scaling for this worker
	// type.
	ResourceMonitor *manager.ResourceMonitorConfig
}

// Config holds Pool configuration.
type Config struct {
	// WorkerTypes lists every worker type this Pool manages. At least one is
	// required.
	WorkerTypes []WorkerTypeConfig

	// PollInterval is the Dispatcher's assignment-loop polling period.
	// Default: 10ms.
	PollInterval time.Duration

	// MaxQueueSize bounds each worker type's pending-task queue.
	// Default: 100.
	MaxQueueSize int

	// PriorityReserve, if non-nil, reserves a fraction of each worker
	// type's pool for high-priority tasks.
	PriorityReserve *dispatcher.PriorityReserveConfig

	// MetricsInterval is how often the Monitor samples PoolStats. Default: 5s.
	MetricsInterval time.Duration

	// HealthCheckInterval is how often the Monitor runs its suspected-hang
	// check. Default: 10s.
	HealthCheckInterval time.Duration

	// SuspectedHangAfter marks a worker busy past this duration as hung.
	// Zero disables the check.
	SuspectedHangAfter time.Duration

	// MaxLogEntries bounds the Monitor's LogEntry ring. Default: 1000.
	MaxLogEntries int

	// MetricsProvider mirrors sampled PoolStats into it (e.g.
	// metrics.PrometheusProvider, metrics.NewBasicProvider for an in-memory
	// option with no external dependency). Defaults to a no-op provider.
	MetricsProvider metrics.Provider

	Logger logging.Logger
}

// defaultConfig centralizes default values for Config. Applied by New when a
// field is left at its zero value.
func defaultConfig() Config {
	return Config{
		PollInterval:        10 * time.Millisecond,
		MaxQueueSize:        100,
		MetricsInterval:     5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		MaxLogEntries:       1000,
	}
}

// validateConfig performs lightweight invariant checks.
func validateConfig(cfg *Config) error {
	if len(cfg.WorkerTypes) == 0 {
		return fmt.Errorf("%w: at least one worker type is required", errs.ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(cfg.WorkerTypes))
	for _, wt := range cfg.WorkerTypes {
		if wt.WorkerType == "" {
			return fmt.Errorf("%w: worker type tag must not be empty", errs.ErrInvalidConfig)
		}
		if seen[wt.WorkerType] {
			return fmt.Errorf("%w: duplicate worker type %q", errs.ErrDuplicateWorkerType, wt.WorkerType)
		}
		seen[wt.WorkerType] = true
		if wt.Max > 0 && wt.Min > wt.Max {
			return fmt.Errorf("%w: worker type %q has Min > Max", errs.ErrInvalidConfig, wt.WorkerType)
		}
	}
	return nil
}
