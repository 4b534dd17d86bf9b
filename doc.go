// Package fleetpool provides a cross-environment worker pool runtime: it
// schedules computational tasks and bidirectional event streams across a
// fleet of background execution contexts exposed uniformly as
// transport.Transport (an in-process goroutine, a child OS process, or a
// remote WebSocket-connected process), behind one Pool facade.
//
// Constructors
//   - New(ctx, Config): accepts a Config built by hand.
//   - NewWithOptions(ctx, opts...): builds the Config from functional
//     Options (WithWorkerType, WithMetricsProvider, WithLogger, ...).
//
// Defaults
// Unless overridden, the following defaults apply to a newly registered
// worker type:
//   - Min: 0, Max: 0 (unbounded)
//   - IdleTimeout: 0 (idle reaping disabled)
//   - AutoRestart: false
//
// Pool-wide defaults:
//   - PollInterval: 10ms (dispatcher.Config's default)
//   - MetricsInterval: 5s, HealthCheckInterval: 10s, MaxLogEntries: 1000
//   - task Timeout: 60s, MaxRetries: 0
//
// Channel/future lifecycle
// Submit returns a dispatcher.Future[R]; call Wait(ctx) once to receive the
// task's terminal result or error. Progress is delivered only through the
// onProgress callback passed to Submit, never through the future.
//
// Pools
//   - One Manager per registered worker type, each independently bounded by
//     its own Min/Max and idle-reaping policy (manager.Options).
package fleetpool
