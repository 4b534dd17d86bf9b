package transport

import "github.com/ygrebnov/fleetpool/idgen"

// DetectDefault returns the execution Context to use when a worker type's
// locator doesn't pin one explicitly. The environment variable
// FLEETPOOL_WORKER_TRANSPORT overrides the in-process default.
func DetectDefault() Context {
	return Context(idgen.DetectTransport())
}
