package fleetpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/internal/errs"
)

func TestValidateConfig_RequiresWorkerType(t *testing.T) {
	cfg := defaultConfig()
	err := validateConfig(&cfg)
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestValidateConfig_RejectsDuplicateWorkerType(t *testing.T) {
	cfg := defaultConfig()
	cfg.WorkerTypes = []WorkerTypeConfig{{WorkerType: "calc"}, {WorkerType: "calc"}}
	err := validateConfig(&cfg)
	require.ErrorIs(t, err, errs.ErrDuplicateWorkerType)
}

func TestValidateConfig_RejectsMinGreaterThanMax(t *testing.T) {
	cfg := defaultConfig()
	cfg.WorkerTypes = []WorkerTypeConfig{{WorkerType: "calc", Min: 5, Max: 2}}
	err := validateConfig(&cfg)
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.MetricsInterval)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 1000, cfg.MaxLogEntries)
}
