package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "workfabric", cfg.ServiceName)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 10, cfg.MaxActiveJobsPerOrg)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.EnableFeedbackIngest)
}

func TestLoadClampsCapacity(t *testing.T) {
	t.Setenv("MAX_ACTIVE_JOBS_PER_ORG", "0")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxActiveJobsPerOrg)

	t.Setenv("MAX_ACTIVE_JOBS_PER_ORG", "99999")
	cfg, err = config.Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxActiveJobsPerOrg)
}

func TestLoadClampsConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "-3")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
}

func TestOTELSamplingRate(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"0.25", 0.25},
		{"1.0", 1.0},
		{"-0.5", 0},
		{"7", 1},
		{"not-a-number", 1.0},
		{"", 1.0},
	}
	for _, tc := range cases {
		cfg := config.Config{OTELSamplingRaw: tc.raw}
		assert.Equal(t, tc.want, cfg.OTELSamplingRate(), "raw=%q", tc.raw)
	}
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, config.Config{AppEnv: "Prod"}.IsProd())
	assert.True(t, config.Config{AppEnv: "test"}.IsTest())
	assert.False(t, config.Config{AppEnv: "prod"}.IsDev())
}
