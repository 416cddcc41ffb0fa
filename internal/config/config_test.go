package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGetenv(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestLoadAppliesDefaultsWhenEnvEmpty(t *testing.T) {
	c, err := Load(fakeGetenv(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	c, err := Load(fakeGetenv(map[string]string{
		"AIRDROP_WORKER_HEAP_SIZE_MB":    "1024",
		"AIRDROP_TIMEOUT":                "2m",
		"AIRDROP_USE_LEGACY_EVENT_NAMES": "true",
		"AIRDROP_CONTROL_PLANE_BASE_URL": "https://control.example.com",
	}))
	require.NoError(t, err)
	assert.EqualValues(t, 1024, c.WorkerHeapSizeMB)
	assert.Equal(t, 2*time.Minute, c.Timeout)
	assert.True(t, c.UseLegacyEventNames)
	assert.Equal(t, "https://control.example.com", c.ControlPlaneBaseURL)
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	_, err := Load(fakeGetenv(map[string]string{"AIRDROP_WORKER_HEAP_SIZE_MB": "not-a-number"}))
	assert.Error(t, err)
}

func TestMaxOldGenerationSizeMB(t *testing.T) {
	c := Config{WorkerHeapSizeMB: 512}
	assert.Equal(t, int64(426), c.MaxOldGenerationSizeMB())
}

func TestEffectiveTimeoutClampsToTenMinutes(t *testing.T) {
	assert.Equal(t, 10*time.Minute, Config{Timeout: 20 * time.Minute}.EffectiveTimeout())
	assert.Equal(t, 10*time.Minute, Config{}.EffectiveTimeout())
	assert.Equal(t, 3*time.Minute, Config{Timeout: 3 * time.Minute}.EffectiveTimeout())
}
