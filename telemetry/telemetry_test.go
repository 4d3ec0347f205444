package telemetry

import (
	"testing"
	"time"

	"github.com/amp-labs/keyremap-controller/envutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Parallel()

	ctx := envutil.WithEnvOverride(t.Context(), "OTEL_ENABLED", "false")
	ctx = envutil.WithEnvOverride(ctx, "OTEL_SERVICE_NAME", "remapctl")

	config, err := LoadConfigFromEnv(ctx, "test")
	require.NoError(t, err)

	assert.False(t, config.Enabled)
	assert.True(t, config.Logs)
	assert.Equal(t, "remapctl", config.ServiceName)
	assert.Equal(t, defaultServiceVersion, config.ServiceVersion)
	assert.Equal(t, "test", config.Environment)
	assert.Equal(t, defaultTimeout, config.Timeout)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Parallel()

	ctx := envutil.WithEnvOverride(t.Context(), "OTEL_ENABLED", "true")
	ctx = envutil.WithEnvOverride(ctx, "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://collector:4318")
	ctx = envutil.WithEnvOverride(ctx, "OTEL_EXPORTER_OTLP_TIMEOUT", "2s")
	ctx = envutil.WithEnvOverride(ctx, "OTEL_LOGS_ENABLED", "false")

	config, err := LoadConfigFromEnv(ctx, "dev")
	require.NoError(t, err)

	assert.True(t, config.Enabled)
	assert.False(t, config.Logs)
	assert.Equal(t, "http://collector:4318", config.Endpoint)
	assert.Equal(t, 2*time.Second, config.Timeout)
}

func TestLoadConfigFromEnvBadValue(t *testing.T) {
	t.Parallel()

	ctx := envutil.WithEnvOverride(t.Context(), "OTEL_ENABLED", "maybe")

	_, err := LoadConfigFromEnv(ctx, "dev")
	assert.ErrorIs(t, err, envutil.ErrBadEnvVar)
}

func TestInitializeDisabled(t *testing.T) {
	t.Parallel()

	handler, err := Initialize(t.Context(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, handler)

	handler, err = Initialize(t.Context(), &Config{Enabled: true})
	require.NoError(t, err)
	assert.Nil(t, handler)
}

func TestShutdownWithoutInitialize(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Shutdown(t.Context()))
}
