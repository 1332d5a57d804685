package qwormhole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPopulatesSpecDefaults(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, FramingLengthPrefixed, cfg.Framing)
	assert.Equal(t, uint32(DefaultMaxFrameLength), cfg.MaxFrameLength)
	assert.Equal(t, AdaptiveGuarded, cfg.AdaptiveMode)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
	assert.NotNil(t, cfg.metrics)
}

func TestApplyConfigAppliesOptionsInOrder(t *testing.T) {
	cfg := applyConfig([]Option{
		WithHostPort("127.0.0.1", 9000),
		WithMaxFrameLength(2048),
		WithAdaptiveMode(AdaptiveAggressive),
	})
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, uint32(2048), cfg.MaxFrameLength)
	assert.Equal(t, AdaptiveAggressive, cfg.AdaptiveMode)
}

func TestWithMaxFrameLengthIgnoresZero(t *testing.T) {
	cfg := applyConfig([]Option{WithMaxFrameLength(0)})
	assert.Equal(t, uint32(DefaultMaxFrameLength), cfg.MaxFrameLength)
}

func TestValidateRejectsZeroMaxFrameLength(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxFrameLength = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateRejectsReconnectWithoutMultiplier(t *testing.T) {
	cfg := defaultConfig()
	cfg.Reconnect = ReconnectConfig{Enabled: true, Multiplier: 0}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := defaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestWithReconnectEnablesReconnect(t *testing.T) {
	cfg := applyConfig([]Option{WithReconnect(ReconnectConfig{InitialDelay: 1, MaxDelay: 2, Multiplier: 1.5})})
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 1.5, cfg.Reconnect.Multiplier)
}

func TestEnvOverrideAdaptiveSlicesOverridesProgrammaticSetting(t *testing.T) {
	t.Setenv("ADAPTIVE_SLICES", "off")
	cfg := applyConfig([]Option{WithAdaptiveMode(AdaptiveAggressive)})
	assert.Equal(t, AdaptiveOff, cfg.AdaptiveMode)
}

func TestEnvOverrideAdaptiveSlicesAutoLeavesSettingAlone(t *testing.T) {
	t.Setenv("ADAPTIVE_SLICES", "auto")
	cfg := applyConfig([]Option{WithAdaptiveMode(AdaptiveAggressive)})
	assert.Equal(t, AdaptiveAggressive, cfg.AdaptiveMode)
}

func TestEnvOverrideForceSlice(t *testing.T) {
	t.Setenv("FORCE_SLICE", "42")
	cfg := applyConfig(nil)
	assert.Equal(t, 42, cfg.ForceSliceSize)
}

func TestEnvOverrideForceSliceIgnoresMalformedValue(t *testing.T) {
	t.Setenv("FORCE_SLICE", "not-a-number")
	cfg := applyConfig([]Option{WithForcedSliceSize(9)})
	assert.Equal(t, 9, cfg.ForceSliceSize)
}

func TestEnvOverrideForceRateBytes(t *testing.T) {
	t.Setenv("FORCE_RATE_BYTES", "1234.5")
	cfg := applyConfig(nil)
	assert.Equal(t, 1234.5, cfg.ForceRateBytesPerSec)
}

func TestWithContextIgnoresNil(t *testing.T) {
	cfg := defaultConfig()
	original := cfg.ctx
	WithContext(nil)(cfg)
	assert.Equal(t, original, cfg.ctx, "a nil context must not replace the existing one")
}

func TestWithMetricsIgnoresNil(t *testing.T) {
	cfg := defaultConfig()
	original := cfg.metrics
	WithMetrics(nil)(cfg)
	assert.Equal(t, original, cfg.metrics)
}
