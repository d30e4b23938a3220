package zerobot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.NoError(t, structValidator.Struct(cfg))

	cfg = DefaultConfig()
	cfg.StoreBackend = "carrier-pigeon"
	assert.Error(t, structValidator.Struct(cfg))

	cfg = DefaultConfig()
	cfg.DatabaseType = "oracle"
	assert.Error(t, structValidator.Struct(cfg))
}

func TestReferenceLocation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TimezoneOffsetHours = 0
	assert.Equal(t, time.UTC, cfg.ReferenceLocation())

	cfg.TimezoneOffsetHours = 9
	loc := cfg.ReferenceLocation()
	require.NotNil(t, loc)
	assert.Equal(t, "UTC+9", loc.String())

	// a timestamp in the reference zone reports the shifted hour
	utcMidnight := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 9, utcMidnight.In(loc).Hour())

	cfg.TimezoneOffsetHours = -5
	loc = cfg.ReferenceLocation()
	assert.Equal(t, "UTC-5", loc.String())
	assert.Equal(t, 19, utcMidnight.In(loc).Hour())
}

func TestNewZeroBot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreBackend = storeBackendMemory
	cfg.Discord.GatewayEnabled = false

	z, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, z)

	assert.NotNil(t, z.Store())
	assert.NotNil(t, z.Rankings())
	assert.NotNil(t, z.discord)
	assert.NotNil(t, z.voiceTicker)
	assert.NotNil(t, z.textLeveling)
	assert.NotNil(t, z.api)
	assert.NoError(t, z.ValidateConfig())
}
