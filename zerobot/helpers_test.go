package zerobot

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatMinutes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0m", formatMinutes(0))
	assert.Equal(t, "27m", formatMinutes(27.4))
	assert.Equal(t, "1h 0m", formatMinutes(60))
	assert.Equal(t, "3h 27m", formatMinutes(207))
}

func TestPercentOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0.0%", percentOf(5, 0))
	assert.Equal(t, "50.0%", percentOf(1, 2))
	assert.Equal(t, "100.0%", percentOf(3, 3))
	assert.Equal(t, "33.3%", percentOf(1, 3))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	custom := slog.Default().With("component", "test")
	ctx := WithLogger(context.Background(), custom)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, custom, got)
}

func TestConfigLogValueRedactsToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"

	v := cfg.Discord.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	var tokenValue string
	for _, attr := range v.Group() {
		if attr.Key == "Token" {
			tokenValue = attr.Value.String()
		}
	}
	assert.Equal(t, "[redacted]", tokenValue)
	assert.NotContains(t, v.String(), "super-secret-token")
}
