package zerobot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalcTextXP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  string
		expected float64
	}{
		{"empty message", "", 0},
		{"single character", "y", 1},
		{"just below first step", strings.Repeat("a", 79), 1},
		{"first step", strings.Repeat("a", 80), 2},
		{"just below second step", strings.Repeat("a", 159), 2},
		{"second step", strings.Repeat("a", 160), 3},
		{"capped at three", strings.Repeat("a", 2000), 3},
		// length is measured in runes, not bytes
		{"multibyte runes", strings.Repeat("あ", 80), 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.InDelta(t, tt.expected, CalcTextXP(tt.content), 1e-9)
			},
		)
	}
}

func TestHandleMessageGrantsAndCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	tl := NewTextLeveling(store, 50*time.Millisecond, nil)

	granted, err := tl.HandleMessage(ctx, "guild-1", "alice", "hello", false)
	require.NoError(t, err)
	assert.InDelta(t, 1, granted, 1e-9)

	// immediately after, the cooldown swallows the grant
	granted, err = tl.HandleMessage(
		ctx, "guild-1", "alice", strings.Repeat("a", 200), false,
	)
	require.NoError(t, err)
	assert.Zero(t, granted)

	xp, err := store.GetTextXP(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 1, xp, 1e-9)

	// a different user is unaffected by alice's cooldown
	granted, err = tl.HandleMessage(ctx, "guild-1", "bob", "hi", false)
	require.NoError(t, err)
	assert.InDelta(t, 1, granted, 1e-9)

	time.Sleep(60 * time.Millisecond)
	granted, err = tl.HandleMessage(ctx, "guild-1", "alice", "hello again", false)
	require.NoError(t, err)
	assert.InDelta(t, 1, granted, 1e-9)
}

func TestHandleMessageIneligible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	tl := NewTextLeveling(store, DefaultTextXPCooldown, nil)

	// bot authors
	granted, err := tl.HandleMessage(ctx, "guild-1", "musicbot", "hello", true)
	require.NoError(t, err)
	assert.Zero(t, granted)

	// direct messages have no guild
	granted, err = tl.HandleMessage(ctx, "", "alice", "hello", false)
	require.NoError(t, err)
	assert.Zero(t, granted)

	// empty content
	granted, err = tl.HandleMessage(ctx, "guild-1", "alice", "", false)
	require.NoError(t, err)
	assert.Zero(t, granted)

	stats, err := store.GetGuildUserStats(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, stats)
}
