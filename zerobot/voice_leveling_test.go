package zerobot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedPresence is a static PresenceSource fixture.
type fixedPresence struct {
	rooms map[string][]VoiceRoom
}

func (f *fixedPresence) GuildIDs() []string {
	ids := make([]string, 0, len(f.rooms))
	for id := range f.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (f *fixedPresence) VoiceRooms(guildID string) []VoiceRoom {
	return f.rooms[guildID]
}

// failingStore wraps a Store, failing writes for one user ID.
type failingStore struct {
	Store
	failUserID string
}

func (s *failingStore) AddVoiceXP(
	ctx context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	if userID == s.failUserID {
		return errors.New("synthetic storage failure")
	}
	return s.Store.AddVoiceXP(ctx, guildID, userID, xp)
}

func newTestTicker(
	t testing.TB,
	store Store,
	presence PresenceSource,
	now time.Time,
) *VoiceTicker {
	t.Helper()
	loc := time.FixedZone("UTC+9", 9*3600)
	ticker := NewVoiceTicker(store, presence, nil, time.Minute, loc, nil)
	ticker.nowFunc = func() time.Time { return now }
	return ticker
}

func TestGroupSizeBucketFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, BucketSolo, GroupSizeBucketFor(1))
	assert.Equal(t, BucketSmallGroup, GroupSizeBucketFor(2))
	assert.Equal(t, BucketSmallGroup, GroupSizeBucketFor(3))
	assert.Equal(t, BucketMidGroup, GroupSizeBucketFor(4))
	assert.Equal(t, BucketMidGroup, GroupSizeBucketFor(6))
	assert.Equal(t, BucketBigGroup, GroupSizeBucketFor(7))
	assert.Equal(t, BucketBigGroup, GroupSizeBucketFor(25))
}

func TestVoiceXPPerMinute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		memberCount int
		muted       bool
		expected    float64
	}{
		{"solo unmuted", 1, false, 0.24},
		{"solo muted", 1, true, 0.12},
		{"pair unmuted", 2, false, 0.36},
		{"mid group unmuted", 5, false, 0.45},
		{"big group unmuted", 8, false, 0.6},
		{"big group muted", 8, true, 0.3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.InDelta(
					t,
					tt.expected,
					VoiceXPPerMinute(tt.memberCount, tt.muted),
					1e-9,
				)
			},
		)
	}
}

func TestRoomMemberMuted(t *testing.T) {
	t.Parallel()

	assert.False(t, RoomMember{}.Muted())
	assert.True(t, RoomMember{SelfMute: true}.Muted())
	assert.True(t, RoomMember{SelfDeaf: true}.Muted())
	assert.True(t, RoomMember{Mute: true}.Muted())
	assert.True(t, RoomMember{Deaf: true}.Muted())
}

func TestTickPairSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	now := time.Date(2024, 3, 5, 21, 30, 0, 0, time.FixedZone("UTC+9", 9*3600))
	presence := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members: []RoomMember{
						{UserID: "alice"},
						{UserID: "bob", SelfMute: true},
					},
				},
			},
		},
	}
	ticker := newTestTicker(t, store, presence, now)

	ticker.tick(ctx)

	// alice: 0.3 * 1.2 * 1.0 per minute
	aliceXP, err := store.GetVoiceXP(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.36, aliceXP, 1e-9)

	// bob is muted: half rate
	bobXP, err := store.GetVoiceXP(ctx, "guild-1", "bob")
	require.NoError(t, err)
	assert.InDelta(t, 0.18, bobXP, 1e-9)

	aliceMeta, err := store.GetVoiceMeta(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, aliceMeta.TotalTime, 1e-9)
	assert.InDelta(t, 1.0, aliceMeta.SmallGroupTime, 1e-9)
	assert.InDelta(t, 0, aliceMeta.SoloTime, 1e-9)
	assert.InDelta(t, 0, aliceMeta.MutedTime, 1e-9)
	assert.Equal(t, 2, aliceMeta.MaxMemberCount)
	assert.InDelta(t, 1.0, aliceMeta.HourBuckets[21], 1e-9)
	assert.InDelta(t, 1.0, aliceMeta.PairTime["bob"], 1e-9)
	_, selfPair := aliceMeta.PairTime["alice"]
	assert.False(t, selfPair, "a member never pairs with themselves")

	bobMeta, err := store.GetVoiceMeta(ctx, "guild-1", "bob")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bobMeta.MutedTime, 1e-9)
	assert.InDelta(t, 1.0, bobMeta.PairTime["alice"], 1e-9)

	// daily rollup carries the same snapshot
	day, err := store.GetUserTotalMinutesInRange(ctx, "guild-1", "alice", now, now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, day, 1e-9)
}

func TestTickBucketSumInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.FixedZone("UTC+9", 9*3600))

	// tick the same user through rooms of different sizes
	sizes := []int{1, 3, 5, 8}
	for _, size := range sizes {
		members := make([]RoomMember, 0, size)
		members = append(members, RoomMember{UserID: "alice"})
		for i := 1; i < size; i++ {
			members = append(members, RoomMember{UserID: string(rune('a' + i))})
		}
		presence := &fixedPresence{
			rooms: map[string][]VoiceRoom{
				"guild-1": {{ChannelID: "voice-1", Members: members}},
			},
		}
		ticker := newTestTicker(t, store, presence, now)
		ticker.tick(ctx)
	}

	meta, err := store.GetVoiceMeta(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, meta.TotalTime, 1e-9)
	sum := meta.SoloTime + meta.SmallGroupTime + meta.MidGroupTime + meta.BigGroupTime
	assert.InDelta(t, meta.TotalTime, sum, 1e-9)
	assert.InDelta(t, 1.0, meta.SoloTime, 1e-9)
	assert.InDelta(t, 1.0, meta.SmallGroupTime, 1e-9)
	assert.InDelta(t, 1.0, meta.MidGroupTime, 1e-9)
	assert.InDelta(t, 1.0, meta.BigGroupTime, 1e-9)
	assert.Equal(t, 8, meta.MaxMemberCount)
	assert.LessOrEqual(t, meta.MutedTime, meta.TotalTime)
}

func TestTickMaxMemberCountNeverDecreases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	bigRoom := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members: []RoomMember{
						{UserID: "alice"},
						{UserID: "bob"},
						{UserID: "carol"},
						{UserID: "dave"},
					},
				},
			},
		},
	}
	newTestTicker(t, store, bigRoom, now).tick(ctx)

	smallRoom := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members:   []RoomMember{{UserID: "alice"}},
				},
			},
		},
	}
	newTestTicker(t, store, smallRoom, now).tick(ctx)

	meta, err := store.GetVoiceMeta(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.MaxMemberCount)
}

func TestTickExcludesBots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	presence := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members: []RoomMember{
						{UserID: "alice"},
						{UserID: "musicbot", Bot: true},
					},
				},
			},
		},
	}
	newTestTicker(t, store, presence, now).tick(ctx)

	// the bot doesn't earn, doesn't count toward group size and doesn't
	// appear as a pair partner
	botXP, err := store.GetVoiceXP(ctx, "guild-1", "musicbot")
	require.NoError(t, err)
	assert.Zero(t, botXP)

	aliceXP, err := store.GetVoiceXP(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.24, aliceXP, 1e-9, "alice is effectively solo")

	meta, err := store.GetVoiceMeta(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, meta.SoloTime, 1e-9)
	assert.Empty(t, meta.PairTime)
	assert.Equal(t, 1, meta.MaxMemberCount)
}

func TestTickBotOnlyRoomSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	presence := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members:   []RoomMember{{UserID: "musicbot", Bot: true}},
				},
			},
		},
	}
	newTestTicker(t, store, presence, time.Now()).tick(ctx)

	stats, err := store.GetGuildUserStats(ctx, "guild-1")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestTickIgnoredChannelsAndCategories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	require.NoError(
		t, store.SaveGuildConfig(
			ctx, "guild-1", &GuildConfig{
				IgnoredChannelIDs:  []string{"100200300"},
				IgnoredCategoryIDs: []string{"400500600"},
			},
		),
	)

	presence := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "100200300",
					Members:   []RoomMember{{UserID: "alice"}},
				},
				{
					ChannelID:  "111111111",
					CategoryID: "400500600",
					Members:    []RoomMember{{UserID: "bob"}},
				},
				{
					ChannelID: "222222222",
					Members:   []RoomMember{{UserID: "carol"}},
				},
			},
		},
	}

	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	ticker := NewVoiceTicker(store, presence, store, time.Minute, time.UTC, nil)
	ticker.nowFunc = func() time.Time { return now }
	ticker.tick(ctx)

	aliceXP, err := store.GetVoiceXP(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, aliceXP)

	bobXP, err := store.GetVoiceXP(ctx, "guild-1", "bob")
	require.NoError(t, err)
	assert.Zero(t, bobXP)

	carolXP, err := store.GetVoiceXP(ctx, "guild-1", "carol")
	require.NoError(t, err)
	assert.InDelta(t, 0.24, carolXP, 1e-9)
}

func TestTickMemberFailureIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &failingStore{Store: NewMemoryStore(), failUserID: "bob"}
	presence := &fixedPresence{
		rooms: map[string][]VoiceRoom{
			"guild-1": {
				{
					ChannelID: "voice-1",
					Members: []RoomMember{
						{UserID: "alice"},
						{UserID: "bob"},
						{UserID: "carol"},
					},
				},
			},
		},
	}

	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	ticker := newTestTicker(t, store, presence, now)
	ticker.tick(ctx)

	// bob's failure doesn't stop alice or carol
	aliceXP, err := store.GetVoiceXP(ctx, "guild-1", "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.36, aliceXP, 1e-9)

	carolXP, err := store.GetVoiceXP(ctx, "guild-1", "carol")
	require.NoError(t, err)
	assert.InDelta(t, 0.36, carolXP, 1e-9)

	bobXP, err := store.GetVoiceXP(ctx, "guild-1", "bob")
	require.NoError(t, err)
	assert.Zero(t, bobXP)
}

func TestTickerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	presence := &fixedPresence{rooms: map[string][]VoiceRoom{}}
	ticker := NewVoiceTicker(
		store, presence, nil, 10*time.Millisecond, time.UTC, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ticker.Run(ctx)
		close(done)
	}()

	assert.Eventually(
		t, func() bool { return ticker.TickCount() > 0 },
		2*time.Second, 5*time.Millisecond,
	)
	assert.True(t, ticker.Running())

	cancel()
	select {
	case <-done:
		//
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop after cancellation")
	}
	assert.False(t, ticker.Running())
}
