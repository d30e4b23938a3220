package zerobot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// DefaultTickInterval is how often the voice snapshot loop fires.
	DefaultTickInterval = 60 * time.Second

	// voiceXPBase is the per-minute voice XP before bonuses.
	voiceXPBase = 0.3
)

// GroupSizeBucket is one of four mutually exclusive member-count
// categories. Each tick assigns its full time delta to exactly one bucket
// per member, so the per-bucket sums always add up to the total.
type GroupSizeBucket int

const (
	BucketSolo GroupSizeBucket = iota
	BucketSmallGroup
	BucketMidGroup
	BucketBigGroup
)

func (b GroupSizeBucket) String() string {
	switch b {
	case BucketSolo:
		return "solo"
	case BucketSmallGroup:
		return "small_group"
	case BucketMidGroup:
		return "mid_group"
	case BucketBigGroup:
		return "big_group"
	default:
		return fmt.Sprintf("GroupSizeBucket(%d)", int(b))
	}
}

// GroupSizeBucketFor returns the bucket for a non-bot member count:
// 1 / 2-3 / 4-6 / 7+.
func GroupSizeBucketFor(memberCount int) GroupSizeBucket {
	switch {
	case memberCount <= 1:
		return BucketSolo
	case memberCount <= 3:
		return BucketSmallGroup
	case memberCount <= 6:
		return BucketMidGroup
	default:
		return BucketBigGroup
	}
}

// VoiceXPPerMinute computes the per-minute voice XP rate:
// 0.3 x member-count bonus x mute factor. Larger calls pay better, muted
// members earn half.
func VoiceXPPerMinute(memberCount int, isMuted bool) float64 {
	var bonus float64
	switch GroupSizeBucketFor(memberCount) {
	case BucketSolo:
		bonus = 0.8
	case BucketSmallGroup:
		bonus = 1.2
	case BucketMidGroup:
		bonus = 1.5
	default:
		bonus = 2.0
	}

	muteFactor := 1.0
	if isMuted {
		muteFactor = 0.5
	}

	return voiceXPBase * bonus * muteFactor
}

// RoomMember is one member present in a voice room at snapshot time.
type RoomMember struct {
	UserID string

	// Bot marks automated accounts, which are excluded from XP,
	// statistics, member counts and pair aggregation
	Bot bool

	SelfMute bool
	SelfDeaf bool

	// Mute and Deaf are the server-side flags
	Mute bool
	Deaf bool
}

// Muted reports whether any mute or deafen flag is active.
func (m RoomMember) Muted() bool {
	return m.SelfMute || m.SelfDeaf || m.Mute || m.Deaf
}

// VoiceRoom is a snapshot of one voice channel and its present members.
type VoiceRoom struct {
	ChannelID  string
	CategoryID string
	Members    []RoomMember
}

// PresenceSource enumerates voice rooms and their occupants. The gateway
// session provides the production implementation; tests provide fixtures.
type PresenceSource interface {
	// GuildIDs lists the guilds currently visible to the bot
	GuildIDs() []string

	// VoiceRooms returns the current snapshot of the guild's voice
	// channels, including bot members (the ticker filters them)
	VoiceRooms(guildID string) []VoiceRoom
}

// VoiceTicker is the periodic voice snapshot loop: the sole producer of
// voice XP and voice statistics. Once per interval it scans every occupied
// voice room, computes each member's deltas from a single
// (memberCount, muted) snapshot, and applies them to the XP ledger, the
// all-time aggregate and the daily rollup.
//
// Failures are contained per guild and per member: a failed unit of work is
// logged and skipped for the current tick only. Only context cancellation
// stops the loop.
type VoiceTicker struct {
	store    Store
	presence PresenceSource
	configs  GuildConfigProvider
	interval time.Duration

	// loc is the fixed reference timezone for hour-of-day and calendar-day
	// bucketing, process-wide
	loc *time.Location

	logger  *slog.Logger
	nowFunc func() time.Time

	running   atomic.Bool
	tickCount atomic.Int64
}

// NewVoiceTicker wires the tick processor. A nil configs provider disables
// per-guild exclusions.
func NewVoiceTicker(
	store Store,
	presence PresenceSource,
	configs GuildConfigProvider,
	interval time.Duration,
	loc *time.Location,
	logger *slog.Logger,
) *VoiceTicker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceTicker{
		store:    store,
		presence: presence,
		configs:  configs,
		interval: interval,
		loc:      loc,
		logger:   logger.With(loggerNameKey, "voice_ticker"),
		nowFunc:  time.Now,
	}
}

// Running reports whether the loop is currently scheduled.
func (v *VoiceTicker) Running() bool {
	return v.running.Load()
}

// TickCount returns the number of completed ticks since start.
func (v *VoiceTicker) TickCount() int64 {
	return v.tickCount.Load()
}

// Run drives the snapshot loop until ctx is canceled. Ticks are serialized:
// each runs to completion on the ticker goroutine before the next fires.
// The ticker does not correct for drift across long uptimes.
func (v *VoiceTicker) Run(ctx context.Context) {
	if !v.running.CompareAndSwap(false, true) {
		v.logger.Warn("voice snapshot loop already running")
		return
	}
	defer v.running.Store(false)

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.logger.InfoContext(
		ctx,
		"voice snapshot loop started",
		"interval", v.interval,
		"timezone", v.loc.String(),
	)
	for {
		select {
		case <-ctx.Done():
			v.logger.InfoContext(ctx, "voice snapshot loop stopped")
			return
		case <-ticker.C:
			v.tick(ctx)
			v.tickCount.Add(1)
		}
	}
}

// tick performs one full scan. Errors never propagate out of here - the
// loop must survive anything short of cancellation.
func (v *VoiceTicker) tick(ctx context.Context) {
	now := v.nowFunc().In(v.loc)
	tickMinutes := v.interval.Seconds() / 60.0

	for _, guildID := range v.presence.GuildIDs() {
		if err := v.tickGuild(ctx, guildID, now, tickMinutes); err != nil {
			v.logger.ErrorContext(
				ctx,
				"error processing guild, skipping until next tick",
				"guild_id", guildID,
				tint.Err(err),
			)
		}
	}
}

func (v *VoiceTicker) tickGuild(
	ctx context.Context,
	guildID string,
	now time.Time,
	tickMinutes float64,
) error {
	ignoredChannels := map[string]struct{}{}
	ignoredCategories := map[string]struct{}{}
	if v.configs != nil {
		cfg, err := v.configs.GetGuildConfig(ctx, guildID)
		if err != nil {
			// a broken config read shouldn't cost the guild its XP tick
			v.logger.WarnContext(
				ctx,
				"error loading guild config, using empty ignore sets",
				"guild_id", guildID,
				tint.Err(err),
			)
		} else if cfg != nil {
			ignoredChannels = cfg.IgnoredChannelSet()
			ignoredCategories = cfg.IgnoredCategorySet()
		}
	}

	for _, room := range v.presence.VoiceRooms(guildID) {
		if _, ok := ignoredChannels[room.ChannelID]; ok {
			continue
		}
		if _, ok := ignoredCategories[room.CategoryID]; ok {
			continue
		}

		members := make([]RoomMember, 0, len(room.Members))
		for _, m := range room.Members {
			if !m.Bot {
				members = append(members, m)
			}
		}
		if len(members) == 0 {
			continue
		}
		memberCount := len(members)

		for _, member := range members {
			if err := v.tickMember(
				ctx, guildID, member, members, memberCount, now, tickMinutes,
			); err != nil {
				v.logger.ErrorContext(
					ctx,
					"error processing member, skipping until next tick",
					"guild_id", guildID,
					"channel_id", room.ChannelID,
					"user_id", member.UserID,
					tint.Err(err),
				)
			}
		}
	}
	return nil
}

// tickMember applies one member's XP, aggregate and rollup deltas, all
// derived from the same (memberCount, muted) snapshot.
func (v *VoiceTicker) tickMember(
	ctx context.Context,
	guildID string,
	member RoomMember,
	members []RoomMember,
	memberCount int,
	now time.Time,
	tickMinutes float64,
) error {
	isMuted := member.Muted()
	bucket := GroupSizeBucketFor(memberCount)

	xp := VoiceXPPerMinute(memberCount, isMuted) * tickMinutes
	if err := v.store.AddVoiceXP(ctx, guildID, member.UserID, xp); err != nil {
		return fmt.Errorf("adding voice xp: %w", err)
	}

	meta, err := v.store.GetVoiceMeta(ctx, guildID, member.UserID)
	if err != nil {
		return fmt.Errorf("loading voice meta: %w", err)
	}

	update := VoiceMetaUpdate{}

	totalTime := meta.TotalTime + tickMinutes
	update.TotalTime = &totalTime

	var bucketMinutes DailyMinutes
	bucketMinutes.Total = tickMinutes
	switch bucket {
	case BucketSolo:
		soloTime := meta.SoloTime + tickMinutes
		update.SoloTime = &soloTime
		bucketMinutes.Solo = tickMinutes
	case BucketSmallGroup:
		smallTime := meta.SmallGroupTime + tickMinutes
		update.SmallGroupTime = &smallTime
		bucketMinutes.SmallGroup = tickMinutes
	case BucketMidGroup:
		midTime := meta.MidGroupTime + tickMinutes
		update.MidGroupTime = &midTime
		bucketMinutes.MidGroup = tickMinutes
	default:
		bigTime := meta.BigGroupTime + tickMinutes
		update.BigGroupTime = &bigTime
		bucketMinutes.BigGroup = tickMinutes
	}

	if isMuted {
		mutedTime := meta.MutedTime + tickMinutes
		update.MutedTime = &mutedTime
		bucketMinutes.Muted = tickMinutes
	}

	if memberCount > meta.MaxMemberCount {
		maxCount := memberCount
		update.MaxMemberCount = &maxCount
	}

	hourBuckets := meta.HourBuckets
	hourBuckets[now.Hour()] += tickMinutes
	update.HourBuckets = &hourBuckets

	pairs := make(map[string]float64, len(members)-1)
	for _, other := range members {
		if other.UserID == member.UserID {
			continue
		}
		pairs[other.UserID] = meta.PairTime[other.UserID] + tickMinutes
	}
	if len(pairs) > 0 {
		update.PairTime = pairs
	}

	if err = v.store.UpdateVoiceMeta(ctx, guildID, member.UserID, update); err != nil {
		return fmt.Errorf("updating voice meta: %w", err)
	}

	if err = v.store.AddDailyVoiceMinutes(
		ctx, guildID, member.UserID, now, bucketMinutes,
	); err != nil {
		return fmt.Errorf("updating daily rollup: %w", err)
	}
	return nil
}
