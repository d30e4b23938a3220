package zerobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	storeBackendMemory = "memory"
	storeBackendJSON   = "json"
	storeBackendDB     = "db"

	// DateLayout is the calendar-day key format used by the daily
	// rollup store.
	DateLayout = "2006-01-02"
)

var (
	// ErrInvalidDateRange is returned by range queries when the end of the
	// range precedes the start.
	ErrInvalidDateRange = errors.New("invalid date range: 'to' precedes 'from'")
)

// GuildUserXP is one user's XP counters within a guild.
type GuildUserXP struct {
	VoiceXP float64 `json:"voice_xp"`
	TextXP  float64 `json:"text_xp"`
}

// VoiceMeta is the all-time voice statistics aggregate for one user in one
// guild. All durations are minutes.
//
// The group-size buckets are mutually exclusive per tick, so
// SoloTime+SmallGroupTime+MidGroupTime+BigGroupTime always equals TotalTime
// (within floating-point tolerance).
type VoiceMeta struct {
	// TotalTime is the total observed voice presence, in minutes
	TotalTime float64 `json:"total_time"`

	// SoloTime is time spent alone in a channel
	SoloTime float64 `json:"solo_time"`

	// SmallGroupTime is time spent with 2-3 members present
	SmallGroupTime float64 `json:"small_group_time"`

	// MidGroupTime is time spent with 4-6 members present
	MidGroupTime float64 `json:"mid_group_time"`

	// BigGroupTime is time spent with 7 or more members present
	BigGroupTime float64 `json:"big_group_time"`

	// MutedTime is time spent muted or deafened (self or server-side).
	// Always <= TotalTime.
	MutedTime float64 `json:"muted_time"`

	// MaxMemberCount is the highest concurrent non-bot member count ever
	// observed with this user present. Never decreases.
	MaxMemberCount int `json:"max_member_count"`

	// HourBuckets accumulates minutes by local hour of day (0-23)
	HourBuckets [24]float64 `json:"hour_buckets"`

	// PairTime accumulates co-presence minutes per other user ID
	PairTime map[string]float64 `json:"pair_time"`
}

// NewVoiceMeta returns a zero-initialized aggregate.
func NewVoiceMeta() *VoiceMeta {
	return &VoiceMeta{PairTime: map[string]float64{}}
}

// Clone returns a deep copy, so callers can't mutate stored state through
// the PairTime map.
func (m *VoiceMeta) Clone() *VoiceMeta {
	out := *m
	out.PairTime = make(map[string]float64, len(m.PairTime))
	for k, v := range m.PairTime {
		out.PairTime[k] = v
	}
	return &out
}

// VoiceMetaUpdate is a partial update to a stored VoiceMeta. Nil fields are
// left untouched in storage; PairTime entries are merged per key.
type VoiceMetaUpdate struct {
	TotalTime      *float64
	SoloTime       *float64
	SmallGroupTime *float64
	MidGroupTime   *float64
	BigGroupTime   *float64
	MutedTime      *float64
	MaxMemberCount *int
	HourBuckets    *[24]float64
	PairTime       map[string]float64
}

func (u VoiceMetaUpdate) applyTo(m *VoiceMeta) {
	if u.TotalTime != nil {
		m.TotalTime = *u.TotalTime
	}
	if u.SoloTime != nil {
		m.SoloTime = *u.SoloTime
	}
	if u.SmallGroupTime != nil {
		m.SmallGroupTime = *u.SmallGroupTime
	}
	if u.MidGroupTime != nil {
		m.MidGroupTime = *u.MidGroupTime
	}
	if u.MutedTime != nil {
		m.MutedTime = *u.MutedTime
	}
	if u.BigGroupTime != nil {
		m.BigGroupTime = *u.BigGroupTime
	}
	if u.MaxMemberCount != nil {
		m.MaxMemberCount = *u.MaxMemberCount
	}
	if u.HourBuckets != nil {
		m.HourBuckets = *u.HourBuckets
	}
	if u.PairTime != nil {
		if m.PairTime == nil {
			m.PairTime = map[string]float64{}
		}
		for k, v := range u.PairTime {
			m.PairTime[k] = v
		}
	}
}

// DailyMinutes is one tick's contribution to a daily rollup entry.
// Exactly one of the four group buckets is non-zero per tick.
type DailyMinutes struct {
	Total      float64 `json:"total_min"`
	Solo       float64 `json:"solo_min"`
	SmallGroup float64 `json:"small_group_min"`
	MidGroup   float64 `json:"mid_group_min"`
	BigGroup   float64 `json:"big_group_min"`
	Muted      float64 `json:"muted_min"`
}

func (d *DailyMinutes) add(other DailyMinutes) {
	d.Total += other.Total
	d.Solo += other.Solo
	d.SmallGroup += other.SmallGroup
	d.MidGroup += other.MidGroup
	d.BigGroup += other.BigGroup
	d.Muted += other.Muted
}

// Store is the persistence contract shared by all backends: monotonic XP
// counters, the voice statistics aggregate, the daily rollup table and the
// per-guild configuration document.
//
// Counters are created lazily on first write; reads of absent keys return
// zero values, never an error. UpdateVoiceMeta merges field-by-field rather
// than replacing the whole record.
type Store interface {
	AddVoiceXP(ctx context.Context, guildID string, userID string, xp float64) error
	GetVoiceXP(ctx context.Context, guildID string, userID string) (float64, error)
	AddTextXP(ctx context.Context, guildID string, userID string, xp float64) error
	GetTextXP(ctx context.Context, guildID string, userID string) (float64, error)

	// GetGuildUserStats returns the full per-guild XP snapshot, keyed by
	// user ID. Ordering is up to the caller.
	GetGuildUserStats(ctx context.Context, guildID string) (map[string]GuildUserXP, error)

	// GetVoiceMeta returns the current aggregate for the user, materializing
	// a zero-initialized record if none exists yet.
	GetVoiceMeta(ctx context.Context, guildID string, userID string) (*VoiceMeta, error)

	// UpdateVoiceMeta merges the set fields of the update into the stored
	// aggregate and persists it.
	UpdateVoiceMeta(ctx context.Context, guildID string, userID string, update VoiceMetaUpdate) error

	// AddDailyVoiceMinutes additively upserts the rollup entry for
	// (guild, date, user).
	AddDailyVoiceMinutes(
		ctx context.Context,
		guildID string,
		userID string,
		date time.Time,
		delta DailyMinutes,
	) error

	// GetUserTotalMinutesInRange sums total minutes for one user across
	// every calendar day in the inclusive range. Missing days count as zero.
	GetUserTotalMinutesInRange(
		ctx context.Context,
		guildID string,
		userID string,
		dateFrom time.Time,
		dateTo time.Time,
	) (float64, error)

	// GetGuildTotalMinutesInRange aggregates total minutes per user across
	// every calendar day in the inclusive range.
	GetGuildTotalMinutesInRange(
		ctx context.Context,
		guildID string,
		dateFrom time.Time,
		dateTo time.Time,
	) (map[string]float64, error)

	GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	SaveGuildConfig(ctx context.Context, guildID string, config *GuildConfig) error

	Close() error
}

// NewStore selects and initializes a Store backend from the process
// configuration. The backend is chosen once at startup.
func NewStore(config *Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch config.StoreBackend {
	case storeBackendMemory:
		return NewMemoryStore(), nil
	case storeBackendJSON:
		return NewJSONStore(config.Database)
	case storeBackendDB:
		return NewDBStore(config, logger)
	default:
		return nil, fmt.Errorf(
			"unsupported store backend: %s (must be %q, %q or %q)",
			config.StoreBackend,
			storeBackendMemory,
			storeBackendJSON,
			storeBackendDB,
		)
	}
}

// eachDay calls fn for every calendar day in the inclusive range, using the
// day keys of the daily rollup store. The range endpoints are interpreted in
// the location they carry.
func eachDay(dateFrom time.Time, dateTo time.Time, fn func(dateKey string) error) error {
	from := time.Date(
		dateFrom.Year(), dateFrom.Month(), dateFrom.Day(),
		0, 0, 0, 0, dateFrom.Location(),
	)
	to := time.Date(
		dateTo.Year(), dateTo.Month(), dateTo.Day(),
		0, 0, 0, 0, dateTo.Location(),
	)
	if to.Before(from) {
		return fmt.Errorf(
			"%w (%s > %s)",
			ErrInvalidDateRange,
			from.Format(DateLayout),
			to.Format(DateLayout),
		)
	}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := fn(day.Format(DateLayout)); err != nil {
			return err
		}
	}
	return nil
}

// dailyKey builds the composite (guild, date) key used by the daily
// rollup backends.
func dailyKey(guildID string, dateKey string) string {
	return guildID + "#" + dateKey
}
