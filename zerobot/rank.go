package zerobot

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// XPKind selects which counter a rank or leaderboard query reads.
type XPKind string

const (
	XPKindVoice XPKind = "voice"
	XPKindText  XPKind = "text"
)

func (k XPKind) valid() bool {
	return k == XPKindVoice || k == XPKindText
}

// RankEntry is one leaderboard row.
type RankEntry struct {
	// Rank is the 1-based position
	Rank   int     `json:"rank"`
	UserID string  `json:"user_id"`
	XP     float64 `json:"xp"`
	Level  int     `json:"level"`
}

// MinutesEntry is one row of a period (date-range) leaderboard.
type MinutesEntry struct {
	Rank         int     `json:"rank"`
	UserID       string  `json:"user_id"`
	TotalMinutes float64 `json:"total_minutes"`
}

// UserProfile is the read-side view of one user's XP and levels.
type UserProfile struct {
	GuildID string    `json:"guild_id"`
	UserID  string    `json:"user_id"`
	VoiceXP float64   `json:"voice_xp"`
	TextXP  float64   `json:"text_xp"`
	Voice   LevelInfo `json:"voice_level"`
	Text    LevelInfo `json:"text_level"`
}

// Rankings is the read side of the XP engine: level derivation, 1-based
// ranks and leaderboards over the store.
type Rankings struct {
	store Store
}

func NewRankings(store Store) *Rankings {
	return &Rankings{store: store}
}

// UserProfile fetches both XP counters and derives levels. Absent users
// read as zero XP / level 1.
func (r *Rankings) UserProfile(
	ctx context.Context,
	guildID string,
	userID string,
) (*UserProfile, error) {
	voiceXP, err := r.store.GetVoiceXP(ctx, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading voice xp: %w", err)
	}
	textXP, err := r.store.GetTextXP(ctx, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading text xp: %w", err)
	}
	return &UserProfile{
		GuildID: guildID,
		UserID:  userID,
		VoiceXP: voiceXP,
		TextXP:  textXP,
		Voice:   LevelFromXP(voiceXP),
		Text:    LevelFromXP(textXP),
	}, nil
}

// Leaderboard ranks every user in the guild with XP > 0, descending.
// Ties are broken by user ID ascending, so the ordering is deterministic.
func (r *Rankings) Leaderboard(
	ctx context.Context,
	guildID string,
	kind XPKind,
) ([]RankEntry, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("invalid xp kind: %q", kind)
	}
	stats, err := r.store.GetGuildUserStats(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("loading guild stats: %w", err)
	}

	entries := make([]RankEntry, 0, len(stats))
	for uid, s := range stats {
		xp := s.VoiceXP
		if kind == XPKindText {
			xp = s.TextXP
		}
		if xp <= 0 {
			continue
		}
		entries = append(
			entries, RankEntry{
				UserID: uid,
				XP:     xp,
				Level:  LevelFromXP(xp).Level,
			},
		)
	}
	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].XP != entries[j].XP {
				return entries[i].XP > entries[j].XP
			}
			return entries[i].UserID < entries[j].UserID
		},
	)
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// UserRank returns the user's 1-based position on the guild leaderboard
// and the board size. A user with no positive XP is unranked (rank 0).
func (r *Rankings) UserRank(
	ctx context.Context,
	guildID string,
	userID string,
	kind XPKind,
) (rank int, total int, err error) {
	entries, err := r.Leaderboard(ctx, guildID, kind)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		if e.UserID == userID {
			return e.Rank, len(entries), nil
		}
	}
	return 0, len(entries), nil
}

// PeriodLeaderboard ranks users by total voice minutes over the inclusive
// date range, from the daily rollup store.
func (r *Rankings) PeriodLeaderboard(
	ctx context.Context,
	guildID string,
	dateFrom time.Time,
	dateTo time.Time,
) ([]MinutesEntry, error) {
	totals, err := r.store.GetGuildTotalMinutesInRange(ctx, guildID, dateFrom, dateTo)
	if err != nil {
		return nil, err
	}
	entries := make([]MinutesEntry, 0, len(totals))
	for uid, minutes := range totals {
		if minutes <= 0 {
			continue
		}
		entries = append(entries, MinutesEntry{UserID: uid, TotalMinutes: minutes})
	}
	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].TotalMinutes != entries[j].TotalMinutes {
				return entries[i].TotalMinutes > entries[j].TotalMinutes
			}
			return entries[i].UserID < entries[j].UserID
		},
	)
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
