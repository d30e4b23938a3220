// Package zerobot implements a Discord community-management bot centered
// on an XP/leveling engine for voice and text activity.
//
// The bot observes voice channels on a fixed interval and converts each
// snapshot into XP and time-bucketed statistics: total minutes, group-size
// buckets, muted time, hour-of-day histograms, pairwise co-presence time,
// and per-day rollups suitable for period leaderboards. Text messages grant
// XP by length, subject to a per-user cooldown.
//
// Key components:
//
//   - ZeroBot: The main struct wiring the store, Discord gateway, HTTP API
//     and background loops together.
//   - Store: The persistence contract for XP counters, voice statistics
//     and daily rollups, with in-memory, JSON-file and SQL backends.
//   - VoiceTicker: The periodic loop that scans voice channels and applies
//     XP and statistics deltas.
//   - TextLeveling: The message handler granting text XP.
//   - Rankings: The read side - level derivation, ranks and leaderboards.
//   - API: A read-only HTTP API exposing ranks, statistics and period
//     reports.
//
// Discord slash commands (/zb, /zbadmin) present the same data as embeds.
// Level math is intentionally simple: advancing from level L to L+1 costs
// 20*L XP.
package zerobot
