package zerobot

import (
	"context"
	"encoding/json"
	"strconv"
)

// GuildConfig is the per-guild configuration document consumed by the tick
// loop. Channels and categories listed here are excluded from XP and
// statistics accounting entirely.
type GuildConfig struct {
	IgnoredChannelIDs  []string `json:"ignored_channel_ids,omitempty"`
	IgnoredCategoryIDs []string `json:"ignored_category_ids,omitempty"`
}

// GuildConfigProvider supplies per-guild configuration to the tick loop.
// An absent config means empty ignore sets.
type GuildConfigProvider interface {
	GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
}

// UnmarshalJSON tolerates the loosely-typed documents older revisions
// wrote: ID entries may be JSON strings or numbers, and entries that aren't
// numeric IDs are discarded individually rather than failing the document.
func (c *GuildConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		IgnoredChannelIDs  []json.RawMessage `json:"ignored_channel_ids"`
		IgnoredCategoryIDs []json.RawMessage `json:"ignored_category_ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.IgnoredChannelIDs = normalizeSnowflakes(raw.IgnoredChannelIDs)
	c.IgnoredCategoryIDs = normalizeSnowflakes(raw.IgnoredCategoryIDs)
	return nil
}

// IgnoredChannelSet returns the ignored channel IDs as a set.
func (c *GuildConfig) IgnoredChannelSet() map[string]struct{} {
	return idSet(c.IgnoredChannelIDs)
}

// IgnoredCategorySet returns the ignored category IDs as a set.
func (c *GuildConfig) IgnoredCategorySet() map[string]struct{} {
	return idSet(c.IgnoredCategoryIDs)
}

func idSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if isSnowflake(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// normalizeSnowflakes converts raw JSON entries to ID strings, dropping
// anything that isn't a numeric ID.
func normalizeSnowflakes(entries []json.RawMessage) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if isSnowflake(s) {
				out = append(out, s)
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(entry, &n); err == nil && isSnowflake(n.String()) {
			out = append(out, n.String())
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
