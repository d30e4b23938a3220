package zerobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// jsonFileState is the on-disk shape of the JSON backend. All keys are
// strings so the file round-trips cleanly.
type jsonFileState struct {
	// Data holds XP counters: guild ID -> user ID -> counters
	Data map[string]map[string]*GuildUserXP `json:"data"`

	// Meta holds voice statistics: guild ID -> user ID -> aggregate
	Meta map[string]map[string]*VoiceMeta `json:"meta"`

	// Daily holds rollups: "guildID#date" -> user ID -> minutes
	Daily map[string]map[string]*DailyMinutes `json:"daily"`

	// GuildConfigs holds per-guild configuration documents
	GuildConfigs map[string]*GuildConfig `json:"guild_config"`
}

func newJSONFileState() *jsonFileState {
	return &jsonFileState{
		Data:         map[string]map[string]*GuildUserXP{},
		Meta:         map[string]map[string]*VoiceMeta{},
		Daily:        map[string]map[string]*DailyMinutes{},
		GuildConfigs: map[string]*GuildConfig{},
	}
}

// JSONStore is a local file-backed Store. The entire state is loaded on
// open and rewritten after every mutation, which is fine at the write rate
// of a single tick loop but makes it unsuitable for anything bigger.
type JSONStore struct {
	mu    sync.RWMutex
	path  string
	state *jsonFileState
}

var _ Store = (*JSONStore)(nil)

// NewJSONStore opens (or creates) the JSON file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	if path == "" {
		return nil, errors.New("json store: no file path configured")
	}
	s := &JSONStore{path: path, state: newJSONFileState()}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("json store: loading %s: %w", path, err)
	}
	return s, nil
}

func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	state := newJSONFileState()
	if err := json.Unmarshal(raw, state); err != nil {
		return err
	}
	// nil maps can sneak in from hand-edited files
	if state.Data == nil {
		state.Data = map[string]map[string]*GuildUserXP{}
	}
	if state.Meta == nil {
		state.Meta = map[string]map[string]*VoiceMeta{}
	}
	if state.Daily == nil {
		state.Daily = map[string]map[string]*DailyMinutes{}
	}
	if state.GuildConfigs == nil {
		state.GuildConfigs = map[string]*GuildConfig{}
	}
	for _, users := range state.Meta {
		for _, m := range users {
			if m.PairTime == nil {
				m.PairTime = map[string]float64{}
			}
		}
	}
	s.state = state
	return nil
}

// save writes the full state back to disk. Callers must hold the write
// lock.
func (s *JSONStore) save() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONStore) ensureUser(guildID string, userID string) (*GuildUserXP, *VoiceMeta) {
	g, ok := s.state.Data[guildID]
	if !ok {
		g = map[string]*GuildUserXP{}
		s.state.Data[guildID] = g
	}
	u, ok := g[userID]
	if !ok {
		u = &GuildUserXP{}
		g[userID] = u
	}

	mg, ok := s.state.Meta[guildID]
	if !ok {
		mg = map[string]*VoiceMeta{}
		s.state.Meta[guildID] = mg
	}
	m, ok := mg[userID]
	if !ok {
		m = NewVoiceMeta()
		mg[userID] = m
	}
	return u, m
}

func (s *JSONStore) AddVoiceXP(
	_ context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _ := s.ensureUser(guildID, userID)
	u.VoiceXP += xp
	return s.save()
}

func (s *JSONStore) GetVoiceXP(
	_ context.Context,
	guildID string,
	userID string,
) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.state.Data[guildID][userID]; ok {
		return u.VoiceXP, nil
	}
	return 0.0, nil
}

func (s *JSONStore) AddTextXP(
	_ context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _ := s.ensureUser(guildID, userID)
	u.TextXP += xp
	return s.save()
}

func (s *JSONStore) GetTextXP(
	_ context.Context,
	guildID string,
	userID string,
) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.state.Data[guildID][userID]; ok {
		return u.TextXP, nil
	}
	return 0.0, nil
}

func (s *JSONStore) GetGuildUserStats(
	_ context.Context,
	guildID string,
) (map[string]GuildUserXP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]GuildUserXP, len(s.state.Data[guildID]))
	for uid, u := range s.state.Data[guildID] {
		out[uid] = *u
	}
	return out, nil
}

func (s *JSONStore) GetVoiceMeta(
	_ context.Context,
	guildID string,
	userID string,
) (*VoiceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m := s.ensureUser(guildID, userID)
	return m.Clone(), s.save()
}

func (s *JSONStore) UpdateVoiceMeta(
	_ context.Context,
	guildID string,
	userID string,
	update VoiceMetaUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m := s.ensureUser(guildID, userID)
	update.applyTo(m)
	return s.save()
}

func (s *JSONStore) AddDailyVoiceMinutes(
	_ context.Context,
	guildID string,
	userID string,
	date time.Time,
	delta DailyMinutes,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(guildID, date.Format(DateLayout))
	day, ok := s.state.Daily[key]
	if !ok {
		day = map[string]*DailyMinutes{}
		s.state.Daily[key] = day
	}
	entry, ok := day[userID]
	if !ok {
		entry = &DailyMinutes{}
		day[userID] = entry
	}
	entry.add(delta)
	return s.save()
}

func (s *JSONStore) GetUserTotalMinutesInRange(
	_ context.Context,
	guildID string,
	userID string,
	dateFrom time.Time,
	dateTo time.Time,
) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0.0
	err := eachDay(
		dateFrom, dateTo, func(dateKey string) error {
			if entry, ok := s.state.Daily[dailyKey(guildID, dateKey)][userID]; ok {
				total += entry.Total
			}
			return nil
		},
	)
	return total, err
}

func (s *JSONStore) GetGuildTotalMinutesInRange(
	_ context.Context,
	guildID string,
	dateFrom time.Time,
	dateTo time.Time,
) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := map[string]float64{}
	err := eachDay(
		dateFrom, dateTo, func(dateKey string) error {
			for uid, entry := range s.state.Daily[dailyKey(guildID, dateKey)] {
				totals[uid] += entry.Total
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *JSONStore) GetGuildConfig(
	_ context.Context,
	guildID string,
) (*GuildConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.state.GuildConfigs[guildID]
	if !ok {
		return &GuildConfig{}, nil
	}
	out := *cfg
	return &out, nil
}

func (s *JSONStore) SaveGuildConfig(
	_ context.Context,
	guildID string,
	config *GuildConfig,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *config
	s.state.GuildConfigs[guildID] = &cfg
	return s.save()
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}
