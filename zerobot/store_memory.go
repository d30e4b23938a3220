package zerobot

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store backend. It holds all state in maps
// guarded by a single mutex, and is primarily useful for tests and local
// development.
type MemoryStore struct {
	mu sync.RWMutex

	// xp is keyed by guild ID, then user ID
	xp map[string]map[string]*GuildUserXP

	// meta is keyed by guild ID, then user ID
	meta map[string]map[string]*VoiceMeta

	// daily is keyed by "guildID#date", then user ID
	daily map[string]map[string]*DailyMinutes

	configs map[string]*GuildConfig
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		xp:      map[string]map[string]*GuildUserXP{},
		meta:    map[string]map[string]*VoiceMeta{},
		daily:   map[string]map[string]*DailyMinutes{},
		configs: map[string]*GuildConfig{},
	}
}

// ensureUser materializes zero-valued XP and aggregate records for the
// user. Callers must hold the write lock.
func (s *MemoryStore) ensureUser(guildID string, userID string) (*GuildUserXP, *VoiceMeta) {
	g, ok := s.xp[guildID]
	if !ok {
		g = map[string]*GuildUserXP{}
		s.xp[guildID] = g
	}
	u, ok := g[userID]
	if !ok {
		u = &GuildUserXP{}
		g[userID] = u
	}

	mg, ok := s.meta[guildID]
	if !ok {
		mg = map[string]*VoiceMeta{}
		s.meta[guildID] = mg
	}
	m, ok := mg[userID]
	if !ok {
		m = NewVoiceMeta()
		mg[userID] = m
	}
	return u, m
}

func (s *MemoryStore) AddVoiceXP(
	_ context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _ := s.ensureUser(guildID, userID)
	u.VoiceXP += xp
	return nil
}

func (s *MemoryStore) GetVoiceXP(
	_ context.Context,
	guildID string,
	userID string,
) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.xp[guildID][userID]; ok {
		return u.VoiceXP, nil
	}
	return 0.0, nil
}

func (s *MemoryStore) AddTextXP(
	_ context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _ := s.ensureUser(guildID, userID)
	u.TextXP += xp
	return nil
}

func (s *MemoryStore) GetTextXP(
	_ context.Context,
	guildID string,
	userID string,
) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.xp[guildID][userID]; ok {
		return u.TextXP, nil
	}
	return 0.0, nil
}

func (s *MemoryStore) GetGuildUserStats(
	_ context.Context,
	guildID string,
) (map[string]GuildUserXP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]GuildUserXP, len(s.xp[guildID]))
	for uid, u := range s.xp[guildID] {
		out[uid] = *u
	}
	return out, nil
}

func (s *MemoryStore) GetVoiceMeta(
	_ context.Context,
	guildID string,
	userID string,
) (*VoiceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m := s.ensureUser(guildID, userID)
	return m.Clone(), nil
}

func (s *MemoryStore) UpdateVoiceMeta(
	_ context.Context,
	guildID string,
	userID string,
	update VoiceMetaUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, m := s.ensureUser(guildID, userID)
	update.applyTo(m)
	return nil
}

func (s *MemoryStore) AddDailyVoiceMinutes(
	_ context.Context,
	guildID string,
	userID string,
	date time.Time,
	delta DailyMinutes,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(guildID, date.Format(DateLayout))
	day, ok := s.daily[key]
	if !ok {
		day = map[string]*DailyMinutes{}
		s.daily[key] = day
	}
	entry, ok := day[userID]
	if !ok {
		entry = &DailyMinutes{}
		day[userID] = entry
	}
	entry.add(delta)
	return nil
}

func (s *MemoryStore) GetUserTotalMinutesInRange(
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
			if entry, ok := s.daily[dailyKey(guildID, dateKey)][userID]; ok {
				total += entry.Total
			}
			return nil
		},
	)
	return total, err
}

func (s *MemoryStore) GetGuildTotalMinutesInRange(
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
			for uid, entry := range s.daily[dailyKey(guildID, dateKey)] {
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

func (s *MemoryStore) GetGuildConfig(
	_ context.Context,
	guildID string,
) (*GuildConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[guildID]
	if !ok {
		return &GuildConfig{}, nil
	}
	out := *cfg
	return &out, nil
}

func (s *MemoryStore) SaveGuildConfig(
	_ context.Context,
	guildID string,
	config *GuildConfig,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *config
	s.configs[guildID] = &cfg
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
