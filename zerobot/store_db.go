package zerobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	dbOperationTimeout = 30 * time.Second
	sqliteExecPragma   = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// ModelUnixTime is an embeddable model with Unix-millisecond timestamps for
// creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// XPRecord is one user's XP counters within a guild.
//
//nolint:lll // struct tags can't be split
type XPRecord struct {
	GuildID string  `gorm:"primaryKey;type:string" json:"guild_id"`
	UserID  string  `gorm:"primaryKey;type:string" json:"user_id"`
	VoiceXP float64 `gorm:"column:voice_xp;not null;default:0" json:"voice_xp"`
	TextXP  float64 `gorm:"column:text_xp;not null;default:0" json:"text_xp"`
	ModelUnixTime
}

// VoiceMetaRecord is the stored form of VoiceMeta. The hour histogram and
// the pair-time map are kept as JSON columns; plain counters are float64
// columns, which is the canonical numeric representation for this backend.
//
//nolint:lll // struct tags can't be split
type VoiceMetaRecord struct {
	GuildID        string  `gorm:"primaryKey;type:string" json:"guild_id"`
	UserID         string  `gorm:"primaryKey;type:string" json:"user_id"`
	TotalTime      float64 `gorm:"column:total_time;not null;default:0" json:"total_time"`
	SoloTime       float64 `gorm:"column:solo_time;not null;default:0" json:"solo_time"`
	SmallGroupTime float64 `gorm:"column:small_group_time;not null;default:0" json:"small_group_time"`
	MidGroupTime   float64 `gorm:"column:mid_group_time;not null;default:0" json:"mid_group_time"`
	BigGroupTime   float64 `gorm:"column:big_group_time;not null;default:0" json:"big_group_time"`
	MutedTime      float64 `gorm:"column:muted_time;not null;default:0" json:"muted_time"`
	MaxMemberCount int     `gorm:"column:max_member_count;not null;default:0" json:"max_member_count"`
	HourBuckets    string  `gorm:"column:hour_buckets;type:string" json:"hour_buckets"`
	PairTime       string  `gorm:"column:pair_time;type:string" json:"pair_time"`
	ModelUnixTime
}

// toVoiceMeta decodes the JSON columns. Malformed stored JSON resets the
// affected field to its zero shape rather than failing the read.
func (r VoiceMetaRecord) toVoiceMeta() *VoiceMeta {
	m := NewVoiceMeta()
	m.TotalTime = r.TotalTime
	m.SoloTime = r.SoloTime
	m.SmallGroupTime = r.SmallGroupTime
	m.MidGroupTime = r.MidGroupTime
	m.BigGroupTime = r.BigGroupTime
	m.MutedTime = r.MutedTime
	m.MaxMemberCount = r.MaxMemberCount
	if r.HourBuckets != "" {
		var buckets [24]float64
		if err := json.Unmarshal([]byte(r.HourBuckets), &buckets); err == nil {
			m.HourBuckets = buckets
		}
	}
	if r.PairTime != "" {
		pairs := map[string]float64{}
		if err := json.Unmarshal([]byte(r.PairTime), &pairs); err == nil {
			m.PairTime = pairs
		}
	}
	return m
}

func (r *VoiceMetaRecord) setVoiceMeta(m *VoiceMeta) error {
	buckets, err := json.Marshal(m.HourBuckets)
	if err != nil {
		return err
	}
	pairs, err := json.Marshal(m.PairTime)
	if err != nil {
		return err
	}
	r.TotalTime = m.TotalTime
	r.SoloTime = m.SoloTime
	r.SmallGroupTime = m.SmallGroupTime
	r.MidGroupTime = m.MidGroupTime
	r.BigGroupTime = m.BigGroupTime
	r.MutedTime = m.MutedTime
	r.MaxMemberCount = m.MaxMemberCount
	r.HourBuckets = string(buckets)
	r.PairTime = string(pairs)
	return nil
}

// VoiceDailyRecord is one per-day rollup entry. GuildDate is the composite
// "guildID#YYYY-MM-DD" key, matching the partitioning of the original
// table design.
//
//nolint:lll // struct tags can't be split
type VoiceDailyRecord struct {
	GuildDate     string  `gorm:"primaryKey;type:string" json:"guild_date"`
	UserID        string  `gorm:"primaryKey;type:string" json:"user_id"`
	TotalMin      float64 `gorm:"column:total_min;not null;default:0" json:"total_min"`
	SoloMin       float64 `gorm:"column:solo_min;not null;default:0" json:"solo_min"`
	SmallGroupMin float64 `gorm:"column:small_group_min;not null;default:0" json:"small_group_min"`
	MidGroupMin   float64 `gorm:"column:mid_group_min;not null;default:0" json:"mid_group_min"`
	BigGroupMin   float64 `gorm:"column:big_group_min;not null;default:0" json:"big_group_min"`
	MutedMin      float64 `gorm:"column:muted_min;not null;default:0" json:"muted_min"`
	ModelUnixTime
}

// GuildConfigRecord stores the per-guild configuration document as JSON.
type GuildConfigRecord struct {
	GuildID string `gorm:"primaryKey;type:string" json:"guild_id"`
	Config  string `gorm:"column:config;type:string" json:"config"`
	ModelUnixTime
}

// DBStore is the SQL-backed Store, supporting SQLite and PostgreSQL via
// GORM. Counter increments are single additive upserts, so the tick loop
// and administrative adjustments never read-modify-write XP rows.
type DBStore struct {
	db     *gorm.DB
	logger *slog.Logger

	// mu serializes the read-merge-write of UpdateVoiceMeta against
	// concurrent aggregate reads
	mu sync.Mutex
}

var _ Store = (*DBStore)(nil)

// NewDBStore opens the configured database, runs migrations and returns
// the store.
func NewDBStore(config *Config, logger *slog.Logger) (*DBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		config.DatabaseSlowThreshold,
	)

	var db *gorm.DB
	var err error
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch config.DatabaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(config.Database); parentDir != "" {
			if mkErr := os.MkdirAll(parentDir, 0o755); mkErr != nil &&
				!errors.Is(mkErr, os.ErrExist) {
				return nil, mkErr
			}
		}
		db, err = gorm.Open(sqlite.Open(config.Database), gormConfig)
		if err == nil {
			for _, pragma := range sqliteExecPragma {
				if execErr := db.Exec(pragma).Error; execErr != nil {
					return nil, execErr
				}
			}
		}
	case dbTypePostgres:
		db, err = gorm.Open(postgres.Open(config.Database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			config.DatabaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.AutoMigrate(
		&XPRecord{},
		&VoiceMetaRecord{},
		&VoiceDailyRecord{},
		&GuildConfigRecord{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return &DBStore{
		db:     db,
		logger: logger.With(loggerNameKey, "db_store"),
	}, nil
}

// DB exposes the underlying GORM handle, primarily for tests.
func (s *DBStore) DB() *gorm.DB {
	return s.db
}

func (s *DBStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (s *DBStore) addXP(
	ctx context.Context,
	guildID string,
	userID string,
	column string,
	xp float64,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	record := XPRecord{GuildID: guildID, UserID: userID}
	switch column {
	case "voice_xp":
		record.VoiceXP = xp
	case "text_xp":
		record.TextXP = xp
	default:
		return fmt.Errorf("unknown xp column: %s", column)
	}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					column: gorm.Expr(
						fmt.Sprintf("xp_records.%s + ?", column), xp,
					),
				},
			),
		},
	).Create(&record).Error
}

func (s *DBStore) AddVoiceXP(
	ctx context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	return s.addXP(ctx, guildID, userID, "voice_xp", xp)
}

func (s *DBStore) AddTextXP(
	ctx context.Context,
	guildID string,
	userID string,
	xp float64,
) error {
	return s.addXP(ctx, guildID, userID, "text_xp", xp)
}

func (s *DBStore) getXP(
	ctx context.Context,
	guildID string,
	userID string,
) (XPRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var record XPRecord
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return XPRecord{GuildID: guildID, UserID: userID}, nil
	}
	return record, err
}

func (s *DBStore) GetVoiceXP(
	ctx context.Context,
	guildID string,
	userID string,
) (float64, error) {
	record, err := s.getXP(ctx, guildID, userID)
	return record.VoiceXP, err
}

func (s *DBStore) GetTextXP(
	ctx context.Context,
	guildID string,
	userID string,
) (float64, error) {
	record, err := s.getXP(ctx, guildID, userID)
	return record.TextXP, err
}

func (s *DBStore) GetGuildUserStats(
	ctx context.Context,
	guildID string,
) (map[string]GuildUserXP, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var records []XPRecord
	err := s.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]GuildUserXP, len(records))
	for _, r := range records {
		out[r.UserID] = GuildUserXP{VoiceXP: r.VoiceXP, TextXP: r.TextXP}
	}
	return out, nil
}

// getOrCreateMetaRecord loads the aggregate row, materializing a zero row
// if none exists. Callers must hold s.mu.
func (s *DBStore) getOrCreateMetaRecord(
	ctx context.Context,
	guildID string,
	userID string,
) (VoiceMetaRecord, error) {
	var record VoiceMetaRecord
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return record, err
	}
	record = VoiceMetaRecord{GuildID: guildID, UserID: userID}
	if err = record.setVoiceMeta(NewVoiceMeta()); err != nil {
		return record, err
	}
	err = s.db.WithContext(ctx).Clauses(
		clause.OnConflict{DoNothing: true},
	).Create(&record).Error
	return record, err
}

func (s *DBStore) GetVoiceMeta(
	ctx context.Context,
	guildID string,
	userID string,
) (*VoiceMeta, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getOrCreateMetaRecord(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	return record.toVoiceMeta(), nil
}

func (s *DBStore) UpdateVoiceMeta(
	ctx context.Context,
	guildID string,
	userID string,
	update VoiceMetaUpdate,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getOrCreateMetaRecord(ctx, guildID, userID)
	if err != nil {
		return err
	}
	meta := record.toVoiceMeta()
	update.applyTo(meta)
	if err = record.setVoiceMeta(meta); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

func (s *DBStore) AddDailyVoiceMinutes(
	ctx context.Context,
	guildID string,
	userID string,
	date time.Time,
	delta DailyMinutes,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	record := VoiceDailyRecord{
		GuildDate:     dailyKey(guildID, date.Format(DateLayout)),
		UserID:        userID,
		TotalMin:      delta.Total,
		SoloMin:       delta.Solo,
		SmallGroupMin: delta.SmallGroup,
		MidGroupMin:   delta.MidGroup,
		BigGroupMin:   delta.BigGroup,
		MutedMin:      delta.Muted,
	}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_date"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					"total_min":       gorm.Expr("voice_daily_records.total_min + ?", delta.Total),
					"solo_min":        gorm.Expr("voice_daily_records.solo_min + ?", delta.Solo),
					"small_group_min": gorm.Expr("voice_daily_records.small_group_min + ?", delta.SmallGroup),
					"mid_group_min":   gorm.Expr("voice_daily_records.mid_group_min + ?", delta.MidGroup),
					"big_group_min":   gorm.Expr("voice_daily_records.big_group_min + ?", delta.BigGroup),
					"muted_min":       gorm.Expr("voice_daily_records.muted_min + ?", delta.Muted),
					"updated_at":      time.Now().UnixMilli(),
				},
			),
		},
	).Create(&record).Error
}

func (s *DBStore) GetUserTotalMinutesInRange(
	ctx context.Context,
	guildID string,
	userID string,
	dateFrom time.Time,
	dateTo time.Time,
) (float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// day-by-day lookups: O(days) round trips is the accepted cost of the
	// composite-key layout
	total := 0.0
	err := eachDay(
		dateFrom, dateTo, func(dateKey string) error {
			var record VoiceDailyRecord
			findErr := s.db.WithContext(ctx).Where(
				"guild_date = ? AND user_id = ?",
				dailyKey(guildID, dateKey), userID,
			).First(&record).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return nil
			}
			if findErr != nil {
				return findErr
			}
			total += record.TotalMin
			return nil
		},
	)
	return total, err
}

func (s *DBStore) GetGuildTotalMinutesInRange(
	ctx context.Context,
	guildID string,
	dateFrom time.Time,
	dateTo time.Time,
) (map[string]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	totals := map[string]float64{}
	err := eachDay(
		dateFrom, dateTo, func(dateKey string) error {
			var records []VoiceDailyRecord
			findErr := s.db.WithContext(ctx).Where(
				"guild_date = ?", dailyKey(guildID, dateKey),
			).Find(&records).Error
			if findErr != nil {
				return findErr
			}
			for _, r := range records {
				totals[r.UserID] += r.TotalMin
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *DBStore) GetGuildConfig(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var record GuildConfigRecord
	err := s.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &GuildConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := &GuildConfig{}
	if record.Config != "" {
		// invalid entries inside the document are dropped by the
		// GuildConfig decoder; a wholly unreadable document is treated
		// as absent
		if jsonErr := json.Unmarshal([]byte(record.Config), cfg); jsonErr != nil {
			s.logger.Warn(
				"malformed guild config document, ignoring",
				"guild_id", guildID,
				tint.Err(jsonErr),
			)
			return &GuildConfig{}, nil
		}
	}
	return cfg, nil
}

func (s *DBStore) SaveGuildConfig(
	ctx context.Context,
	guildID string,
	config *GuildConfig,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	record := GuildConfigRecord{GuildID: guildID, Config: string(raw)}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					"config":     record.Config,
					"updated_at": time.Now().UnixMilli(),
				},
			),
		},
	).Create(&record).Error
}

func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
