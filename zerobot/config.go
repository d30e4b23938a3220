//nolint:lll // struct tags can't be split
package zerobot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "ZEROBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "ZB"

	DefaultStoreBackend = storeBackendDB
	DefaultDatabaseType = dbTypeSQLite
	DefaultDatabase     = "zerobot.sqlite3"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultTimezoneOffsetHours is the fixed reference offset (UTC+9) for
	// hour-of-day and calendar-day bucketing. Process-wide, never per
	// guild.
	DefaultTimezoneOffsetHours = 9

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// Config is the full process configuration, loaded once at startup via
// viper/env and passed to New.
type Config struct {
	// StoreBackend selects the persistence backend: 'memory', 'json' or 'db'
	StoreBackend string `yaml:"store_backend" mapstructure:"store_backend" json:"store_backend" binding:"oneof=memory json db"`

	// Database is the connection string: a SQLite or JSON file path, or a
	// PostgreSQL DSN
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the SQL flavor for the 'db' backend, either
	// 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow
	// database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// TickInterval is the voice snapshot interval. XP and statistics
	// accrue in units of this interval.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval" json:"tick_interval"`

	// TimezoneOffsetHours is the fixed UTC offset used for hour-of-day
	// and calendar-day bucketing
	TimezoneOffsetHours int `yaml:"timezone_offset_hours" mapstructure:"timezone_offset_hours" json:"timezone_offset_hours"`

	// TextXPCooldown is the minimum gap between text XP grants per user
	TextXPCooldown time.Duration `yaml:"text_xp_cooldown" mapstructure:"text_xp_cooldown" json:"text_xp_cooldown"`

	// Discord configures the bot gateway connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the read-only HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds gateway connection on start
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// DiscordConfig configures the gateway connection and slash commands.
type DiscordConfig struct {
	// GatewayEnabled turns the Discord connection on. With it off, only
	// the HTTP API and store run (useful for local inspection of data).
	GatewayEnabled bool `yaml:"gateway_enabled" mapstructure:"gateway_enabled" json:"gateway_enabled"`

	Token string `yaml:"token" mapstructure:"token" json:"-" log:"[redacted]"`

	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID, if set, scopes slash-command registration to one guild
	// (global registration otherwise)
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// APIConfig configures the read-only HTTP API server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// CORSAllowOrigins lists allowed origins; empty means same-origin only
	CORSAllowOrigins []string `yaml:"cors_allow_origins" mapstructure:"cors_allow_origins" json:"cors_allow_origins"`

	// Development relaxes CORS and enables gin debug output
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

func (c DiscordConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ReferenceLocation returns the fixed process-wide timezone used for all
// time bucketing.
func (c Config) ReferenceLocation() *time.Location {
	offset := c.TimezoneOffsetHours
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
}

// DefaultConfig returns a Config with default values set.
func DefaultConfig() *Config {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultLogLevel)

	dbLogLevel := &slog.LevelVar{}
	dbLogLevel.Set(DefaultDatabaseLogLevel)

	discordLogLevel := &slog.LevelVar{}
	discordLogLevel.Set(DefaultDiscordLogLevel)

	discordgoLogLevel := &slog.LevelVar{}
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)

	apiLogLevel := &slog.LevelVar{}
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		StoreBackend:          DefaultStoreBackend,
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		TickInterval:          DefaultTickInterval,
		TimezoneOffsetHours:   DefaultTimezoneOffsetHours,
		TextXPCooldown:        DefaultTextXPCooldown,
		LogLevel:              logLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayEnabled:    true,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
