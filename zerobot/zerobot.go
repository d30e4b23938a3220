package zerobot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ZeroBot is the root of the application: it owns the store, the Discord
// gateway, the voice snapshot loop, text XP handling, and the HTTP API,
// and ties their lifecycles together in Run.
type ZeroBot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store        Store
	discord      *Discord
	api          *API
	voiceTicker  *VoiceTicker
	textLeveling *TextLeveling
	rankings     *Rankings

	// location is the fixed reference timezone for all calendar and
	// hour-of-day bucketing
	location *time.Location

	startedAt time.Time

	// prevents Run from executing concurrently
	runMu sync.Mutex
}

// New assembles a ZeroBot from the given config. Errors from component
// construction are joined, so a caller sees every problem at once.
func New(config *Config) (*ZeroBot, error) {
	var errs []error

	z := &ZeroBot{
		config:   config,
		location: config.ReferenceLocation(),
	}

	z.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	z.logger = slog.New(z.logHandler)
	slog.SetDefault(z.logger)

	store, err := NewStore(config, z.logger)
	if err != nil {
		errs = append(errs, err)
	}
	z.store = store

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.z = z
	}
	z.discord = disc

	z.rankings = NewRankings(z.store)
	z.textLeveling = NewTextLeveling(
		z.store,
		config.TextXPCooldown,
		z.logger,
	)

	if z.store != nil && z.discord != nil {
		z.voiceTicker = NewVoiceTicker(
			z.store,
			z.discord.presenceSource(),
			z.store,
			config.TickInterval,
			z.location,
			z.logger,
		)
	}

	if config.API.Enabled {
		api, err := newAPI(z, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		z.api = api
	}

	return z, errors.Join(errs...)
}

func (z *ZeroBot) ValidateConfig() error {
	return structValidator.Struct(z.config)
}

// Store exposes the storage backend, mainly for tests and tooling.
func (z *ZeroBot) Store() Store {
	return z.store
}

// Rankings exposes the read-side ranking layer.
func (z *ZeroBot) Rankings() *Rankings {
	return z.rankings
}

// Run starts every enabled component and blocks until ctx is canceled
// or a component fails. On return, the gateway session is closed and
// the store is flushed and closed.
func (z *ZeroBot) Run(ctx context.Context) error {
	z.runMu.Lock()
	defer z.runMu.Unlock()

	z.startedAt = time.Now()
	logger := z.logger

	if err := z.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting",
		slog.String("version", Version),
		slog.Any("config", z.config),
	)

	eg, egCtx := errgroup.WithContext(ctx)

	if z.api != nil {
		eg.Go(
			func() error {
				err := z.api.Serve(egCtx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api serve: %w", err)
				}
				return nil
			},
		)
		eg.Go(
			func() error {
				<-egCtx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(
					context.Background(), z.config.ShutdownTimeout,
				)
				defer shutdownCancel()
				if err := z.api.Shutdown(shutdownCtx); err != nil {
					logger.Warn("error shutting down api", tint.Err(err))
				}
				return nil
			},
		)
	}

	if z.config.Discord.GatewayEnabled {
		if err := z.connectDiscord(egCtx); err != nil {
			cancel()
			_ = eg.Wait()
			z.closeStore()
			return err
		}
		defer z.discord.close()

		eg.Go(
			func() error {
				z.voiceTicker.Run(egCtx)
				return nil
			},
		)
	} else {
		logger.WarnContext(ctx, "discord gateway disabled")
	}

	err := eg.Wait()
	z.closeStore()
	return err
}

// connectDiscord opens the gateway session, waits for the Ready event
// within StartupTimeout, then registers slash commands.
func (z *ZeroBot) connectDiscord(ctx context.Context) error {
	if err := z.discord.connect(ctx); err != nil {
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, z.config.StartupTimeout)
	defer startCancel()
	select {
	case <-startCtx.Done():
		return fmt.Errorf("timed out waiting for discord ready")
	case <-z.discord.signalReady:
		//
	}

	commands, err := z.discord.registerCommands()
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	z.logger.InfoContext(
		ctx,
		"registered slash commands",
		"count", len(commands),
	)
	return nil
}

func (z *ZeroBot) closeStore() {
	if z.store == nil {
		return
	}
	if err := z.store.Close(); err != nil {
		z.logger.Warn("error closing store", tint.Err(err))
	}
}
