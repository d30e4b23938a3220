package zerobot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	apiPathHealthCheck       = "/healthz"
	apiPathLeaderboard       = "/api/guilds/:guild_id/leaderboard"
	apiPathGuildMinutes      = "/api/guilds/:guild_id/voice_minutes"
	apiPathUserProfile       = "/api/guilds/:guild_id/users/:user_id"
	apiPathUserRank          = "/api/guilds/:guild_id/users/:user_id/rank"
	apiPathUserVoiceStats    = "/api/guilds/:guild_id/users/:user_id/voice_stats"
	apiPathUserVoiceMinutes  = "/api/guilds/:guild_id/users/:user_id/voice_minutes"
	xRequestIDHeader         = "X-Request-Id"
	apiDateRangeQueryFrom    = "from"
	apiDateRangeQueryTo      = "to"
	apiLeaderboardQueryKind  = "kind"
	apiDefaultLeaderboardCap = 100
)

// httpError is the JSON error body for all non-2xx API responses.
type httpError struct {
	Error string `json:"error"`
}

// API is the read-only HTTP surface: health, leaderboards, per-user
// statistics and rollup range queries. It never mutates the store.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	handlers   *APIHandlers
	listener   net.Listener
	logger     *slog.Logger
}

// APIHandlers binds route handlers to the ranking and storage layers.
type APIHandlers struct {
	store    Store
	rankings *Rankings
	location *time.Location
	logger   *slog.Logger
}

func newAPI(z *ZeroBot, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, fmt.Errorf("nil API config")
	}

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: z.logger.With(loggerNameKey, "api"),
	}
	api.handlers = &APIHandlers{
		store:    z.store,
		rankings: z.rankings,
		location: z.location,
		logger:   api.logger,
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.CORSAllowOrigins
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://" + config.Listen}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiPathHealthCheck, api.handlers.healthCheck)
	r.GET(apiPathLeaderboard, api.handlers.getLeaderboard)
	r.GET(apiPathGuildMinutes, api.handlers.getGuildVoiceMinutes)
	r.GET(apiPathUserProfile, api.handlers.getUserProfile)
	r.GET(apiPathUserRank, api.handlers.getUserRank)
	r.GET(apiPathUserVoiceStats, api.handlers.getUserVoiceStats)
	r.GET(apiPathUserVoiceMinutes, api.handlers.getUserVoiceMinutes)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	guildID := c.Param("guild_id")
	kind := XPKind(c.DefaultQuery(apiLeaderboardQueryKind, string(XPKindVoice)))
	if !kind.valid() {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("invalid kind: %q", kind)},
		)
		return
	}
	entries, err := h.rankings.Leaderboard(c.Request.Context(), guildID, kind)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading leaderboard"},
		)
		return
	}
	if len(entries) > apiDefaultLeaderboardCap {
		entries = entries[:apiDefaultLeaderboardCap]
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id": guildID,
			"kind":     kind,
			"entries":  entries,
		},
	)
}

func (h *APIHandlers) getUserProfile(c *gin.Context) {
	profile, err := h.rankings.UserProfile(
		c.Request.Context(),
		c.Param("guild_id"),
		c.Param("user_id"),
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading profile"},
		)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *APIHandlers) getUserRank(c *gin.Context) {
	guildID := c.Param("guild_id")
	userID := c.Param("user_id")
	kind := XPKind(c.DefaultQuery(apiLeaderboardQueryKind, string(XPKindVoice)))
	if !kind.valid() {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("invalid kind: %q", kind)},
		)
		return
	}
	rank, total, err := h.rankings.UserRank(
		c.Request.Context(), guildID, userID, kind,
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading rank"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id":    guildID,
			"user_id":     userID,
			"kind":        kind,
			"rank":        rank,
			"ranked":      rank > 0,
			"total_users": total,
		},
	)
}

func (h *APIHandlers) getUserVoiceStats(c *gin.Context) {
	meta, err := h.store.GetVoiceMeta(
		c.Request.Context(),
		c.Param("guild_id"),
		c.Param("user_id"),
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading voice stats"},
		)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// dateRange parses and validates the from/to query parameters. Dates use
// the reference timezone, not UTC.
func (h *APIHandlers) dateRange(c *gin.Context) (time.Time, time.Time, bool) {
	fromRaw := c.Query(apiDateRangeQueryFrom)
	toRaw := c.Query(apiDateRangeQueryTo)
	if fromRaw == "" || toRaw == "" {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "from and to query parameters are required"},
		)
		return time.Time{}, time.Time{}, false
	}
	from, err := time.ParseInLocation(DateLayout, fromRaw, h.location)
	if err != nil {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("invalid from date: %q", fromRaw)},
		)
		return time.Time{}, time.Time{}, false
	}
	to, err := time.ParseInLocation(DateLayout, toRaw, h.location)
	if err != nil {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: fmt.Sprintf("invalid to date: %q", toRaw)},
		)
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "to date is before from date"},
		)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *APIHandlers) getUserVoiceMinutes(c *gin.Context) {
	from, to, ok := h.dateRange(c)
	if !ok {
		return
	}
	guildID := c.Param("guild_id")
	userID := c.Param("user_id")
	minutes, err := h.store.GetUserTotalMinutesInRange(
		c.Request.Context(), guildID, userID, from, to,
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading voice minutes"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id":      guildID,
			"user_id":       userID,
			"from":          from.Format(DateLayout),
			"to":            to.Format(DateLayout),
			"total_minutes": minutes,
		},
	)
}

func (h *APIHandlers) getGuildVoiceMinutes(c *gin.Context) {
	from, to, ok := h.dateRange(c)
	if !ok {
		return
	}
	guildID := c.Param("guild_id")
	totals, err := h.store.GetGuildTotalMinutesInRange(
		c.Request.Context(), guildID, from, to,
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading voice minutes"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"guild_id": guildID,
			"from":     from.Format(DateLayout),
			"to":       to.Format(DateLayout),
			"totals":   totals,
		},
	)
}

func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// requestIDMiddleware assigns each request a random hex ID, set both in
// the gin context and on the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginLoggingMiddleware logs each request on completion, including any
// private errors handlers attached to the context.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"request_id", requestID,
			),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}
