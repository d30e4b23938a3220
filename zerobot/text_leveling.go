package zerobot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTextXPCooldown is the minimum gap between text XP grants for
	// one user in one guild.
	DefaultTextXPCooldown = 10 * time.Second

	// textXPLengthStep is the message length (in runes) per extra XP point
	textXPLengthStep = 80

	// textXPMax caps the XP of a single message
	textXPMax = 3
)

// CalcTextXP computes XP for one message: 1 XP per started 80-rune block,
// capped at 3. Empty messages grant nothing.
func CalcTextXP(content string) float64 {
	length := len([]rune(content))
	if length == 0 {
		return 0
	}
	xp := 1 + length/textXPLengthStep
	if xp > textXPMax {
		xp = textXPMax
	}
	return float64(xp)
}

// TextLeveling grants text XP from message events. The per-(guild,user)
// cooldown lives here, not in the store - the ledger itself has no notion
// of cooldowns.
type TextLeveling struct {
	store    Store
	logger   *slog.Logger
	cooldown time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTextLeveling(store Store, cooldown time.Duration, logger *slog.Logger) *TextLeveling {
	if cooldown <= 0 {
		cooldown = DefaultTextXPCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TextLeveling{
		store:    store,
		cooldown: cooldown,
		logger:   logger.With(loggerNameKey, "text_leveling"),
		limiters: map[string]*rate.Limiter{},
	}
}

// limiter returns the (guild,user) cooldown limiter, creating it on first
// sight. A fresh limiter has one token, so a user's first message always
// grants.
func (t *TextLeveling) limiter(guildID string, userID string) *rate.Limiter {
	key := guildID + ":" + userID
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.cooldown), 1)
		t.limiters[key] = l
	}
	return l
}

// HandleMessage grants XP for one guild message. Bot authors and messages
// outside guilds grant nothing. Returns the amount granted (0 if on
// cooldown or ineligible).
func (t *TextLeveling) HandleMessage(
	ctx context.Context,
	guildID string,
	userID string,
	content string,
	authorIsBot bool,
) (float64, error) {
	if authorIsBot || guildID == "" || userID == "" {
		return 0, nil
	}

	xp := CalcTextXP(content)
	if xp <= 0 {
		return 0, nil
	}

	if !t.limiter(guildID, userID).Allow() {
		return 0, nil
	}

	if err := t.store.AddTextXP(ctx, guildID, userID, xp); err != nil {
		return 0, fmt.Errorf("adding text xp: %w", err)
	}
	return xp, nil
}
