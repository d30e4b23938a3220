package zerobot

// LevelBaseXP is the XP required to advance from level 1 to level 2.
// Advancing from level L to L+1 costs LevelBaseXP * L.
const LevelBaseXP = 20.0

// LevelInfo describes where a cumulative XP total falls on the level curve.
type LevelInfo struct {
	// Level is the current level, starting at 1
	Level int `json:"level"`

	// CurrentXP is the XP accumulated within the current level
	CurrentXP float64 `json:"current_xp"`

	// NextLevelXP is the XP required to advance from the current
	// level to the next
	NextLevelXP float64 `json:"next_level_xp"`
}

// LevelFromXP converts a cumulative XP total into a level, the XP
// accumulated within that level, and the requirement for the next level.
//
// Non-positive XP is level 1 with zero progress. The per-level requirement
// grows linearly, so the loop terminates for any finite total.
func LevelFromXP(xp float64) LevelInfo {
	if xp <= 0 {
		return LevelInfo{Level: 1, CurrentXP: 0.0, NextLevelXP: LevelBaseXP}
	}

	level := 1
	remaining := xp
	need := LevelBaseXP * float64(level)

	for remaining >= need {
		remaining -= need
		level++
		need = LevelBaseXP * float64(level)
	}

	return LevelInfo{Level: level, CurrentXP: remaining, NextLevelXP: need}
}

// XPForLevel returns the minimum cumulative XP at which a user reaches the
// given level. Levels at or below 1 require no XP.
//
// The curve is an arithmetic series: reaching level L requires
// LevelBaseXP * (1 + 2 + ... + (L-1)).
func XPForLevel(level int) float64 {
	if level <= 1 {
		return 0.0
	}
	n := float64(level - 1)
	return LevelBaseXP * n * (n + 1) / 2
}
