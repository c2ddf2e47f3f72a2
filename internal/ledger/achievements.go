package ledger

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
)

// LogAchievements records achievement triggers in the log and nothing else.
type LogAchievements struct {
	logger *log.Logger
}

// NewLogAchievements creates a LogAchievements.
func NewLogAchievements(logger *log.Logger) *LogAchievements {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &LogAchievements{logger: logger.WithPrefix("achievements")}
}

// Check logs the trigger and its data.
func (a *LogAchievements) Check(_ context.Context, userID, trigger string, data map[string]any) error {
	kv := []any{"user", userID, "trigger", trigger}
	for _, k := range []string{"session_id", "winning_number", "total_bet_amount", "total_winnings", "won"} {
		if v, ok := data[k]; ok {
			kv = append(kv, k, v)
		}
	}
	a.logger.Info("Achievement check", kv...)
	return nil
}
