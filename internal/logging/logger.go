package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log
// aggregation. Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithCycle returns a logger with learning-cycle context fields attached.
// Use this for all logging within one overseer cycle.
func WithCycle(reportID string) *slog.Logger {
	return slog.With("report_id", reportID)
}

// WithAction returns a logger scoped to one autonomous action execution.
func WithAction(logger *slog.Logger, actionID string, trigger string) *slog.Logger {
	return logger.With(
		"action_id", actionID,
		"trigger", trigger,
	)
}
