package agent

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// setupLogging installs the agent's tint handler. Verbosity maps the -v
// count onto slog levels.
func setupLogging(verbose int) {
	level := slog.LevelInfo
	if verbose >= 1 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}
