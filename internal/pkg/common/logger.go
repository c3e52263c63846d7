package common

import (
	"log/slog"
	"os"
	"strings"

	"github.com/samber/do/v2"
)

func NewLogger(i do.Injector) (*slog.Logger, error) {
	level := do.MustInvokeNamed[string](i, "log-level")

	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})), nil
}

// DiscardLogger is handy for tests and for services built without an injector.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
