package observability

import (
	"io"
	"log/slog"
	"os"
)

// SetupLogger configures the global structured logger for the app.
func SetupLogger(level slog.Level) *slog.Logger {
	return setupLogger(os.Stdout, level)
}

func setupLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
