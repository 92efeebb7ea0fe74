package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration
type Config struct {
	Level  Level  `toml:"level" validate:"required,oneof=debug info warn error"`
	Format string `toml:"format" validate:"required,oneof=text json"`
}

func (c Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func (c Config) slogLevel() slog.Level {
	switch c.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w. An invalid config falls back to info/text.
func New(w io.Writer, c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel()}
	var handler slog.Handler
	switch c.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs the configured logger as the slog default.
func Init(c Config) {
	if err := c.Validate(); err != nil {
		slog.Warn("Invalid logger configuration, using defaults", slog.String("error", err.Error()))
	}
	slog.SetDefault(New(os.Stderr, c))
}
