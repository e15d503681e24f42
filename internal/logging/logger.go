package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"

	"github.com/l0p7/tilegate/internal/config"
	"github.com/l0p7/tilegate/internal/tilecache"
)

// New builds the process logger from the logging block.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	logger := slog.New(handler).With(slog.String("component", "tilegate"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

// LevelCritical sits above slog's error level for CRIT, ALERT and EMERG
// engine events.
const LevelCritical = slog.LevelError + 4

// SlogLevel maps an engine severity onto slog.
func SlogLevel(level tilecache.Level) slog.Level {
	switch {
	case level <= tilecache.LevelDebug:
		return slog.LevelDebug
	case level <= tilecache.LevelNotice:
		return slog.LevelInfo
	case level == tilecache.LevelWarn:
		return slog.LevelWarn
	case level == tilecache.LevelError:
		return slog.LevelError
	default:
		return LevelCritical
	}
}

// NewSink adapts engine log events to logger, dropping events below minLevel.
func NewSink(logger *slog.Logger, minLevel tilecache.Level) tilecache.Sink {
	if logger == nil {
		return nil
	}
	logger = logger.With(slog.String("agent", "engine"))
	return tilecache.SinkFunc(func(level tilecache.Level, message string) {
		if level < minLevel {
			return
		}
		logger.LogAttrs(context.Background(), SlogLevel(level), message,
			slog.String("engine_level", level.String()))
	})
}
