// Package log wires partisan's components to log/slog the way
// ctrliq-beskar's internal/pkg/log package does: a small Config
// struct selecting level and format, plus a context-scoped logger so
// components don't have to thread a *slog.Logger through every call.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Config selects the level and output format of the root logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Logger builds a *slog.Logger from c. handlerWrapper, if non-nil, lets
// a caller wrap the base handler (e.g. to add static fields).
func (c *Config) Logger(handlerWrapper func(slog.Handler) slog.Handler) (*slog.Logger, error) {
	var handler slog.Handler
	var opts slog.HandlerOptions

	switch c.Level {
	case "debug":
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	case "info", "":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("partisan: unknown log level %q", c.Level)
	}

	switch c.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, &opts)
	default:
		return nil, fmt.Errorf("partisan: unknown log format %q", c.Format)
	}

	if handlerWrapper != nil {
		handler = handlerWrapper(handler)
	}
	return slog.New(handler), nil
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying logger, retrievable with
// FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stashed in ctx by WithContext, or the
// default slog logger if none was stashed.
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(contextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		return slog.Default()
	}
	return logger
}
