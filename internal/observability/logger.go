package observability

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"

	"github.com/duckmesh/sqlagent/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// NewLogger returns a JSON logger when LogJSON is set and an uncoloured tint
// text logger otherwise. NewConsoleLogger is the coloured variant for ttys.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	return newLogger(cfg, writer, false)
}

func NewConsoleLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	return newLogger(cfg, writer, true)
}

func newLogger(cfg config.Config, writer io.Writer, color bool) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = tint.NewHandler(writer, &tint.Options{
			Level:      cfg.Observability.LogLevel,
			TimeFormat: time.Kitchen,
			NoColor:    !color,
		})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
