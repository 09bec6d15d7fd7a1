package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the service logger: JSON lines on stdout, tagged service=voiced.
func New(appEnv string) *slog.Logger {
	return NewTo(os.Stdout, appEnv)
}

// NewTo is New writing to w. Debug records are kept only in local and dev.
// Timestamps are rendered in UTC so device logs line up with backend logs.
func NewTo(w io.Writer, appEnv string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: levelFor(appEnv),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	})
	return slog.New(h).With("service", "voiced")
}

func levelFor(appEnv string) slog.Level {
	switch appEnv {
	case "local", "dev":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// With returns ctx carrying l; call paths and workers log through From.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored by With, or slog.Default().
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
