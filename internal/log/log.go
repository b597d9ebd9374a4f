package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/batchui/batchrun/internal/model"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler appends attributes stored in a context by ContextAttrs
// to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	} else {
		a = append(make([]slog.Attr, 0, len(a)+len(attrs)), a...)
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, slogKey, a)
}

// WithRun attaches run identity to every record logged with the returned ctx.
func WithRun(ctx context.Context, runID, scriptID string) context.Context {
	return ContextAttrs(ctx,
		slog.String("run_id", runID),
		slog.String("script_id", scriptID),
	)
}

func New(verbose bool) *slog.Logger {
	return NewWriter(os.Stderr, verbose)
}

func NewWriter(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	ctxHandler := NewContextHandler(base)
	return slog.New(ctxHandler)
}

// FromConfig builds a logger writing to the destination in cfg.Log. The
// returned closer releases a log file and is a no-op otherwise.
func FromConfig(cfg model.Service) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Log {
	case "", model.LogStderr:
		return NewWriter(os.Stderr, cfg.Verbose), noop, nil
	case model.LogStdout:
		return NewWriter(os.Stdout, cfg.Verbose), noop, nil
	case model.LogDiscard:
		return NewWriter(io.Discard, cfg.Verbose), noop, nil
	default:
		f, err := os.OpenFile(cfg.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, noop, fmt.Errorf("opening log file %s: %w", cfg.Log, err)
		}
		return NewWriter(f, cfg.Verbose), f.Close, nil
	}
}
