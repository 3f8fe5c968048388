package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/wildboar/smtpgate/internal/smtpd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	switch format {
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &sessionLogHandler{handler}
}

func setupLogger(format, level string) {
	slog.SetDefault(slog.New(newHandler(os.Stderr, format, level)))
}

// sessionLogHandler mirrors records onto the active span and tags them with
// the SMTP session they were logged from.
type sessionLogHandler struct {
	slog.Handler
}

var _ slog.Handler = (*sessionLogHandler)(nil)

func (h *sessionLogHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		var attrs []attribute.KeyValue
		r.Attrs(func(a slog.Attr) bool {
			attrs = append(attrs, attribute.String(a.Key, a.Value.String()))
			return true
		})

		r.Add(slog.String("traceID", span.SpanContext().TraceID().String()))

		span.AddEvent(r.Message, trace.WithAttributes(attrs...))
	}

	if id := smtpd.SessionIDFromContext(ctx); id != "" {
		r.Add(slog.String("session_id", id))
	}

	if addr := smtpd.RemoteAddrFromContext(ctx); addr != nil {
		r.Add(slog.String("peer", addr.String()))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *sessionLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionLogHandler{h.Handler.WithAttrs(attrs)}
}

func (h *sessionLogHandler) WithGroup(name string) slog.Handler {
	return &sessionLogHandler{h.Handler.WithGroup(name)}
}
