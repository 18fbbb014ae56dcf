package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink writing to log, or to the shared logger when log is nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = obs.Logger()
	}
	return &LogSink{log: log}
}

// Append logs event enriched with the request id and the authenticated identity.
func (s *LogSink) Append(ctx context.Context, event auth.AuditEvent) error {
	if strings.TrimSpace(event.Action) == "" {
		return errors.New("event action is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event.Action),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.ID != "" {
		attrs = append(attrs, slog.String("event_id", event.ID))
	}
	if event.Resource != "" {
		attrs = append(attrs, slog.String("resource", event.Resource))
	}
	if event.ResourceID != "" {
		attrs = append(attrs, slog.String("resource_id", event.ResourceID))
	}
	if event.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", event.ActorID))
	} else if id, ok := auth.IdentityIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("actor_id", id))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	fields := make([]any, 0, len(event.Details))
	for k, v := range event.Details {
		fields = append(fields, slog.String(k, v))
	}
	attrs = append(attrs, slog.Group("fields", fields...))
	s.log.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Tee fans an event out to every sink and returns the first error.
type Tee []auth.AuditSink

func (t Tee) Append(ctx context.Context, event auth.AuditEvent) error {
	var first error
	for _, sink := range t {
		if sink == nil {
			continue
		}
		if err := sink.Append(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
