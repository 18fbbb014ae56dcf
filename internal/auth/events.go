package auth

import (
	"context"
	"log/slog"
	"time"

	"tourguide.org/internal/ids"
	"tourguide.org/internal/obs"
)

// emitter sends audit events without letting sink failures reach the caller.
type emitter struct {
	sink AuditSink
	log  *slog.Logger
	now  func() time.Time
}

func newEmitter() *emitter {
	return &emitter{log: obs.Logger(), now: time.Now}
}

func (e *emitter) emit(ctx context.Context, event AuditEvent) {
	if e == nil || e.sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}
	if event.ID == "" {
		event.ID = ids.NewAt(event.OccurredAt)
	}
	if err := e.sink.Append(ctx, event); err != nil {
		e.log.Warn("audit append failed", "action", event.Action, "error", err)
	}
}
