package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/obs"
)

// DefaultBufferSize is the number of events Async holds before dropping.
const DefaultBufferSize = 1024

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: sink closed")

type queued struct {
	ctx   context.Context
	event auth.AuditEvent
}

// Async decouples callers from a slow sink. Append never blocks: when the buffer is full the
// event is dropped and counted.
type Async struct {
	next auth.AuditSink
	log  *slog.Logger
	ch   chan queued
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a worker forwarding events to next.
func NewAsync(next auth.AuditSink, size int, log *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if log == nil {
		log = obs.Logger()
	}
	a := &Async{
		next: next,
		log:  log,
		ch:   make(chan queued, size),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Append enqueues event. The request context is detached so cancellation does not lose it.
func (a *Async) Append(ctx context.Context, event auth.AuditEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.ch <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		obs.AuditDropped()
		a.log.Warn("audit buffer full; event dropped", "event", event.Action)
		return nil
	}
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.ch {
		if err := a.next.Append(q.ctx, q.event); err != nil {
			obs.AuditDropped()
			a.log.Warn("audit sink failed", "event", q.event.Action, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to drain until ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
