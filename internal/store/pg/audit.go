package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tourguide.org/internal/auth"
	"tourguide.org/internal/ids"
)

// Append records event in audit_log.
func (s *Store) Append(ctx context.Context, event auth.AuditEvent) error {
	if s.db == nil {
		return errNoDB
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = ids.NewAt(event.OccurredAt)
	}
	details := []byte("{}")
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, action, resource, resource_id, actor_id, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.Action, event.Resource, nullIfEmpty(event.ResourceID), nullIfEmpty(event.ActorID), details, event.OccurredAt)
	return err
}
