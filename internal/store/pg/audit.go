package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"veyra.id/internal/audit"
	"veyra.id/internal/ids"
)

// AuditStore persists audit events for the store sink.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

// Audit returns the audit log writer.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (s *AuditStore) Insert(ctx context.Context, ev audit.Event) error {
	id := ev.ID
	if id == "" {
		id = ids.New()
	}
	var metadata []byte
	if ev.Metadata != nil {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return err
		}
		metadata = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs(id, actor_id, action, entity_type, entity_id,
			old_value, new_value, ip_address, user_agent, metadata, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, id, nullString(ev.ActorID), ev.Action, nullString(ev.EntityType), nullString(ev.EntityID),
		nullString(ev.OldValue), nullString(ev.NewValue), nullString(ev.IP), nullString(ev.UserAgent),
		metadata, ev.OccurredAt)
	return err
}
