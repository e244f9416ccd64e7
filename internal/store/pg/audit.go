package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ecofleet.org/internal/audit"
)

// Audit appends events to audit_log.
type Audit struct {
	db *sql.DB
}

func (s *Audit) AppendAudit(ctx context.Context, evt audit.Event) error {
	if s.db == nil {
		return errNoDB
	}
	var fields []byte
	if len(evt.Fields) > 0 {
		raw, err := json.Marshal(evt.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, ts, request_id, actor_id, action, resource, decision, reason, fields)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do nothing
	`, evt.ID, evt.Timestamp, nullIfEmpty(evt.RequestID), nullIfEmpty(evt.ActorID), evt.Action,
		nullIfEmpty(evt.Resource), evt.Decision, nullIfEmpty(evt.Reason), fields)
	return err
}
