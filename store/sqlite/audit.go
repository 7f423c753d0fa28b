package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/stock-engine/audit"
	"github.com/warp/stock-engine/catalog"
)

// =============================================================================
// AUDIT LOG (audit.Store interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e audit.Event) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, entity_type, entity_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.ActorID), e.Action, e.EntityType, nullString(e.EntityID), meta, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *Store) AuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	query := `SELECT id, actor_id, action, entity_type, entity_id, metadata_json, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e                     audit.Event
			actor, entityID, meta sql.NullString
			created               string
		)
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.EntityType, &entityID, &meta, &created); err != nil {
			return nil, err
		}
		e.ActorID = actor.String
		e.EntityID = entityID.String
		e.CreatedAt = parseTime(created)
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt audit metadata for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ audit.Store   = (*Store)(nil)
	_ catalog.Store = (*Store)(nil)
)
