// Package audit persists the action trail: one row per executed (or denied)
// milestone action, queryable by action id or entity. The daemon runs without
// it when no database is configured.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	ActionID    string
	EntityType  string
	EntityID    string
	AgreementID string
	Action      string
	ActorIDHash string
	Verdict     string
	ReasonCode  string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

const recordColumns = `action_id, entity_type, entity_id, agreement_id, action, actor_id_hash, verdict, reason_code, payload, created_at`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO action_records
		(`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ActionID, rec.EntityType, rec.EntityID, rec.AgreementID, rec.Action, rec.ActorIDHash, rec.Verdict, rec.ReasonCode, rec.Payload, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, actionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM action_records WHERE action_id=$1
	`, actionID)
	var payload json.RawMessage
	if err := row.Scan(&rec.ActionID, &rec.EntityType, &rec.EntityID, &rec.AgreementID, &rec.Action, &rec.ActorIDHash, &rec.Verdict, &rec.ReasonCode, &payload, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

// ListByEntity returns records for one entity, newest first.
func (w *Writer) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM action_records WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at DESC LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var payload json.RawMessage
		if err := rows.Scan(&rec.ActionID, &rec.EntityType, &rec.EntityID, &rec.AgreementID, &rec.Action, &rec.ActorIDHash, &rec.Verdict, &rec.ReasonCode, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}
