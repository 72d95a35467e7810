package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends one row per guarded mutation so destructive operations
// stay attributable after the fact.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact replaces the actor identity with a salted hash.
	Redact bool
}

// Record is one mutation decision, approved or not.
type Record struct {
	Actor     string          `json:"actor"`
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	RecordID  int             `json:"record_id"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Approved  bool            `json:"approved"`
	Cause     string          `json:"cause,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mutation_audit (
			id BIGSERIAL PRIMARY KEY,
			actor TEXT NOT NULL,
			table_name TEXT NOT NULL,
			operation TEXT NOT NULL,
			record_id INT NOT NULL,
			fields JSONB,
			approved BOOLEAN NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	actor := strings.TrimSpace(rec.Actor)
	if w.Redact {
		actor = hashActor(actor, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO mutation_audit
		(actor, table_name, operation, record_id, fields, approved, cause, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, actor, rec.Table, rec.Operation, rec.RecordID, rec.Fields, rec.Approved, rec.Cause, rec.Reason, rec.CreatedAt)
	return err
}

// Recent returns the newest records, most recent first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT actor, table_name, operation, record_id, fields, approved, cause, reason, created_at
		FROM mutation_audit ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Actor, &rec.Table, &rec.Operation, &rec.RecordID, &rec.Fields,
			&rec.Approved, &rec.Cause, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hashActor(actor string, salt []byte) string {
	if actor == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(actor))
	return hex.EncodeToString(h.Sum(nil))
}
