// Package audit records the outcome of every authorization decision made
// against an incoming fact: who submitted it, what it was, and whether it
// was accepted. It is deliberately separate from pkg/telemetry's counters,
// which answer "how many" but not "which fact, whose signature, what
// reason" for a specific rejected save.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Verdict is the outcome recorded for a decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Writer appends decision records to a Postgres table. Redact controls
// whether ActorID and Signers are stored as salted hashes instead of raw
// values, for deployments where the audit log itself must not carry
// identifying material.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record describes one authorization decision against one fact. BatchID
// correlates every Record written from the same Save call, the way a
// policy gateway correlates every audit row from one decision under a
// single generated decision id.
type Record struct {
	BatchID    string
	FactType   string
	FactHash   string
	ActorID    string
	Signers    []string
	Verdict    Verdict
	ReasonCode string
	CreatedAt  time.Time
}

// Append persists rec, applying redaction first when the Writer is
// configured for it.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(batch_id, fact_type, fact_hash, actor_id, signers, verdict, reason_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.BatchID, rec.FactType, rec.FactHash, rec.ActorID, rec.Signers, string(rec.Verdict), rec.ReasonCode, rec.CreatedAt)
	return err
}

// Get returns the most recently recorded decision for a fact, or
// pgx.ErrNoRows if none exists.
func (w *Writer) Get(ctx context.Context, factType, factHash string) (Record, error) {
	var rec Record
	var verdict string
	row := w.DB.QueryRow(ctx, `
		SELECT batch_id, fact_type, fact_hash, actor_id, signers, verdict, reason_code, created_at
		FROM audit_records WHERE fact_type=$1 AND fact_hash=$2
		ORDER BY created_at DESC LIMIT 1
	`, factType, factHash)
	if err := row.Scan(&rec.BatchID, &rec.FactType, &rec.FactHash, &rec.ActorID, &rec.Signers, &verdict, &rec.ReasonCode, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Verdict = Verdict(verdict)
	return rec, nil
}
